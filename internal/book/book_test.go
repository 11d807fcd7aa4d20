package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func lvl(price, qty string) Level {
	return Level{Price: dec(price), Quantity: dec(qty), Timestamp: time.Now().UnixMilli()}
}

func seeded(t *testing.T) *Book {
	t.Helper()
	b := New("binance", "BTC/USDT")
	b.ApplySnapshot(
		[]Level{lvl("50000", "1"), lvl("50010", "2"), lvl("49990", "3")},
		[]Level{lvl("50030", "1"), lvl("50020", "2"), lvl("50040", "3")},
		time.Now(),
	)
	return b
}

func TestSnapshotSorting(t *testing.T) {
	b := seeded(t)
	ob := b.Snapshot()
	wantBids := []string{"50010", "50000", "49990"}
	wantAsks := []string{"50020", "50030", "50040"}
	for i, w := range wantBids {
		if ob.Bids[i].Price != w {
			t.Errorf("bid %d = %s, want %s", i, ob.Bids[i].Price, w)
		}
	}
	for i, w := range wantAsks {
		if ob.Asks[i].Price != w {
			t.Errorf("ask %d = %s, want %s", i, ob.Asks[i].Price, w)
		}
	}
	if b.Crossed() {
		t.Fatal("valid book reported crossed")
	}
}

func TestDeltaRemoveReplaceInsert(t *testing.T) {
	b := seeded(t)
	now := time.Now()

	// quantity zero removes the level
	b.ApplyDelta(Bid, dec("50000"), decimal.Zero, now)
	if bids, _ := b.Depth(); bids != 2 {
		t.Fatalf("expected 2 bids after removal, got %d", bids)
	}

	// positive quantity on an existing level replaces it
	b.ApplyDelta(Ask, dec("50020"), dec("9"), now)
	ob := b.Snapshot()
	if ob.Asks[0].Quantity != "9" {
		t.Fatalf("expected replaced quantity 9, got %s", ob.Asks[0].Quantity)
	}

	// new price level inserts at the sorted position
	b.ApplyDelta(Bid, dec("50005"), dec("4"), now)
	ob = b.Snapshot()
	if ob.Bids[0].Price != "50010" || ob.Bids[1].Price != "50005" {
		t.Fatalf("unexpected bid order after insert: %s, %s", ob.Bids[0].Price, ob.Bids[1].Price)
	}
}

func TestDeltaBeforeSnapshotIgnored(t *testing.T) {
	b := New("binance", "BTC/USDT")
	b.ApplyDelta(Bid, dec("50000"), dec("1"), time.Now())
	if bids, asks := b.Depth(); bids != 0 || asks != 0 {
		t.Fatalf("delta before snapshot should be dropped, got %d/%d", bids, asks)
	}
	if b.Synced() {
		t.Fatal("book should stay unsynced")
	}
}

func TestCrossedAndReset(t *testing.T) {
	b := seeded(t)
	b.ApplyDelta(Bid, dec("50025"), dec("1"), time.Now())
	if !b.Crossed() {
		t.Fatal("bid above best ask should cross the book")
	}
	b.Reset()
	if b.Synced() {
		t.Fatal("reset book should need a fresh snapshot")
	}
	if bids, asks := b.Depth(); bids != 0 || asks != 0 {
		t.Fatalf("reset book should be empty, got %d/%d", bids, asks)
	}
}

func TestParseLevels(t *testing.T) {
	ts := time.Now()
	levels, skipped := ParseLevels([][]string{
		{"100.5", "2"},
		{"bad", "2"},
		{"101"},
		{"102", "0"},
		{"103", "1.5"},
	}, ts)
	if skipped != 2 {
		t.Fatalf("expected 2 skipped, got %d", skipped)
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels (zero quantity dropped), got %d", len(levels))
	}
	if !levels[0].Price.Equal(dec("100.5")) {
		t.Fatalf("unexpected first level price %s", levels[0].Price)
	}
}
