package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func fireEntry(t *testing.T, store *logStore, msg string, data logrus.Fields) {
	t.Helper()
	entry := &logrus.Entry{
		Time:    time.Now(),
		Level:   logrus.InfoLevel,
		Message: msg,
		Data:    data,
	}
	if err := store.Fire(entry); err != nil {
		t.Fatalf("fire: %v", err)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(10)
	fireEntry(t, store, "book applied", logrus.Fields{
		"component": "aggregator",
		"symbol":    "BTC-USDT",
		"err":       errors.New("boom"),
	})

	records := store.snapshot()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	r := records[0]
	if r.Message != "book applied" || r.Component != "aggregator" {
		t.Fatalf("unexpected record %+v", r)
	}
	if r.Fields["symbol"] != "BTC-USDT" {
		t.Fatalf("fields %v", r.Fields)
	}
	if r.Fields["err"] != "boom" {
		t.Fatalf("error field not flattened: %v", r.Fields["err"])
	}
	if _, ok := r.Fields["component"]; ok {
		t.Fatal("component should not be duplicated into fields")
	}
}

func TestLogStoreBounded(t *testing.T) {
	store := newLogStore(3)
	for i := 0; i < 10; i++ {
		fireEntry(t, store, "entry", logrus.Fields{"i": i})
	}
	records := store.snapshot()
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].Fields["i"] != 7 || records[2].Fields["i"] != 9 {
		t.Fatalf("store did not keep the newest entries: %v", records)
	}
}

func TestLogStoreClosedIgnoresEntries(t *testing.T) {
	store := newLogStore(3)
	store.close()
	fireEntry(t, store, "late", nil)
	if got := len(store.snapshot()); got != 0 {
		t.Fatalf("closed store captured %d records", got)
	}
}
