package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"arbflow/config"
	"arbflow/logger"
	"arbflow/models"
)

func testOpportunity(id string) models.ArbitrageOpportunity {
	return models.ArbitrageOpportunity{
		ID:            id,
		Symbol:        "BTC-USDT",
		CexVenue:      "binance",
		DexVenue:      "uniswap_v3",
		CexPrice:      "50000",
		DexPrice:      "50600",
		Direction:     models.BuyCexSellDex,
		GrossSpread:   "600",
		ProfitPercent: 1.2,
		NetProfitUSD:  "1000",
		TradeSizeUSD:  "100000",
		Timestamp:     time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC),
	}
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opportunities.jsonl")
	fs, err := NewFileSink(config.FileSinkConfig{Path: path, MaxSize: 10})
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	if err := fs.Write(testOpportunity("opp-1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fs.Write(testOpportunity("opp-2")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var opp models.ArbitrageOpportunity
		if err := json.Unmarshal(scanner.Bytes(), &opp); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		ids = append(ids, opp.ID)
	}
	if len(ids) != 2 || ids[0] != "opp-1" || ids[1] != "opp-2" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestFileSinkRequiresPath(t *testing.T) {
	if _, err := NewFileSink(config.FileSinkConfig{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	name   string
	seen   []string
	closed int
	fail   bool
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Write(opp models.ArbitrageOpportunity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return fmt.Errorf("%s: broken", r.name)
	}
	r.seen = append(r.seen, opp.ID)
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *recordingSink) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	ch := make(chan models.ArbitrageOpportunity, 4)
	broken := &recordingSink{name: "broken", fail: true}
	healthy := &recordingSink{name: "healthy"}
	f := NewFanout(ch, broken, healthy)

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}

	ch <- testOpportunity("opp-1")
	ch <- testOpportunity("opp-2")

	deadline := time.Now().Add(2 * time.Second)
	for len(healthy.ids()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("healthy sink saw %v, want 2 opportunities", healthy.ids())
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.Stop()
	f.Stop()

	if got := healthy.ids(); got[0] != "opp-1" || got[1] != "opp-2" {
		t.Fatalf("unexpected delivery order %v", got)
	}
	if healthy.closed != 1 || broken.closed != 1 {
		t.Fatalf("closed counts healthy=%d broken=%d, want 1 each", healthy.closed, broken.closed)
	}
}

type fakeUploader struct {
	mu   sync.Mutex
	puts []*s3.PutObjectInput
}

func (f *fakeUploader) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, params)
	return &s3.PutObjectOutput{}, nil
}

func newTestS3Sink(uploader *fakeUploader, batchSize int) *S3Sink {
	return &S3Sink{
		cfg: config.S3SinkConfig{
			Bucket: "arbflow-test",
			Prefix: "opportunities",
		},
		client:    uploader,
		log:       logger.GetLogger(),
		lastFlush: time.Now(),
		batchSize: batchSize,
	}
}

func TestS3SinkFlushesFullBatch(t *testing.T) {
	up := &fakeUploader{}
	s := newTestS3Sink(up, 2)

	if err := s.Write(testOpportunity("opp-1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(up.puts) != 0 {
		t.Fatalf("uploaded before batch filled: %d puts", len(up.puts))
	}
	if err := s.Write(testOpportunity("opp-2")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(up.puts) != 1 {
		t.Fatalf("got %d puts, want 1", len(up.puts))
	}

	put := up.puts[0]
	if *put.Bucket != "arbflow-test" {
		t.Fatalf("bucket %q", *put.Bucket)
	}
	key := *put.Key
	if !strings.HasPrefix(key, "opportunities/2024/06/01/") || !strings.HasSuffix(key, ".parquet") {
		t.Fatalf("unexpected key %q", key)
	}
}

func TestS3SinkCloseFlushesRemainder(t *testing.T) {
	up := &fakeUploader{}
	s := newTestS3Sink(up, 100)

	if err := s.Write(testOpportunity("opp-1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(up.puts) != 1 {
		t.Fatalf("got %d puts, want 1", len(up.puts))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(up.puts) != 1 {
		t.Fatalf("empty close uploaded anyway: %d puts", len(up.puts))
	}
}

func TestEncodeParquetProducesData(t *testing.T) {
	data, err := encodeParquet([]models.ArbitrageOpportunity{
		testOpportunity("opp-1"),
		testOpportunity("opp-2"),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet payload")
	}
	// Parquet files start and end with the PAR1 magic.
	if string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatalf("payload missing parquet magic")
	}
}
