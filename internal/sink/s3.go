package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "arbflow/config"
	"arbflow/logger"
	"arbflow/models"
)

const defaultS3BatchSize = 100

// memFile satisfies parquet-go's file abstraction with an in-memory buffer
// so batches can be handed straight to PutObject.
type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile { return &memFile{buffer: &bytes.Buffer{}} }

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// opportunityRecord is the parquet schema for exported opportunities.
type opportunityRecord struct {
	ID            string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol        string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	CexVenue      string  `parquet:"name=cex_venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	DexVenue      string  `parquet:"name=dex_venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	CexPrice      string  `parquet:"name=cex_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	DexPrice      string  `parquet:"name=dex_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Direction     string  `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	GrossSpread   string  `parquet:"name=gross_spread, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProfitPercent float64 `parquet:"name=profit_percent, type=DOUBLE"`
	NetProfitUSD  string  `parquet:"name=net_profit_usd, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeSizeUSD  string  `parquet:"name=trade_size_usd, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp     int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// s3Uploader is the slice of the S3 client the sink uses; tests substitute a
// recorder.
type s3Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink buffers opportunities and uploads them as snappy-compressed
// parquet objects, one object per batch, keyed by date and batch id.
type S3Sink struct {
	cfg    appconfig.S3SinkConfig
	client s3Uploader
	log    *logger.Log

	mu        sync.Mutex
	buffer    []models.ArbitrageOpportunity
	lastFlush time.Time
	batchSize int
}

// NewS3Sink loads AWS credentials and prepares the uploader. Static
// credentials from config win over the default provider chain.
func NewS3Sink(cfg appconfig.S3SinkConfig) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 sink enabled without a bucket")
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultS3BatchSize
	}
	return &S3Sink{
		cfg:       cfg,
		client:    s3.NewFromConfig(awsCfg),
		log:       logger.GetLogger(),
		lastFlush: time.Now(),
		batchSize: batchSize,
	}, nil
}

func (s *S3Sink) Name() string { return "s3" }

// Write buffers the opportunity, flushing when the batch fills or the flush
// interval has elapsed.
func (s *S3Sink) Write(opp models.ArbitrageOpportunity) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, opp)
	full := len(s.buffer) >= s.batchSize
	timedOut := s.cfg.FlushInterval > 0 && time.Since(s.lastFlush) >= s.cfg.FlushInterval
	var batch []models.ArbitrageOpportunity
	if full || timedOut {
		batch = s.buffer
		s.buffer = nil
		s.lastFlush = time.Now()
	}
	s.mu.Unlock()

	if batch == nil {
		return nil
	}
	return s.upload(batch)
}

// Close flushes the remaining buffer.
func (s *S3Sink) Close() error {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return s.upload(batch)
}

func (s *S3Sink) upload(batch []models.ArbitrageOpportunity) error {
	data, err := encodeParquet(batch)
	if err != nil {
		return fmt.Errorf("encode parquet: %w", err)
	}
	key := s.objectKey(batch[0].Timestamp)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.cfg.Bucket, key, err)
	}

	logger.LogDataFlowEntry(s.log.WithComponent("s3_sink").WithFields(logger.Fields{
		"s3_key": key,
		"bytes":  len(data),
	}), "detector", "s3", len(batch), "opportunity")
	return nil
}

func (s *S3Sink) objectKey(ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now()
	}
	return path.Join(
		s.cfg.Prefix,
		ts.UTC().Format("2006/01/02"),
		fmt.Sprintf("opportunities-%s-%s.parquet", ts.UTC().Format("150405"), uuid.NewString()[:8]),
	)
}

func encodeParquet(batch []models.ArbitrageOpportunity) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(opportunityRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, opp := range batch {
		rec := opportunityRecord{
			ID:            opp.ID,
			Symbol:        opp.Symbol,
			CexVenue:      opp.CexVenue,
			DexVenue:      opp.DexVenue,
			CexPrice:      opp.CexPrice,
			DexPrice:      opp.DexPrice,
			Direction:     string(opp.Direction),
			GrossSpread:   opp.GrossSpread,
			ProfitPercent: opp.ProfitPercent,
			NetProfitUSD:  opp.NetProfitUSD,
			TradeSizeUSD:  opp.TradeSizeUSD,
			Timestamp:     opp.Timestamp.UnixMilli(),
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}
