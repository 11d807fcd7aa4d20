package sink

import (
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"arbflow/config"
	"arbflow/models"
)

// FileSink appends every opportunity as one JSON line to a rotating log
// file. Every opportunity seen lands here, profitable or not, for later
// analysis.
type FileSink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// NewFileSink builds the JSONL sink with rotation per the config.
func NewFileSink(cfg config.FileSinkConfig) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file sink enabled without a path")
	}
	return &FileSink{
		out: &lumberjack.Logger{
			Filename: cfg.Path,
			MaxSize:  cfg.MaxSize,
			MaxAge:   cfg.MaxAge,
			Compress: cfg.Compress,
		},
	}, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Write(opp models.ArbitrageOpportunity) error {
	line, err := json.Marshal(opp)
	if err != nil {
		return fmt.Errorf("marshal opportunity: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(line); err != nil {
		return fmt.Errorf("append opportunity: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}
