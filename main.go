package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"arbflow/config"
	"arbflow/internal/aggregator"
	"arbflow/internal/connector"
	"arbflow/internal/dashboard"
	"arbflow/internal/detector"
	"arbflow/internal/dexfeed"
	"arbflow/internal/oracle"
	"arbflow/internal/sink"
	"arbflow/logger"
	"arbflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Arbflow.Name,
		"version":     cfg.Arbflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting arbflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch("", cfg.Metrics.Namespace, cfg.Arbflow.Name)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		interval := cfg.Metrics.ReportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	events := connector.NewEvents(cfg.Channels.EventBuffer)
	defer events.Close()

	opportunities := make(chan models.ArbitrageOpportunity, cfg.Channels.OpportunityBuffer)

	agg, err := aggregator.New(cfg, events)
	if err != nil {
		log.WithError(err).Error("failed to build aggregator")
		os.Exit(1)
	}

	validator, err := oracle.New(cfg.Oracle)
	if err != nil {
		log.WithError(err).Error("failed to build price validator")
		os.Exit(1)
	}

	det := detector.New(cfg, agg, validator, opportunities)

	var feed *dexfeed.Feed
	if cfg.DexFeed.Enabled {
		feed, err = dexfeed.New(cfg.DexFeed, det.UpdateDexPrice)
		if err != nil {
			log.WithError(err).Error("failed to build dex feed")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("dex feed disabled; detector will idle without on-chain prices")
	}

	status := dashboard.NewServer(cfg.Dashboard, log)
	status.Register("aggregator", func() interface{} { return agg.GetStats() })
	status.Register("detector", func() interface{} { return det.GetStats() })
	status.Register("oracle", func() interface{} { return validator.GetStats() })
	status.Register("events", func() interface{} { return events.Stats() })
	if feed != nil {
		status.Register("dex_feed", func() interface{} {
			polls, errs := feed.GetStats()
			return map[string]int64{"polls": polls, "errors": errs}
		})
	}

	sinks, err := buildSinks(cfg)
	if err != nil {
		log.WithError(err).Error("failed to build sinks")
		os.Exit(1)
	}
	fanout := sink.NewFanout(opportunities, sinks...)

	if err := fanout.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start sink fanout")
		os.Exit(1)
	}
	if err := agg.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start aggregator")
		os.Exit(1)
	}
	if err := det.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start detector")
		os.Exit(1)
	}
	if feed != nil {
		if err := feed.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start dex feed")
			os.Exit(1)
		}
	}
	if status != nil {
		go func() {
			if err := status.Run(ctx, cfg.Arbflow.Name); err != nil {
				log.WithError(err).Warn("status server exited")
			}
		}()
		log.WithFields(logger.Fields{"address": status.Address()}).Info("status server listening")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		if feed != nil {
			log.Info("stopping dex feed")
			feed.Stop()
		}

		log.Info("stopping detector")
		det.Stop()

		log.Info("stopping aggregator")
		agg.Stop()

		log.Info("stopping sink fanout")
		fanout.Stop()

		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	stats := events.Stats()
	log.WithFields(logger.Fields{
		"events_sent":    stats.Sent,
		"events_dropped": stats.Dropped,
	}).Info("arbflow stopped")
}

func buildSinks(cfg *config.Config) ([]sink.Sink, error) {
	log := logger.GetLogger().WithComponent("main")
	var sinks []sink.Sink

	if cfg.Sinks.File.Enabled {
		fs, err := sink.NewFileSink(cfg.Sinks.File)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.Sinks.Redis.Enabled {
		rs, err := sink.NewRedisSink(cfg.Sinks.Redis)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, rs)
	}
	if cfg.Sinks.S3.Enabled {
		ss, err := sink.NewS3Sink(cfg.Sinks.S3)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ss)
	}

	if len(sinks) == 0 {
		log.Warn("no sinks enabled; opportunities will be discarded")
	}
	return sinks, nil
}
