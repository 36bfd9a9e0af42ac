package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// runWorker serves recognize requests from the bus with the configured
// local recognizer.
func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if strings.EqualFold(cfg.STT.Mode, "bus") {
		return errors.New("worker needs a local recognizer; stt.mode=bus would forward requests to itself")
	}
	logger := newLogger(cfg.Telemetry.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer client.Close()

	recognizer, err := stt.New(cfg.STT, cfg.Pipeline.SampleRate, nil, logger)
	if err != nil {
		return fmt.Errorf("build recognizer: %w", err)
	}

	worker := stt.NewWorker(ctx, client, cfg.STT.Subject, recognizer, time.Duration(cfg.STT.TimeoutMS)*time.Millisecond, logger)
	if err := worker.Start(); err != nil {
		return err
	}
	defer worker.Close()

	logger.Info("stt worker ready", slog.String("subject", cfg.STT.Subject), slog.String("mode", cfg.STT.Mode))
	<-ctx.Done()
	return nil
}
