package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tilldesk/tilldesk/internal/config"
	"github.com/tilldesk/tilldesk/internal/orchestrator"
	"github.com/tilldesk/tilldesk/internal/platform"
	"github.com/tilldesk/tilldesk/internal/queue"
	"github.com/tilldesk/tilldesk/internal/remote"
	"github.com/tilldesk/tilldesk/internal/replica"
	"github.com/tilldesk/tilldesk/internal/subscriber"
)

// engine bundles the wired components for a command's lifetime.
type engine struct {
	cfg   *config.Config
	store *replica.Store
	queue *queue.Queue
	orch  *orchestrator.Orchestrator
}

func (e *engine) close() {
	e.orch.Close()
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.Printf("Warning: failed to close replica: %v", err)
		}
	}
}

// buildEngine loads configuration and wires the full component stack.
func buildEngine() (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	sink := logSink(cfg)

	var store *replica.Store
	if cfg.Replica.LocalFirst {
		if err := os.MkdirAll(filepath.Dir(cfg.Replica.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create replica directory: %w", err)
		}
		store, err = replica.Open(cfg.Replica.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open replica: %w", err)
		}
	} else {
		// Browser-style deployment: an in-memory replica backs the
		// same code paths without durable state.
		store, err = replica.Open(":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to open replica: %w", err)
		}
		if err := store.InitSchema(context.Background()); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to initialize replica: %w", err)
		}
	}

	client, err := remote.NewClient(&remote.Config{
		BaseURL:   cfg.Backend.URL,
		Token:     staticToken(cfg.Backend.Token),
		OnlineTTL: cfg.Backend.OnlineTTL,
		Logger:    log.New(sink, "[remote] ", log.LstdFlags),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	q := queue.New(store.RawDB())

	sub := subscriber.New(store, subscriber.ClientTransport{Client: client}, &subscriber.Config{
		DebounceInterval: cfg.Sync.DebounceInterval,
		Logger:           log.New(sink, "[subscriber] ", log.LstdFlags),
	})

	orch := orchestrator.New(store, q, client, sub, platform.Static(cfg.Replica.LocalFirst), &orchestrator.Config{
		Collections:       cfg.Sync.Collections,
		CacheTTL:          cfg.Sync.CacheTTL,
		RetryCeiling:      cfg.Sync.RetryCeiling,
		ReconcileInterval: cfg.Sync.ReconcileInterval,
		Logger:            log.New(sink, "[orchestrator] ", log.LstdFlags),
	})

	return &engine{cfg: cfg, store: store, queue: q, orch: orch}, nil
}

// logSink returns the configured log destination: a rotating file when
// logging.file is set, stderr otherwise.
func logSink(cfg *config.Config) io.Writer {
	if cfg.Logging.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	}
}

func staticToken(token string) remote.TokenFunc {
	if token == "" {
		return nil
	}
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}
