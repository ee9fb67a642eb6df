package main

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"vanityhub/ledger/internal/app"
	"vanityhub/ledger/internal/config"
	"vanityhub/ledger/internal/logger"
)

func TestNewSchedulerFromDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	ledger, err := app.Build(context.Background(), cfg, logger.Nop(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer ledger.Close()

	reg := prometheus.NewRegistry()
	if _, err := newScheduler(cfg, ledger, logger.Nop(), reg); err != nil {
		t.Fatalf("expected scheduler, got %v", err)
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	cfg := config.Config{ServiceName: "ledger-test", LogLevel: "debug", LogFormat: "console"}
	if newLogger(cfg) == nil {
		t.Fatalf("expected a logger")
	}
}
