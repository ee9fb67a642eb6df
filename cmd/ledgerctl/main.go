package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"vanityhub/ledger/internal/app"
	"vanityhub/ledger/internal/cli"
	"vanityhub/ledger/internal/config"
	"vanityhub/ledger/internal/logger"
)

func main() {
	_ = godotenv.Load()

	if err := cli.NewRootCommand(open).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// open builds the ledger from the same LEDGER_* environment as the server.
// Change notifications are sent synchronously so none are lost on exit.
func open(ctx context.Context) (*cli.Ledger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.PublishAsync = false
	logg := logger.New(logger.Options{
		ServiceName: "ledgerctl",
		Level:       logger.ParseLevel(cfg.LogLevel),
		Format:      "console",
		Output:      os.Stderr,
	})
	a, err := app.Build(ctx, cfg, logg, nil)
	if err != nil {
		return nil, err
	}
	return &cli.Ledger{Store: a.Store, Service: a.Service, Close: a.Close}, nil
}
