// Package cli implements ledgerctl, an operator tool that works directly on a
// ledger backend.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"vanityhub/ledger/internal/service"
	"vanityhub/ledger/internal/store"
)

var ValidFormats = []string{"text", "json"}

// Ledger is what the commands operate on. The store is loaded but the
// bootstrap cleanup has not run, so check and list see data as persisted.
type Ledger struct {
	Store   *store.EventStore
	Service *service.Service
	Close   func() error
}

type OpenFunc func(ctx context.Context) (*Ledger, error)

type RootOptions struct {
	Format string
	Open   OpenFunc
}

func NewRootCommand(open OpenFunc) *cobra.Command {
	opts := &RootOptions{Open: open}

	cmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Inspect and repair the sales ledger",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newCleanupCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newProjectCommand(opts))
	cmd.AddCommand(newImportCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))
	return cmd
}

// withLedger opens the ledger, loads the store and closes it after fn.
func withLedger(ctx context.Context, opts *RootOptions, fn func(*Ledger) error) (err error) {
	if opts.Open == nil {
		return fmt.Errorf("no ledger configured")
	}
	l, err := opts.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if l.Close == nil {
			return
		}
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if !l.Store.Loaded() {
		if err := l.Store.Load(ctx); err != nil {
			return err
		}
	}
	return fn(l)
}
