package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"vanityhub/ledger/internal/domain"
)

var errProblemsFound = errors.New("ledger check found problems")

func newCleanupCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Merge duplicate sales and report how many were removed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), opts, func(l *Ledger) error {
				removed, err := l.Service.CleanupAll(cmd.Context())
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), map[string]int{"removed": removed})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d duplicate sale(s)\n", removed)
				return err
			})
		},
	}
}

func newListCommand(opts *RootOptions) *cobra.Command {
	var (
		f             domain.Filter
		channel, kind string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sales, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Channel = domain.OriginationChannel(channel)
			f.CompositeType = domain.CompositeType(kind)
			return withLedger(cmd.Context(), opts, func(l *Ledger) error {
				sales, err := l.Service.Filter(cmd.Context(), f)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), sales)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tOCCURRED\tCLIENT\tCHANNEL\tTYPE\tAMOUNT\tIDENTITY")
				for _, s := range sales {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						s.ID, s.OccurredAt.Format(time.RFC3339), s.ClientID, s.OriginationChannel,
						s.CompositeType, domain.Round2(s.Amount).StringFixed(2), s.IdentityRef.Key())
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&f.ClientID, "client", "", "only sales for this client")
	cmd.Flags().StringVar(&channel, "channel", "", "only sales from this channel")
	cmd.Flags().StringVar(&kind, "type", "", "only sales of this composite type")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of sales")
	return cmd
}

func newProjectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "project <id>",
		Short: "Show the display breakdown of a sale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), opts, func(l *Ledger) error {
				b, err := l.Service.Project(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), b)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "services  %s\n", b.ServiceAmount)
				fmt.Fprintf(out, "products  %s\n", b.ProductAmount)
				fmt.Fprintf(out, "original  %s\n", b.OriginalAmount)
				fmt.Fprintf(out, "final     %s\n", b.FinalAmount)
				if b.DiscountLabel != "" {
					fmt.Fprintf(out, "discount  %s\n", b.DiscountLabel)
				}
				return nil
			})
		},
	}
}

type importResult struct {
	Inserted   int      `json:"inserted"`
	Duplicates []string `json:"duplicates,omitempty"`
}

func newImportCommand(opts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Record sales from a YAML or JSON file through the duplicate guard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sales, err := readSalesFile(file)
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), opts, func(l *Ledger) error {
				var res importResult
				for i, sale := range sales {
					resp, err := l.Service.Record(cmd.Context(), sale)
					if err != nil {
						return fmt.Errorf("sale %d (%s): %w", i+1, sale.ID, err)
					}
					if resp.Duplicate {
						res.Duplicates = append(res.Duplicates, resp.Sale.ID)
						continue
					}
					res.Inserted++
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "imported %d sale(s), %d blocked as duplicates\n", res.Inserted, len(res.Duplicates))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a .yaml, .yml or .json file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readSalesFile accepts either a list of sales or a document with an
// "events" list. YAML is converted through JSON so decimal and time fields
// decode the same way for both formats.
func readSalesFile(path string) ([]domain.LedgerEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("convert %s: %w", path, err)
		}
	}

	var sales []domain.LedgerEvent
	if err := json.Unmarshal(data, &sales); err == nil {
		return sales, nil
	}
	var wrapped struct {
		Events []domain.LedgerEvent `json:"events"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return wrapped.Events, nil
}

type Finding struct {
	EventID string `json:"eventId"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail"`
}

type CheckReport struct {
	Events   int       `json:"events"`
	Findings []Finding `json:"findings"`
}

func newCheckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report invariant violations and unmerged duplicates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), opts, func(l *Ledger) error {
				report := Check(l.Store.All())
				if opts.Format == "json" {
					if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
						return err
					}
				} else {
					out := cmd.OutOrStdout()
					for _, f := range report.Findings {
						fmt.Fprintf(out, "%-10s %s: %s\n", f.Kind, f.EventID, f.Detail)
					}
					fmt.Fprintf(out, "%d sale(s) checked, %d problem(s)\n", report.Events, len(report.Findings))
				}
				if len(report.Findings) > 0 {
					return errProblemsFound
				}
				return nil
			})
		},
	}
}

// Check flags sales that break the amount invariants and sales that share an
// identity and composite type with an earlier sale.
func Check(sales []domain.LedgerEvent) CheckReport {
	report := CheckReport{Events: len(sales), Findings: []Finding{}}
	first := make(map[string]string, len(sales))
	for _, e := range sales {
		if err := e.CheckInvariants(); err != nil {
			report.Findings = append(report.Findings, Finding{EventID: e.ID, Kind: "invariant", Detail: err.Error()})
		}
		key := e.IdentityRef.Key()
		if key == "" {
			continue
		}
		pair := key + " " + string(e.CompositeType)
		if owner, seen := first[pair]; seen {
			report.Findings = append(report.Findings, Finding{
				EventID: e.ID,
				Kind:    "duplicate",
				Detail:  pair + " also recorded as " + owner,
			})
			continue
		}
		first[pair] = e.ID
	}
	return report
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
