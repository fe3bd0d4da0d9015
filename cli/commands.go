package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/economy-engine/economy"
)

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report [principal]",
		Short: "Run a reconciliation report",
		Long: `Lists payments without a grant record, exchange debits with neither a
credit nor a refund, and open incidents. Exits 1 when anything is found.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var principal economy.Principal
			if len(args) == 1 {
				principal = economy.Principal(args[0])
			}
			a, err := rootOpts.open(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Engine.Report(cmd.Context(), principal)
			if err != nil {
				return err
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if err := out.Emit(report, func(w io.Writer) error { return writeReport(w, report) }); err != nil {
				return err
			}
			if !report.Clean() {
				return &ExitError{Code: ExitFindings, Message: "reconciliation found inconsistencies"}
			}
			return nil
		},
	}
}

func writeReport(w io.Writer, r economy.ReconciliationReport) error {
	if r.Clean() {
		fmt.Fprintln(w, "clean")
		return nil
	}
	if len(r.UnrecordedGrants) > 0 {
		fmt.Fprintf(w, "PAYMENTS WITHOUT GRANT RECORD (%d)\n", len(r.UnrecordedGrants))
		row(w, "GRANT", "LEDGER", "AMOUNT", "PAID AT")
		for _, g := range r.UnrecordedGrants {
			row(w, g.Key, g.Entry.Kind, g.Entry.Delta, g.Entry.CreatedAt.Format(time.RFC3339))
		}
	}
	if len(r.OrphanDebits) > 0 {
		fmt.Fprintf(w, "ORPHAN EXCHANGE DEBITS (%d)\n", len(r.OrphanDebits))
		row(w, "CORRELATION", "PRINCIPAL", "LEDGER", "AMOUNT", "AT")
		for _, e := range r.OrphanDebits {
			row(w, e.CorrelationID, e.Principal, e.Kind, -e.Delta, e.CreatedAt.Format(time.RFC3339))
		}
	}
	if len(r.Incidents) > 0 {
		writeIncidents(w, r.Incidents)
	}
	return nil
}

// NewBalanceCommand creates the balance command.
func NewBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "balance <principal> [ledger]",
		Short:        "Show committed balances",
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			principal := economy.Principal(args[0])
			kinds := economy.LedgerKinds
			if len(args) == 2 {
				k, err := economy.ParseLedgerKind(args[1])
				if err != nil {
					return err
				}
				kinds = []economy.LedgerKind{k}
			}

			a, err := rootOpts.open(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			balances := make(map[economy.LedgerKind]int64, len(kinds))
			errs := make(map[economy.LedgerKind]string)
			for _, k := range kinds {
				bal, err := a.Engine.GetBalance(cmd.Context(), principal, k)
				if err != nil {
					errs[k] = err.Error()
					continue
				}
				balances[k] = bal
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			payload := map[string]any{"principal": principal, "balances": balances}
			if len(errs) > 0 {
				payload["unavailable"] = errs
			}
			return out.Emit(payload, func(w io.Writer) error {
				row(w, "LEDGER", "BALANCE")
				for _, k := range kinds {
					if msg, ok := errs[k]; ok {
						row(w, k, "unavailable: "+msg)
						continue
					}
					row(w, k, balances[k])
				}
				return nil
			})
		},
	}
}

// NewGrantsCommand creates the grants command.
func NewGrantsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "grants <principal>",
		Short:        "List grants paid to a principal",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			grants, err := a.Engine.Grants(cmd.Context(), economy.Principal(args[0]))
			if err != nil {
				return err
			}
			if grants == nil {
				grants = []economy.GrantRecord{}
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Emit(grants, func(w io.Writer) error {
				row(w, "KIND", "ID", "REWARD", "GRANTED AT")
				for _, g := range grants {
					row(w, g.Key.Kind, g.Key.ID, g.Reward, g.GrantedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

// NewIncidentsCommand creates the incidents command.
func NewIncidentsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "incidents",
		Short:        "List exchanges whose refund failed",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			incs, err := a.Engine.Incidents(cmd.Context())
			if err != nil {
				return err
			}
			if incs == nil {
				incs = []economy.Incident{}
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Emit(incs, func(w io.Writer) error {
				writeIncidents(w, incs)
				return nil
			})
		},
	}
}

func writeIncidents(w io.Writer, incs []economy.Incident) {
	fmt.Fprintf(w, "INCIDENTS (%d)\n", len(incs))
	row(w, "CORRELATION", "PRINCIPAL", "OWED", "AT")
	for _, inc := range incs {
		row(w, inc.CorrelationID, inc.Principal, fmt.Sprintf("%d %s", inc.Amount, inc.Ledger), inc.CreatedAt.Format(time.RFC3339))
	}
}

// NewQuoteCommand creates the quote command. It reads only configuration.
func NewQuoteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "quote <buy|sell> <quantity>",
		Short:        "Price an exchange with the configured rates",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := economy.ParseDirection(args[0])
			if err != nil {
				return err
			}
			qty, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("quantity %q: %w", args[1], err)
			}
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			table, err := cfg.RateTable()
			if err != nil {
				return err
			}
			rates, err := economy.NewRateConverter(table)
			if err != nil {
				return err
			}
			q, err := rates.Quote(dir, qty)
			if err != nil {
				return err
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return out.Emit(q, func(w io.Writer) error {
				fmt.Fprintf(w, "%s %d tokens: pay %d %s, receive %d %s\n",
					q.Direction, q.Quantity, q.DebitAmount, q.DebitLedger, q.CreditAmount, q.CreditLedger)
				return nil
			})
		},
	}
}
