package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"flippio/internal/engine"
	"flippio/internal/history"
	"flippio/internal/ledger"
	"flippio/internal/report"
)

func newLedgerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or downgrade the ledger storage schema",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending schema versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				s, err := e.LedgerSchema(cmd.Context())
				if err != nil {
					return err
				}
				return a.emit(s, func(p *report.Printer) error { return p.Schema(s) })
			})
		},
	}

	var (
		to  int
		yes bool
	)
	rollback := &cobra.Command{
		Use:   "rollback",
		Short: "Undo schema versions, for running an older flippio on this ledger",
		Long: "Undo schema versions above --to (default: the latest applied one).\n" +
			"Tables dropped by a rolled-back version lose their rows. The next\n" +
			"command that opens the ledger migrates it forward again.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("%w: refusing to roll back the ledger schema without --yes", history.ErrInvalidArgument)
			}
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				target := to
				if !cmd.Flags().Changed("to") {
					s, err := e.LedgerSchema(cmd.Context())
					if err != nil {
						return err
					}
					target = s.Current - 1
				}
				undone, err := e.RollbackLedgerSchema(cmd.Context(), target)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return report.JSON(a.out, map[string]any{"version": target, "undone": undone})
				}
				return printUndone(a, target, undone)
			})
		},
	}
	rollback.Flags().IntVar(&to, "to", 0, "schema version to keep")
	rollback.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the rollback")

	cmd.AddCommand(status, rollback)
	return cmd
}

func printUndone(a *app, target int, undone []ledger.SchemaVersion) error {
	for _, v := range undone {
		if _, err := fmt.Fprintf(a.out, "undid version %d: %s\n", v.Version, v.Description); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(a.out, "ledger schema now at version %d\n", target)
	return err
}
