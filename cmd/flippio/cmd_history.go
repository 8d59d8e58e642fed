package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"flippio/internal/engine"
	"flippio/internal/export"
	"flippio/internal/history"
	"flippio/internal/report"
)

func newContextsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "contexts",
		Short: "List every context with recorded changes, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				summaries, err := e.GetContextSummaries(cmd.Context())
				if err != nil {
					return err
				}
				return a.emit(summaries, func(p *report.Printer) error { return p.Summaries(summaries) })
			})
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history <context-key>",
		Short: "Show the recorded changes of one context, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				events, err := e.GetChangeHistory(cmd.Context(), args[0], limit, offset)
				if err != nil {
					return err
				}
				return a.emit(events, func(p *report.Printer) error { return p.History(events) })
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of newest events to skip")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <change-id>",
		Short: "Show one change with its field-level diff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				ev, err := e.GetChange(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.emit(ev, func(p *report.Printer) error { return p.Event(ev) })
			})
		},
	}
}

func newRevertCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revert <change-id>",
		Short: "Undo a recorded change on its device and record the revert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				ev, err := e.RevertChange(cmd.Context(), args[0])
				if ev == nil {
					return err
				}
				if perr := a.emit(ev, func(p *report.Printer) error { return p.Event(ev) }); perr != nil {
					return errors.Join(err, perr)
				}
				return err
			})
		},
	}
}

func newClearCmd(a *app) *cobra.Command {
	var all, yes bool
	cmd := &cobra.Command{
		Use:   "clear [context-key]",
		Short: "Delete the recorded history of one context, or of all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case all && len(args) > 0:
				return fmt.Errorf("%w: pass a context key or --all, not both", history.ErrInvalidArgument)
			case !all && len(args) == 0:
				return fmt.Errorf("%w: pass a context key or --all", history.ErrInvalidArgument)
			case all && !yes:
				return fmt.Errorf("%w: refusing to clear all history without --yes", history.ErrInvalidArgument)
			}
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				var (
					n   int
					err error
				)
				if all {
					n, err = e.ClearAllChangeHistory(cmd.Context())
				} else {
					n, err = e.ClearContextChanges(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				if a.jsonOut {
					return report.JSON(a.out, map[string]int{"cleared": n})
				}
				_, err = fmt.Fprintf(a.out, "cleared %d events\n", n)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "clear the history of every context")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm clearing all history")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export [context-key...]",
		Short: "Write recorded history to a portable JSON document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				doc, err := e.Export(cmd.Context(), args...)
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					return export.Write(a.out, doc)
				}
				f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
				if err != nil {
					return fmt.Errorf("create export file: %w", err)
				}
				if err := export.Write(f, doc); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				a.slog().Info("history exported", "path", output, "events", len(doc.Events))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: standard output)")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Load an exported document, skipping events already recorded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("%w: %v", history.ErrInvalidArgument, err)
				}
				defer f.Close()
				r = f
			}
			doc, err := export.Read(r)
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				res, err := e.Import(cmd.Context(), doc)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return report.JSON(a.out, res)
				}
				_, err = fmt.Fprintf(a.out, "imported %d events, skipped %d\n", res.Imported, res.Skipped)
				return err
			})
		},
	}
}
