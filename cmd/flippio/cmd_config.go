package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"flippio/internal/config"
	"flippio/internal/history"
	"flippio/internal/report"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create the configuration file",
	}

	skip := map[string]string{skipValidation: "true"}

	show := &cobra.Command{
		Use:         "show",
		Short:       "Print the effective configuration",
		Args:        cobra.NoArgs,
		Annotations: skip,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonOut {
				return report.JSON(a.out, a.cfg)
			}
			fmt.Fprintf(a.out, "# %s\n", a.configPath)
			return toml.NewEncoder(a.out).Encode(a.cfg)
		},
	}

	path := &cobra.Command{
		Use:         "path",
		Short:       "Print the configuration file in use",
		Args:        cobra.NoArgs,
		Annotations: skip,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(a.out, a.configPath)
			return err
		},
	}

	check := &cobra.Command{
		Use:         "check",
		Short:       "Validate the configuration and report problems",
		Args:        cobra.NoArgs,
		Annotations: skip,
		RunE: func(cmd *cobra.Command, args []string) error {
			problems := config.Check(a.cfg)
			if a.jsonOut {
				if err := report.JSON(a.out, problems); err != nil {
					return err
				}
			} else {
				for _, p := range problems {
					level := "error"
					if p.IsWarning() {
						level = "warning"
					}
					fmt.Fprintf(a.out, "%s: %s: %s\n", level, p.Field, p.Message)
				}
				if len(problems) == 0 {
					fmt.Fprintln(a.out, "configuration ok")
				}
			}
			if problems.HasErrors() {
				return fmt.Errorf("%w: %d errors", config.ErrInvalidConfig, len(problems.Errors()))
			}
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a default configuration file",
		Args:        cobra.NoArgs,
		Annotations: skip,
		RunE: func(cmd *cobra.Command, args []string) error {
			if force {
				if err := config.SaveConfig(config.DefaultConfig(), a.configPath); err != nil {
					return err
				}
			} else {
				_, created, err := config.LoadOrCreate(a.configPath)
				if err != nil {
					return err
				}
				if !created {
					return fmt.Errorf("%w: %s already exists (use --force to overwrite)", history.ErrInvalidArgument, a.configPath)
				}
			}
			_, err := fmt.Fprintf(a.out, "wrote %s\n", a.configPath)
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(show, path, check, initCmd)
	return cmd
}
