package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"flippio/internal/api"
	"flippio/internal/config"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			cfg := a.cfg.API
			if listen != "" {
				cfg.Listen = listen
			}

			loader := a.watchConfig(ctx)
			defer loader.Close()

			srv := api.New(cfg, rt.engine, rt.metrics, a.slog())
			err = srv.ListenAndServe(ctx)

			if n, perr := rt.engine.PushAll(context.Background()); perr != nil {
				a.slog().Warn("unpushed edits remain at shutdown", "error", perr)
			} else if n > 0 {
				a.slog().Info("pushed pending edits at shutdown", "sessions", n)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override the configured listen address")
	return cmd
}

// watchConfig reloads the configuration file while serving. Only the log
// level is applied live; other settings need a restart.
func (a *app) watchConfig(ctx context.Context) *config.Loader {
	logger := a.slog()
	loader := config.NewLoader(a.configPath)
	loader.OnChange(func(old, updated *config.Config) {
		if a.logLevel != "" {
			return
		}
		if old != nil && old.Logging.Level == updated.Logging.Level {
			return
		}
		if err := a.logger.SetLevel(updated.Logging.Level); err != nil {
			logger.Warn("ignoring reloaded log level", "level", updated.Logging.Level, "error", err)
			return
		}
		logger.Info("log level changed", "level", updated.Logging.Level)
	})

	if _, err := loader.Load(); err != nil {
		logger.Warn("config reload disabled", "path", a.configPath, "error", err)
		return loader
	}
	if err := loader.Watch(); err != nil {
		logger.Warn("config reload disabled", "path", a.configPath, "error", err)
		return loader
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-loader.Errors():
				logger.Warn("config reload failed", "path", a.configPath, "error", err)
			}
		}
	}()
	return loader
}
