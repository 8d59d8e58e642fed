package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"flippio/internal/config"
	"flippio/internal/device"
	"flippio/internal/engine"
	"flippio/internal/history"
	"flippio/internal/ledger"
	"flippio/internal/logging"
	"flippio/internal/metrics"
	"flippio/internal/query"
	"flippio/internal/report"
	_ "flippio/internal/store"
	"flippio/internal/tracing"
)

// skipValidation marks commands that must run on an invalid configuration.
const skipValidation = "skip-validation"

// app carries the global flags and everything resolved from them.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	envFile    string
	logLevel   string
	jsonOut    bool
	noColor    bool

	cfg    *config.Config
	logger *logging.Logger
}

func newApp(out, errOut io.Writer) *app {
	return &app{out: out, errOut: errOut}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "flippio",
		Short: "Record, revert and sync edits to SQLite databases on mobile devices",
		Long: `flippio pulls SQLite databases out of Android and iOS app sandboxes,
records every edit as a field-level change event, pushes the result back and
can revert any recorded change later.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger != nil {
				return a.logger.Close()
			}
			return nil
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "path to config file (default: search standard locations)")
	f.StringVar(&a.envFile, "env-file", "", "load environment variables from this file (default: .env if present)")
	f.StringVar(&a.logLevel, "log-level", "", "override the configured log level")
	f.BoolVar(&a.jsonOut, "json", false, "print machine-readable JSON")
	f.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newServeCmd(a),
		newDevicesCmd(a),
		newKeyCmd(a),
		newContextsCmd(a),
		newHistoryCmd(a),
		newShowCmd(a),
		newRevertCmd(a),
		newClearCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newMutateCmd(a),
		newExecCmd(a),
		newQueryCmd(a),
		newTablesCmd(a),
		newLedgerCmd(a),
		newConfigCmd(a),
	)
	return root
}

// setup loads the environment file, the configuration and the logger.
func (a *app) setup(cmd *cobra.Command) error {
	if err := loadEnvFile(a.envFile); err != nil {
		return err
	}

	if a.configPath == "" {
		a.configPath = os.Getenv("FLIPPIO_CONFIG")
	}
	if a.configPath == "" {
		a.configPath = config.FindConfigFile()
	}
	if a.configPath == "" {
		a.configPath = config.ConfigPath()
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("%w: %w", history.ErrInvalidArgument, err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if cmd.Annotations[skipValidation] == "" {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%w: %w", history.ErrInvalidArgument, err)
		}
	}
	a.cfg = cfg

	logger, err := logging.New(cfg.Logging, a.errOut)
	if err != nil {
		if cmd.Annotations[skipValidation] == "" {
			return err
		}
		logger, _ = logging.New(logging.DefaultConfig(""), a.errOut)
	}
	logger.Install()
	a.logger = logger
	return nil
}

// loadEnvFile loads path, or .env from the working directory when path is
// empty. Variables already set in the environment win.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func (a *app) slog() *slog.Logger {
	return a.logger.Logger
}

func (a *app) printer() *report.Printer {
	return report.New(a.out, a.color())
}

func (a *app) color() bool {
	if a.noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := a.out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// emit prints v as JSON with --json and through text otherwise.
func (a *app) emit(v any, text func(p *report.Printer) error) error {
	if a.jsonOut {
		return report.JSON(a.out, v)
	}
	return text(a.printer())
}

// transport builds the device transport from the configured list.
func (a *app) transport() device.Transport {
	s := a.cfg.Sync
	var ts []device.Transport
	for _, name := range s.Transports {
		switch name {
		case config.TransportADB:
			ts = append(ts, device.NewADB(s.AdbPath, a.slog()))
		case config.TransportSimulator:
			ts = append(ts, device.NewSimulator(s.XcrunPath, a.slog()))
		case config.TransportLocal:
			ts = append(ts, device.NewLocalDir(s.LocalDevicesDir, history.DeviceType(s.LocalDeviceType)))
		}
	}
	switch len(ts) {
	case 0:
		return nil
	case 1:
		return ts[0]
	default:
		return device.NewMulti(a.slog(), ts...)
	}
}

// stack is an opened engine and what it owns.
type stack struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
	close   func() error
}

// open wires an Engine from the configuration.
func (a *app) open(ctx context.Context) (*stack, error) {
	cfg := a.cfg
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	l, err := ledger.Open(cfg.LedgerConfig(a.slog()))
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, history.NewStageError(history.StageStorage, "open", history.ErrStorage, err)
	}

	var audit *logging.AuditLogger
	if cfg.Audit.Enabled {
		audit, err = logging.NewAuditLogger(cfg.AuditRotator())
		if err != nil {
			_ = l.Close()
			_ = shutdownTracing(ctx)
			return nil, fmt.Errorf("open audit journal: %w", err)
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	e, err := engine.New(engine.Options{
		Ledger:    l,
		Executor:  query.New(cfg.QueryOptions(a.slog())),
		Transport: a.transport(),
		Sync:      cfg.SyncerConfig(),
		Logger:    a.slog(),
		Metrics:   m,
		Audit:     audit,
	})
	if err != nil {
		_ = l.Close()
		_ = audit.Close()
		_ = shutdownTracing(ctx)
		return nil, err
	}

	return &stack{
		engine:  e,
		metrics: m,
		close: func() error {
			return errors.Join(e.Close(), shutdownTracing(context.Background()))
		},
	}, nil
}

// withEngine opens the engine, runs fn and closes it.
func (a *app) withEngine(ctx context.Context, fn func(e *engine.Engine) error) error {
	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	return errors.Join(fn(rt.engine), rt.close())
}
