package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"flippio/internal/contextkey"
	"flippio/internal/engine"
	"flippio/internal/history"
	"flippio/internal/report"
	"flippio/internal/syncer"
)

// deviceFlags selects the database an editing command works on.
type deviceFlags struct {
	deviceID   string
	deviceType string
	deviceName string
	pkg        string
	appName    string
	db         string
}

func (d *deviceFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&d.deviceID, "device", "d", "", "device serial or simulator UDID")
	f.StringVar(&d.deviceType, "device-type", "", "android, android-emulator, ios, ios-simulator or desktop")
	f.StringVar(&d.deviceName, "device-name", "", "human-readable device name stored with each change")
	f.StringVarP(&d.pkg, "package", "p", "", "application package or bundle id")
	f.StringVar(&d.appName, "app-name", "", "human-readable application name stored with each change")
	f.StringVar(&d.db, "db", "", "database path inside the sandbox, or a local path for desktop files")
	_ = cmd.MarkFlagRequired("db")
}

func (d *deviceFlags) context() history.DeviceContext {
	return history.DeviceContext{
		DeviceID:     d.deviceID,
		DeviceName:   d.deviceName,
		DeviceType:   history.DeviceType(d.deviceType),
		PackageName:  d.pkg,
		AppName:      d.appName,
		DatabasePath: d.db,
	}
}

// withWorkingCopy pulls the selected database, runs fn on its context key
// and releases the working copy.
func (a *app) withWorkingCopy(ctx context.Context, d *deviceFlags, fn func(e *engine.Engine, key string) error) error {
	return a.withEngine(ctx, func(e *engine.Engine) error {
		wc, err := e.Pull(ctx, d.context())
		if err != nil {
			return err
		}
		key := wc.Key.String()
		defer func() { _ = e.Release(key) }()
		return fn(e, key)
	})
}

func newDevicesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List reachable devices and simulators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(e *engine.Engine) error {
				devices, err := e.Devices(cmd.Context())
				if err != nil {
					return err
				}
				return a.emit(devices, func(p *report.Printer) error { return p.Devices(devices) })
			})
		},
	}
}

func newKeyCmd(a *app) *cobra.Command {
	var d deviceFlags
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the context key of a device database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := contextkey.FromContext(d.context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return report.JSON(a.out, map[string]string{"contextKey": key.String()})
			}
			_, err = fmt.Fprintln(a.out, key)
			return err
		},
	}
	d.register(cmd)
	return cmd
}

func newMutateCmd(a *app) *cobra.Command {
	var (
		d      deviceFlags
		noPush bool
	)
	cmd := &cobra.Command{
		Use:   "mutate <json|->",
		Short: "Apply one row edit and push it to the device",
		Long: `mutate applies a single edit given as JSON, for example

  {"kind":"update","table":"users","key":{"id":1},"values":{"name":"Grace"}}

Kinds are insert, update, delete, clear and statement. Use - to read the
edit from standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := readMutation(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return a.applyMutation(cmd.Context(), &d, m, !noPush)
		},
	}
	d.register(cmd)
	cmd.Flags().BoolVar(&noPush, "no-push", false, "record the edit without pushing the database back")
	return cmd
}

func newExecCmd(a *app) *cobra.Command {
	var (
		d      deviceFlags
		noPush bool
	)
	cmd := &cobra.Command{
		Use:   "exec <sql> [args...]",
		Short: "Run a modifying SQL statement and push the result to the device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := syncer.Statement{SQL: args[0], Args: parseArgs(args[1:])}
			return a.applyMutation(cmd.Context(), &d, m, !noPush)
		},
	}
	d.register(cmd)
	cmd.Flags().BoolVar(&noPush, "no-push", false, "record the edit without pushing the database back")
	return cmd
}

func (a *app) applyMutation(ctx context.Context, d *deviceFlags, m syncer.Mutation, push bool) error {
	return a.withWorkingCopy(ctx, d, func(e *engine.Engine, key string) error {
		ev, err := e.Mutate(ctx, key, m)
		if err != nil {
			return err
		}
		var pushErr error
		if push {
			pushErr = e.Push(ctx, key)
		}
		if err := a.emit(ev, func(p *report.Printer) error { return p.Event(ev) }); err != nil {
			return err
		}
		return pushErr
	})
}

func newQueryCmd(a *app) *cobra.Command {
	var d deviceFlags
	cmd := &cobra.Command{
		Use:   "query <sql> [args...]",
		Short: "Run a read-only query against a device database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withWorkingCopy(ctx, &d, func(e *engine.Engine, key string) error {
				res, err := e.Query(ctx, key, args[0], parseArgs(args[1:])...)
				if err != nil {
					return err
				}
				return a.emit(res, func(p *report.Printer) error { return p.Result(res) })
			})
		},
	}
	d.register(cmd)
	return cmd
}

func newTablesCmd(a *app) *cobra.Command {
	var d deviceFlags
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List the tables of a device database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withWorkingCopy(ctx, &d, func(e *engine.Engine, key string) error {
				tables, err := e.Tables(ctx, key)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return report.JSON(a.out, tables)
				}
				_, err = fmt.Fprintln(a.out, strings.Join(tables, "\n"))
				return err
			})
		},
	}
	d.register(cmd)
	return cmd
}

// readMutation decodes a mutation from arg, or from r when arg is "-".
func readMutation(r io.Reader, arg string) (syncer.Mutation, error) {
	var src io.Reader = strings.NewReader(arg)
	if arg == "-" {
		src = r
	}
	dec := json.NewDecoder(src)
	dec.UseNumber()
	var req syncer.MutationRequest
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: decode mutation: %v", history.ErrInvalidArgument, err)
	}
	return req.ToMutation()
}

// parseArgs turns command-line statement arguments into SQL values.
// Integers and floats bind as numbers and "null" binds as NULL.
func parseArgs(args []string) []any {
	out := make([]any, len(args))
	for i, s := range args {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			out[i] = n
		} else if f, err := strconv.ParseFloat(s, 64); err == nil {
			out[i] = f
		} else if strings.EqualFold(s, "null") {
			out[i] = nil
		} else {
			out[i] = s
		}
	}
	return out
}
