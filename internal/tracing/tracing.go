// Package tracing configures OpenTelemetry tracing for flippio.
//
// Coordinators obtain tracers through Tracer, which reads the global
// provider. Until Setup installs a provider every span is a no-op.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Exporter names.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterFile   = "file"
)

// Config controls tracing.
type Config struct {
	Enabled     bool    `toml:"enabled" json:"enabled" yaml:"enabled"`
	Exporter    string  `toml:"exporter" json:"exporter" yaml:"exporter"`
	FilePath    string  `toml:"file_path" json:"file_path" yaml:"file_path"`
	SampleRatio float64 `toml:"sample_ratio" json:"sample_ratio" yaml:"sample_ratio"`
	ServiceName string  `toml:"service_name" json:"service_name" yaml:"service_name"`
}

// DefaultConfig returns tracing disabled.
func DefaultConfig() Config {
	return Config{
		Exporter:    ExporterNone,
		SampleRatio: 1.0,
		ServiceName: "flippio",
	}
}

// Setup installs a global tracer provider according to cfg. The returned
// shutdown flushes and closes the exporter; it is safe to call when
// tracing is disabled.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Exporter == ExporterNone || cfg.Exporter == "" {
		return noop, nil
	}

	var (
		w      io.Writer
		closer io.Closer
	)
	switch cfg.Exporter {
	case ExporterStdout:
		w = os.Stdout
	case ExporterFile:
		if cfg.FilePath == "" {
			return noop, errors.New("tracing file exporter requires file_path")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return noop, fmt.Errorf("create trace directory: %w", err)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return noop, fmt.Errorf("open trace file: %w", err)
		}
		w, closer = f, f
	default:
		return noop, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return noop, fmt.Errorf("create trace exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "flippio"
	}
	res := resource.NewWithAttributes("", attribute.String("service.name", name))

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if closer != nil {
			err = errors.Join(err, closer.Close())
		}
		return err
	}, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("flippio/" + name)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
