// Package syncer runs the pull, edit and push cycle of working copies and
// records every successful edit in the change ledger.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"flippio/internal/contextkey"
	"flippio/internal/device"
	"flippio/internal/diff"
	"flippio/internal/fsutil"
	"flippio/internal/history"
	"flippio/internal/ledger"
	"flippio/internal/metrics"
	"flippio/internal/query"
	"flippio/internal/tracing"
)

// Config configures a Coordinator.
type Config struct {
	// WorkDir holds pulled working copies and their lock files.
	WorkDir string
	// MaxConcurrentPushes bounds PushAll. Zero means 4.
	MaxConcurrentPushes int
}

// Coordinator owns the working copies of every open context. Operations on
// one context are serialized; different contexts proceed concurrently.
type Coordinator struct {
	ledger    ledger.Ledger
	exec      *query.Executor
	transport device.Transport
	builder   *diff.Builder
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	mu       sync.Mutex
	locks    map[contextkey.Key]*sync.Mutex
	sessions map[contextkey.Key]*WorkingCopy
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithBuilder overrides the event builder.
func WithBuilder(b *diff.Builder) Option {
	return func(c *Coordinator) { c.builder = b }
}

// New creates a Coordinator. transport may be nil when only desktop files
// are edited.
func New(l ledger.Ledger, exec *query.Executor, transport device.Transport, cfg Config, opts ...Option) *Coordinator {
	if cfg.MaxConcurrentPushes <= 0 {
		cfg.MaxConcurrentPushes = 4
	}
	c := &Coordinator{
		ledger:    l,
		exec:      exec,
		transport: transport,
		builder:   diff.NewBuilder(),
		cfg:       cfg,
		logger:    slog.Default(),
		tracer:    tracing.Tracer("syncer"),
		locks:     make(map[contextkey.Key]*sync.Mutex),
		sessions:  make(map[contextkey.Key]*WorkingCopy),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "syncer")
	return c
}

func (c *Coordinator) lockFor(key contextkey.Key) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

func (c *Coordinator) setSession(key contextkey.Key, wc *WorkingCopy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wc == nil {
		delete(c.sessions, key)
	} else {
		c.sessions[key] = wc
	}
	if c.metrics != nil {
		c.metrics.OpenSessions.Set(float64(len(c.sessions)))
	}
}

func (c *Coordinator) observePending() {
	if c.metrics == nil {
		return
	}
	total := 0
	for _, wc := range c.Sessions() {
		total += wc.Pending()
	}
	c.metrics.PendingPushes.Set(float64(total))
}

// Session returns the open working copy of key.
func (c *Coordinator) Session(key contextkey.Key) (*WorkingCopy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wc, ok := c.sessions[key]
	return wc, ok
}

// Sessions returns every open working copy ordered by context key.
func (c *Coordinator) Sessions() []*WorkingCopy {
	c.mu.Lock()
	out := make([]*WorkingCopy, 0, len(c.sessions))
	for _, wc := range c.sessions {
		out = append(out, wc)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func deviceLabel(dc history.DeviceContext) string {
	if dc.DeviceType == "" {
		return string(history.DeviceDesktop)
	}
	return string(dc.DeviceType)
}

// Pull prepares a working copy of the database selected by dc. Desktop
// files are edited in place; device files are copied into the work
// directory. Pulling never writes to the ledger. Pulling a context that is
// already open replaces its working copy once the new copy has arrived; a
// device working copy with unpushed edits is never replaced.
func (c *Coordinator) Pull(ctx context.Context, dc history.DeviceContext) (wc *WorkingCopy, err error) {
	ctx, span := c.tracer.Start(ctx, "pull", trace.WithAttributes(
		attribute.String("device_id", dc.DeviceID),
		attribute.String("package", dc.PackageName),
	))
	start := time.Now()
	defer func() {
		tracing.End(span, err)
		if c.metrics != nil {
			c.metrics.Pulls.WithLabelValues(deviceLabel(dc), metrics.Result(err)).Inc()
			c.metrics.ObserveStage(string(history.StagePull), start)
		}
	}()

	if err := dc.Validate(); err != nil {
		return nil, history.NewStageError(history.StageInput, "pull", nil, err)
	}
	key, err := contextkey.FromContext(dc)
	if err != nil {
		return nil, history.NewStageError(history.StageInput, "pull", nil, err)
	}
	span.SetAttributes(attribute.String("context_key", key.String()))

	l := c.lockFor(key)
	l.Lock()
	defer l.Unlock()

	old, reopen := c.Session(key)
	if reopen && !old.Desktop() && old.Pending() > 0 {
		return nil, history.NewStageError(history.StageInput, "pull", history.ErrInvalidArgument,
			fmt.Errorf("working copy of %s has %d unpushed edits: push or release it first", key, old.Pending()))
	}

	staged, err := c.fetch(ctx, dc, key)
	if err != nil {
		return nil, history.NewStageError(history.StagePull, "pull", history.ErrPull, err)
	}
	if reopen {
		c.releaseLocked(old)
	}
	wc, err = c.open(dc, key, staged)
	if err != nil {
		return nil, history.NewStageError(history.StagePull, "pull", history.ErrPull, err)
	}
	c.setSession(key, wc)
	c.logger.Info("working copy pulled",
		"context_key", key,
		"device", dc.DeviceID,
		"package", dc.PackageName,
		"remote_path", dc.DatabasePath,
		"local_path", wc.LocalPath,
		"session_id", wc.SessionID,
	)
	return wc, nil
}

// fetch copies the device file next to its working path and checks that it
// is a readable database. Desktop files need no copy and return "".
func (c *Coordinator) fetch(ctx context.Context, dc history.DeviceContext, key contextkey.Key) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if dc.DeviceType.IsDesktop() {
		if _, err := os.Stat(dc.DatabasePath); err != nil {
			return "", fmt.Errorf("open %s: %w", dc.DatabasePath, err)
		}
		if _, err := c.exec.Tables(ctx, dc.DatabasePath); err != nil {
			return "", fmt.Errorf("read %s: %w", dc.DatabasePath, err)
		}
		return "", nil
	}
	if c.transport == nil {
		return "", errors.New("no device transport configured")
	}
	if c.cfg.WorkDir == "" {
		return "", errors.New("no work directory configured")
	}

	staged := filepath.Join(c.cfg.WorkDir, key.String(), "."+dc.DatabaseFilename()+".incoming")
	discard := func() {
		c.exec.Close(staged)
		for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
			os.Remove(staged + suffix)
		}
	}
	if err := c.transport.PullFile(ctx, dc.DeviceID, dc.PackageName, dc.DatabasePath, staged); err != nil {
		discard()
		return "", err
	}
	if _, err := c.exec.Tables(ctx, staged); err != nil {
		discard()
		return "", fmt.Errorf("read %s: %w", dc.DatabasePath, err)
	}
	if err := c.exec.Close(staged); err != nil {
		discard()
		return "", fmt.Errorf("close %s: %w", staged, err)
	}
	return staged, nil
}

// open locks the context and moves a fetched file into its working path.
func (c *Coordinator) open(dc history.DeviceContext, key contextkey.Key, staged string) (*WorkingCopy, error) {
	wc := &WorkingCopy{
		Device:    dc,
		Key:       key,
		SessionID: uuid.NewString(),
	}

	if c.cfg.WorkDir != "" {
		lock, err := fsutil.TryLock(filepath.Join(c.cfg.WorkDir, "locks", key.String()+".lock"))
		if err != nil {
			if staged != "" {
				os.Remove(staged)
			}
			return nil, err
		}
		wc.lock = lock
	}

	if staged == "" {
		wc.LocalPath = dc.DatabasePath
	} else {
		local := filepath.Join(c.cfg.WorkDir, key.String(), dc.DatabaseFilename())
		if err := c.exec.Close(local); err != nil {
			c.logger.Warn("close stale handle", "path", local, "error", err)
		}
		for _, suffix := range []string{"-wal", "-shm", "-journal"} {
			os.Remove(local + suffix)
		}
		if err := os.Rename(staged, local); err != nil {
			os.Remove(staged)
			wc.lock.Unlock()
			return nil, fmt.Errorf("install %s: %w", local, err)
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			os.Remove(staged + suffix)
		}
		wc.LocalPath = local
		wc.RemotePath = dc.DatabasePath
	}
	wc.PulledAt = time.Now().UTC()
	return wc, nil
}

// Push copies the working copy back to its device. Desktop files are
// already in place and succeed immediately. The ledger is never touched:
// edits recorded before a failed push stay recorded.
func (c *Coordinator) Push(ctx context.Context, wc *WorkingCopy) (err error) {
	ctx, span := c.tracer.Start(ctx, "push", trace.WithAttributes(attribute.String("context_key", wc.Key.String())))
	start := time.Now()
	defer func() {
		tracing.End(span, err)
		if c.metrics != nil {
			c.metrics.Pushes.WithLabelValues(deviceLabel(wc.Device), metrics.Result(err)).Inc()
			c.metrics.ObserveStage(string(history.StagePush), start)
		}
	}()

	l := c.lockFor(wc.Key)
	l.Lock()
	defer l.Unlock()

	if wc.Released() {
		return history.NewStageError(history.StageInput, "push", history.ErrInvalidArgument,
			fmt.Errorf("working copy of %s was released", wc.Key))
	}
	if wc.Desktop() {
		wc.resetPending()
		c.observePending()
		return nil
	}
	if err := c.push(ctx, wc); err != nil {
		c.logger.Warn("push failed", "context_key", wc.Key, "device", wc.Device.DeviceID, "pending", wc.Pending(), "error", err)
		return history.NewStageError(history.StagePush, "push", history.ErrPush, err)
	}
	pushed := wc.Pending()
	wc.resetPending()
	c.observePending()
	c.logger.Info("working copy pushed", "context_key", wc.Key, "device", wc.Device.DeviceID, "remote_path", wc.RemotePath, "edits", pushed)
	return nil
}

func (c *Coordinator) push(ctx context.Context, wc *WorkingCopy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.transport == nil {
		return errors.New("no device transport configured")
	}
	// The handle is closed so the file on disk is complete.
	if err := c.exec.Close(wc.LocalPath); err != nil {
		return fmt.Errorf("close working copy: %w", err)
	}
	return c.transport.PushFile(ctx, wc.Device.DeviceID, wc.LocalPath, wc.Device.PackageName, wc.RemotePath)
}

// PushAll pushes every working copy with unpushed edits, concurrently up
// to the configured limit. It returns the number pushed and the joined
// push errors.
func (c *Coordinator) PushAll(ctx context.Context) (int, error) {
	var (
		mu     sync.Mutex
		errs   []error
		pushed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrentPushes)
	for _, wc := range c.Sessions() {
		if wc.Pending() == 0 || wc.Desktop() {
			continue
		}
		g.Go(func() error {
			err := c.Push(gctx, wc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", wc.Key, err))
			} else {
				pushed++
			}
			return nil
		})
	}
	g.Wait()
	return pushed, errors.Join(errs...)
}

// Apply runs fn against the working copy under its context lock and adds
// the number of edits fn reports to the pending count.
func (c *Coordinator) Apply(ctx context.Context, wc *WorkingCopy, fn func(ctx context.Context) (int, error)) error {
	l := c.lockFor(wc.Key)
	l.Lock()
	defer l.Unlock()

	if wc.Released() {
		return history.NewStageError(history.StageInput, "apply", history.ErrInvalidArgument,
			fmt.Errorf("working copy of %s was released", wc.Key))
	}
	n, err := fn(ctx)
	if n > 0 {
		wc.addPending(n)
		c.observePending()
	}
	return err
}

// Read runs a statement that returns rows against the working copy.
func (c *Coordinator) Read(ctx context.Context, wc *WorkingCopy, sql string, args ...any) (*query.Result, error) {
	var res *query.Result
	err := c.Apply(ctx, wc, func(ctx context.Context) (int, error) {
		var err error
		res, err = c.exec.Execute(ctx, wc.LocalPath, sql, args...)
		if err != nil {
			return 0, history.NewStageError(history.StageMutate, "read", history.ErrMutation, err)
		}
		return 0, nil
	})
	return res, err
}

// Release drops the working copy and its file lock. Unpushed edits are
// abandoned on the local copy but stay recorded.
func (c *Coordinator) Release(wc *WorkingCopy) {
	l := c.lockFor(wc.Key)
	l.Lock()
	defer l.Unlock()
	c.releaseLocked(wc)
}

func (c *Coordinator) releaseLocked(wc *WorkingCopy) {
	pending := wc.release()
	if pending < 0 {
		return
	}
	if pending > 0 {
		c.logger.Warn("releasing working copy with unpushed edits", "context_key", wc.Key, "pending", pending)
	}
	if err := c.exec.Close(wc.LocalPath); err != nil {
		c.logger.Warn("close working copy", "context_key", wc.Key, "error", err)
	}
	if err := wc.lock.Unlock(); err != nil {
		c.logger.Warn("unlock working copy", "context_key", wc.Key, "error", err)
	}
	if cur, ok := c.Session(wc.Key); ok && cur == wc {
		c.setSession(wc.Key, nil)
	}
	c.observePending()
}

// Close releases every working copy.
func (c *Coordinator) Close() {
	for _, wc := range c.Sessions() {
		c.Release(wc)
	}
}
