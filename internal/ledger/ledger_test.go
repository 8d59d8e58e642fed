package ledger_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flippio/internal/history"
	"flippio/internal/ledger"
	"flippio/internal/ledger/ledgertest"
	"flippio/internal/metrics"
)

func TestMemoryConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Ledger {
		return ledger.NewMemory()
	})
}

func TestInstrumentedConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Ledger {
		return ledger.Instrument(ledger.NewMemory(), metrics.New())
	})
}

func TestInstrumentedCounts(t *testing.T) {
	m := metrics.New()
	l := ledger.Instrument(ledger.NewMemory(), m)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, ledgertest.Event("a1", "ctx_a", 0)))
	require.Error(t, l.Append(ctx, ledgertest.Event("a1", "ctx_a", 0)))
	_, err := l.Get(ctx, "missing")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerOperations.WithLabelValues("append", metrics.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerOperations.WithLabelValues("append", metrics.ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerOperations.WithLabelValues("get", metrics.ResultError)))
}

func TestInstrumentNilMetrics(t *testing.T) {
	mem := ledger.NewMemory()
	assert.Same(t, mem, ledger.Instrument(mem, nil))
}

func TestMemoryClosed(t *testing.T) {
	l := ledger.NewMemory()
	require.NoError(t, l.Close())

	err := l.Append(context.Background(), ledgertest.Event("a1", "ctx_a", 0))
	assert.ErrorIs(t, err, history.ErrStorage)
	_, err = l.ListContexts(context.Background())
	assert.ErrorIs(t, err, history.ErrStorage)
}

func TestAppendRejectsInvalidEvents(t *testing.T) {
	l := ledger.NewMemory()
	e := ledgertest.Event("a1", "ctx_a", 0)
	e.Changes = nil

	err := l.Append(context.Background(), e)
	assert.ErrorIs(t, err, history.ErrInvalidArgument)
}

func TestAppendCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ledger.NewMemory().Append(ctx, ledgertest.Event("a1", "ctx_a", 0))
	assert.ErrorIs(t, err, history.ErrStorage)
}

func TestOpen(t *testing.T) {
	l, err := ledger.Open(ledger.Config{Backend: ledger.BackendMemory})
	require.NoError(t, err)
	defer l.Close()
	assert.IsType(t, &ledger.Memory{}, l)

	_, err = ledger.Open(ledger.Config{Backend: "tape"})
	assert.ErrorIs(t, err, history.ErrInvalidArgument)

	assert.Contains(t, ledger.Backends(), ledger.BackendMemory)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	assert.Panics(t, func() {
		ledger.Register(ledger.BackendMemory, func(ledger.Config) (ledger.Ledger, error) { return nil, nil })
	})
}

func TestPage(t *testing.T) {
	tests := []struct {
		n, limit, offset int
		lo, hi           int
	}{
		{10, 0, 0, 0, 10},
		{10, 3, 0, 0, 3},
		{10, 3, 9, 9, 10},
		{10, 3, 20, 10, 10},
		{10, -1, -4, 0, 10},
	}
	for _, tt := range tests {
		lo, hi := ledger.Page(tt.n, tt.limit, tt.offset)
		assert.Equal(t, tt.lo, lo)
		assert.Equal(t, tt.hi, hi)
	}
}
