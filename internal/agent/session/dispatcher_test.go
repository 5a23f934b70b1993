package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherConcurrencyBound(t *testing.T) {
	d := NewDispatcher(2, 100)

	require.NoError(t, d.Acquire(context.Background()))
	require.NoError(t, d.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, d.Acquire(ctx))

	d.Release()
	require.NoError(t, d.Acquire(context.Background()))

	d.Release()
	d.Release()
}

func TestDispatcherRateWindow(t *testing.T) {
	d := NewDispatcher(10, 2)

	start := time.Now()
	require.NoError(t, d.Acquire(context.Background()))
	require.NoError(t, d.Acquire(context.Background()))
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	// The third submission waits for the rolling window to open.
	require.NoError(t, d.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 800*time.Millisecond)

	d.Release()
	d.Release()
	d.Release()
}

func TestDispatcherAcquireCancelled(t *testing.T) {
	d := NewDispatcher(1, 100)
	require.NoError(t, d.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, d.Acquire(ctx))

	// The slot freed by the failed acquire is still held by the first call.
	d.Release()
	require.NoError(t, d.Acquire(context.Background()))
	d.Release()
}

func TestDispatcherDefaults(t *testing.T) {
	d := NewDispatcher(0, 0)
	require.NoError(t, d.Acquire(context.Background()))
	d.Release()
}
