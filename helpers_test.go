package corun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, workers int) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = workers
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, p.Close(ctx))
	})
	return p
}

// inCoroutine runs fn in a coroutine of p and waits for it. Assertions
// belong after the call: fn must not stop the test from the coroutine.
func inCoroutine(t *testing.T, p *Pool, fn func(ctx context.Context)) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, p.Go(context.Background(), func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}))
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("coroutine did not finish")
	}
}
