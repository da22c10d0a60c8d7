package corun

import (
	"context"
	"testing"

	"github.com/samber/do"
	"github.com/stretchr/testify/require"
)

func TestProvide(t *testing.T) {
	r := require.New(t)

	cfg := DefaultConfig()
	cfg.Workers = 2

	i := do.New()
	Provide(i, cfg)

	p := do.MustInvoke[*Pool](i)
	r.Same(p, do.MustInvoke[*Pool](i))
	r.Equal(2, p.Stats().Workers)

	var ran bool
	inCoroutine(t, p, func(context.Context) { ran = true })
	r.True(ran)

	r.NoError(i.Shutdown())
	r.ErrorIs(p.Go(context.Background(), func(context.Context) {}), ErrPoolClosed)
}

func TestProvideInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = -1

	i := do.New()
	Provide(i, cfg)

	_, err := do.Invoke[*Pool](i)
	require.Error(t, err)
}
