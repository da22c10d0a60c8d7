package corun

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	r := require.New(t)

	cfg, err := ParseConfig([]byte(`
workers = 6
stack_ttl = "2s"
max_stacks = 1024
track_live = true
shutdown_timeout = "1m"
`))
	r.NoError(err)
	r.Equal(6, cfg.Workers)
	r.Equal(2, cfg.Reserve)
	r.Equal(Duration(2*time.Second), cfg.StackTTL)
	r.Equal(256, cfg.StackPoolSize)
	r.Equal(1024, cfg.MaxStacks)
	r.True(cfg.TrackLive)
	r.Equal(Duration(time.Minute), cfg.ShutdownTimeout)
}

func TestParseConfigErrors(t *testing.T) {
	_, err := ParseConfig([]byte(`stack_ttl = "forever"`))
	require.Error(t, err)

	_, err = ParseConfig([]byte(`workers = [`))
	require.Error(t, err)
}

func TestConfigWithEnv(t *testing.T) {
	r := require.New(t)

	env := map[string]string{
		EnvTrackLive: "1",
		EnvWorkers:   "3",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := DefaultConfig().WithEnv(lookup)
	r.NoError(err)
	r.True(cfg.TrackLive)
	r.Equal(3, cfg.Workers)

	env[EnvWorkers] = "many"
	_, err = DefaultConfig().WithEnv(lookup)
	r.ErrorContains(err, EnvWorkers)

	env[EnvWorkers] = ""
	env[EnvTrackLive] = "maybe"
	_, err = DefaultConfig().WithEnv(lookup)
	r.ErrorContains(err, EnvTrackLive)
}

func TestLoadConfig(t *testing.T) {
	r := require.New(t)
	t.Setenv(EnvWorkers, "5")

	path := filepath.Join(t.TempDir(), "corun.toml")
	r.NoError(os.WriteFile(path, []byte("workers = 2\nstack_pool_size = 8\n"), 0o600))

	cfg, err := LoadConfig(path)
	r.NoError(err)
	r.Equal(2, cfg.Workers)
	r.Equal(8, cfg.StackPoolSize)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	r.Error(err)
}

func TestWorkerCount(t *testing.T) {
	r := require.New(t)

	cfg := DefaultConfig()
	r.Equal(runtime.NumCPU()+2, cfg.WorkerCount())

	cfg.Workers = 3
	r.Equal(3, cfg.WorkerCount())
}

func TestNormalizeConfig(t *testing.T) {
	r := require.New(t)
	t.Setenv(EnvTrackLive, "true")

	cfg, err := Config{Workers: 1}.normalize()
	r.NoError(err)
	r.Equal(DefaultConfig().StackTTL, cfg.StackTTL)
	r.Equal(DefaultConfig().ShutdownTimeout, cfg.ShutdownTimeout)
	r.False(cfg.TrackLive)

	_, err = Config{MaxStacks: -1}.normalize()
	r.Error(err)
}

func TestNewAppliesEnvironment(t *testing.T) {
	r := require.New(t)
	t.Setenv(EnvWorkers, "3")

	cfg := DefaultConfig()
	cfg.Workers = 1
	p, err := New(cfg)
	r.NoError(err)
	defer func() {
		r.NoError(p.Close(context.Background()))
	}()
	r.Equal(3, p.Stats().Workers)
}

func TestNewRejectsBadEnvironment(t *testing.T) {
	r := require.New(t)

	t.Setenv(EnvTrackLive, "maybe")
	_, err := New(DefaultConfig())
	r.ErrorContains(err, EnvTrackLive)

	t.Setenv(EnvTrackLive, "")
	t.Setenv(EnvWorkers, "many")
	_, err = New(DefaultConfig())
	r.ErrorContains(err, EnvWorkers)
}

func TestDurationText(t *testing.T) {
	r := require.New(t)

	b, err := Duration(1500 * time.Millisecond).MarshalText()
	r.NoError(err)
	r.Equal("1.5s", string(b))

	var d Duration
	r.NoError(d.UnmarshalText([]byte("250ms")))
	r.Equal(Duration(250*time.Millisecond), d)
	r.Error(d.UnmarshalText([]byte("soon")))
}
