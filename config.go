package corun

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Environment variables read by New. They override the Config passed
// in.
const (
	EnvTrackLive = "CORUN_TRACK_LIVE"
	EnvWorkers   = "CORUN_WORKERS"
)

// Duration is a time.Duration written as a string ("10s") in TOML.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText parses any string accepted by time.ParseDuration.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config controls the size and behavior of a Pool.
type Config struct {
	// Workers is the number of worker goroutines. Zero means
	// runtime.NumCPU() plus Reserve.
	Workers int `toml:"workers"`
	// Reserve is added to the CPU count for workers held up by slow
	// operations.
	Reserve int `toml:"reserve"`

	// StackTTL is how long a released stack is kept for reuse.
	// StackPoolSize caps the number of stacks kept.
	StackTTL      Duration `toml:"stack_ttl"`
	StackPoolSize int      `toml:"stack_pool_size"`
	MaxStacks     int      `toml:"max_stacks"` // 0 = unlimited

	// TrackLive records every live coroutine and stack for leak
	// debugging.
	TrackLive bool `toml:"track_live"`

	// ShutdownTimeout bounds the drain done by Shutdown.
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// DefaultConfig returns the configuration used for zero fields: a
// worker per CPU plus two, a 10s stack TTL, 256 pooled stacks with no
// live-stack limit, and a 30s shutdown timeout.
func DefaultConfig() Config {
	return Config{
		Reserve:         2,
		StackTTL:        Duration(10 * time.Second),
		StackPoolSize:   256,
		ShutdownTimeout: Duration(30 * time.Second),
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseConfig decodes TOML on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// WithEnv returns c with CORUN_* overrides found by lookup applied.
func (c Config) WithEnv(lookup func(string) (string, bool)) (Config, error) {
	if v, ok := lookup(EnvTrackLive); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("%s: %w", EnvTrackLive, err)
		}
		c.TrackLive = b
	}
	if v, ok := lookup(EnvWorkers); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		c.Workers = n
	}
	return c, nil
}

// WorkerCount returns the number of workers a pool built from c runs.
func (c Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU() + c.Reserve
}

func (c Config) normalize() (Config, error) {
	def := DefaultConfig()
	if c.Workers < 0 || c.Reserve < 0 || c.StackPoolSize < 0 || c.MaxStacks < 0 {
		return c, fmt.Errorf("corun: negative value in config %+v", c)
	}
	if c.StackTTL <= 0 {
		c.StackTTL = def.StackTTL
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c, nil
}
