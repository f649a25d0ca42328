package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// MaxMatrixDim is the upper bound the demo draws n, m and k from.
const MaxMatrixDim = 8192

type Config struct {
	// MaxDim bounds randomly drawn dimensions to [1, MaxDim].
	MaxDim int `toml:"max_dim"`

	// Fixed dimensions. Zero means draw at random.
	M int `toml:"m"`
	N int `toml:"n"`
	K int `toml:"k"`

	// Seed for the random source. Zero seeds from the clock.
	Seed uint64 `toml:"seed"`

	// Tolerance is the relative error accepted by the spot check.
	Tolerance float64 `toml:"tolerance"`
	// Strict turns a failed spot or transpose check into a run error.
	Strict bool `toml:"strict"`

	// Workers caps concurrently executing thread groups on the software
	// device. Zero means runtime.NumCPU().
	Workers int `toml:"workers"`

	Iterations int `toml:"iterations"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	MetricsAddr string `toml:"metrics_addr"`
	ExportIPC   string `toml:"export_ipc"`
	FlightAddr  string `toml:"flight_addr"`
}

func (c *Config) Validate() error {
	if c.MaxDim <= 0 {
		return fmt.Errorf("invalid max_dim: %d (must be positive)", c.MaxDim)
	}
	for _, d := range []struct {
		name string
		v    int
	}{{"m", c.M}, {"n", c.N}, {"k", c.K}} {
		if d.v < 0 {
			return fmt.Errorf("invalid %s: %d (must be non-negative)", d.name, d.v)
		}
		if d.v > c.MaxDim {
			return fmt.Errorf("invalid %s: %d (must be <= max_dim: %d)", d.name, d.v, c.MaxDim)
		}
	}
	if c.Tolerance <= 0 {
		return fmt.Errorf("invalid tolerance: %g (must be positive)", c.Tolerance)
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid workers: %d (must be non-negative)", c.Workers)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("invalid iterations: %d (must be positive)", c.Iterations)
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (want console or json)", c.LogFormat)
	}
	return nil
}

// FixedDims reports whether all three dimensions were pinned. Dimensions
// left at zero are drawn at random.
func (c *Config) FixedDims() bool {
	return c.M > 0 && c.N > 0 && c.K > 0
}

func Default() Config {
	return Config{
		MaxDim:     MaxMatrixDim,
		Tolerance:  1e-3,
		Iterations: 1,
		LogLevel:   "info",
		LogFormat:  "console",
	}
}

// Load decodes a TOML file over Default(). Keys not present in the file
// keep their default values; unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return cfg, fmt.Errorf("decode %s: unknown keys %v", path, undec)
	}
	return cfg, nil
}
