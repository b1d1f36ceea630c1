package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the playerd configuration file.
type Config struct {
	Listen           string        `toml:"listen"`
	Namespace        uint32        `toml:"namespace"`
	MaxRequestLength int           `toml:"max_request_length"`
	KeepAlive        time.Duration `toml:"keep_alive"`
	IdleTimeout      time.Duration `toml:"idle_timeout"`
	ShutdownTimeout  time.Duration `toml:"shutdown_timeout"`
	Workers          int           `toml:"workers"`
	Ordered          bool          `toml:"ordered"`
	LogLevel         string        `toml:"log_level"`
}

func defaultConfig() Config {
	return Config{
		Listen:           "127.0.0.1:12345",
		MaxRequestLength: 1024,
		KeepAlive:        30 * time.Second,
		IdleTimeout:      30 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		LogLevel:         "info",
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "decode %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, errors.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.MaxRequestLength <= 0 || c.MaxRequestLength > 0x10000 {
		return errors.Errorf("max_request_length %d out of range (1..65536)", c.MaxRequestLength)
	}
	if c.KeepAlive <= 0 {
		return errors.New("keep_alive must be positive")
	}
	if _, err := c.level(); err != nil {
		return err
	}
	return nil
}

func (c Config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.Wrapf(err, "log_level %q", c.LogLevel)
	}
	return lvl, nil
}
