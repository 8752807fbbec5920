package core

import (
	"haystack/internal/engine"
)

// DefaultMaxObjectSize bounds request bodies when no limit is configured.
const DefaultMaxObjectSize = 64 << 20

type Config struct {
	Engine        *engine.Engine
	MaxObjectSize int64
}

type ConfigOption func(*Config)

func WithEngine(e *engine.Engine) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = e
	}
}

func WithMaxObjectSize(n int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxObjectSize = n
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
