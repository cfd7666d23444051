package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Load reads an optional .env file and then parses environment variables into cfg.
func Load[T any](cfg *T) error {
	_ = godotenv.Load()
	return env.Parse(cfg)
}

// MustLoad is Load that panics on error.
func MustLoad[T any](cfg *T) {
	_ = godotenv.Load()
	env.Must(cfg, env.Parse(cfg))
}
