// Package coreconfig provides environment-based configuration loading and
// validation for eventcore components (engine.Config, state.CacheConfig,
// and caller-supplied handler configuration structs).
//
// Usage:
//
//	type AppConfig struct {
//		Port     int    `env:"PORT" env-default:"8080"`
//		LogLevel string `env:"LOG_LEVEL" env-default:"INFO" validate:"required"`
//	}
//
//	var cfg AppConfig
//	if err := coreconfig.Load(&cfg); err != nil {
//		log.Fatal(err)
//	}
package coreconfig

import (
	"github.com/chris-alexander-pop/eventcore/pkg/coreerr"
	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads configuration from .env file or environment variables and
// validates the result against its struct tags.
func Load[T any](cfg *T) error {
	if err := cleanenv.ReadConfig(".env", cfg); err != nil {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return coreerr.Wrap(err, "failed to read env config")
		}
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return coreerr.Wrap(err, "config validation failed")
	}

	return nil
}
