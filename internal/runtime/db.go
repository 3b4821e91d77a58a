package runtime

import (
	"fmt"

	"github.com/mohammad-safakhou/quizzer/config"
)

// BuildPostgresDSN constructs a DSN from the application configuration.
func BuildPostgresDSN(cfg *config.Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("config is nil")
	}
	p := cfg.Storage.Postgres
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p.DSN(), nil
}
