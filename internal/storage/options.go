package storage

import (
	"strings"
	"time"
)

// Option tunes a repository. Options that only make sense for one backend
// are ignored by the other.
type Option interface {
	applyJSON(*JSONRepository)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	json func(*JSONRepository)
	pg   func(*PostgresConfig)
}

func (o optionAdapter) applyJSON(repo *JSONRepository) {
	if o.json != nil && repo != nil {
		o.json(repo)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func jsonOnlyOption(json func(*JSONRepository)) Option {
	return optionAdapter{json: json}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithMaxEvents bounds how many events the JSON file keeps; the oldest are
// dropped first.
func WithMaxEvents(n int) Option {
	return jsonOnlyOption(func(r *JSONRepository) {
		if n > 0 {
			r.maxEvents = n
		}
	})
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds both acquiring a pooled connection and
// the statement run on it.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}
