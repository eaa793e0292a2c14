package storage

import "time"

// PostgresConfig describes how the repository sizes and tunes its pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

const defaultPostgresAcquireTimeout = 5 * time.Second

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{DSN: dsn, MinConnections: -1, AcquireTimeout: defaultPostgresAcquireTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	return cfg
}
