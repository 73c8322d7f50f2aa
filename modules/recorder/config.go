package recorder

import (
	"flag"
	"fmt"
	"net/url"

	"github.com/payrelay/payrelay/pkg/util"
)

const (
	// BackendMemory keeps transactions in process memory. It is the default
	// when no database is configured and what the tests run against.
	BackendMemory = "memory"
	// BackendPostgres persists transactions to PostgreSQL.
	BackendPostgres = "postgres"
)

type Config struct {
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	// URL is a full connection string and wins over the individual fields.
	URL string `yaml:"url"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	PoolSize int    `yaml:"pool_size"`
	SSL      bool   `yaml:"ssl"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, util.PrefixConfig(prefix, "backend"), BackendMemory, "Transaction store backend (memory, postgres).")
	f.StringVar(&cfg.Postgres.URL, util.PrefixConfig(prefix, "postgres.url"), "", "PostgreSQL connection string.")

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.Database = "payrelay"
	cfg.Postgres.PoolSize = 10
}

// ConnString resolves the effective connection string.
func (cfg PostgresConfig) ConnString() string {
	if cfg.URL != "" {
		return cfg.URL
	}

	sslmode := "disable"
	if cfg.SSL {
		sslmode = "require"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password),
		cfg.Host, cfg.Port, cfg.Database, sslmode, cfg.PoolSize)
}
