package app

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/dskit/server"

	"github.com/payrelay/payrelay/modules/buffer"
	"github.com/payrelay/payrelay/modules/dispatcher"
	"github.com/payrelay/payrelay/modules/gateway"
	"github.com/payrelay/payrelay/modules/health"
	"github.com/payrelay/payrelay/modules/recorder"
	"github.com/payrelay/payrelay/pkg/util"
)

// Config is the root config for App.
type Config struct {
	Target string `yaml:"target,omitempty"`

	Server     server.Config     `yaml:"server,omitempty"`
	Buffer     buffer.Config     `yaml:"buffer,omitempty"`
	Health     health.Config     `yaml:"health,omitempty"`
	Gateway    gateway.Config    `yaml:"gateway,omitempty"`
	Dispatcher dispatcher.Config `yaml:"dispatcher,omitempty"`
	Recorder   recorder.Config   `yaml:"recorder,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flags and seeds defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = All
	f.StringVar(&c.Target, "target", All, "target module")

	// Server settings
	c.Server.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 9999, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9995, "gRPC server listen port.")
	c.Server.HTTPServerReadTimeout = 30 * time.Second
	c.Server.HTTPServerWriteTimeout = 30 * time.Second
	c.Server.HTTPServerIdleTimeout = 2 * time.Minute

	c.Buffer.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "buffer"), f)
	c.Health.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "health"), f)
	c.Gateway.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "gateway"), f)
	c.Dispatcher.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "dispatcher"), f)
	c.Recorder.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "recorder"), f)
}

// ApplyEnvironment folds the recognized environment variables over the
// config. lookup is os.LookupEnv in production.
func (c *Config) ApplyEnvironment(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing PORT: %w", err)
		}
		c.Server.HTTPListenPort = port
	}

	if v, ok := lookup("PAYMENT_QUEUE_MAX_SIZE"); ok {
		if strings.EqualFold(v, "infinity") {
			c.Buffer.MaxSize = 0
		} else {
			size, err := strconv.Atoi(v)
			if err != nil || size <= 0 {
				return fmt.Errorf("PAYMENT_QUEUE_MAX_SIZE must be a positive integer or 'infinity', got %q", v)
			}
			c.Buffer.MaxSize = size
		}
	}

	if v, ok := lookup("DATABASE_URL"); ok {
		c.Recorder.Backend = recorder.BackendPostgres
		c.Recorder.Postgres.URL = v
	}
	if v, ok := lookup("DB_HOST"); ok {
		c.Recorder.Backend = recorder.BackendPostgres
		c.Recorder.Postgres.Host = v
	}
	if v, ok := lookup("DB_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing DB_PORT: %w", err)
		}
		c.Recorder.Postgres.Port = port
	}
	if v, ok := lookup("DB_USER"); ok {
		c.Recorder.Postgres.User = v
	}
	if v, ok := lookup("DB_PASSWORD"); ok {
		c.Recorder.Postgres.Password = v
	}
	if v, ok := lookup("DB_NAME"); ok {
		c.Recorder.Postgres.Database = v
	}
	if v, ok := lookup("DB_POOL_SIZE"); ok {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing DB_POOL_SIZE: %w", err)
		}
		c.Recorder.Postgres.PoolSize = size
	}
	if v, ok := lookup("DB_SSL"); ok {
		ssl, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing DB_SSL: %w", err)
		}
		c.Recorder.Postgres.SSL = ssl
	}

	if v, ok := lookup("HTTP_POOL_SIZE"); ok {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing HTTP_POOL_SIZE: %w", err)
		}
		c.Gateway.PoolSize = size
	}
	if v, ok := lookup("HTTP_POOL_COUNT"); ok {
		count, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing HTTP_POOL_COUNT: %w", err)
		}
		c.Gateway.PoolCount = count
	}

	// PAYMENTS_BASE_URL seeds both routes; the per-route variables win.
	if v, ok := lookup("PAYMENTS_BASE_URL"); ok {
		c.Gateway.DefaultURL = v
		c.Gateway.FallbackURL = v
	}
	if v, ok := lookup("PROCESSOR_DEFAULT_URL"); ok {
		c.Gateway.DefaultURL = v
	}
	if v, ok := lookup("PROCESSOR_FALLBACK_URL"); ok {
		c.Gateway.FallbackURL = v
	}

	return nil
}

// CheckConfig returns warnings for suspect configurations.
func (c *Config) CheckConfig() []string {
	var warnings []string

	if c.Dispatcher.RequeueWait > 0 && c.Health.PollInterval > 10*c.Dispatcher.RequeueWait {
		warnings = append(warnings, "health.poll-interval is much larger than dispatcher requeue wait; workers will spin on a stale snapshot while processors recover")
	}
	if c.Gateway.RequestTimeout >= c.Server.HTTPServerWriteTimeout {
		warnings = append(warnings, "gateway.request-timeout exceeds the server write timeout")
	}
	if c.Buffer.MaxSize == 0 {
		warnings = append(warnings, "buffer.max-size is unbounded; memory use is capped only by ingress rate")
	}

	return warnings
}
