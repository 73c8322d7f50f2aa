package gateway

import (
	"flag"
	"time"

	"github.com/payrelay/payrelay/pkg/util"
)

type Config struct {
	// Processor base URLs per route.
	DefaultURL  string `yaml:"default_url"`
	FallbackURL string `yaml:"fallback_url"`

	// RequestTimeout is the hard deadline of a single processor call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Debug enables the tighter connect budget used when diagnosing slow
	// processor networks.
	Debug          bool          `yaml:"debug"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// PoolSize is the idle connection pool per client; PoolCount is the
	// number of independent clients round-robined per route.
	PoolSize  int `yaml:"pool_size"`
	PoolCount int `yaml:"pool_count"`

	// SuccessOn409 treats HTTP 409 as success. Processors signal "already
	// accepted" with 409 on idempotent retries.
	SuccessOn409 bool `yaml:"success_on_409"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the per-route circuit breaker. The defaults are
// deliberately permissive: the health cache is the primary routing gate, the
// breaker only sheds load from a processor that fails hard and repeatedly
// inside a single poll window.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenFor             time.Duration `yaml:"open_for"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.DefaultURL, util.PrefixConfig(prefix, "default-url"), "http://payment-processor-default:8080", "Base URL of the default payment processor.")
	f.StringVar(&cfg.FallbackURL, util.PrefixConfig(prefix, "fallback-url"), "http://payment-processor-fallback:8080", "Base URL of the fallback payment processor.")
	f.DurationVar(&cfg.RequestTimeout, util.PrefixConfig(prefix, "request-timeout"), time.Second, "Deadline of a single processor call.")
	f.BoolVar(&cfg.Debug, util.PrefixConfig(prefix, "debug"), false, "Enable the debug connect budget.")

	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.PoolSize = 100
	cfg.PoolCount = 1
	cfg.SuccessOn409 = true
	cfg.Breaker = BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 16,
		OpenFor:             2 * time.Second,
	}
}
