package health

import (
	"flag"
	"time"

	"github.com/payrelay/payrelay/pkg/util"
)

type Config struct {
	// PollInterval is how often each processor's health endpoint is polled.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollTimeout is the per-request deadline of a single health probe.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// UnhealthyLatency marks a route unhealthy when its advertised minimum
	// response time is at or above this threshold.
	UnhealthyLatency time.Duration `yaml:"unhealthy_latency"`

	// HedgeRequestsAt hedges a health probe that has not returned after this
	// delay. Zero disables hedging.
	HedgeRequestsAt   time.Duration `yaml:"hedge_requests_at"`
	HedgeRequestsUpTo int           `yaml:"hedge_requests_up_to"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.PollInterval, util.PrefixConfig(prefix, "poll-interval"), 5*time.Second, "Interval between processor health polls.")
	f.DurationVar(&cfg.PollTimeout, util.PrefixConfig(prefix, "poll-timeout"), 2*time.Second, "Deadline of a single health probe.")
	f.DurationVar(&cfg.UnhealthyLatency, util.PrefixConfig(prefix, "unhealthy-latency"), 30*time.Millisecond, "Advertised min response time at or above this marks a route unhealthy.")

	cfg.HedgeRequestsAt = 500 * time.Millisecond
	cfg.HedgeRequestsUpTo = 2
}
