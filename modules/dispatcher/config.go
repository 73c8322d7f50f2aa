package dispatcher

import (
	"flag"
	"runtime"
	"time"

	"github.com/payrelay/payrelay/pkg/util"
)

type Config struct {
	// MaxConcurrency is the number of long-lived dispatch workers.
	MaxConcurrency int `yaml:"max_concurrency"`

	// IdleWait is how long a worker sleeps after finding the queue empty.
	IdleWait time.Duration `yaml:"idle_wait"`

	// RequeueWait is the cooldown after a requeue. It keeps workers from
	// hot-spinning while every processor is down; the health poller refreshes
	// the snapshot within this window.
	RequeueWait time.Duration `yaml:"requeue_wait"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxConcurrency, util.PrefixConfig(prefix, "max-concurrency"), 2*runtime.GOMAXPROCS(0), "Number of dispatch workers.")

	cfg.IdleWait = 300 * time.Millisecond
	cfg.RequeueWait = 300 * time.Millisecond
}
