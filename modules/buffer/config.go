package buffer

import (
	"flag"

	"github.com/payrelay/payrelay/pkg/util"
)

type Config struct {
	// MaxSize caps the number of queued payments. Zero means unbounded.
	MaxSize int `yaml:"max_size"`

	// Shards is the number of internal queue shards. More shards lower
	// producer contention at a small cost per take-smallest scan.
	Shards int `yaml:"shards"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxSize, util.PrefixConfig(prefix, "max-size"), 50000, "Maximum number of queued payments. 0 disables the cap.")
	f.IntVar(&cfg.Shards, util.PrefixConfig(prefix, "shards"), 32, "Number of internal queue shards.")
}
