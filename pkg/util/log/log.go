package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/server"
)

// Logger is the shared go-kit logger. It is initialised from the server
// config at startup; components should derive from it with
// log.With(logger, "component", ...).
var Logger = kitlog.NewNopLogger()

// InitLogger initialises the global logger from the server config and
// returns it.
func InitLogger(cfg *server.Config) kitlog.Logger {
	l := newLogger(cfg.LogFormat, cfg.LogLevel)

	// dskit server also logs through this logger
	cfg.Log = l

	Logger = l
	return l
}

func newLogger(format string, lvl dslog.Level) kitlog.Logger {
	writer := kitlog.NewSyncWriter(os.Stderr)
	logger := dslog.NewGoKitWithWriter(format, writer)

	// use UTC timestamps and skip 5 stack frames.
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// must put the level filter last for efficiency
	logger = level.NewFilter(logger, lvl.Option)

	return logger
}
