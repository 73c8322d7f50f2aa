package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	ver "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/payrelay/payrelay/cmd/payrelay/app"
	"github.com/payrelay/payrelay/pkg/util/log"
)

const appName = "payrelay"

// Version is set via build flag -ldflags -X main.Version
var (
	Version  string
	Branch   string
	Revision string
)

func init() {
	version.Version = Version
	version.Branch = Branch
	version.Revision = Revision

	prometheus.MustRegister(ver.NewCollector(appName))
}

func main() {
	printVersion := flag.Bool("version", false, "Print this builds version information")

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if *printVersion {
		fmt.Println(version.Print(appName))
		os.Exit(0)
	}

	// init the logger which honors the level set in config.Server
	log.InitLogger(&config.Server)

	for _, warning := range config.CheckConfig() {
		level.Warn(log.Logger).Log("msg", warning)
	}

	t, err := app.New(*config)
	if err != nil {
		level.Error(log.Logger).Log("msg", "error initialising payrelay", "err", err)
		os.Exit(1)
	}

	level.Info(log.Logger).Log(
		"msg", "starting payrelay",
		"version", version.Info(),
		"target", config.Target,
	)

	if err := t.Run(); err != nil {
		level.Error(log.Logger).Log("msg", "error running payrelay", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*app.Config, error) {
	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]
	config := &app.Config{}

	// first get the config file
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(&blackholeWriter{})
	fs.StringVar(&configFile, "config.file", "", "")
	fs.BoolVar(&configExpandEnv, "config.expand-env", false, "")
	fastParse(fs, args)

	// register flags, defaults get applied here
	flag.StringVar(&configFile, "config.file", "", "Configuration file to load")
	flag.BoolVar(&configExpandEnv, "config.expand-env", false, "Whether to expand environment variables in the config file")
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	// overlay the config file if one was provided
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", configFile, err)
		}

		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buf))
			if err != nil {
				return nil, fmt.Errorf("failed to expand env vars in config file %q: %w", configFile, err)
			}
			buf = []byte(s)
		}

		if err := yaml.UnmarshalStrict(buf, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", configFile, err)
		}
	}

	// overlay flags and then the environment
	flag.Parse()
	if err := config.ApplyEnvironment(os.LookupEnv); err != nil {
		return nil, err
	}

	return config, nil
}

// fastParse parses only the flags registered on fs, ignoring everything else.
func fastParse(fs *flag.FlagSet, args []string) {
	for len(args) > 0 {
		if fs.Parse(args) == nil {
			return
		}
		args = args[1:]
	}
}

type blackholeWriter struct{}

func (blackholeWriter) Write(p []byte) (int, error) { return len(p), nil }
