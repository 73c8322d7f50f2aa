package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"gopkg.in/yaml.v2"

	"github.com/payrelay/payrelay/modules/api"
	"github.com/payrelay/payrelay/modules/buffer"
	"github.com/payrelay/payrelay/modules/dispatcher"
	"github.com/payrelay/payrelay/modules/gateway"
	"github.com/payrelay/payrelay/modules/health"
	"github.com/payrelay/payrelay/modules/recorder"
	"github.com/payrelay/payrelay/pkg/util/log"
)

const metricsNamespace = "payrelay"

// App is the root datastructure.
type App struct {
	cfg    Config
	logger kitlog.Logger

	Server      *server.Server
	buffer      *buffer.Buffer
	healthCache *health.Cache
	watcher     *health.Watcher
	router      *gateway.Router
	recorder    *recorder.Recorder
	dispatcher  *dispatcher.Dispatcher
	api         *api.API

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		logger: log.Logger,
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager %w", err)
	}

	return app, nil
}

// Run starts, and blocks until a signal is received or a module fails.
func (t *App) Run() error {
	serviceMap, err := t.ModuleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	// before starting the servers, register the operational handlers
	t.Server.HTTP.Path("/ready").Handler(t.readyHandler(sm))
	t.Server.HTTP.Path("/config").Handler(t.configHandler())

	// listen for events from this manager, and log them
	healthy := func() { level.Info(t.logger).Log("msg", "payrelay started") }
	stopped := func() { level.Info(t.logger).Log("msg", "payrelay stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		for m, s := range serviceMap {
			if s == service {
				level.Error(t.logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}
		level.Error(t.logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// on a signal, stop the manager, which stops all the services
	handler := signals.NewHandler(t.logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			for st, ls := range sm.ServicesByState() {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "ready", http.StatusOK)
	}
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(t.logger).Log("msg", "error writing response", "err", err)
		}
	}
}

// NewServerService constructs a service wrapper around the HTTP server. On
// stop it waits for every other service before shutting the listener down.
func NewServerService(serv *server.Server, servicesToWaitFor func() []services.Service) services.Service {
	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- serv.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return err
			}
			return fmt.Errorf("server stopped unexpectedly")
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown HTTP and gRPC servers
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		serv.Shutdown()
		<-serverDone
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn)
}

// DisableSignalHandling puts a dummy signal handler into the server config.
// The app handles signals itself so all modules stop, not just the server.
func DisableSignalHandling(config *server.Config) {
	config.SignalHandler = make(ignoreSignalHandler)
}

type ignoreSignalHandler chan struct{}

func (h ignoreSignalHandler) Loop() { <-h }

func (h ignoreSignalHandler) Stop() { close(h) }
