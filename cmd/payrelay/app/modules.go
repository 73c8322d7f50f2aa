package app

import (
	"fmt"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"

	"github.com/payrelay/payrelay/modules/api"
	"github.com/payrelay/payrelay/modules/buffer"
	"github.com/payrelay/payrelay/modules/dispatcher"
	"github.com/payrelay/payrelay/modules/gateway"
	"github.com/payrelay/payrelay/modules/health"
	"github.com/payrelay/payrelay/modules/recorder"
)

// The various modules that make up payrelay.
const (
	Server        string = "server"
	Buffer        string = "buffer"
	Store         string = "store"
	HealthWatcher string = "health-watcher"
	Gateway       string = "gateway"
	Dispatcher    string = "dispatcher"
	API           string = "api"
	All           string = "all"
)

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true

	DisableSignalHandling(&t.cfg.Server)

	srv, err := server.New(t.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to create server %w", err)
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	t.Server = srv
	return NewServerService(srv, servicesToWaitFor), nil
}

func (t *App) initBuffer() (services.Service, error) {
	t.buffer = buffer.New(t.cfg.Buffer)
	return nil, nil
}

func (t *App) initStore() (services.Service, error) {
	rec, err := recorder.New(t.cfg.Recorder, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create recorder %w", err)
	}
	t.recorder = rec
	return rec, nil
}

func (t *App) initHealthWatcher() (services.Service, error) {
	t.healthCache = health.NewCache(t.cfg.Health.UnhealthyLatency)

	watcher, err := health.NewWatcher(t.cfg.Health, t.healthCache, map[health.Route]string{
		health.RouteDefault:  t.cfg.Gateway.DefaultURL,
		health.RouteFallback: t.cfg.Gateway.FallbackURL,
	}, t.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create health watcher %w", err)
	}
	t.watcher = watcher
	return watcher, nil
}

func (t *App) initGateway() (services.Service, error) {
	t.router = gateway.NewRouter(t.cfg.Gateway, t.healthCache, t.recorder, t.logger)
	return nil, nil
}

func (t *App) initDispatcher() (services.Service, error) {
	t.dispatcher = dispatcher.New(t.cfg.Dispatcher, t.buffer, t.router, t.logger)
	return t.dispatcher, nil
}

func (t *App) initAPI() (services.Service, error) {
	t.api = api.New(t.buffer, t.recorder, t.healthCache, t.logger)
	t.api.RegisterRoutes(t.Server.HTTP)
	return nil, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(t.logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Buffer, t.initBuffer, modules.UserInvisibleModule)
	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(HealthWatcher, t.initHealthWatcher, modules.UserInvisibleModule)
	mm.RegisterModule(Gateway, t.initGateway, modules.UserInvisibleModule)
	mm.RegisterModule(Dispatcher, t.initDispatcher, modules.UserInvisibleModule)
	mm.RegisterModule(API, t.initAPI, modules.UserInvisibleModule)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		Gateway:    {Store, HealthWatcher},
		Dispatcher: {Buffer, Gateway},
		API:        {Server, Buffer, Store, HealthWatcher},
		All:        {Dispatcher, API},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.ModuleManager = mm
	return nil
}
