// Package app wires a complete bus (server, registry, sink, metrics) from a
// configuration using go.uber.org/dig.
package app

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/dig"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/messagebus/internal/runtime/config"
	dispatchpkg "github.com/drblury/messagebus/internal/runtime/dispatch"
	errspkg "github.com/drblury/messagebus/internal/runtime/errors"
	loggingpkg "github.com/drblury/messagebus/internal/runtime/logging"
	metricspkg "github.com/drblury/messagebus/internal/runtime/metrics"
	registrypkg "github.com/drblury/messagebus/internal/runtime/registry"
	serverpkg "github.com/drblury/messagebus/internal/runtime/server"
	sessionpkg "github.com/drblury/messagebus/internal/runtime/session"
	sinkpkg "github.com/drblury/messagebus/internal/runtime/sink"
	"github.com/drblury/messagebus/transport"

	// Built-in sink transports register themselves.
	_ "github.com/drblury/messagebus/transport/transports"
)

// App is a fully wired bus.
type App struct {
	Config   *configpkg.Config
	Logger   loggingpkg.ServiceLogger
	Metrics  *metricspkg.Metrics
	Registry *registrypkg.Registry
	Server   *serverpkg.Server
	// Sink is nil when no sink transport is configured.
	Sink *sinkpkg.Service
}

type observer struct {
	name string
	fn   sinkpkg.ObserverFunc
}

type options struct {
	logger     loggingpkg.ServiceLogger
	registerer prometheus.Registerer
	transports *transport.Registry
	filters    []dispatchpkg.Filter
	observers  []observer
}

// Option customises New.
type Option func(*options)

// WithLogger replaces the logger built from the log config.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers metrics somewhere other than the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTransports selects the sink transport registry.
func WithTransports(reg *transport.Registry) Option {
	return func(o *options) { o.transports = reg }
}

// WithFilters restricts which messages are broadcast.
func WithFilters(filters ...dispatchpkg.Filter) Option {
	return func(o *options) { o.filters = append(o.filters, filters...) }
}

// WithObserver subscribes fn to sink events. It has no effect when the sink
// is disabled.
func WithObserver(name string, fn sinkpkg.ObserverFunc) Option {
	return func(o *options) { o.observers = append(o.observers, observer{name: name, fn: fn}) }
}

// New validates cfg and builds every component.
func New(ctx context.Context, cfg *configpkg.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := dig.New()
	providers := []any{
		func() *configpkg.Config { return cfg },
		func() context.Context { return ctx },
		func() options { return o },
		newLogger,
		newMetrics,
		registrypkg.New,
		newDispatcher,
		newSink,
		newServer,
	}
	for _, p := range providers {
		if err := c.Provide(p); err != nil {
			return nil, err
		}
	}

	var a *App
	err := c.Invoke(func(
		logger loggingpkg.ServiceLogger,
		metrics *metricspkg.Metrics,
		registry *registrypkg.Registry,
		server *serverpkg.Server,
		sink *sinkpkg.Service,
	) {
		a = &App{
			Config:   cfg,
			Logger:   logger,
			Metrics:  metrics,
			Registry: registry,
			Server:   server,
			Sink:     sink,
		}
	})
	if err != nil {
		return nil, dig.RootCause(err)
	}
	return a, nil
}

func newLogger(cfg *configpkg.Config, o options) (loggingpkg.ServiceLogger, error) {
	if o.logger != nil {
		return o.logger, nil
	}
	log, err := loggingpkg.NewDefaultLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return loggingpkg.NewSlogServiceLogger(log), nil
}

func newMetrics(o options) (*metricspkg.Metrics, error) {
	m := metricspkg.New(o.registerer)
	if err := m.Register(); err != nil {
		return nil, err
	}
	return m, nil
}

func newDispatcher(registry *registrypkg.Registry, metrics *metricspkg.Metrics, o options) dispatchpkg.Dispatcher {
	return dispatchpkg.NewFilteredDispatcher(dispatchpkg.NewBroadcastDispatcher(registry, metrics), o.filters...)
}

func newSink(ctx context.Context, cfg *configpkg.Config, logger loggingpkg.ServiceLogger, metrics *metricspkg.Metrics, o options) (*sinkpkg.Service, error) {
	if !cfg.SinkEnabled() {
		logger.Debug("Event sink disabled", nil)
		return nil, nil
	}

	svc, err := sinkpkg.NewService(ctx, sinkpkg.Config{
		Topic:          cfg.Sink.Topic,
		Buffer:         cfg.Sink.Buffer,
		MaxEventBytes:  int64(cfg.MaxMessageBytes()),
		MetricsEnabled: cfg.Metrics.Enabled,
		Retry: sinkpkg.RetryConfig{
			MaxRetries:      cfg.Sink.RetryMaxRetries,
			InitialInterval: cfg.Sink.RetryInitialInterval,
			MaxInterval:     cfg.Sink.RetryMaxInterval,
		},
	}, cfg, sinkpkg.Dependencies{
		Transports: o.transports,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	for _, obs := range o.observers {
		if err := svc.AddObserver(obs.name, obs.fn); err != nil {
			return nil, errors.Join(err, svc.Close())
		}
	}
	return svc, nil
}

func newServer(cfg *configpkg.Config, registry *registrypkg.Registry, dispatcher dispatchpkg.Dispatcher, sink *sinkpkg.Service, metrics *metricspkg.Metrics, logger loggingpkg.ServiceLogger) (*serverpkg.Server, error) {
	queue, err := cfg.QueueOptions()
	if err != nil {
		return nil, err
	}

	opts := serverpkg.Options{
		Addr:            cfg.Addr(),
		Route:           cfg.Route,
		MaxMessageBytes: cfg.MaxMessageBytes(),
		Queue:           queue,
		AllowedOrigins:  cfg.AllowedOrigins,
		WriteTimeout:    cfg.WriteTimeout,
	}
	if cfg.SSL {
		opts.TLSCertFile = cfg.TLSCertFile
		opts.TLSKeyFile = cfg.TLSKeyFile
	}

	var eventSink sessionpkg.EventSink
	if sink != nil {
		eventSink = sink.Notifier()
	}

	return serverpkg.New(opts, serverpkg.Dependencies{
		Registry:   registry,
		Dispatcher: dispatcher,
		Sink:       eventSink,
		Metrics:    metrics,
		Logger:     logger,
	})
}

// Run serves until ctx is cancelled or a component fails, then closes the
// sink. A bind failure is returned as is.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Server.Run(gctx) })
	if a.Sink != nil {
		g.Go(func() error { return a.Sink.Run(gctx) })
	}
	if a.Config.Metrics.Enabled {
		g.Go(func() error { return a.Metrics.Serve(gctx, a.Config.Metrics.Port) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, a.Close())
}

// Close releases the sink transport.
func (a *App) Close() error {
	if a.Sink == nil {
		return nil
	}
	return a.Sink.Close()
}
