// Package sink is the bus's event-notification side channel. Every accepted
// inbound message becomes a Watermill event on a configurable transport, and
// any number of observers may consume those events independently.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/messagebus/internal/runtime/errors"
	idspkg "github.com/drblury/messagebus/internal/runtime/ids"
	loggingpkg "github.com/drblury/messagebus/internal/runtime/logging"
	metadatapkg "github.com/drblury/messagebus/internal/runtime/metadata"
	metricspkg "github.com/drblury/messagebus/internal/runtime/metrics"
	"github.com/drblury/messagebus/transport"
)

const (
	// DefaultTopic is the topic events are published to.
	DefaultTopic = "messagebus.messages"
	// DefaultBuffer bounds the notifier queue.
	DefaultBuffer = 1024
	// SystemNone disables the sink.
	SystemNone = "none"
)

// Enabled reports whether system names a sink transport.
func Enabled(system string) bool {
	system = strings.ToLower(strings.TrimSpace(system))
	return system != "" && system != SystemNone
}

// Config controls the sink service.
type Config struct {
	Topic          string
	Buffer         int
	MaxEventBytes  int64
	MetricsEnabled bool
	Retry          RetryConfig
	CloseTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// Event is what observers receive.
type Event struct {
	ID       string
	Text     string
	Metadata metadatapkg.Metadata
}

// ConnectionID returns the id of the connection the message came from.
func (e Event) ConnectionID() idspkg.ConnectionID {
	return idspkg.ConnectionID(e.Metadata[metadatapkg.KeyConnectionID])
}

// ObserverFunc handles one event. A returned error is retried and then
// logged; it never reaches the bus.
type ObserverFunc func(ctx context.Context, ev Event) error

// Dependencies holds the optional collaborators of a Service.
type Dependencies struct {
	Transports                *transport.Registry
	Metrics                   *metricspkg.Metrics
	Logger                    loggingpkg.ServiceLogger
	Middlewares               []MiddlewareRegistration // Appended after the default chain.
	DisableDefaultMiddlewares bool
}

// Service owns the sink transport, the notifier publishing into it and the
// router delivering events to observers.
type Service struct {
	Conf   Config
	Logger loggingpkg.ServiceLogger

	system    string
	metrics   *metricspkg.Metrics
	wmLogger  watermill.LoggerAdapter
	transport transport.Transport
	router    *message.Router
	notifier  *Notifier

	running     chan struct{}
	runningOnce sync.Once

	mu        sync.Mutex
	observers []string
	started   bool
	closeOnce sync.Once
	closeErr  error
}

// NewService builds the transport named by tcfg.GetSinkSystem and starts the
// notifier. It returns ErrSinkDisabled when no transport is configured.
func NewService(ctx context.Context, conf Config, tcfg transport.Config, deps Dependencies) (*Service, error) {
	system := strings.ToLower(strings.TrimSpace(tcfg.GetSinkSystem()))
	if !Enabled(system) {
		return nil, errspkg.ErrSinkDisabled
	}

	conf = conf.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	logger = logger.With(loggingpkg.LogFields{"sink": system})
	wmLogger := loggingpkg.NewWatermillAdapter(logger)

	transports := deps.Transports
	if transports == nil {
		transports = transport.DefaultRegistry
	}

	caps := transports.GetCapabilities(system)
	if conf.MaxEventBytes > 0 && !caps.Accepts(conf.MaxEventBytes) {
		logger.Info("Sink transport rejects events above its size limit", loggingpkg.LogFields{
			"transport_limit": caps.MaxMessageSize,
			"max_event_bytes": conf.MaxEventBytes,
		})
	}

	tr, err := transports.Build(ctx, tcfg, wmLogger)
	if err != nil {
		return nil, err
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: conf.CloseTimeout}, wmLogger)
	if err != nil {
		return nil, errors.Join(err, tr.Close())
	}

	s := &Service{
		Conf:      conf,
		Logger:    logger,
		system:    system,
		metrics:   deps.Metrics,
		wmLogger:  wmLogger,
		transport: tr,
		router:    router,
		running:   make(chan struct{}),
	}

	if err := s.registerMiddlewares(deps); err != nil {
		return nil, errors.Join(err, tr.Close())
	}

	s.notifier = NewNotifier(tr.Publisher, conf.Topic, conf.Buffer, deps.Metrics, logger)
	logger.Info("Event sink ready", loggingpkg.LogFields{
		"topic":   conf.Topic,
		"durable": caps.Durable,
	})
	return s, nil
}

func (s *Service) registerMiddlewares(deps Dependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	for _, reg := range append(defaults, deps.Middlewares...) {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("sink: register middleware %s: %w", name, err)
		}
	}
	return nil
}

// System returns the transport name.
func (s *Service) System() string {
	return s.system
}

// Notifier returns the event sink sessions notify.
func (s *Service) Notifier() *Notifier {
	return s.notifier
}

// Publisher returns the transport publisher.
func (s *Service) Publisher() message.Publisher {
	return s.transport.Publisher
}

// AddObserver subscribes fn to the sink topic. Observers must be added
// before Run.
func (s *Service) AddObserver(name string, fn ObserverFunc) error {
	if strings.TrimSpace(name) == "" {
		return errspkg.ErrObserverName
	}
	if fn == nil {
		return errspkg.ErrObserverRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("sink: observers must be added before Run")
	}

	s.router.AddNoPublisherHandler(name, s.Conf.Topic, s.transport.Subscriber, func(msg *message.Message) error {
		return fn(msg.Context(), Event{
			ID:       msg.UUID,
			Text:     string(msg.Payload),
			Metadata: metadatapkg.FromWatermill(msg.Metadata),
		})
	})
	s.observers = append(s.observers, name)
	s.Logger.Debug("Observer registered", loggingpkg.LogFields{"observer": name})
	return nil
}

// Observers lists registered observer names in registration order.
func (s *Service) Observers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.observers...)
}

// Running is closed once Run has subscribed every observer.
func (s *Service) Running() <-chan struct{} {
	return s.running
}

func (s *Service) markRunning() {
	s.runningOnce.Do(func() { close(s.running) })
}

// Run delivers events to observers until ctx is cancelled. Without
// observers it only waits for ctx.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	observers := len(s.observers)
	s.mu.Unlock()

	if observers == 0 {
		s.markRunning()
		<-ctx.Done()
		return nil
	}

	go func() {
		select {
		case <-s.router.Running():
			s.markRunning()
		case <-ctx.Done():
		}
	}()
	return s.router.Run(ctx)
}

// Close flushes queued events, then stops the router and the transport.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(
			s.notifier.Close(),
			s.router.Close(),
			s.transport.Close(),
		)
	})
	return s.closeErr
}
