package sink

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	idspkg "github.com/drblury/messagebus/internal/runtime/ids"
	loggingpkg "github.com/drblury/messagebus/internal/runtime/logging"
	metadatapkg "github.com/drblury/messagebus/internal/runtime/metadata"
)

// ResultObserverFailed is recorded when an observer gives up on an event.
const ResultObserverFailed = "observer_failed"

// MiddlewareBuilder constructs a handler middleware for a Service.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration describes one middleware on the observer router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryConfig customises observer retries.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the chain every observer runs behind. The
// first entry is the outermost.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogEventsMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		AckFailuresMiddleware(),
		RetryMiddleware(),
		RecovererMiddleware(),
	}
}

// RegisterMiddleware attaches cfg to the observer router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	s.router.AddMiddleware(mw)
	return nil
}

// CorrelationIDMiddleware sets a correlation id on events that lack one.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
					msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
				}
				return h(msg)
			}
		},
	}
}

// LogEventsMiddleware logs every event handed to an observer at debug level.
func LogEventsMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_events",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log events middleware requires a logger")
			}
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					l.Debug("Delivering event", loggingpkg.LogFields{
						"event_id":      msg.UUID,
						"handler":       message.HandlerNameFromCtx(msg.Context()),
						"connection_id": msg.Metadata.Get(metadatapkg.KeyConnectionID),
						"size":          len(msg.Payload),
					})
					return h(msg)
				}
			}, nil
		},
	}
}

// TracerMiddleware wraps observer execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				ctx, span := otel.Tracer("github.com/drblury/messagebus/sink").Start(msg.Context(), "messagebus.observe")
				defer span.End()
				msg.SetContext(ctx)

				span.SetAttributes(
					attribute.String("messagebus.event_id", msg.UUID),
					attribute.String("messagebus.connection_id", msg.Metadata.Get(metadatapkg.KeyConnectionID)),
				)
				return h(msg)
			}
		},
	}
}

// MetricsMiddleware adds Watermill's Prometheus router metrics when metrics
// are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled || s.metrics == nil {
				return nil, nil
			}
			builder := metrics.NewPrometheusMetricsBuilder(s.metrics.Registerer(), "messagebus", "sink")
			builder.AddPrometheusRouterMetrics(s.router)
			return builder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// AckFailuresMiddleware acks events whose observer still fails after
// retries, so a broken observer cannot stall redelivery for the others.
func AckFailuresMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "ack_failures",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					out, err := h(msg)
					if err != nil {
						s.metrics.SinkEvent(ResultObserverFailed)
						s.Logger.Error("Observer failed, dropping event", err, loggingpkg.LogFields{
							"event_id": msg.UUID,
							"handler":  message.HandlerNameFromCtx(msg.Context()),
						})
						return nil, nil
					}
					return out, nil
				}
			}, nil
		},
	}
}

// RetryMiddleware retries failing observers using Conf.Retry.
func RetryMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			cfg := s.Conf.Retry.withDefaults()
			return middleware.Retry{
				MaxRetries:      cfg.MaxRetries,
				InitialInterval: cfg.InitialInterval,
				MaxInterval:     cfg.MaxInterval,
				Logger:          s.wmLogger,
				ShouldRetry: func(params middleware.RetryParams) bool {
					if cfg.RetryIf != nil {
						return cfg.RetryIf(params.Err)
					}
					return true
				},
			}.Middleware, nil
		},
	}
}

// RecovererMiddleware converts observer panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}
