// Package session drives one client connection from handshake to teardown.
// Each open session runs a reader and a writer goroutine that only share the
// session's DeliveryChannel.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	dispatchpkg "github.com/drblury/messagebus/internal/runtime/dispatch"
	errspkg "github.com/drblury/messagebus/internal/runtime/errors"
	idspkg "github.com/drblury/messagebus/internal/runtime/ids"
	loggingpkg "github.com/drblury/messagebus/internal/runtime/logging"
	metricspkg "github.com/drblury/messagebus/internal/runtime/metrics"
	queuepkg "github.com/drblury/messagebus/internal/runtime/queue"
	registrypkg "github.com/drblury/messagebus/internal/runtime/registry"
)

const tracerName = "github.com/drblury/messagebus/session"

// State is the lifecycle stage of a session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Registry is the part of the connection registry a session touches.
type Registry interface {
	Register(id idspkg.ConnectionID, ch registrypkg.Sender)
	Deregister(id idspkg.ConnectionID) bool
}

// EventSink receives every accepted inbound message after it was dispatched.
// Notify must not block for long.
type EventSink interface {
	Notify(msg dispatchpkg.InboundMessage)
}

// Config holds per-session limits.
type Config struct {
	// MaxMessageBytes rejects larger text frames. Zero disables the check.
	MaxMessageBytes int
	Queue           queuepkg.Options
}

// Dependencies are the shared collaborators of every session.
type Dependencies struct {
	Registry   Registry
	Dispatcher dispatchpkg.Dispatcher
	Sink       EventSink
	Metrics    *metricspkg.Metrics
	Logger     loggingpkg.ServiceLogger
	Tracer     trace.Tracer
}

// Session is a single client connection.
type Session struct {
	id     idspkg.ConnectionID
	conf   Config
	deps   Dependencies
	log    loggingpkg.ServiceLogger
	outbox *queuepkg.DeliveryChannel

	state atomic.Int32
	conn  Conn

	closeOnce sync.Once
	err       error
	done      chan struct{}
}

// New creates a session in the Connecting state.
func New(conf Config, deps Dependencies) (*Session, error) {
	if deps.Registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("session: dispatcher is required")
	}
	if deps.Logger == nil {
		deps.Logger = loggingpkg.NewNopServiceLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}

	id := idspkg.NewConnectionID()
	return &Session{
		id:     id,
		conf:   conf,
		deps:   deps,
		log:    deps.Logger.With(loggingpkg.LogFields{"connection_id": id.String()}),
		outbox: queuepkg.New(conf.Queue),
		done:   make(chan struct{}),
	}, nil
}

// ID returns the connection id.
func (s *Session) ID() idspkg.ConnectionID { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session reached StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session ended. It is nil for a clean close and
// only meaningful after Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Run performs the handshake, registers the session and blocks until both the
// reader and the writer have exited. Cancelling ctx closes the connection with
// a going-away frame. The returned error describes why the session ended and
// never needs to be acted on by the caller.
func (s *Session) Run(ctx context.Context, handshake Handshake) error {
	defer close(s.done)

	conn, err := handshake()
	if err != nil {
		s.state.Store(int32(StateClosed))
		s.deps.Metrics.HandshakeFailed()
		s.err = errspkg.Handshake(err)
		s.log.Debug("Handshake failed", loggingpkg.LogFields{"error": err.Error()})
		return s.err
	}

	s.conn = conn
	s.log = s.log.With(loggingpkg.LogFields{"remote_addr": conn.RemoteAddr()})
	s.deps.Registry.Register(s.id, s.outbox)
	s.state.Store(int32(StateOpen))
	s.deps.Metrics.ConnectionOpened()
	s.log.Debug("Connection opened", nil)

	stop := context.AfterFunc(ctx, func() {
		s.terminate(ctx.Err(), "", CloseGoingAway)
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	wg.Wait()

	s.state.Store(int32(StateClosed))
	return s.err
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, errspkg.ErrOversizeMessage) {
				s.rejectOversize(err)
				return
			}
			s.terminate(errspkg.TransportIO("read", err), "read", 0)
			return
		}

		switch frame.Kind {
		case FrameText:
			if s.conf.MaxMessageBytes > 0 && len(frame.Data) > s.conf.MaxMessageBytes {
				s.rejectOversize(&errspkg.OversizeMessageError{Size: len(frame.Data), Limit: s.conf.MaxMessageBytes})
				return
			}
			s.relay(ctx, frame.Data)
		case FrameClose:
			s.log.Debug("Close frame received", loggingpkg.LogFields{"code": frame.Code})
			s.terminate(nil, "", 0)
			return
		default:
			// Binary frames are not relayed.
		}
	}
}

func (s *Session) relay(ctx context.Context, data []byte) {
	msg := dispatchpkg.InboundMessage{
		ConnectionID: s.id,
		RemoteAddr:   s.conn.RemoteAddr(),
		Text:         string(data),
		Size:         len(data),
		ReceivedAt:   time.Now(),
	}

	_, span := s.deps.Tracer.Start(ctx, "messagebus.relay", trace.WithAttributes(
		attribute.String("messagebus.connection_id", s.id.String()),
		attribute.Int("messagebus.message.size", msg.Size),
	))
	defer span.End()

	s.deps.Metrics.MessageReceived(msg.Size)
	s.deps.Dispatcher.Dispatch(msg)
	if s.deps.Sink != nil {
		s.deps.Sink.Notify(msg)
	}
}

func (s *Session) rejectOversize(err error) {
	s.deps.Metrics.OversizeRejected()
	s.log.Error("Message too large, closing connection", err, nil)
	s.terminate(err, "", CloseMessageTooBig)
}

func (s *Session) writeLoop() {
	for {
		msg, ok := s.outbox.Dequeue(context.Background())
		if !ok {
			s.terminate(errspkg.ErrChannelClosed, "", 0)
			return
		}
		if err := s.conn.WriteText(msg); err != nil {
			s.terminate(errspkg.TransportIO("write", err), "write", 0)
			return
		}
	}
}

// terminate moves the session to Closing exactly once: it leaves the
// registry, closes the DeliveryChannel and closes the connection, which
// releases whichever loop is still blocked.
func (s *Session) terminate(reason error, direction string, code int) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.err = reason

		s.deps.Registry.Deregister(s.id)
		s.outbox.Close()
		s.deps.Metrics.ConnectionClosed()
		s.deps.Metrics.QueueOverflow(s.outbox.Dropped())

		if direction != "" {
			s.deps.Metrics.SessionError(direction)
			s.log.Error("Connection failed", reason, loggingpkg.LogFields{"direction": direction})
		} else {
			fields := loggingpkg.LogFields{}
			if reason != nil {
				fields["reason"] = reason.Error()
			}
			s.log.Debug("Connection closing", fields)
		}

		if code != 0 {
			_ = s.conn.WriteClose(code, "")
		}
		_ = s.conn.Close()
	})
}
