// Package server is the bus endpoint: it binds the configured address,
// upgrades requests on the bus route and runs one session per connection.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	dispatchpkg "github.com/drblury/messagebus/internal/runtime/dispatch"
	errspkg "github.com/drblury/messagebus/internal/runtime/errors"
	loggingpkg "github.com/drblury/messagebus/internal/runtime/logging"
	metricspkg "github.com/drblury/messagebus/internal/runtime/metrics"
	queuepkg "github.com/drblury/messagebus/internal/runtime/queue"
	registrypkg "github.com/drblury/messagebus/internal/runtime/registry"
	sessionpkg "github.com/drblury/messagebus/internal/runtime/session"
	wsconnpkg "github.com/drblury/messagebus/internal/runtime/wsconn"
)

// StatusPath serves the status document.
const StatusPath = "/status"

// Listen opens the listening socket. Tests may replace it.
var Listen = net.Listen

// Options configure the endpoint.
type Options struct {
	Addr  string
	Route string

	// TLS is enabled when both files are set.
	TLSCertFile string
	TLSKeyFile  string

	MaxMessageBytes int
	Queue           queuepkg.Options
	AllowedOrigins  []string
	WriteTimeout    time.Duration

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Route == "" {
		o.Route = "/"
	}
	if o.ReadHeaderTimeout <= 0 {
		o.ReadHeaderTimeout = 10 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	return o
}

// Dependencies are the shared collaborators handed to every session.
type Dependencies struct {
	Registry   *registrypkg.Registry
	Dispatcher dispatchpkg.Dispatcher
	Sink       sessionpkg.EventSink
	Metrics    *metricspkg.Metrics
	Logger     loggingpkg.ServiceLogger
}

// Server accepts bus connections.
type Server struct {
	opts     Options
	deps     Dependencies
	upgrader *wsconnpkg.Upgrader
	logger   loggingpkg.ServiceLogger
	started  time.Time

	ready chan struct{}
	addr  net.Addr

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// New validates deps and prepares a server. The default dispatcher
// broadcasts to the whole registry.
func New(opts Options, deps Dependencies) (*Server, error) {
	if deps.Registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if deps.Logger == nil {
		deps.Logger = loggingpkg.NewNopServiceLogger()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatchpkg.NewBroadcastDispatcher(deps.Registry, deps.Metrics)
	}
	opts = opts.withDefaults()
	if err := CheckRoute(opts.Route); err != nil {
		return nil, err
	}

	return &Server{
		opts: opts,
		deps: deps,
		upgrader: wsconnpkg.NewUpgrader(wsconnpkg.Options{
			ReadLimit:      opts.MaxMessageBytes,
			AllowedOrigins: opts.AllowedOrigins,
			WriteTimeout:   opts.WriteTimeout,
		}),
		logger: deps.Logger,
		ready:  make(chan struct{}),
	}, nil
}

// CheckRoute reports whether route can be mounted as a literal path. Braces,
// whitespace, control characters, '?' and '#' are rejected.
func CheckRoute(route string) error {
	if !strings.HasPrefix(route, "/") {
		return fmt.Errorf("route %q must start with /", route)
	}
	for _, r := range route {
		if r == '{' || r == '}' || r == '?' || r == '#' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("route %q contains invalid character %q", route, r)
		}
	}
	return nil
}

// Handler routes the bus path, the status document and 404 for the rest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Route, s.serveBus)
	if s.opts.Route != StatusPath {
		mux.HandleFunc("GET "+StatusPath, s.serveStatus)
	}
	return mux
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address. It is nil before Ready.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.addr
	default:
		return nil
	}
}

// TLSEnabled reports whether the listener speaks TLS.
func (s *Server) TLSEnabled() bool {
	return s.opts.TLSCertFile != "" && s.opts.TLSKeyFile != ""
}

// Run binds and serves until ctx is cancelled. A bind failure is returned as
// *errors.BindError; cancellation closes every session with a going-away
// frame and returns nil.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.started = time.Now()
	s.addr = ln.Addr()
	close(s.ready)
	s.logger.Info("Message bus listening", loggingpkg.LogFields{
		"address": s.addr.String(),
		"route":   s.opts.Route,
		"tls":     s.TLSEnabled(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown(srv)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("messagebus: serve: %w", err)
	}
}

func (s *Server) listen() (net.Listener, error) {
	ln, err := Listen("tcp", s.opts.Addr)
	if err != nil {
		return nil, &errspkg.BindError{Addr: s.opts.Addr, Err: err}
	}
	if !s.TLSEnabled() {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(s.opts.TLSCertFile, s.opts.TLSKeyFile)
	if err != nil {
		_ = ln.Close()
		return nil, &errspkg.BindError{Addr: s.opts.Addr, Err: err}
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

func (s *Server) shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	s.drain()
	s.logger.Info("Message bus stopped", nil)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// drain refuses new sessions and waits for running ones. Sessions observe the
// cancelled base context and close themselves.
func (s *Server) drain() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.sessions.Wait()
}

func (s *Server) serveBus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	sess, err := sessionpkg.New(sessionpkg.Config{
		MaxMessageBytes: s.opts.MaxMessageBytes,
		Queue:           s.opts.Queue,
	}, sessionpkg.Dependencies{
		Registry:   s.deps.Registry,
		Dispatcher: s.deps.Dispatcher,
		Sink:       s.deps.Sink,
		Metrics:    s.deps.Metrics,
		Logger:     s.logger,
	})
	if err != nil {
		s.logger.Error("Failed to create session", err, nil)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// The session logs its own termination reason.
	_ = sess.Run(r.Context(), s.upgrader.Handshake(w, r))
}

// Status is the document served on StatusPath.
type Status struct {
	Connections   int     `json:"connections"`
	Route         string  `json:"route"`
	MaxMsgSize    int     `json:"max_msg_size"`
	TLS           bool    `json:"tls"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Status reports the current state of the server.
func (s *Server) Status() Status {
	var uptime float64
	if !s.started.IsZero() {
		uptime = time.Since(s.started).Seconds()
	}
	return Status{
		Connections:   s.deps.Registry.Len(),
		Route:         s.opts.Route,
		MaxMsgSize:    s.opts.MaxMessageBytes,
		TLS:           s.TLSEnabled(),
		UptimeSeconds: uptime,
	}
}
