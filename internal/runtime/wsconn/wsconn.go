// Package wsconn adapts gorilla/websocket connections to the framed
// connection used by sessions.
package wsconn

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	errspkg "github.com/drblury/messagebus/internal/runtime/errors"
	sessionpkg "github.com/drblury/messagebus/internal/runtime/session"
)

const defaultControlTimeout = time.Second

// Options configure the upgrade and the resulting connections.
type Options struct {
	// ReadLimit is the largest accepted text message in bytes. Zero means no
	// limit. Binary messages are discarded whatever their size.
	ReadLimit int
	// AllowedOrigins lists accepted Origin values. Empty accepts any origin.
	AllowedOrigins  []string
	WriteTimeout    time.Duration
	ReadBufferSize  int
	WriteBufferSize int
}

// Upgrader performs the websocket handshake.
type Upgrader struct {
	opts     Options
	upgrader websocket.Upgrader
}

// NewUpgrader builds an Upgrader for opts.
func NewUpgrader(opts Options) *Upgrader {
	u := &Upgrader{opts: opts}
	u.upgrader = websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     u.checkOrigin,
	}
	return u
}

func (u *Upgrader) checkOrigin(r *http.Request) bool {
	if len(u.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host := origin
	if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
		host = parsed.Host
	}
	for _, allowed := range u.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, host) {
			return true
		}
	}
	return false
}

// Upgrade completes the handshake on w/r. On failure gorilla has already
// written an HTTP error response and the returned error wraps ErrHandshake.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errspkg.Handshake(err)
	}
	return &Conn{ws: ws, limit: u.opts.ReadLimit, writeTimeout: u.opts.WriteTimeout}, nil
}

// Handshake returns a session handshake bound to w and r.
func (u *Upgrader) Handshake(w http.ResponseWriter, r *http.Request) sessionpkg.Handshake {
	return func() (sessionpkg.Conn, error) {
		c, err := u.Upgrade(w, r)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Conn is an upgraded websocket connection.
type Conn struct {
	ws           *websocket.Conn
	limit        int
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

var _ sessionpkg.Conn = (*Conn)(nil)

// ReadFrame reads the next data message. Control frames are answered by
// gorilla itself; a close frame from the peer is reported as FrameClose.
// Binary messages are drained and returned without data. A text message
// longer than the limit is reported as an OversizeMessageError after reading
// at most limit+1 bytes of it.
func (c *Conn) ReadFrame() (sessionpkg.Frame, error) {
	kind, r, err := c.ws.NextReader()
	if err != nil {
		return readFailure(err)
	}

	if kind != websocket.TextMessage {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return readFailure(err)
		}
		return sessionpkg.Frame{Kind: sessionpkg.FrameBinary}, nil
	}

	if c.limit > 0 {
		r = io.LimitReader(r, int64(c.limit)+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return readFailure(err)
	}
	if c.limit > 0 && len(data) > c.limit {
		return sessionpkg.Frame{}, &errspkg.OversizeMessageError{Size: -1, Limit: c.limit}
	}
	return sessionpkg.Frame{Kind: sessionpkg.FrameText, Data: data}, nil
}

func readFailure(err error) (sessionpkg.Frame, error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return sessionpkg.Frame{Kind: sessionpkg.FrameClose, Code: closeErr.Code}, nil
	}
	return sessionpkg.Frame{}, err
}

// WriteText sends one text message.
func (c *Conn) WriteText(text string) error {
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

// WriteClose sends a close frame. Safe to call concurrently with WriteText.
func (c *Conn) WriteClose(code int, reason string) error {
	timeout := c.writeTimeout
	if timeout <= 0 {
		timeout = defaultControlTimeout
	}
	return c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(timeout))
}

// Close closes the underlying network connection once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
