package wsconn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/messagebus/internal/runtime/errors"
	sessionpkg "github.com/drblury/messagebus/internal/runtime/session"
)

type result struct {
	frame sessionpkg.Frame
	err   error
}

// serve upgrades every request and reports what the first ReadFrame returned.
func serve(t *testing.T, opts Options, onConn func(*Conn)) (string, chan result) {
	t.Helper()
	results := make(chan result, 4)
	up := NewUpgrader(opts)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r)
		if err != nil {
			results <- result{err: err}
			return
		}
		defer conn.Close()
		if onConn != nil {
			onConn(conn)
		}
		f, err := conn.ReadFrame()
		results <- result{frame: f, err: err}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), results
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func next(t *testing.T, results chan result) result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result from server")
		return result{}
	}
}

func TestReadFrameText(t *testing.T) {
	url, results := serve(t, Options{}, nil)
	c := dial(t, url, nil)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("ping")))
	r := next(t, results)

	require.NoError(t, r.err)
	assert.Equal(t, sessionpkg.FrameText, r.frame.Kind)
	assert.Equal(t, "ping", string(r.frame.Data))
}

func TestReadFrameBinary(t *testing.T) {
	url, results := serve(t, Options{}, nil)
	c := dial(t, url, nil)

	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	r := next(t, results)

	require.NoError(t, r.err)
	assert.Equal(t, sessionpkg.FrameBinary, r.frame.Kind)
}

func TestReadFrameClose(t *testing.T) {
	url, results := serve(t, Options{}, nil)
	c := dial(t, url, nil)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	r := next(t, results)

	require.NoError(t, r.err)
	assert.Equal(t, sessionpkg.FrameClose, r.frame.Kind)
	assert.Equal(t, websocket.CloseNormalClosure, r.frame.Code)
}

func TestReadFrameOversize(t *testing.T) {
	url, results := serve(t, Options{ReadLimit: 4}, nil)
	c := dial(t, url, nil)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("12345")))
	r := next(t, results)

	assert.ErrorIs(t, r.err, errspkg.ErrOversizeMessage)
	var oversize *errspkg.OversizeMessageError
	require.ErrorAs(t, r.err, &oversize)
	assert.Equal(t, 4, oversize.Limit)
}

func TestReadFrameBinaryOverLimitIsDiscarded(t *testing.T) {
	first := make(chan result, 1)
	url, results := serve(t, Options{ReadLimit: 4}, func(conn *Conn) {
		f, err := conn.ReadFrame()
		first <- result{frame: f, err: err}
	})
	c := dial(t, url, nil)

	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte("12345")))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("ok")))

	r := next(t, first)
	require.NoError(t, r.err)
	assert.Equal(t, sessionpkg.FrameBinary, r.frame.Kind)
	assert.Empty(t, r.frame.Data)

	r = next(t, results)
	require.NoError(t, r.err)
	assert.Equal(t, sessionpkg.FrameText, r.frame.Kind)
	assert.Equal(t, "ok", string(r.frame.Data))
}

func TestReadFrameAtLimit(t *testing.T) {
	url, results := serve(t, Options{ReadLimit: 4}, nil)
	c := dial(t, url, nil)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("1234")))
	r := next(t, results)

	require.NoError(t, r.err)
	assert.Equal(t, "1234", string(r.frame.Data))
}

func TestWriteTextAndClose(t *testing.T) {
	url, _ := serve(t, Options{WriteTimeout: time.Second}, func(conn *Conn) {
		_ = conn.WriteText("hello")
		_ = conn.WriteClose(websocket.CloseGoingAway, "shutdown")
	})
	c := dial(t, url, nil)

	kind, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, "hello", string(data))

	_, _, err = c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestAllowedOrigins(t *testing.T) {
	url, results := serve(t, Options{AllowedOrigins: []string{"bus.example.com"}}, nil)

	ok := dial(t, url, http.Header{"Origin": []string{"https://bus.example.com"}})
	require.NoError(t, ok.WriteMessage(websocket.TextMessage, []byte("x")))
	assert.NoError(t, next(t, results).err)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.ErrorIs(t, next(t, results).err, errspkg.ErrHandshake)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"any when unset", nil, "https://a.example", true},
		{"missing header", []string{"a.example"}, "", true},
		{"host match", []string{"a.example"}, "https://a.example", true},
		{"full origin match", []string{"https://a.example"}, "https://A.example", true},
		{"wildcard", []string{"*"}, "https://b.example", true},
		{"mismatch", []string{"a.example"}, "https://b.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := NewUpgrader(Options{AllowedOrigins: tt.allowed})
			r := httptest.NewRequest(http.MethodGet, "/core", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, u.checkOrigin(r))
		})
	}
}
