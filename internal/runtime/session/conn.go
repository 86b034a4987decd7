package session

// FrameKind classifies a decoded inbound frame.
type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
	FrameClose
)

// Close codes used when the session ends the connection itself.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseMessageTooBig = 1009
)

// Frame is one decoded inbound frame. Code is only set for FrameClose.
type Frame struct {
	Kind FrameKind
	Data []byte
	Code int
}

// Conn is a framed, upgraded connection. ReadFrame is only called from the
// reader goroutine and WriteText only from the writer goroutine. WriteClose
// and Close may be called from any goroutine.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteText(text string) error
	WriteClose(code int, reason string) error
	Close() error
	RemoteAddr() string
}

// Handshake upgrades a raw connection. It runs while the session is
// Connecting.
type Handshake func() (Conn, error)
