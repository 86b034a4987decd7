package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrBind             = sterrors.New("messagebus: unable to bind listening endpoint")
	ErrHandshake        = sterrors.New("messagebus: transport handshake failed")
	ErrOversizeMessage  = sterrors.New("messagebus: message exceeds maximum size")
	ErrTransportIO      = sterrors.New("messagebus: transport i/o failed")
	ErrChannelClosed    = sterrors.New("messagebus: delivery channel is closed")
	ErrConfigRequired   = sterrors.New("messagebus: configuration is required")
	ErrRegistryRequired = sterrors.New("messagebus: connection registry is required")
	ErrSinkDisabled     = sterrors.New("messagebus: event sink is disabled")
	ErrObserverRequired = sterrors.New("messagebus: observer function is required")
	ErrObserverName     = sterrors.New("messagebus: observer name is required")
)

// BindError reports that the bus could not acquire its listening endpoint.
// It is the only error that stops the server.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("messagebus: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() []error {
	return []error{ErrBind, e.Err}
}

// OversizeMessageError is raised when an inbound frame is larger than the
// configured limit. Size is -1 when the transport aborted the read before the
// full length was known.
type OversizeMessageError struct {
	Size  int
	Limit int
}

func (e *OversizeMessageError) Error() string {
	if e.Size < 0 {
		return fmt.Sprintf("messagebus: message exceeds maximum size of %d bytes", e.Limit)
	}
	return fmt.Sprintf("messagebus: message of %d bytes exceeds maximum size of %d bytes", e.Size, e.Limit)
}

func (e *OversizeMessageError) Is(target error) bool {
	return target == ErrOversizeMessage
}

// Handshake wraps a failed upgrade so callers can match it with ErrHandshake.
func Handshake(err error) error {
	if err == nil || sterrors.Is(err, ErrHandshake) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrHandshake, err)
}

// TransportIO wraps a read or write failure on an open connection.
func TransportIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransportIO, op, err)
}

// ConfigValidationError groups every problem found while validating the
// configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	if e.Err == nil {
		return "messagebus: invalid configuration"
	}
	return "messagebus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err ends only the offending connection.
// Everything except a bind failure is recoverable.
func IsRecoverable(err error) bool {
	return err != nil && !sterrors.Is(err, ErrBind)
}
