// Package flowerrors defines the externally visible error taxonomy of
// amqpflow: BufferFullError, ConnectionError, ClosedError, and
// ConfigError. Internal failures (a single publish attempt failing, a
// channel going stale) are wrapped with fmt.Errorf("%w", ...) and never
// surface past the component that can recover from them.
package flowerrors

import "errors"

// BufferFullError is returned by Producer.Publish when the buffer policy
// is Raise and the message buffer has no room for a new payload.
type BufferFullError struct {
	Destination string
}

func (e *BufferFullError) Error() string {
	return "amqpflow: buffer full for destination " + e.Destination
}

// ConnectionError wraps a failure to establish the initial broker
// connection within the configured timeout, or to obtain a session from
// the Supervisor when none is available.
type ConnectionError struct {
	Cause error
}

func (e *ConnectionError) Error() string {
	return "amqpflow: connection error: " + e.Cause.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// ClosedError is returned by any operation attempted after Close has
// been called on the owning component.
type ClosedError struct {
	Component string
}

func (e *ClosedError) Error() string {
	return "amqpflow: " + e.Component + " is closed"
}

// ConfigError indicates an invalid or missing configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "amqpflow: config: " + e.Field + ": " + e.Reason
}

// Is* helpers let callers test error identity without importing the
// concrete types directly, mirroring the stdlib errors.Is convention.

func IsBufferFull(err error) bool {
	var e *BufferFullError
	return errors.As(err, &e)
}

func IsClosed(err error) bool {
	var e *ClosedError
	return errors.As(err, &e)
}

func IsConnection(err error) bool {
	var e *ConnectionError
	return errors.As(err, &e)
}
