package player

import (
	"time"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	logger Logger

	// onError is called when writing a frame fails.
	// Returns Disconnect to close the connection, Continue to drop the frame.
	onError func(error) ErrorAction

	bufferSize     int           // size of the outbound frame channel
	readBufferSize int           // size of a single read from the socket
	idleTimeout    time.Duration // read deadline until the first message, and write deadline
}

// Option is a function that configures connection options.
type Option func(*options)

// BufferSizeOption returns an Option that sets the size of the outbound frame channel.
// A larger buffer lets handlers queue more frames before Send blocks.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// IdleTimeoutOption returns an Option that sets how long a connection may
// stay silent before its first message. Afterwards the keep-alive timeout of
// the handler registry applies. It is also the deadline of every write.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// ReadBufferSizeOption returns an Option that sets how many bytes are read
// from the socket at once. It does not limit the message size.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// OnErrorOption returns an Option that sets the write error callback.
// Return Disconnect to close the connection, or Continue to drop the frame.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
