// Package player implements the per-connection protocol layer of a game
// server. It cuts a TCP byte stream into little-endian length-prefixed
// frames, runs the handler registered for each frame's message type on a
// worker pool, and reports failures to the peer as error messages.
//
// A frame is a 4-byte header (u16 payload length, u16 message type) followed
// by the payload. Message type ErrorMessageID is reserved: its body carries
// (u16 target message type, u16 status, UTF-8 reason). A peer that sends an
// error message with a failure status asks for the connection to be shut
// down; the message is echoed back and the connection closed.
package player

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidConn is returned when no TCP connection is provided.
	ErrInvalidConn = errors.New("invalid tcp connection")
	// ErrInvalidReceiver is returned when Run is called without a receiver.
	ErrInvalidReceiver = errors.New("invalid receiver")
)

// errFinished ends the write loop after a frame sent with fin.
var errFinished = errors.New("connection finished")

// Receiver consumes the bytes read from a connection. Session implements it.
type Receiver interface {
	// OnBytes is called from a single goroutine with each chunk read.
	// A non-nil error closes the connection once queued frames are written.
	OnBytes(data []byte) error
	// Close is called once when the connection is gone.
	Close()
}

// Flusher is implemented by a Receiver that may still send after the peer
// stops writing. When the peer half-closes, Conn keeps writing until the
// channel returned by Flushed is closed, a frame with fin is written, or the
// idle timeout expires.
type Flusher interface {
	Flushed() <-chan struct{}
}

type outbound struct {
	data []byte
	fin  bool
}

// Conn is the TCP transport of one session.
// It runs a read loop feeding a Receiver and a write loop draining queued
// frames, and implements Transport.
type Conn struct {
	rawConn *net.TCPConn
	logger  Logger

	opts options

	sendMsg  chan outbound
	readDone chan struct{}
	done     chan struct{}

	sendMu    sync.Mutex
	finishing bool // a fin frame was queued

	peerClosed atomic.Bool // the read side ended with EOF

	closed    atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
}

var _ Transport = (*Conn)(nil)

// Default configuration values.
const (
	// defaultBufferSize is the default size of the outbound frame channel.
	defaultBufferSize = 64
	// defaultReadBufferSize is the default size of a single socket read.
	defaultReadBufferSize = 4096
	// defaultIdleTimeout applies until the first message is dispatched.
	defaultIdleTimeout = 30 * time.Second
)

// NewConn creates a new connection wrapper around the given TCP connection.
func NewConn(conn *net.TCPConn, opt ...Option) (*Conn, error) {
	if conn == nil {
		return nil, ErrInvalidConn
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	return newConnWithOptions(conn, opts), nil
}

// checkOptions sets default values for connection options.
func checkOptions(opts *options) {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.idleTimeout <= 0 {
		opts.idleTimeout = defaultIdleTimeout
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

func newConnWithOptions(c *net.TCPConn, opts options) *Conn {
	return &Conn{
		rawConn:  c,
		logger:   opts.logger,
		opts:     opts,
		sendMsg:  make(chan outbound, opts.bufferSize),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run feeds r with the bytes read from the connection and writes queued
// frames until the peer goes away, a frame with fin is written, r fails,
// or ctx is canceled. The connection is closed and r.Close is called before
// Run returns.
func (c *Conn) Run(ctx context.Context, r Receiver) error {
	if r == nil {
		return ErrInvalidReceiver
	}

	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"read_buffer_size", c.opts.readBufferSize,
		"idle_timeout", c.opts.idleTimeout)

	ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()
	group, child := errgroup.WithContext(ctx)

	// Unblock the pending Read once either loop is done.
	stop := context.AfterFunc(child, func() {
		_ = c.rawConn.SetReadDeadline(time.Now())
	})
	defer stop()

	c.SetTimeout(c.opts.idleTimeout)

	group.Go(func() error {
		defer close(c.readDone)
		return c.readLoop(child, r)
	})

	// The write loop watches ctx rather than child so that the frames queued
	// before a receiver failure still reach the peer.
	group.Go(func() error {
		return c.writeLoop(ctx, r)
	})

	err := group.Wait()
	c.closeConn()
	r.Close()

	if errors.Is(err, errFinished) {
		err = nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.closeOnce.Do(func() { close(c.done) })
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Send queues a frame for writing, blocking while the outbound channel is
// full. When fin is true the connection closes after the frame is written and
// later sends are refused. It returns false when the frame was not queued.
func (c *Conn) Send(data []byte, fin bool) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.finishing || c.closed.Load() {
		return false
	}

	select {
	case c.sendMsg <- outbound{data: data, fin: fin}:
		c.finishing = fin
		return true
	case <-c.done:
		return false
	}
}

// SetTimeout closes the connection if nothing is read within timeout from now.
func (c *Conn) SetTimeout(timeout time.Duration) {
	_ = c.rawConn.SetReadDeadline(time.Now().Add(timeout))
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// readLoop hands every chunk read to r until the connection fails, the
// peer closes it, or ctx is canceled.
func (c *Conn) readLoop(ctx context.Context, r Receiver) error {
	buf := make([]byte, c.opts.readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := c.rawConn.Read(buf)
		if n > 0 {
			if rerr := r.OnBytes(buf[:n]); rerr != nil {
				return rerr
			}
		}
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			c.logger.Debug("peer closed connection", "addr", c.Addr())
			c.peerClosed.Store(true)
			return nil
		}
		c.logger.Debug("read error", append([]any{"addr", c.Addr()}, errAttrs(err)...)...)
		return err
	}
}

// writeLoop writes queued frames. When the read loop ends it writes what is
// still queued and returns. After a half-close by the peer it first waits for
// a Flusher receiver to finish the requests already read.
func (c *Conn) writeLoop(ctx context.Context, r Receiver) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.readDone:
			if f, ok := r.(Flusher); ok && c.peerClosed.Load() {
				if err := c.flush(ctx, f.Flushed()); err != nil {
					return err
				}
			}
			return c.drain()
		case msg := <-c.sendMsg:
			if err := c.write(msg); err != nil {
				return err
			}
		}
	}
}

// flush writes frames until flushed is closed.
func (c *Conn) flush(ctx context.Context, flushed <-chan struct{}) error {
	timer := time.NewTimer(c.opts.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-flushed:
			return nil
		case <-timer.C:
			c.logger.Debug("gave up waiting for pending replies", "addr", c.Addr())
			return nil
		case msg := <-c.sendMsg:
			if err := c.write(msg); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) drain() error {
	for {
		select {
		case msg := <-c.sendMsg:
			if err := c.write(msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// write sends one frame with a deadline.
// If an error occurs and onError returns Disconnect, the error is propagated.
// Otherwise, the frame is dropped and writing continues.
// A frame with fin ends the loop with errFinished.
func (c *Conn) write(msg outbound) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout))

	_, err := c.rawConn.Write(msg.data)

	if err != nil {
		c.logger.Debug("write error", append([]any{"addr", c.Addr()}, errAttrs(err)...)...)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	if msg.fin {
		return errFinished
	}
	return nil
}

// closeConn marks the connection as closed and closes the underlying TCP connection.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.closeOnce.Do(func() { close(c.done) })
	c.rawConn.Close()
}
