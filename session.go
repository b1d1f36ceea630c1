package player

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Transport is the connection a Session reads from and writes to.
//
// Send must be safe to call concurrently with itself and with the goroutine
// delivering inbound bytes. It returns false when the bytes could not be
// queued, typically because the connection is closed. When fin is true the
// connection closes once data has been written.
type Transport interface {
	Send(data []byte, fin bool) bool
	SetTimeout(timeout time.Duration)
}

// Errors returned by NewSession.
var (
	ErrInvalidRegistry = errors.New("invalid handler registry")
	ErrInvalidExecutor = errors.New("invalid executor")
)

// ErrSessionFailed is returned by OnBytes once a parse failure was reported.
var ErrSessionFailed = errors.New("player: session failed")

type sessionOptions struct {
	registry Registry
	executor Executor
	logger   Logger
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

// RegistryOption sets the handler registry. Required.
func RegistryOption(registry Registry) SessionOption {
	return func(o *sessionOptions) {
		o.registry = registry
	}
}

// ExecutorOption sets the facility that runs request jobs. Required.
func ExecutorOption(executor Executor) SessionOption {
	return func(o *sessionOptions) {
		o.executor = executor
	}
}

// SessionLoggerOption sets the logger. Defaults to slog.Default().
func SessionLoggerOption(logger Logger) SessionOption {
	return func(o *sessionOptions) {
		o.logger = logger
	}
}

// parseState is either awaiting a header (payloadLen < 0) or awaiting
// payloadLen bytes of a message of type messageType.
type parseState struct {
	payloadLen  int
	messageType uint16
}

func (p parseState) awaitingPayload() bool {
	return p.payloadLen >= 0
}

var awaitingHeader = parseState{payloadLen: -1}

// pending counts dispatched jobs that have not finished.
type pending struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (p *pending) add() {
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
}

func (p *pending) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n--
	if p.n == 0 && p.idle != nil {
		close(p.idle)
		p.idle = nil
	}
}

// wait returns a channel closed once no job is pending.
func (p *pending) wait() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if p.idle == nil {
		p.idle = make(chan struct{})
	}
	return p.idle
}

// Session is the protocol state of one connection. It cuts the inbound byte
// stream into frames, hands each frame to the executor as a Job and encodes
// outbound frames.
//
// OnBytes must not be called concurrently; Send and SendError may be called
// from any goroutine.
type Session struct {
	id        uuid.UUID
	namespace Namespace
	transport Transport
	opts      sessionOptions

	acc     Accumulator
	state   parseState
	failed  bool
	pending pending
	closed  atomic.Bool
}

var _ Flusher = (*Session)(nil)

// NewSession creates a session in namespace writing to transport.
func NewSession(namespace Namespace, transport Transport, opt ...SessionOption) (*Session, error) {
	if transport == nil {
		return nil, errors.New("invalid transport")
	}

	var opts sessionOptions
	for _, o := range opt {
		o(&opts)
	}
	if opts.registry == nil {
		return nil, ErrInvalidRegistry
	}
	if opts.executor == nil {
		return nil, ErrInvalidExecutor
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return &Session{
		id:        runtimex.PanicOnError1(uuid.NewV7()),
		namespace: namespace,
		transport: transport,
		opts:      opts,
		state:     awaitingHeader,
	}, nil
}

// ID returns the unique session identifier used in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Namespace returns the namespace the session was created in.
func (s *Session) Namespace() Namespace {
	return s.namespace
}

// Logger returns the session logger.
func (s *Session) Logger() Logger {
	return s.opts.logger
}

// RemoteAddr returns the peer address when the transport knows it.
func (s *Session) RemoteAddr() net.Addr {
	if a, ok := s.transport.(interface{ Addr() net.Addr }); ok {
		return a.Addr()
	}
	return nil
}

// OnBytes consumes newly arrived bytes and dispatches every frame they
// complete. A returned error is fatal to the connection: an error message
// with fin set has already been sent, and later calls return ErrSessionFailed.
func (s *Session) OnBytes(data []byte) (err error) {
	if s.failed {
		return ErrSessionFailed
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic while parsing: %v", r)
		}
		if err != nil {
			s.failParse(err)
		}
	}()

	s.acc.Put(data)
	for {
		if !s.state.awaitingPayload() {
			if s.acc.Len() < HeaderSize {
				return nil
			}
			h := DecodeHeader(s.acc.Peek(HeaderSize))
			s.acc.Discard(HeaderSize)
			s.state = parseState{payloadLen: int(h.PayloadLen), messageType: h.MessageType}
			s.opts.logger.Debug("frame header", "session", s.id,
				"message_type", h.MessageType, "payload_len", h.PayloadLen)

			if limit := s.opts.registry.MaxRequestLength(); s.state.payloadLen >= limit {
				s.opts.logger.Warn("request too large", "session", s.id,
					"payload_len", s.state.payloadLen, "max", limit)
				return errors.WithStack(ErrRequestTooLarge)
			}
		}

		if s.acc.Len() < s.state.payloadLen {
			return nil
		}
		payload := s.acc.Cut(s.state.payloadLen)
		s.pending.add()
		s.opts.executor.Submit(&requestJob{session: s, messageType: s.state.messageType, payload: payload})
		s.transport.SetTimeout(s.opts.registry.KeepAliveTimeout())
		s.state = awaitingHeader
	}
}

// failParse reports a parse failure to the peer and asks for the connection to close.
func (s *Session) failParse(err error) {
	status, reason := StatusInternalError, ""
	if pe, ok := AsProtocolError(err); ok {
		status, reason = pe.Status, pe.Reason
	}
	s.opts.logger.Error("parse failure", "session", s.id,
		"message_type", s.state.messageType, "status", status, "error", err)
	if _, sendErr := s.SendError(s.state.messageType, status, reason, true); sendErr != nil {
		s.opts.logger.Warn("failed to report parse failure", "session", s.id, "error", sendErr)
	}
	s.failed = true
	s.acc.Reset()
	s.state = awaitingHeader
}

// Flushed returns a channel closed once every dispatched job has finished.
func (s *Session) Flushed() <-chan struct{} {
	return s.pending.wait()
}

// Send writes one frame. It fails with ErrResponseTooLarge before anything
// is written when payload exceeds MaxPayloadSize; otherwise it reports
// whether the transport accepted the frame.
func (s *Session) Send(messageType uint16, payload []byte, fin bool) (bool, error) {
	frame, err := EncodeFrame(messageType, payload)
	if err != nil {
		s.opts.logger.Warn("response packet too large", "session", s.id,
			"message_type", messageType, "size", len(payload))
		return false, err
	}
	return s.transport.Send(frame, fin), nil
}

// SendError sends an error message naming target.
func (s *Session) SendError(target uint16, status Status, reason string, fin bool) (bool, error) {
	msg := ErrorMessage{Target: target, Status: status, Reason: reason}
	return s.Send(ErrorMessageID, msg.Encode(), fin)
}

// Close releases the parser state. A request that was still being received
// is discarded without a response.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	if s.state.awaitingPayload() {
		s.opts.logger.Warn("session destroyed, discarding premature request", "session", s.id,
			"message_type", s.state.messageType,
			"received", s.acc.Len(), "expected", s.state.payloadLen)
	}
	s.acc.Reset()
	s.state = awaitingHeader
}
