package player

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Namespace selects which set of handlers applies to a session.
type Namespace uint32

// Handler processes the payload of one message. It may send on the session
// and may return a *ProtocolError to choose the status the peer receives.
type Handler func(s *Session, payload []byte) error

// Registry resolves handlers and exposes the tunables the parser needs.
type Registry interface {
	// Resolve returns the handler for messageType in namespace.
	Resolve(namespace Namespace, messageType uint16) (Handler, bool)
	// MaxRequestLength is the exclusive upper bound on inbound payload length.
	MaxRequestLength() int
	// KeepAliveTimeout is applied after every dispatched message.
	KeepAliveTimeout() time.Duration
}

// Default Depository tunables.
const (
	defaultMaxRequestLength = 1024
	defaultKeepAliveTimeout = 30 * time.Second
)

// Registration errors.
var (
	ErrHandlerExists   = errors.New("player: handler already registered")
	ErrReservedMessage = errors.New("player: message type is reserved")
	ErrNilHandler      = errors.New("player: nil handler")
)

type handlerKey struct {
	namespace   Namespace
	messageType uint16
}

// Depository is a concurrency-safe Registry backed by a map.
type Depository struct {
	mu       sync.RWMutex
	handlers map[handlerKey]Handler

	maxRequestLength int
	keepAliveTimeout time.Duration
}

var _ Registry = (*Depository)(nil)

// DepositoryOption configures a Depository.
type DepositoryOption func(*Depository)

// MaxRequestLengthOption sets the exclusive upper bound on inbound payloads.
// Values above MaxPayloadSize+1 have no further effect since the header cannot
// declare more.
func MaxRequestLengthOption(n int) DepositoryOption {
	return func(d *Depository) {
		d.maxRequestLength = n
	}
}

// KeepAliveTimeoutOption sets the idle timeout applied after each dispatched message.
func KeepAliveTimeoutOption(timeout time.Duration) DepositoryOption {
	return func(d *Depository) {
		d.keepAliveTimeout = timeout
	}
}

// NewDepository returns an empty Depository.
func NewDepository(opts ...DepositoryOption) *Depository {
	d := &Depository{
		handlers:         make(map[handlerKey]Handler),
		maxRequestLength: defaultMaxRequestLength,
		keepAliveTimeout: defaultKeepAliveTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxRequestLength <= 0 {
		d.maxRequestLength = defaultMaxRequestLength
	}
	if d.keepAliveTimeout <= 0 {
		d.keepAliveTimeout = defaultKeepAliveTimeout
	}
	return d
}

// Register binds handler to messageType in namespace.
// ErrorMessageID cannot be bound; it is handled by the protocol layer.
func (d *Depository) Register(namespace Namespace, messageType uint16, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	if messageType == ErrorMessageID {
		return errors.Wrapf(ErrReservedMessage, "message type %d", messageType)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := handlerKey{namespace: namespace, messageType: messageType}
	if _, ok := d.handlers[key]; ok {
		return errors.Wrapf(ErrHandlerExists, "namespace %d, message type %d", namespace, messageType)
	}
	d.handlers[key] = handler
	return nil
}

// Unregister removes the binding, reporting whether one existed.
func (d *Depository) Unregister(namespace Namespace, messageType uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := handlerKey{namespace: namespace, messageType: messageType}
	_, ok := d.handlers[key]
	delete(d.handlers, key)
	return ok
}

// Resolve implements Registry.
func (d *Depository) Resolve(namespace Namespace, messageType uint16) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h, ok := d.handlers[handlerKey{namespace: namespace, messageType: messageType}]
	return h, ok
}

// MaxRequestLength implements Registry.
func (d *Depository) MaxRequestLength() int {
	return d.maxRequestLength
}

// KeepAliveTimeout implements Registry.
func (d *Depository) KeepAliveTimeout() time.Duration {
	return d.keepAliveTimeout
}
