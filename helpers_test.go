package player

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bassosimone/slogstub"
)

// logCapture collects the records of a logger built by newCapturingLogger.
type logCapture struct {
	mu      sync.Mutex
	records []slog.Record
}

// newCapturingLogger returns a logger that captures all log records. The
// capture is safe to use from the goroutines of a Pool.
func newCapturingLogger() (*slog.Logger, *logCapture) {
	capture := &logCapture{}
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			capture.mu.Lock()
			capture.records = append(capture.records, record)
			capture.mu.Unlock()
			return nil
		},
	}
	return slog.New(handler), capture
}

// count returns how many records at level have message msg.
func (c *logCapture) count(level slog.Level, msg string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, r := range c.records {
		if r.Level == level && r.Message == msg {
			n++
		}
	}
	return n
}

// sentFrame is one frame written through mockTransport.
type sentFrame struct {
	raw         []byte
	messageType uint16
	payload     []byte
	fin         bool
}

// errorMessage decodes the frame body as an error message.
func (f sentFrame) errorMessage(t *testing.T) ErrorMessage {
	t.Helper()
	if f.messageType != ErrorMessageID {
		t.Fatalf("frame type = %d, want error message", f.messageType)
	}
	msg, err := DecodeErrorMessage(f.payload)
	if err != nil {
		t.Fatalf("DecodeErrorMessage failed: %v", err)
	}
	return msg
}

// mockTransport records sent frames and timeouts.
type mockTransport struct {
	mu       sync.Mutex
	frames   []sentFrame
	timeouts []time.Duration
	closed   atomic.Bool
}

func (m *mockTransport) Send(data []byte, fin bool) bool {
	if m.closed.Load() {
		return false
	}
	h, payload, _, err := DecodeFrame(data)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, sentFrame{raw: data, messageType: h.MessageType, payload: payload, fin: fin})
	return true
}

func (m *mockTransport) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts = append(m.timeouts, timeout)
}

func (m *mockTransport) sent() []sentFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentFrame(nil), m.frames...)
}

// recordingExecutor keeps submitted jobs without running them.
type recordingExecutor struct {
	mu   sync.Mutex
	jobs []Job
}

func (e *recordingExecutor) Submit(job Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
}

func (e *recordingExecutor) requests(t *testing.T) []*requestJob {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*requestJob, 0, len(e.jobs))
	for _, j := range e.jobs {
		rj, ok := j.(*requestJob)
		if !ok {
			t.Fatalf("unexpected job type %T", j)
		}
		out = append(out, rj)
	}
	return out
}

// spyRegistry counts Resolve calls.
type spyRegistry struct {
	*Depository
	resolves atomic.Int32
}

func (r *spyRegistry) Resolve(namespace Namespace, messageType uint16) (Handler, bool) {
	r.resolves.Add(1)
	return r.Depository.Resolve(namespace, messageType)
}

type sessionFixture struct {
	session   *Session
	transport *mockTransport
	executor  *recordingExecutor
	registry  *spyRegistry
	logs      *logCapture
}

const testKeepAlive = 15 * time.Second

func newSessionFixture(t *testing.T, opts ...DepositoryOption) *sessionFixture {
	t.Helper()

	logger, logs := newCapturingLogger()
	f := &sessionFixture{
		transport: &mockTransport{},
		executor:  &recordingExecutor{},
		registry: &spyRegistry{Depository: NewDepository(append([]DepositoryOption{
			MaxRequestLengthOption(1024),
			KeepAliveTimeoutOption(testKeepAlive),
		}, opts...)...)},
		logs: logs,
	}
	session, err := NewSession(7, f.transport,
		RegistryOption(f.registry),
		ExecutorOption(f.executor),
		SessionLoggerOption(logger),
	)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	f.session = session
	return f
}

func mustFrame(t *testing.T, messageType uint16, payload []byte) []byte {
	t.Helper()
	frame, err := EncodeFrame(messageType, payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	return frame
}

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}
