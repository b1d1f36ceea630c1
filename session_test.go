package player

import (
	"log/slog"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSession_MissingOptions(t *testing.T) {
	transport := &mockTransport{}

	_, err := NewSession(1, transport, ExecutorOption(&recordingExecutor{}))
	assert.Equal(t, ErrInvalidRegistry, err)

	_, err = NewSession(1, transport, RegistryOption(NewDepository()))
	assert.Equal(t, ErrInvalidExecutor, err)

	_, err = NewSession(1, nil, RegistryOption(NewDepository()), ExecutorOption(&recordingExecutor{}))
	assert.Error(t, err)
}

func TestNewSession_Identity(t *testing.T) {
	a := newSessionFixture(t)
	b := newSessionFixture(t)
	assert.Equal(t, Namespace(7), a.session.Namespace())
	assert.NotEqual(t, a.session.ID(), b.session.ID())
	assert.Nil(t, a.session.RemoteAddr())
	assert.NotNil(t, a.session.Logger())
}

func TestSession_OnBytes_SingleFrame(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.session.OnBytes([]byte{0x02, 0x00, 0x07, 0x00, 'A', 'B'}))

	jobs := f.executor.requests(t)
	require.Len(t, jobs, 1)
	assert.Same(t, f.session, jobs[0].session)
	assert.Equal(t, uint16(7), jobs[0].messageType)
	assert.Equal(t, []byte{0x41, 0x42}, jobs[0].payload)
	assert.Equal(t, 0, f.session.acc.Len())
	assert.False(t, f.session.state.awaitingPayload())
	assert.Empty(t, f.transport.sent())
}

func TestSession_OnBytes_ResetsKeepAlive(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.session.OnBytes(mustFrame(t, 1, []byte("a"))))
	require.NoError(t, f.session.OnBytes(mustFrame(t, 1, []byte("b"))[:3]))
	assert.Len(t, f.transport.timeouts, 1, "an incomplete frame does not reset the timeout")
	assert.Equal(t, testKeepAlive, f.transport.timeouts[0])
}

func TestSession_OnBytes_SegmentationIndependence(t *testing.T) {
	frame := mustFrame(t, 9, []byte("segmented payload"))

	for split := 0; split <= len(frame); split++ {
		f := newSessionFixture(t)
		require.NoError(t, f.session.OnBytes(frame[:split]))
		require.NoError(t, f.session.OnBytes(frame[split:]))

		jobs := f.executor.requests(t)
		require.Len(t, jobs, 1, "split at %d", split)
		assert.Equal(t, uint16(9), jobs[0].messageType)
		assert.Equal(t, []byte("segmented payload"), jobs[0].payload)
	}

	f := newSessionFixture(t)
	for i := range frame {
		require.NoError(t, f.session.OnBytes(frame[i:i+1]))
	}
	jobs := f.executor.requests(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, []byte("segmented payload"), jobs[0].payload)
}

func TestSession_OnBytes_Pipelining(t *testing.T) {
	f := newSessionFixture(t)

	data := append(mustFrame(t, 1, []byte("first")), mustFrame(t, 2, []byte("second"))...)
	require.NoError(t, f.session.OnBytes(data))

	jobs := f.executor.requests(t)
	require.Len(t, jobs, 2)
	assert.Equal(t, uint16(1), jobs[0].messageType)
	assert.Equal(t, []byte("first"), jobs[0].payload)
	assert.Equal(t, uint16(2), jobs[1].messageType)
	assert.Equal(t, []byte("second"), jobs[1].payload)
	assert.Len(t, f.transport.timeouts, 2)
}

func TestSession_OnBytes_RetainsTrailingBytes(t *testing.T) {
	f := newSessionFixture(t)

	second := mustFrame(t, 2, []byte("second"))
	data := append(mustFrame(t, 1, []byte("first")), second[:5]...)
	require.NoError(t, f.session.OnBytes(data))
	require.Len(t, f.executor.requests(t), 1)
	assert.True(t, f.session.state.awaitingPayload())

	require.NoError(t, f.session.OnBytes(second[5:]))
	jobs := f.executor.requests(t)
	require.Len(t, jobs, 2)
	assert.Equal(t, []byte("second"), jobs[1].payload)
}

func TestSession_OnBytes_EmptyPayload(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.session.OnBytes([]byte{0x00, 0x00, 0x05, 0x00}))
	jobs := f.executor.requests(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, uint16(5), jobs[0].messageType)
	assert.Empty(t, jobs[0].payload)
}

func TestSession_OnBytes_RequestTooLarge(t *testing.T) {
	f := newSessionFixture(t, MaxRequestLengthOption(16))

	// payload_len == limit is already rejected.
	err := f.session.OnBytes([]byte{0x10, 0x00, 0x03, 0x00})
	assert.True(t, errors.Is(err, ErrRequestTooLarge))
	assert.Empty(t, f.executor.requests(t))

	frames := f.transport.sent()
	require.Len(t, frames, 1)
	assert.True(t, frames[0].fin)
	assert.Equal(t, ErrorMessage{Target: 3, Status: StatusRequestTooLarge, Reason: "Request too large"},
		frames[0].errorMessage(t))
	assert.Equal(t, 1, f.logs.count(slog.LevelWarn, "request too large"))
}

func TestSession_OnBytes_BelowLimit(t *testing.T) {
	f := newSessionFixture(t, MaxRequestLengthOption(16))

	require.NoError(t, f.session.OnBytes(mustFrame(t, 3, make([]byte, 15))))
	assert.Len(t, f.executor.requests(t), 1)
	assert.Empty(t, f.transport.sent())
}

func TestSession_Close_DiscardsPartialRequest(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.session.OnBytes(mustFrame(t, 4, []byte("partial"))[:6]))
	f.session.Close()
	f.session.Close()

	assert.Equal(t, 1, f.logs.count(slog.LevelWarn, "session destroyed, discarding premature request"))
	assert.Empty(t, f.transport.sent())
	assert.Empty(t, f.executor.requests(t))
}

func TestSession_Close_Idle(t *testing.T) {
	f := newSessionFixture(t)

	require.NoError(t, f.session.OnBytes(mustFrame(t, 4, nil)[:2]))
	f.session.Close()
	assert.Equal(t, 0, f.logs.count(slog.LevelWarn, "session destroyed, discarding premature request"))
}

func TestSession_Send(t *testing.T) {
	f := newSessionFixture(t)

	ok, err := f.session.Send(12, []byte("reply"), false)
	require.NoError(t, err)
	assert.True(t, ok)

	frames := f.transport.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, append([]byte{0x05, 0x00, 0x0C, 0x00}, "reply"...), frames[0].raw)
	assert.False(t, frames[0].fin)
}

func TestSession_Send_MaxSize(t *testing.T) {
	f := newSessionFixture(t)

	ok, err := f.session.Send(1, make([]byte, MaxPayloadSize), true)
	require.NoError(t, err)
	assert.True(t, ok)
	frames := f.transport.sent()
	require.Len(t, frames, 1)
	assert.True(t, frames[0].fin)
}

func TestSession_Send_ResponseTooLarge(t *testing.T) {
	f := newSessionFixture(t)

	ok, err := f.session.Send(1, make([]byte, MaxPayloadSize+1), false)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrResponseTooLarge))
	assert.Empty(t, f.transport.sent(), "nothing may reach the transport")
}

func TestSession_Send_TransportClosed(t *testing.T) {
	f := newSessionFixture(t)
	f.transport.closed.Store(true)

	ok, err := f.session.Send(1, []byte("x"), false)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestSession_SendError(t *testing.T) {
	f := newSessionFixture(t)

	ok, err := f.session.SendError(5, Status(42), "custom", true)
	require.NoError(t, err)
	assert.True(t, ok)

	frames := f.transport.sent()
	require.Len(t, frames, 1)
	assert.True(t, frames[0].fin)
	assert.Equal(t, ErrorMessage{Target: 5, Status: 42, Reason: "custom"}, frames[0].errorMessage(t))
}

// panickingExecutor fails every submission.
type panickingExecutor struct{}

func (panickingExecutor) Submit(Job) {
	panic("boom")
}

func TestSession_OnBytes_InternalError(t *testing.T) {
	logger, logs := newCapturingLogger()
	transport := &mockTransport{}
	session, err := NewSession(7, transport,
		RegistryOption(NewDepository()),
		ExecutorOption(panickingExecutor{}),
		SessionLoggerOption(logger),
	)
	require.NoError(t, err)

	err = session.OnBytes(mustFrame(t, 9, []byte("x")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic while parsing: boom")

	frames := transport.sent()
	require.Len(t, frames, 1)
	assert.True(t, frames[0].fin)
	assert.Equal(t, ErrorMessage{Target: 9, Status: StatusInternalError}, frames[0].errorMessage(t))
	assert.Equal(t, 1, logs.count(slog.LevelError, "parse failure"))
}

func TestSession_OnBytes_AfterFailure(t *testing.T) {
	f := newSessionFixture(t, MaxRequestLengthOption(16))

	err := f.session.OnBytes([]byte{0x20, 0x00, 0x03, 0x00})
	require.True(t, errors.Is(err, ErrRequestTooLarge))
	assert.False(t, f.session.state.awaitingPayload())
	assert.Equal(t, 0, f.session.acc.Len())

	// The oversized payload arriving later is not dispatched.
	err = f.session.OnBytes(make([]byte, 32))
	assert.Equal(t, ErrSessionFailed, err)
	err = f.session.OnBytes(mustFrame(t, 3, []byte("ok")))
	assert.Equal(t, ErrSessionFailed, err)

	assert.Empty(t, f.executor.requests(t))
	assert.Len(t, f.transport.sent(), 1, "the failure is reported once")

	f.session.Close()
	assert.Equal(t, 0, f.logs.count(slog.LevelWarn, "session destroyed, discarding premature request"))
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestSession_Flushed(t *testing.T) {
	f := newSessionFixture(t)
	require.NoError(t, f.registry.Register(7, 1, nopHandler))

	assert.True(t, isClosed(f.session.Flushed()), "nothing dispatched")

	data := append(mustFrame(t, 1, nil), mustFrame(t, 2, nil)...)
	require.NoError(t, f.session.OnBytes(data))
	flushed := f.session.Flushed()
	assert.False(t, isClosed(flushed))

	jobs := f.executor.requests(t)
	require.Len(t, jobs, 2)
	assert.NoError(t, jobs[0].Perform())
	assert.False(t, isClosed(flushed))

	// A dropped job counts as finished.
	jobs[1].Discard(ErrPoolClosed)
	assert.True(t, isClosed(flushed))
	assert.Equal(t, 1, f.logs.count(slog.LevelWarn, "request dropped"))
}
