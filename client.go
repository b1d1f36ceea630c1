package player

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Client is a blocking peer speaking the frame protocol. It is meant for
// tools and tests; a Client is safe for use by one goroutine at a time.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// Dial connects to a server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, reader: bufio.NewReader(conn)}
}

// Send writes one frame.
func (c *Client) Send(ctx context.Context, messageType uint16, payload []byte) error {
	frame, err := EncodeFrame(messageType, payload)
	if err != nil {
		return err
	}
	c.setDeadline(ctx)
	_, err = c.conn.Write(frame)
	return errors.Wrap(err, "write frame")
}

// Receive reads one frame.
func (c *Client) Receive(ctx context.Context) (uint16, []byte, error) {
	c.setDeadline(ctx)
	var head [HeaderSize]byte
	if _, err := io.ReadFull(c.reader, head[:]); err != nil {
		return 0, nil, errors.Wrap(err, "read header")
	}
	h := DecodeHeader(head[:])
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return 0, nil, errors.Wrap(err, "read payload")
	}
	return h.MessageType, payload, nil
}

// Call sends a request and waits for the next frame. An error message about
// messageType with a failure status is returned as a *ProtocolError.
func (c *Client) Call(ctx context.Context, messageType uint16, payload []byte) (uint16, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.Send(ctx, messageType, payload); err != nil {
		return 0, nil, err
	}
	typ, body, err := c.Receive(ctx)
	if err != nil {
		return 0, nil, err
	}
	if typ == ErrorMessageID {
		msg, err := DecodeErrorMessage(body)
		if err != nil {
			return 0, nil, err
		}
		if msg.Target == messageType && msg.Status != StatusOK {
			return typ, body, errors.WithStack(&ProtocolError{Status: msg.Status, Reason: msg.Reason})
		}
	}
	return typ, body, nil
}

// Shutdown asks the server to close the connection and returns the echoed
// error message.
func (c *Client) Shutdown(ctx context.Context, status Status, reason string) (ErrorMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status == StatusOK {
		return ErrorMessage{}, errors.New("shutdown requires a failure status")
	}
	msg := ErrorMessage{Target: ErrorMessageID, Status: status, Reason: reason}
	if err := c.Send(ctx, ErrorMessageID, msg.Encode()); err != nil {
		return ErrorMessage{}, err
	}
	for {
		typ, body, err := c.Receive(ctx)
		if err != nil {
			return ErrorMessage{}, err
		}
		if typ != ErrorMessageID {
			continue // a late response to an earlier request
		}
		echo, err := DecodeErrorMessage(body)
		if err != nil {
			return ErrorMessage{}, err
		}
		if echo.Target != msg.Target {
			continue // a late error reply to an earlier request
		}
		return echo, nil
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) setDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = c.conn.SetDeadline(deadline)
}
