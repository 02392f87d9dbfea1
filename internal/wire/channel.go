// ABOUTME: Channel wraps one net.Conn with buffered, framed envelope exchange
// ABOUTME: Classifies peer-closed transports distinctly from decode failures

package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// ErrPeerClosed reports that the other end closed the transport. It is
// distinct from protocol and application errors so callers can decide to
// rebootstrap.
var ErrPeerClosed = errors.New("peer closed the channel")

// Channel is one ordered, bidirectional message connection. It is not safe
// for concurrent use; callers serialize access (the protocol allows only one
// request in flight per channel anyway).
type Channel struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// NewChannel wraps an established connection.
func NewChannel(conn net.Conn) *Channel {
	return &Channel{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// WriteRequest encodes and sends one request envelope.
func (c *Channel) WriteRequest(req *Request) error {
	body, err := EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return c.send(body)
}

// ReadRequest receives and decodes one request envelope. A malformed body is
// returned as *DecodeError with the channel still usable; transport loss is
// mapped to ErrPeerClosed.
func (c *Channel) ReadRequest() (*Request, error) {
	body, err := readFrame(c.r)
	if err != nil {
		return nil, classify(err)
	}
	return DecodeRequest(body)
}

// WriteResponse encodes and sends one response envelope.
func (c *Channel) WriteResponse(resp *Response) error {
	body, err := EncodeResponse(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return c.send(body)
}

// ReadResponse receives and decodes one response envelope.
func (c *Channel) ReadResponse() (*Response, error) {
	body, err := readFrame(c.r)
	if err != nil {
		return nil, classify(err)
	}
	return DecodeResponse(body)
}

func (c *Channel) send(body []byte) error {
	if err := writeFrame(c.w, body); err != nil {
		return classify(err)
	}
	if err := c.w.Flush(); err != nil {
		return classify(err)
	}
	return nil
}

// SetDeadline bounds both reads and writes. The zero time clears it.
func (c *Channel) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// RemoteAddr returns the address of the other end.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection. Pending reads on the other end
// fail with their side's peer-closed condition.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// classify maps transport-loss errors onto ErrPeerClosed and passes
// everything else (timeouts, frame violations) through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrPeerClosed, err)
	}
	return err
}
