package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

const readChunk = 4096

// Conn speaks the protocol over a stream connection. One goroutine may read
// while others write; writes are serialized.
type Conn struct {
	nc           net.Conn
	framer       *Framer
	chunk        []byte
	readErr      error
	writeTimeout time.Duration
	wmu          sync.Mutex
}

// NewConn wraps nc. The caller hands over ownership of nc.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:     nc,
		framer: NewFramer(MaxFrameSize),
		chunk:  make([]byte, readChunk),
	}
}

// Dial connects to the supervisor listening on the unix socket at path.
func Dial(ctx context.Context, path string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, &ChannelError{Op: "connect", Err: err}
	}
	return NewConn(nc), nil
}

// SetWriteTimeout bounds every subsequent WriteMessage. Zero disables it.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.writeTimeout = d
}

// NetConn exposes the underlying connection.
func (c *Conn) NetConn() net.Conn { return c.nc }

func (c *Conn) Close() error { return c.nc.Close() }

// ReadMessage blocks until one complete message is available. A clean EOF
// yields ErrPeerClosed; undecodable frames yield a *ParseError; anything
// else is a *ChannelError. Frames already buffered are always delivered
// before a read error is reported.
func (c *Conn) ReadMessage() (Message, error) {
	for {
		msg, ok, err := c.framer.Next()
		if err != nil || ok {
			return msg, err
		}
		if c.readErr != nil {
			err := c.readErr
			if isTimeout(err) {
				c.readErr = nil
			}
			return Message{}, err
		}

		n, err := c.nc.Read(c.chunk)
		if n > 0 {
			c.framer.Feed(c.chunk[:n])
		}
		if err != nil {
			c.readErr = classifyRead(err)
		}
	}
}

// ReadMessageContext is ReadMessage that gives up when ctx is done. The
// blocked read is woken by pulling the read deadline to now, so nothing is
// lost from the stream.
func (c *Conn) ReadMessageContext(ctx context.Context) (Message, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetReadDeadline(time.Now())
	})
	msg, err := c.ReadMessage()
	stop()
	if err != nil && ctx.Err() != nil {
		return Message{}, ctx.Err()
	}
	return msg, err
}

// WriteMessage encodes m and writes the whole frame.
func (c *Conn) WriteMessage(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.nc.SetWriteDeadline(time.Time{})
	}
	if err := WriteFull(c.nc, Encode(m)); err != nil {
		return &ChannelError{Op: "write " + m.Kind.String(), Err: err}
	}
	return nil
}

// WriteFull writes p completely, looping over short writes.
func WriteFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

func classifyRead(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrPeerClosed
	}
	return &ChannelError{Op: "read", Err: err}
}

func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
