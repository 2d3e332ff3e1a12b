// Package conn wraps a duplex socket with buffered frame I/O.
package conn

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"github.com/respkit/go-resp-server/internal/resp"
)

const initialBufSize = 4096

// ErrPeerReset reports an EOF that arrived in the middle of a frame.
var ErrPeerReset = errors.New("conn: connection reset by peer")

// Conn owns one socket. The read side accumulates bytes in a growable buffer
// and hands out whole frames; the write side is buffered and flushed per
// frame.
type Conn struct {
	sock     net.Conn
	w        *bufio.Writer
	buf      []byte
	replLink bool
}

// New wraps an established socket.
func New(sock net.Conn) *Conn {
	return &Conn{
		sock: sock,
		w:    bufio.NewWriter(sock),
		buf:  make([]byte, 0, initialBufSize),
	}
}

// MarkReplLink flags this connection as a replication link: a clean peer
// close mid-stream is then permitted on read.
func (c *Conn) MarkReplLink() { c.replLink = true }

// IsReplLink reports whether the connection carries propagated commands.
func (c *Conn) IsReplLink() bool { return c.replLink }

func (c *Conn) RemoteAddr() net.Addr { return c.sock.RemoteAddr() }

// SetReadDeadline bounds the next read; the zero time clears it.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.sock.SetReadDeadline(t) }

// SetDeadline bounds both directions; the zero time clears it.
func (c *Conn) SetDeadline(t time.Time) error { return c.sock.SetDeadline(t) }

func (c *Conn) Close() error { return c.sock.Close() }

// ReadFrame returns the next frame. ok is false on clean EOF. EOF with
// buffered bytes is an error unless this is a replication link.
func (c *Conn) ReadFrame() (resp.Frame, bool, error) {
	for {
		fr, ok, err := c.parseFrame()
		if err != nil {
			return resp.Frame{}, false, err
		}
		if ok {
			return fr, true, nil
		}
		if err := c.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				if len(c.buf) == 0 || c.replLink {
					return resp.Frame{}, false, nil
				}
				return resp.Frame{}, false, ErrPeerReset
			}
			return resp.Frame{}, false, err
		}
	}
}

// parseFrame attempts to decode one frame from the buffer. ok is false when
// more bytes are needed.
func (c *Conn) parseFrame() (resp.Frame, bool, error) {
	cur := resp.NewCursor(c.buf)
	switch err := resp.Check(cur); {
	case err == nil:
		end := cur.Pos()
		cur.SetPos(0)
		fr, perr := resp.Parse(cur)
		if perr != nil {
			return resp.Frame{}, false, perr
		}
		c.consume(end)
		return fr, true, nil
	case errors.Is(err, resp.ErrIncomplete):
		return resp.Frame{}, false, nil
	default:
		return resp.Frame{}, false, err
	}
}

// ReadBlob reads a length-prefixed opaque payload without a trailing
// separator (the snapshot-blob framing).
func (c *Conn) ReadBlob() ([]byte, error) {
	for {
		cur := resp.NewCursor(c.buf)
		blob, err := resp.ParseBlob(cur)
		switch {
		case err == nil:
			c.consume(cur.Pos())
			return blob, nil
		case errors.Is(err, resp.ErrIncomplete):
			if ferr := c.fill(); ferr != nil {
				return nil, ferr
			}
		default:
			return nil, err
		}
	}
}

// WriteFrame serializes and flushes one frame.
func (c *Conn) WriteFrame(f resp.Frame) error {
	if _, err := c.w.Write(f.Marshal()); err != nil {
		return err
	}
	return c.w.Flush()
}

// WriteBlob emits $<len>CRLF<bytes> with no trailing separator.
func (c *Conn) WriteBlob(b []byte) error {
	hdr := resp.Bulk(b).Marshal()
	// strip the trailing CRLF of the bulk encoding
	if _, err := c.w.Write(hdr[:len(hdr)-2]); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Conn) consume(n int) {
	c.buf = append(c.buf[:0], c.buf[n:]...)
}

// fill reads more bytes from the socket into spare buffer capacity, growing
// the buffer when full.
func (c *Conn) fill() error {
	if len(c.buf) == cap(c.buf) {
		grown := make([]byte, len(c.buf), cap(c.buf)*2)
		copy(grown, c.buf)
		c.buf = grown
	}
	n, err := c.sock.Read(c.buf[len(c.buf):cap(c.buf)])
	c.buf = c.buf[:len(c.buf)+n]
	if n > 0 {
		return nil
	}
	if err == nil {
		err = io.EOF
	}
	return err
}
