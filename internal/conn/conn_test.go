package conn

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/respkit/go-resp-server/internal/resp"
)

func pipePair() (*Conn, net.Conn) {
	a, b := net.Pipe()
	return New(a), b
}

func TestConn_ReadFrameWhole(t *testing.T) {
	c, peer := pipePair()
	defer c.Close()
	defer peer.Close()

	go func() {
		_, _ = peer.Write([]byte("*1\r\n$4\r\nPING\r\n"))
	}()

	fr, ok, err := c.ReadFrame()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, fr.Equal(resp.Array(resp.BulkString("PING"))))
}

func TestConn_ReadFrameSplitAcrossWrites(t *testing.T) {
	c, peer := pipePair()
	defer c.Close()
	defer peer.Close()

	wire := resp.Array(resp.BulkString("SET"), resp.BulkString("k"), resp.BulkString("v")).Marshal()
	go func() {
		for _, b := range wire {
			_, _ = peer.Write([]byte{b})
		}
	}()

	fr, ok, err := c.ReadFrame()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, fr.Items(), 3)
	assert.Equal(t, []byte("v"), fr.Items()[2].Data())
}

func TestConn_ReadFrameLargerThanInitialBuffer(t *testing.T) {
	c, peer := pipePair()
	defer c.Close()
	defer peer.Close()

	big := bytes.Repeat([]byte("z"), 3*initialBufSize)
	go func() {
		_, _ = peer.Write(resp.Bulk(big).Marshal())
	}()

	fr, ok, err := c.ReadFrame()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, fr.Data())
}

func TestConn_ReadFramePipelined(t *testing.T) {
	c, peer := pipePair()
	defer c.Close()
	defer peer.Close()

	var wire []byte
	wire = append(wire, resp.Simple("one").Marshal()...)
	wire = append(wire, resp.Integer(2).Marshal()...)
	go func() {
		_, _ = peer.Write(wire)
	}()

	fr1, ok, err := c.ReadFrame()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", fr1.Text())

	fr2, ok, err := c.ReadFrame()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), fr2.Num())
}

func TestConn_CleanEOF(t *testing.T) {
	c, peer := pipePair()
	defer c.Close()

	go func() { _ = peer.Close() }()
	_, ok, err := c.ReadFrame()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConn_MidFrameEOF(t *testing.T) {
	c, peer := pipePair()
	defer c.Close()

	go func() {
		_, _ = peer.Write([]byte("$10\r\nshort"))
		_ = peer.Close()
	}()
	_, _, err := c.ReadFrame()
	assert.ErrorIs(t, err, ErrPeerReset)
}

func TestConn_MidFrameEOFOnReplLink(t *testing.T) {
	c, peer := pipePair()
	defer c.Close()
	c.MarkReplLink()
	require.True(t, c.IsReplLink())

	go func() {
		_, _ = peer.Write([]byte("$10\r\nshort"))
		_ = peer.Close()
	}()
	_, ok, err := c.ReadFrame()
	require.NoError(t, err, "replication links may terminate mid-stream")
	assert.False(t, ok)
}

func TestConn_MalformedInput(t *testing.T) {
	c, peer := pipePair()
	defer c.Close()
	defer peer.Close()

	go func() {
		_, _ = peer.Write([]byte("!bogus\r\n"))
	}()
	_, _, err := c.ReadFrame()
	assert.ErrorIs(t, err, resp.ErrMalformed)
}

func TestConn_WriteFrame(t *testing.T) {
	c, peer := pipePair()
	defer c.Close()
	defer peer.Close()

	go func() {
		_ = c.WriteFrame(resp.Simple("OK"))
	}()
	buf := make([]byte, 16)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", string(buf[:n]))
}

func TestConn_BlobRoundTrip(t *testing.T) {
	c, peer := pipePair()
	defer c.Close()
	pc := New(peer)
	defer pc.Close()

	blob := []byte("REDIS0011\x00\xff\xfe")
	go func() {
		_ = c.WriteBlob(blob)
		// follow with a frame to prove no separator confusion
		_ = c.WriteFrame(resp.Simple("next"))
	}()

	got, err := pc.ReadBlob()
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	fr, ok, err := pc.ReadFrame()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "next", fr.Text())
}

func TestConn_WriteBlobWire(t *testing.T) {
	c, peer := pipePair()
	defer c.Close()
	defer peer.Close()

	go func() {
		_ = c.WriteBlob([]byte("abc"))
	}()
	buf := make([]byte, 16)
	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "$3\r\nabc", string(buf[:n]), "no trailing separator")
}
