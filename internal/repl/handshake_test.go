package repl

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/respkit/go-resp-server/internal/conn"
	"github.com/respkit/go-resp-server/internal/resp"
)

// fakePrimary answers the four handshake steps and streams the snapshot.
func fakePrimary(t *testing.T, nc net.Conn, replID string, blob []byte) <-chan []resp.Frame {
	t.Helper()
	got := make(chan []resp.Frame, 1)
	go func() {
		c := conn.New(nc)
		var seen []resp.Frame
		replies := []resp.Frame{
			resp.Simple("PONG"),
			resp.Simple("OK"),
			resp.Simple("OK"),
			resp.Simple("FULLRESYNC " + replID + " 0"),
		}
		for _, reply := range replies {
			fr, ok, err := c.ReadFrame()
			if err != nil || !ok {
				close(got)
				return
			}
			seen = append(seen, fr)
			if err := c.WriteFrame(reply); err != nil {
				close(got)
				return
			}
		}
		_ = c.WriteBlob(blob)
		got <- seen
	}()
	return got
}

func TestHandshake(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	replID := "3b1e9ee7f3a0c1d2e4f5a6b7c8d9e0f1a2b3c4d5"
	got := fakePrimary(t, b, replID, []byte("SNAPSHOT"))

	c := conn.New(a)
	c.MarkReplLink()
	err := Handshake(context.Background(), c, "6380", 2*time.Second)
	require.NoError(t, err)

	seen := <-got
	require.Len(t, seen, 4)
	want := [][]string{
		{"PING"},
		{"REPLCONF", "listening-port", "6380"},
		{"REPLCONF", "capa", "psync2"},
		{"PSYNC", "?", "-1"},
	}
	for i, parts := range want {
		items := seen[i].Items()
		require.Len(t, items, len(parts), "step %d", i)
		for j, p := range parts {
			assert.Equal(t, p, string(items[j].Data()), "step %d arg %d", i, j)
		}
	}
}

func TestHandshake_PrimaryHangsUp(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	go func() {
		c := conn.New(b)
		_, _, _ = c.ReadFrame() // swallow PING, then vanish
		_ = b.Close()
	}()

	c := conn.New(a)
	c.MarkReplLink()
	err := Handshake(context.Background(), c, "6380", 2*time.Second)
	assert.Error(t, err)
}

func TestHandshake_RejectsNonFullResync(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		c := conn.New(b)
		for i := 0; i < 4; i++ {
			if _, ok, err := c.ReadFrame(); err != nil || !ok {
				return
			}
			_ = c.WriteFrame(resp.Simple("OK"))
		}
	}()

	c := conn.New(a)
	c.MarkReplLink()
	err := Handshake(context.Background(), c, "6380", 2*time.Second)
	assert.ErrorContains(t, err, "unexpected reply")
}
