package repl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/respkit/go-resp-server/internal/conn"
	"github.com/respkit/go-resp-server/internal/resp"
)

// Handshake converts a fresh outbound socket into a replication link. The
// secondary announces itself, requests a full sync, and discards the
// point-in-time snapshot; the caller then reads propagated commands off the
// same connection. Every step waits for a reply and aborts on EOF.
func Handshake(ctx context.Context, c *conn.Conn, listeningPort string, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	steps := []struct {
		name  string
		frame resp.Frame
	}{
		{"PING", resp.Array(resp.BulkString("PING"))},
		{"REPLCONF listening-port", resp.Array(
			resp.BulkString("REPLCONF"), resp.BulkString("listening-port"), resp.BulkString(listeningPort))},
		{"REPLCONF capa", resp.Array(
			resp.BulkString("REPLCONF"), resp.BulkString("capa"), resp.BulkString("psync2"))},
		{"PSYNC", resp.Array(
			resp.BulkString("PSYNC"), resp.BulkString("?"), resp.BulkString("-1"))},
	}

	var last resp.Frame
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.WriteFrame(step.frame); err != nil {
			return fmt.Errorf("handshake %s: %w", step.name, err)
		}
		reply, ok, err := c.ReadFrame()
		if err != nil {
			return fmt.Errorf("handshake %s: %w", step.name, err)
		}
		if !ok {
			return fmt.Errorf("handshake %s: no reply from primary", step.name)
		}
		last = reply
	}

	if last.Kind() != resp.KindSimple || !strings.HasPrefix(last.Text(), "FULLRESYNC") {
		return fmt.Errorf("handshake PSYNC: unexpected reply %s", last)
	}
	if _, err := c.ReadBlob(); err != nil {
		return fmt.Errorf("handshake snapshot: %w", err)
	}
	return nil
}
