package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/respkit/go-resp-server/internal/repl"
	"github.com/respkit/go-resp-server/internal/resp"
	"github.com/respkit/go-resp-server/internal/store"
)

// Ping checks liveness; with a message it behaves like ECHO.
type Ping struct {
	Msg []byte // nil when no message was given
}

func (Ping) Name() string  { return "PING" }
func (Ping) IsWrite() bool { return false }

func (p Ping) Apply() resp.Frame {
	if p.Msg == nil {
		return resp.Simple("PONG")
	}
	return resp.Bulk(p.Msg)
}

// Echo returns its argument.
type Echo struct {
	Msg []byte
}

func (Echo) Name() string  { return "ECHO" }
func (Echo) IsWrite() bool { return false }

func (e Echo) Apply() resp.Frame { return resp.Bulk(e.Msg) }

// Set stores a value, optionally with a PX millisecond TTL.
type Set struct {
	Key   string
	Value []byte
	TTL   *time.Duration
}

func (Set) Name() string  { return "SET" }
func (Set) IsWrite() bool { return true }

func (s Set) Apply(db *store.Store) resp.Frame {
	db.Set(s.Key, s.Value, s.TTL)
	return resp.Simple("OK")
}

// Get reads a value.
type Get struct {
	Key string
}

func (Get) Name() string  { return "GET" }
func (Get) IsWrite() bool { return false }

func (g Get) Apply(db *store.Store) resp.Frame {
	val, ok := db.Get(g.Key)
	if !ok {
		return resp.Null()
	}
	return resp.Bulk(val)
}

// Info reports replication identity.
type Info struct{}

func (Info) Name() string  { return "INFO" }
func (Info) IsWrite() bool { return false }

func (Info) Apply(si repl.ServerInfo) resp.Frame {
	s := fmt.Sprintf("role:%s\nmaster_replid:%s\nmaster_repl_offset:%d",
		si.Role, si.Repl.ID, si.Repl.Offset())
	return resp.BulkString(s)
}

// ConfigGet reports startup configuration parameters verbatim.
type ConfigGet struct {
	Params []string // already lower-cased by the parser
}

func (ConfigGet) Name() string  { return "CONFIG" }
func (ConfigGet) IsWrite() bool { return false }

func (c ConfigGet) Apply(si repl.ServerInfo) resp.Frame {
	out := resp.Array()
	for _, p := range c.Params {
		out.Push(resp.BulkString(p))
		switch p {
		case "dir":
			out.Push(resp.BulkString(si.Dir))
		case "dbfilename":
			out.Push(resp.BulkString(si.DBFilename))
		}
	}
	return out
}

// Replconf carries replica configuration during handshake, the GETACK probe,
// and ACK replies.
type Replconf struct {
	Param string
	Arg   string
}

func (Replconf) Name() string  { return "REPLCONF" }
func (Replconf) IsWrite() bool { return false }

// IsGetAck reports whether this is the offset probe.
func (r Replconf) IsGetAck() bool { return strings.EqualFold(r.Param, "GETACK") }

// IsAck reports whether this is a replica's offset acknowledgement.
func (r Replconf) IsAck() bool { return strings.EqualFold(r.Param, "ACK") }

func (Replconf) Apply() resp.Frame { return resp.Simple("OK") }

// Psync registers the connection as a secondary link on the primary.
type Psync struct {
	ReplID string
	Offset int64
}

func (Psync) Name() string  { return "PSYNC" }
func (Psync) IsWrite() bool { return false }

// FullResync builds the reply announcing a full snapshot transfer.
func (Psync) FullResync(si repl.ServerInfo) resp.Frame {
	return resp.Simple(fmt.Sprintf("FULLRESYNC %s 0", si.Repl.ID))
}

// Wait blocks its client for the timeout window and reports how many
// secondaries acknowledged within it; NumReplicas does not end the window
// early.
type Wait struct {
	NumReplicas int
	Timeout     time.Duration
}

func (Wait) Name() string  { return "WAIT" }
func (Wait) IsWrite() bool { return false }

// GetAckFrame builds the probe the primary pushes to each secondary.
func GetAckFrame() resp.Frame {
	return resp.Array(resp.BulkString("REPLCONF"), resp.BulkString("GETACK"), resp.BulkString("*"))
}

// AckFrame builds the secondary's reply to a GETACK probe, echoing its
// replication offset.
func AckFrame(offset int64) resp.Frame {
	return resp.Array(
		resp.BulkString("REPLCONF"),
		resp.BulkString("ACK"),
		resp.BulkString(strconv.FormatInt(offset, 10)),
	)
}
