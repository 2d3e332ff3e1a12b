// Package repl implements the replication coordinator: shared replication
// state, the primary-side broadcast bus, and the secondary startup handshake.
package repl

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/respkit/go-resp-server/internal/metrics"
)

// Role selects between the write-accepting server and its followers.
type Role int

const (
	RolePrimary Role = iota
	RoleSecondary
)

// String returns the role name used on the wire (INFO replies).
func (r Role) String() string {
	if r == RoleSecondary {
		return "slave"
	}
	return "master"
}

// Info is the replication state shared by every connection handler. Fields
// are independently synchronized; the hot offset path never contends with a
// WAIT in progress.
type Info struct {
	// ID is the 40-hex replication id, stable for the process lifetime.
	ID string
	// PrimaryAddr is set on a secondary, empty on a primary.
	PrimaryAddr string

	offset   atomic.Int64
	acks     atomic.Int32
	pending  atomic.Bool
	waitGate sync.Mutex
}

// NewInfo creates replication state with a fresh id.
func NewInfo(primaryAddr string) *Info {
	return &Info{ID: newReplID(), PrimaryAddr: primaryAddr}
}

func newReplID() string {
	var raw [20]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic("repl: id generation: " + err.Error())
	}
	return hex.EncodeToString(raw[:])
}

// Offset returns the replication stream byte count.
func (i *Info) Offset() int64 { return i.offset.Load() }

// AddOffset advances the offset by the wire length of one processed frame.
func (i *Info) AddOffset(n int64) {
	metrics.SetOffset(i.offset.Add(n))
}

// Acks returns the acknowledgement count of the current WAIT window.
func (i *Info) Acks() int { return int(i.acks.Load()) }

// IncAck records one secondary acknowledgement.
func (i *Info) IncAck() {
	i.acks.Add(1)
	metrics.IncAck()
}

// ResetAcks clears the window counter; no cross-WAIT carryover.
func (i *Info) ResetAcks() { i.acks.Store(0) }

// Pending reports whether a write was propagated since the last WAIT reset.
func (i *Info) Pending() bool { return i.pending.Load() }

// SetPending marks or clears the propagated-writes flag.
func (i *Info) SetPending(v bool) { i.pending.Store(v) }

// LockWaitGate serializes WAIT commands.
func (i *Info) LockWaitGate() { i.waitGate.Lock() }

// UnlockWaitGate releases the WAIT serialization gate.
func (i *Info) UnlockWaitGate() { i.waitGate.Unlock() }

// WaitGateFree non-blockingly reports whether no WAIT is in progress.
// Connection loops use it to yield to an active waiter before reading.
func (i *Info) WaitGateFree() bool {
	if i.waitGate.TryLock() {
		i.waitGate.Unlock()
		return true
	}
	return false
}

// ServerInfo is the per-server identity cloned by value into every handler;
// Repl is the shared handle.
type ServerInfo struct {
	Host string
	Port string
	Role Role
	Repl *Info

	// Reported verbatim by CONFIG GET.
	Dir        string
	DBFilename string
}

// Addr returns the host:port the server listens on.
func (s ServerInfo) Addr() string { return s.Host + ":" + s.Port }
