package repl

import (
	"sync"
	"time"

	"github.com/respkit/go-resp-server/internal/logging"
	"github.com/respkit/go-resp-server/internal/metrics"
	"github.com/respkit/go-resp-server/internal/resp"
)

// DefaultBusBuffer is the per-replica message buffer, sized for short bursts.
const DefaultBusBuffer = 32

// Kind discriminates bus messages.
type Kind int

const (
	// Propagate carries a write command frame to forward verbatim.
	Propagate Kind = iota
	// WaitProbe instructs push loops to emit a GETACK probe and account
	// for returning acks within the timeout window.
	WaitProbe
)

// Message is one replication bus item.
type Message struct {
	Kind    Kind
	Frame   resp.Frame    // Propagate
	Timeout time.Duration // WaitProbe
}

// Replica is one attached secondary link's subscription.
type Replica struct {
	Out       chan Message
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the subscription is over (idempotent).
func (r *Replica) Close() {
	r.closeOnce.Do(func() {
		close(r.Closed)
	})
}

// Bus is the primary-side broadcast channel. Publishers never block: a
// replica whose buffer overflows is kicked and must reconnect and
// re-handshake.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Replica]struct{}
	BufSize int
}

// NewBus creates an empty bus.
func NewBus() *Bus { return &Bus{subs: make(map[*Replica]struct{}), BufSize: DefaultBusBuffer} }

// Attach registers a new replica subscription.
func (b *Bus) Attach() *Replica {
	bufSize := b.BufSize
	if bufSize <= 0 {
		bufSize = DefaultBusBuffer
	}
	r := &Replica{Out: make(chan Message, bufSize), Closed: make(chan struct{})}
	b.mu.Lock()
	prev := len(b.subs)
	b.subs[r] = struct{}{}
	cur := len(b.subs)
	b.mu.Unlock()
	metrics.SetReplicas(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("replica_first_attached")
	}
	return r
}

// Detach unregisters a replica; safe to call multiple times.
func (b *Bus) Detach(r *Replica) {
	b.mu.Lock()
	_, existed := b.subs[r]
	if existed {
		delete(b.subs, r)
	}
	cur := len(b.subs)
	b.mu.Unlock()
	select {
	case <-r.Closed:
	default:
		r.Close()
	}
	metrics.SetReplicas(cur)
	if existed && cur == 0 {
		logging.L().Info("replica_last_detached")
	}
}

// Publish delivers m to every attached replica. Ordering across replicas is
// the publish order; a full buffer kicks that replica rather than blocking
// the publisher.
func (b *Bus) Publish(m Message) {
	subs := b.Snapshot()
	metrics.SetBusFanout(len(subs))
	for _, r := range subs {
		select {
		case r.Out <- m:
		default:
			metrics.IncBusKick()
			r.Close() // push loop exits; the secondary must re-handshake
		}
	}
}

// Snapshot returns a slice copy of the current subscriptions.
func (b *Bus) Snapshot() []*Replica {
	b.mu.RLock()
	subs := make([]*Replica, 0, len(b.subs))
	for r := range b.subs {
		subs = append(subs, r)
	}
	b.mu.RUnlock()
	return subs
}

// Count returns the number of attached replicas.
func (b *Bus) Count() int { b.mu.RLock(); n := len(b.subs); b.mu.RUnlock(); return n }
