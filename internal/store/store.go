// Package store holds the in-memory keyspace: a concurrent map with per-key
// TTL and a background expiry reaper.
package store

import (
	"strings"
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"

	"github.com/respkit/go-resp-server/internal/metrics"
)

type entry struct {
	data      []byte
	expiresAt time.Time // zero means no TTL
	node      *avl.Node // expiry index node, nil when no TTL
}

type expiry struct {
	at  time.Time
	key string
}

// Store is the shared keyspace. All mutation goes through one mutex covering
// the map, the expiry index and the shutdown flag; the reaper notification
// is signalled only after the mutex is released.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	expiries *avl.Tree
	shutdown bool

	notify chan struct{}
	done   chan struct{}
}

// New creates a Store and starts its expiry reaper.
func New() *Store {
	s := &Store{
		entries: make(map[string]*entry),
		expiries: avl.New(func(a, b interface{}) int {
			ea, eb := a.(*expiry), b.(*expiry)
			switch {
			case ea.at.Before(eb.at):
				return -1
			case ea.at.After(eb.at):
				return 1
			default:
				return strings.Compare(ea.key, eb.key)
			}
		}),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.reap()
	return s
}

// Get returns the stored value, or false if the key is absent or expired.
// An expired entry the reaper has not swept yet is still invisible.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !time.Now().Before(e.expiresAt) {
		return nil, false
	}
	return e.data, true
}

// Set inserts or replaces the entry. A previous TTL is unscheduled; if the
// new deadline is sooner than everything currently scheduled, the reaper is
// woken so it can shorten its sleep.
func (s *Store) Set(key string, data []byte, ttl *time.Duration) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	if old, ok := s.entries[key]; ok && old.node != nil {
		s.expiries.Remove(old.node)
	}
	e := &entry{data: data}
	notify := false
	if ttl != nil {
		e.expiresAt = time.Now().Add(*ttl)
		notify = s.earliest().After(e.expiresAt)
		e.node = s.expiries.Insert(&expiry{at: e.expiresAt, key: key})
	}
	s.entries[key] = e
	s.mu.Unlock()

	if notify {
		s.signal()
	}
}

// Len reports the number of live entries, counting unswept expired ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the reaper and waits for it to exit. Subsequent Sets are
// dropped.
func (s *Store) Close() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.shutdown = true
	s.mu.Unlock()
	s.signal()
	<-s.done
}

// earliest returns the soonest scheduled deadline, or a far-future sentinel
// when nothing is scheduled. Caller holds the mutex.
func (s *Store) earliest() time.Time {
	iter := s.expiries.Iterator(avl.Forward)
	node := iter.First()
	if node == nil {
		return time.Now().Add(100 * 365 * 24 * time.Hour)
	}
	return node.Value.(*expiry).at
}

func (s *Store) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// reap loops: sweep due entries, then sleep until the next deadline or a
// notification, whichever comes first. Shutdown wins over both.
func (s *Store) reap() {
	defer close(s.done)
	for {
		next, up := s.sweep()
		if !up {
			return
		}
		if next.IsZero() {
			<-s.notify
			continue
		}
		t := time.NewTimer(time.Until(next))
		select {
		case <-t.C:
		case <-s.notify:
			t.Stop()
		}
	}
}

// sweep removes every entry whose deadline has passed. It returns the next
// future deadline (zero when none is scheduled) and whether the store is
// still up.
func (s *Store) sweep() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return time.Time{}, false
	}
	now := time.Now()
	swept := 0
	iter := s.expiries.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		ex := node.Value.(*expiry)
		if ex.at.After(now) {
			if swept > 0 {
				metrics.AddExpired(swept)
			}
			return ex.at, true
		}
		delete(s.entries, ex.key)
		// removing the current node is the one mutation the iterator permits
		s.expiries.Remove(node)
		swept++
	}
	if swept > 0 {
		metrics.AddExpired(swept)
	}
	return time.Time{}, true
}
