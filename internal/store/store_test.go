package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ttl(d time.Duration) *time.Duration { return &d }

func TestStore_SetGet(t *testing.T) {
	s := New()
	defer s.Close()

	_, ok := s.Get("missing")
	assert.False(t, ok)

	s.Set("grape", []byte("raspberry"), nil)
	val, ok := s.Get("grape")
	require.True(t, ok)
	assert.Equal(t, []byte("raspberry"), val)

	s.Set("grape", []byte("blueberry"), nil)
	val, _ = s.Get("grape")
	assert.Equal(t, []byte("blueberry"), val)
	assert.Equal(t, 1, s.Len())
}

func TestStore_TTLExpires(t *testing.T) {
	s := New()
	defer s.Close()

	s.Set("grape", []byte("raspberry"), ttl(60*time.Millisecond))
	val, ok := s.Get("grape")
	require.True(t, ok)
	assert.Equal(t, []byte("raspberry"), val)

	time.Sleep(90 * time.Millisecond)
	_, ok = s.Get("grape")
	assert.False(t, ok, "expired key must be gone")
}

func TestStore_ExpiredBeforeSweepIsInvisible(t *testing.T) {
	s := New()
	defer s.Close()

	// long-scheduled key keeps the reaper asleep while this one expires
	s.Set("later", []byte("x"), ttl(10*time.Second))
	s.Set("soon", []byte("y"), ttl(10*time.Millisecond))

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := s.Get("soon"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("key still visible after its deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, ok := s.Get("later")
	assert.True(t, ok)
}

func TestStore_ReplaceClearsTTL(t *testing.T) {
	s := New()
	defer s.Close()

	s.Set("k", []byte("v1"), ttl(50*time.Millisecond))
	s.Set("k", []byte("v2"), nil)

	time.Sleep(100 * time.Millisecond)
	val, ok := s.Get("k")
	require.True(t, ok, "replacing without TTL must unschedule the expiry")
	assert.Equal(t, []byte("v2"), val)
}

func TestStore_EarlierTTLWakesReaper(t *testing.T) {
	s := New()
	defer s.Close()

	s.Set("slow", []byte("x"), ttl(5*time.Second))
	s.Set("fast", []byte("y"), ttl(40*time.Millisecond))

	time.Sleep(120 * time.Millisecond)
	_, okFast := s.Get("fast")
	_, okSlow := s.Get("slow")
	assert.False(t, okFast)
	assert.True(t, okSlow)
	assert.Equal(t, 1, s.Len(), "reaper must have swept the fast key")
}

func TestStore_SameDeadlineDifferentKeys(t *testing.T) {
	s := New()
	defer s.Close()

	d := 50 * time.Millisecond
	s.Set("a", []byte("1"), &d)
	s.Set("b", []byte("2"), &d)

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 0, s.Len())
}

func TestStore_CloseStopsReaper(t *testing.T) {
	s := New()
	s.Set("k", []byte("v"), ttl(time.Hour))
	s.Close()
	// second close must not hang
	done := make(chan struct{})
	go func() { s.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
}

func TestStore_SnapshotBlob(t *testing.T) {
	s := New()
	defer s.Close()
	blob := s.SnapshotBlob()
	require.NotEmpty(t, blob)
	assert.Equal(t, "REDIS0011", string(blob[:9]))
	// stable across calls
	assert.Equal(t, fmt.Sprintf("%p", blob), fmt.Sprintf("%p", s.SnapshotBlob()))
}
