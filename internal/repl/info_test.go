package repl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInfo_ID(t *testing.T) {
	a := NewInfo("")
	b := NewInfo("")
	require.Len(t, a.ID, 40)
	assert.Regexp(t, "^[0-9a-f]{40}$", a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Empty(t, a.PrimaryAddr)

	c := NewInfo("127.0.0.1:6379")
	assert.Equal(t, "127.0.0.1:6379", c.PrimaryAddr)
}

func TestInfo_OffsetAccounting(t *testing.T) {
	i := NewInfo("")
	assert.EqualValues(t, 0, i.Offset())
	i.AddOffset(14)
	i.AddOffset(37)
	assert.EqualValues(t, 51, i.Offset())
}

func TestInfo_AckWindow(t *testing.T) {
	i := NewInfo("")
	i.IncAck()
	i.IncAck()
	assert.Equal(t, 2, i.Acks())
	i.ResetAcks()
	assert.Equal(t, 0, i.Acks(), "no cross-WAIT carryover")
}

func TestInfo_Pending(t *testing.T) {
	i := NewInfo("")
	assert.False(t, i.Pending())
	i.SetPending(true)
	assert.True(t, i.Pending())
	i.SetPending(false)
	assert.False(t, i.Pending())
}

func TestInfo_WaitGate(t *testing.T) {
	i := NewInfo("")
	assert.True(t, i.WaitGateFree())
	i.LockWaitGate()
	assert.False(t, i.WaitGateFree())
	i.UnlockWaitGate()
	assert.True(t, i.WaitGateFree())
}

func TestRole_String(t *testing.T) {
	assert.Equal(t, "master", RolePrimary.String())
	assert.Equal(t, "slave", RoleSecondary.String())
}

func TestServerInfo_Addr(t *testing.T) {
	si := ServerInfo{Host: "127.0.0.1", Port: "6379"}
	assert.Equal(t, "127.0.0.1:6379", si.Addr())
}
