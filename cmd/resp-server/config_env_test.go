package main

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides_Applied(t *testing.T) {
	t.Setenv("RESP_SERVER_PORT", "6390")
	t.Setenv("RESP_SERVER_REPLICAOF", "10.1.1.1 6379")
	t.Setenv("RESP_SERVER_REPL_BUFFER", "64")
	t.Setenv("RESP_SERVER_HANDSHAKE_TIMEOUT", "5s")

	cfg, _, err := parseFlags(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "6390", cfg.port)
	assert.Equal(t, "10.1.1.1 6379", cfg.replicaOf)
	assert.Equal(t, 64, cfg.busBuffer)
	assert.Equal(t, 5*time.Second, cfg.handshakeTO)
}

func TestEnvOverrides_FlagWins(t *testing.T) {
	t.Setenv("RESP_SERVER_PORT", "6390")

	cfg, _, err := parseFlags([]string{"--port", "6400"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "6400", cfg.port)
}

func TestEnvOverrides_InvalidValue(t *testing.T) {
	t.Setenv("RESP_SERVER_REPL_BUFFER", "lots")

	_, _, err := parseFlags(nil, io.Discard)
	assert.Error(t, err)
}

func TestEnvOverrides_MDNSBool(t *testing.T) {
	t.Setenv("RESP_SERVER_MDNS_ENABLE", "yes")
	cfg, _, err := parseFlags(nil, io.Discard)
	require.NoError(t, err)
	assert.True(t, cfg.mdnsEnable)

	t.Setenv("RESP_SERVER_MDNS_ENABLE", "off")
	cfg, _, err = parseFlags(nil, io.Discard)
	require.NoError(t, err)
	assert.False(t, cfg.mdnsEnable)
}
