package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/rediscore/internal/core/connection"
	"github.com/zeusync/rediscore/internal/core/protocol/resptest"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func newServer(t *testing.T) *resptest.Server {
	t.Helper()
	srv, err := resptest.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func TestProbe_PingsServer(t *testing.T) {
	srv := newServer(t)

	out, err := execute(t,
		"--addr", srv.Host(),
		"--port", strconv.Itoa(srv.Port()),
		"--count", "3",
		"--log-level", "silent")
	require.NoError(t, err)

	assert.Contains(t, out, "connected to "+srv.Host())
	assert.Contains(t, out, "PONG seq=3")
	assert.Contains(t, out, "3 pings")
	assert.Contains(t, out, "heartbeat heartbeat-")
	assert.Equal(t, 3, srv.Count("PING"))
}

func TestProbe_AsyncWithDatabase(t *testing.T) {
	srv := newServer(t)

	out, err := execute(t,
		"--addr", srv.Host(),
		"--port", strconv.Itoa(srv.Port()),
		"--db", "2",
		"--async",
		"--heartbeat", "0",
		"--count", "2",
		"--log-level", "silent")
	require.NoError(t, err)

	assert.Contains(t, out, "(async)")
	assert.NotContains(t, out, "heartbeat ")
	assert.Equal(t, []string{"SELECT 2", "PING", "PING"}, srv.Commands())
}

func TestProbe_ConfigFileWithFlagOverride(t *testing.T) {
	srv := newServer(t)
	path := filepath.Join(t.TempDir(), "probe.yaml")
	doc := "connection:\n  address: " + srv.Host() + "\n  port: 1\n  heartbeat: 0s\nlog_level: silent\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := execute(t, "--config", path, "--port", strconv.Itoa(srv.Port()), "--count", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Count("PING"))
}

func TestProbe_RejectsInvalidInput(t *testing.T) {
	_, err := execute(t, "--port", "70000", "--log-level", "silent")
	require.Error(t, err)
	assert.True(t, connection.IsConfigError(err))

	_, err = execute(t, "--count", "0")
	assert.Error(t, err)

	_, err = execute(t, "unexpected")
	assert.Error(t, err)
}
