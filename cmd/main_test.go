package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"callsync/internal/configuration"
	"callsync/internal/election"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string) {
	t.Helper()
	base := `
app:
  log-level: "debug"
  node-id: "${TEST_NODE_ID}"
bus:
  tick-interval: 5
  ping-interval: 20
  queue-size: 16
  answer-timeout: 1000
election:
  suppress-max: 20
  announce-interval: 20
  listen-timeout: 200
replication:
  tick-interval: 5
  sync-interval: 10
  request-timeout: 1000
  action-queue-size: 64
transport:
  network: "tcp"
  address: "127.0.0.1"
  port: "0"
metrics:
  enabled: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "application.yml"), []byte(base), 0o644))
}

func TestConfigCommand_PrintsResolvedConfiguration(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)
	t.Setenv("TEST_NODE_ID", "alice")
	t.Setenv(configuration.ProfileEnv, "")

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config-dir", dir})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "node-id: alice")
	assert.Contains(t, out.String(), "sync-interval: 10")
}

func TestConfigCommand_FailsOnMissingDirectory(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "--config-dir", filepath.Join(t.TempDir(), "missing")})

	assert.ErrorIs(t, cmd.Execute(), configuration.ErrConfigNotFound)
}

func TestNode_SoloLeadsAndServesRequests(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)
	t.Setenv("TEST_NODE_ID", "solo")
	t.Setenv(configuration.ProfileEnv, "")

	props, err := configuration.Load(dir, "")
	require.NoError(t, err)

	node := NewNode(props)
	require.NoError(t, node.Start())
	assert.NotEmpty(t, node.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := node.Store.Status(context.Background())
		return err == nil && st.Election.State == election.Announce
	}, 2*time.Second, 10*time.Millisecond)

	applied, err := node.Store.RequestSetChecked(context.Background(), "k", "v", true)
	require.NoError(t, err)
	assert.True(t, applied)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
}
