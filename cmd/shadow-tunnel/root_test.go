package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadow-tunnel/internal/config"
)

// resolveWith runs the CLI with args and returns the resolved config
// instead of starting a tunnel.
func resolveWith(t *testing.T, args ...string) (config.Config, error) {
	t.Helper()
	f := newCLIFlags()
	root := newRootCmd(f)

	var (
		got        config.Config
		resolveErr error
	)
	for _, sub := range root.Commands() {
		sub.RunE = func(cmd *cobra.Command, _ []string) error {
			got, resolveErr = resolveConfig(cmd, f)
			return nil
		}
	}
	root.SetArgs(args)
	root.SetOut(new(nopWriter))
	root.SetErr(new(nopWriter))
	require.NoError(t, root.Execute())
	return got, resolveErr
}

type nopWriter struct{}

func (*nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnel.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_port = 7000
password = "from-file"
remote_host = "203.0.113.5"
remote_port = 8388
idle_timeout = "1m"
`), 0o600))

	cfg, err := resolveWith(t, "client", "--config", path, "-l", "9000", "-p", "9999", "--mode", "task")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.ListenPort, "flag wins")
	assert.Equal(t, 9999, cfg.RemotePort, "flag wins")
	assert.Equal(t, config.ModeTask, cfg.Mode)
	assert.Equal(t, "from-file", cfg.Password, "file value kept when flag is absent")
	assert.Equal(t, "203.0.113.5", cfg.RemoteHost)
	assert.Equal(t, time.Minute, cfg.IdleTimeout)
	require.NoError(t, cfg.Validate(config.RoleClient))
}

func TestDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := resolveWith(t, "server", "-c", "secret")
	require.NoError(t, err)

	assert.Equal(t, 3107, cfg.ListenPort)
	assert.Equal(t, "aes-256-cfb", cfg.Method)
	assert.Equal(t, config.ModeReactor, cfg.Mode)
	assert.Equal(t, "secret", cfg.Password)
	require.NoError(t, cfg.Validate(config.RoleServer))
}

func TestMissingConfigFile(t *testing.T) {
	_, err := resolveWith(t, "server", "--config", filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestBuildRole(t *testing.T) {
	cfg := config.Default()
	cfg.RemoteHost = "tunnel.example.com"
	cfg.RemotePort = 8388

	client, err := buildRole(config.RoleClient, cfg)
	require.NoError(t, err)
	assert.Equal(t, "client", client.Name())

	server, err := buildRole(config.RoleServer, cfg)
	require.NoError(t, err)
	assert.Equal(t, "server", server.Name())
}
