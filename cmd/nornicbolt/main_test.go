package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/orneryd/nornicbolt/pkg/audit"
	"github.com/orneryd/nornicbolt/pkg/config"
	"github.com/orneryd/nornicbolt/pkg/storage"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestVersion(t *testing.T) {
	assert.Contains(t, execute(t, "version"), "NornicBolt v"+version)
}

func TestInit_WritesLoadableConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	out := execute(t, "init", "--data-dir", dir)
	assert.Contains(t, out, "nornicbolt.yaml")

	path := filepath.Join(dir, "nornicbolt.yaml")
	_, err := os.Stat(path)
	require.NoError(t, err)

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Database.Engine)
	assert.Equal(t, dir, cfg.Database.DataDir)
	assert.Equal(t, 7687, cfg.Bolt.Port)
}

func TestOpenStore(t *testing.T) {
	s, err := openStore(config.DatabaseConfig{Engine: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, s)
	require.NoError(t, s.Close())

	s, err = openStore(config.DatabaseConfig{Engine: "badger", InMemory: true}, nil)
	require.NoError(t, err)
	assert.IsType(t, &storage.BadgerStore{}, s)
	require.NoError(t, s.Close())
}

func TestNewAuthenticator_CreatesInitialAdmin(t *testing.T) {
	cfg := config.LoadDefaults().Auth
	cfg.Enabled = true
	cfg.BcryptCost = bcrypt.MinCost
	cfg.InitialUsername = "admin"
	cfg.InitialPassword = "admin-password"

	a, err := newAuthenticator(cfg, nil)
	require.NoError(t, err)
	result, err := a.Authenticate(map[string]any{"scheme": "basic", "principal": "admin", "credentials": "admin-password"})
	require.NoError(t, err)
	assert.Equal(t, "admin", result.LoginContext.Username)
}

func TestAudit_PrintsMatchingEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	trail, err := audit.NewLogger(config.AuditConfig{Enabled: true, Path: path})
	require.NoError(t, err)
	require.NoError(t, trail.LogAuth(audit.EventLogin, "alice", "", true, ""))
	require.NoError(t, trail.LogAuth(audit.EventLoginFailed, "mallory", "", false, "invalid credentials"))
	require.NoError(t, trail.Close())

	out := execute(t, "audit", path, "--type", "login_failed")
	assert.Contains(t, out, "mallory")
	assert.Contains(t, out, "invalid credentials")
	assert.NotContains(t, out, "alice")
	assert.Contains(t, out, "1 events")
}
