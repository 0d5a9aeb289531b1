package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NSIGNER_DATA_DIR", dir)

	cfg, err := Load(New(""))
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "vault.json"), cfg.Vault.Path)
	assert.Equal(t, filepath.Join(dir, "grants.json"), cfg.Permission.GrantsPath)
	assert.Equal(t, "unix:"+filepath.Join(dir, "nsigner.sock"), cfg.IPC.Address)
	assert.Equal(t, "127.0.0.1:7447", cfg.Control.Address)
	assert.Equal(t, time.Minute, cfg.Permission.RateWindow)
	assert.Equal(t, 10, cfg.Permission.MaxAutoApprovals)
	assert.Equal(t, 60*time.Second, cfg.Approval.Timeout)
	assert.Equal(t, 15*time.Minute, cfg.Security.LockAfter)
	assert.Equal(t, uint32(64*1024), cfg.Vault.KDFMemory)
	assert.Equal(t, "file", cfg.Permission.Store)
	assert.NotEmpty(t, cfg.Bunker.Relays)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
log:
  format: text
permission:
  rate_backend: redis
  max_auto_approvals: 3
approval:
  timeout: 5s
bunker:
  relays:
    - wss://one.example
    - wss://two.example
  secret: s3cret
`), 0600))

	cfg, err := Load(New(path))
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "redis", cfg.Permission.RateBackend)
	assert.Equal(t, 3, cfg.Permission.MaxAutoApprovals)
	assert.Equal(t, 5*time.Second, cfg.Approval.Timeout)
	assert.Equal(t, []string{"wss://one.example", "wss://two.example"}, cfg.Bunker.Relays)
	assert.Equal(t, "s3cret", cfg.Bunker.Secret)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NSIGNER_DATA_DIR", dir)
	t.Setenv("NSIGNER_CONTROL_ADDRESS", "127.0.0.1:9999")
	t.Setenv("NSIGNER_PERMISSION_MAX_AUTO_APPROVALS", "25")

	cfg, err := Load(New(""))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Control.Address)
	assert.Equal(t, 25, cfg.Permission.MaxAutoApprovals)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("permission:\n  store: sqlite\n"), 0600))

	_, err := Load(New(path))
	assert.ErrorContains(t, err, "permission.store")
}

func TestDatabaseConfig(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=d sslmode=disable", c.DSN())
	assert.Equal(t, "postgres://u:p@db:5432/d?sslmode=disable", c.URL())
	assert.Equal(t, "localhost:6379", RedisConfig{Host: "localhost", Port: 6379}.Addr())
}
