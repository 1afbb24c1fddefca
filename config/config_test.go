package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabula-io/tabula/config"
)

func write(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tabula.yml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "default", cfg.DefaultDatasource)
	assert.Equal(t, "mem", cfg.Datasources["default"].Driver)
	assert.Equal(t, "tenant_id", cfg.Tenancy.TenantField)
}

func TestLoadFile(t *testing.T) {
	path := write(t, `
server:
  addr: ":9090"
  shutdown_timeout: 5s
log:
  level: debug
  format: console
metadata:
  dir: ./meta
default_datasource: main
datasources:
  main:
    driver: postgres
    dsn: postgres://localhost/tabula
  events:
    driver: mongo
    dsn: mongodb://localhost:27017
    database: tabula
tenancy:
  enabled: true
  strict: true
  exempt_objects: [settings]
cache:
  backend: redis
  addr: localhost:6379
  ttl: 30s
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout.Std())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "postgres", cfg.Datasources["main"].Driver)
	assert.Equal(t, "tabula", cfg.Datasources["events"].Database)
	assert.True(t, cfg.Tenancy.Strict)
	assert.Equal(t, []string{"settings"}, cfg.Tenancy.ExemptObjects)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL.Std())

	pc := cfg.Tenancy.PluginConfig()
	assert.True(t, pc.Strict)
	assert.Equal(t, []string{"settings"}, pc.ExemptObjects)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TABULA_ADDR", ":7070")
	t.Setenv("TABULA_LOG_LEVEL", "warn")
	t.Setenv("TABULA_TENANCY_ENABLED", "true")
	t.Setenv("TABULA_EXEMPT_OBJECTS", "settings, audit_logs")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Tenancy.Enabled)
	assert.Equal(t, []string{"settings", "audit_logs"}, cfg.Tenancy.ExemptObjects)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "UnknownDriver",
			doc: `
default_datasource: main
datasources:
  main:
    driver: cassandra
    dsn: whatever
`,
		},
		{
			name: "MissingDSN",
			doc: `
default_datasource: main
datasources:
  main:
    driver: postgres
`,
		},
		{
			name: "UndeclaredDefault",
			doc: `
default_datasource: missing
datasources:
  main:
    driver: mem
`,
		},
		{
			name: "BadLogLevel",
			doc: `
log:
  level: loud
`,
		},
		{
			name: "UnknownKey",
			doc: `
serverr:
  addr: ":8080"
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(write(t, tt.doc))
			assert.Error(t, err)
		})
	}
}
