package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "*.jar", cfg.Watcher.Pattern)
	require.Len(t, cfg.Decompiler.Engines, 1)
	assert.Equal(t, "cfr", cfg.Decompiler.Engines[0].Name)
	assert.Equal(t, 60*time.Second, cfg.Decompiler.Engines[0].TimeoutDuration())
	assert.Equal(t, "true", cfg.Decompiler.Engines[0].Options["decodelambdas"])
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 9090
database:
  type: mysql
  host: db.local
  db_name: jars
recovery:
  engines: [zkm]
decompiler:
  engines:
    - name: procyon
      command: java
      args: ["-jar", "procyon.jar", "{file}"]
      timeout: 10
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "release", cfg.Server.Mode, "unset keys keep defaults")
	assert.Equal(t, "mysql", cfg.Database.Type)
	assert.Equal(t, "db.local", cfg.Database.Host)
	assert.Equal(t, []string{"zkm"}, cfg.Recovery.Engines)
	require.Len(t, cfg.Decompiler.Engines, 1)
	assert.Equal(t, "procyon", cfg.Decompiler.Engines[0].Name)
	assert.Equal(t, []string{"-jar", "procyon.jar", "{file}"}, cfg.Decompiler.Engines[0].Args)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JARSCOPE_SERVER_PORT", "7070")
	t.Setenv("MYSQL_PASS", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LogConfig{Level: "warn", Format: "json"}, &buf)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	logger.Info("hidden")
	logger.WithField("archive", "a.jar").Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"archive":"a.jar"`)

	fallback := NewLogger(&LogConfig{Level: "nonsense"}, &buf)
	assert.Equal(t, logrus.InfoLevel, fallback.GetLevel())
}
