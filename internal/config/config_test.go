package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/jitseam/internal/aot"
	"github.com/tinyrange/jitseam/internal/codeheap"
	"github.com/tinyrange/jitseam/internal/dispatch"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, "native", c.Arch)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "text", c.Log.Format)
	assert.Equal(t, codeheap.DefaultChunkSize, c.Heap.ChunkSize)
	assert.True(t, c.AOTEnabled())
	assert.True(t, c.JITEnabled())
	assert.Equal(t, dispatch.DefaultCacheSize, c.Dispatch.CacheSize)
	assert.Equal(t, ":9464", c.Metrics.Addr)

	p, err := c.Stale()
	require.NoError(t, err)
	assert.Equal(t, aot.StaleSkip, p)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "jitseam.yaml", `
arch: arm64
log:
  level: debug
  format: json
aot:
  enabled: false
  cacheDir: /var/cache/jitseam
  stalePolicy: error
  sharing: true
dispatch:
  cacheSize: 16
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "arm64", c.Arch)
	assert.False(t, c.AOTEnabled())
	assert.True(t, c.JITEnabled())
	assert.Equal(t, "/var/cache/jitseam", c.AOT.CacheDir)
	assert.True(t, c.AOT.Sharing)
	assert.Equal(t, 16, c.Dispatch.CacheSize)

	level, err := c.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "jitseam.yaml", "log:\n  level: warn\n")
	t.Setenv("JITSEAM_LOG_LEVEL", "error")
	t.Setenv("JITSEAM_DISPATCH_CACHE_SIZE", "32")
	t.Setenv("JITSEAM_AOT_SHARING", "true")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", c.Log.Level)
	assert.Equal(t, 32, c.Dispatch.CacheSize)
	assert.True(t, c.AOT.Sharing)
}

func TestEnvFile(t *testing.T) {
	env := writeFile(t, ".env", "JITSEAM_AOT_STALE_POLICY=error\n")
	t.Cleanup(func() { os.Unsetenv("JITSEAM_AOT_STALE_POLICY") })

	c, err := Load("", env, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "error", c.AOT.StalePolicy)
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	for _, tt := range []struct{ name, value string }{
		{"JITSEAM_HEAP_CHUNK_SIZE", "big"},
		{"JITSEAM_JIT_ENABLED", "maybe"},
	} {
		var c Config
		err := c.applyEnv(func(k string) (string, bool) {
			if k == tt.name {
				return tt.value, true
			}
			return "", false
		})
		if err == nil || !strings.Contains(err.Error(), tt.name) {
			t.Fatalf("%s=%s: got %v", tt.name, tt.value, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
	}{
		{"arch", func(c *Config) { c.Arch = "mips" }},
		{"level", func(c *Config) { c.Log.Level = "loud" }},
		{"format", func(c *Config) { c.Log.Format = "xml" }},
		{"stale", func(c *Config) { c.AOT.StalePolicy = "retry" }},
		{"strategies", func(c *Config) {
			off := false
			c.AOT.Enabled, c.JIT.Enabled = &off, &off
		}},
	}
	for _, tt := range tests {
		c := Default()
		tt.edit(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tt.name)
		}
	}
}

func TestLoggerFormat(t *testing.T) {
	c := Default()
	c.Log.Format = "json"
	var buf bytes.Buffer
	logger, err := c.Logger(&buf)
	require.NoError(t, err)
	logger.Info("image loaded", "methods", 2)
	assert.Contains(t, buf.String(), `"msg":"image loaded"`)

	buf.Reset()
	logger.Debug("hidden")
	assert.Empty(t, buf.String())
}

func TestWriteRoundTrip(t *testing.T) {
	c := Default()
	c.AOT.CacheDir = "/tmp/aot"
	var buf bytes.Buffer
	require.NoError(t, c.Write(&buf))

	path := writeFile(t, "out.yaml", buf.String())
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, back)
}
