package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	origDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
}

func isolateHome(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
}

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NotNil(t, cfg)
	assert.Equal(t, "ndjson", cfg.Format)
	assert.False(t, cfg.Quiet)
	assert.False(t, cfg.Verbose)
	assert.Equal(t, "ws://127.0.0.1:8765/trace", cfg.Hub.URL)
	assert.Equal(t, []string{"QueryBegin", "QueryEnd", "Error"}, cfg.Trace.Events)
	assert.Equal(t, 30, cfg.Trace.StartTimeout)
	assert.Equal(t, 3*time.Second, cfg.Trace.StopTimeout)
	assert.Equal(t, 10*time.Second, cfg.Engine.LockTimeout)
}

func TestLoad(t *testing.T) {
	t.Run("returns defaults when no config file exists", func(t *testing.T) {
		isolateHome(t)
		chdir(t, t.TempDir())

		cfg, err := Load()
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "ndjson", cfg.Format)
		assert.Equal(t, 30, cfg.Trace.StartTimeout)
	})

	t.Run("reads .dxw.yaml from the working directory", func(t *testing.T) {
		isolateHome(t)
		dir := t.TempDir()
		chdir(t, dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".dxw.yaml"), []byte("format: text\ntrace:\n  start_timeout: 5\n"), 0644))

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "text", cfg.Format)
		assert.Equal(t, 5, cfg.Trace.StartTimeout)
		assert.Equal(t, 3*time.Second, cfg.Trace.StopTimeout)
	})

	t.Run("surfaces invalid config", func(t *testing.T) {
		isolateHome(t)
		dir := t.TempDir()
		chdir(t, dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".dxw.yaml"), []byte("format: [unterminated"), 0644))

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestLoadFromFile(t *testing.T) {
	t.Run("returns error for non-existent file", func(t *testing.T) {
		cfg, err := LoadFromFile("/nonexistent/path/config.yaml")
		assert.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("returns error for invalid YAML", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "bad.yaml")
		err := os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0644)
		require.NoError(t, err)

		cfg, err := LoadFromFile(configPath)
		assert.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("parses all config fields", func(t *testing.T) {
		tmpDir := t.TempDir()
		configContent := `
format: text
quiet: true
verbose: true
hub:
  url: ws://trace.example:9000/trace
  listen: 0.0.0.0:9000
trace:
  events:
    - QueryBegin
    - VertiPaqSEQueryEnd
  start_timeout: 12
  stop_timeout: 5s
  filter_current_session: true
engine:
  connection_string: "Data Source=model.db;Initial Catalog=main"
  lock_timeout: 2s
`
		configPath := filepath.Join(tmpDir, "dxw.yaml")
		err := os.WriteFile(configPath, []byte(configContent), 0644)
		require.NoError(t, err)

		cfg, err := LoadFromFile(configPath)
		require.NoError(t, err)

		assert.Equal(t, "text", cfg.Format)
		assert.True(t, cfg.Quiet)
		assert.True(t, cfg.Verbose)
		assert.Equal(t, "ws://trace.example:9000/trace", cfg.Hub.URL)
		assert.Equal(t, "0.0.0.0:9000", cfg.Hub.Listen)
		assert.Equal(t, []string{"QueryBegin", "VertiPaqSEQueryEnd"}, cfg.Trace.Events)
		assert.Equal(t, 12, cfg.Trace.StartTimeout)
		assert.Equal(t, 5*time.Second, cfg.Trace.StopTimeout)
		assert.True(t, cfg.Trace.FilterCurrentSession)
		assert.Equal(t, "Data Source=model.db;Initial Catalog=main", cfg.Engine.ConnectionString)
		assert.Equal(t, 2*time.Second, cfg.Engine.LockTimeout)
	})
}

func TestConfigEnvironmentVariables(t *testing.T) {
	isolateHome(t)
	chdir(t, t.TempDir())
	t.Setenv("DXW_FORMAT", "text")
	t.Setenv("DXW_HUB_URL", "ws://env:1/trace")
	t.Setenv("DXW_TRACE_START_TIMEOUT", "9")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, "ws://env:1/trace", cfg.Hub.URL)
	assert.Equal(t, 9, cfg.Trace.StartTimeout)
}

func TestFindConfigFile(t *testing.T) {
	t.Run("finds .dxw.yaml in current directory", func(t *testing.T) {
		isolateHome(t)
		tmpDir := t.TempDir()
		chdir(t, tmpDir)

		configPath := filepath.Join(tmpDir, ".dxw.yaml")
		err := os.WriteFile(configPath, []byte("format: text"), 0644)
		require.NoError(t, err)

		found := findConfigFile()
		// Resolve symlinks for comparison (macOS /var -> /private/var)
		expectedPath, _ := filepath.EvalSymlinks(configPath)
		foundPath, _ := filepath.EvalSymlinks(found)
		assert.Equal(t, expectedPath, foundPath)
	})

	t.Run("prefers .dxw.yaml over .dxw.yml", func(t *testing.T) {
		isolateHome(t)
		tmpDir := t.TempDir()
		chdir(t, tmpDir)

		yamlPath := filepath.Join(tmpDir, ".dxw.yaml")
		ymlPath := filepath.Join(tmpDir, ".dxw.yml")
		require.NoError(t, os.WriteFile(yamlPath, []byte("format: yaml"), 0644))
		require.NoError(t, os.WriteFile(ymlPath, []byte("format: yml"), 0644))

		found := findConfigFile()
		expectedPath, _ := filepath.EvalSymlinks(yamlPath)
		foundPath, _ := filepath.EvalSymlinks(found)
		assert.Equal(t, expectedPath, foundPath)
	})

	t.Run("finds .dxwrc in home", func(t *testing.T) {
		isolateHome(t)
		chdir(t, t.TempDir())
		rc := filepath.Join(os.Getenv("HOME"), ".dxwrc")
		require.NoError(t, os.WriteFile(rc, []byte("format: text"), 0644))

		found := findConfigFile()
		expectedPath, _ := filepath.EvalSymlinks(rc)
		foundPath, _ := filepath.EvalSymlinks(found)
		assert.Equal(t, expectedPath, foundPath)
	})

	t.Run("returns empty string when no config found", func(t *testing.T) {
		isolateHome(t)
		chdir(t, t.TempDir())

		assert.Empty(t, findConfigFile())
	})
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Run("overrides format from env", func(t *testing.T) {
		cfg := Default()
		t.Setenv("DXW_FORMAT", "text")

		applyEnvOverrides(cfg)
		assert.Equal(t, "text", cfg.Format)
	})

	t.Run("overrides quiet from env with 1", func(t *testing.T) {
		cfg := Default()
		t.Setenv("DXW_QUIET", "1")

		applyEnvOverrides(cfg)
		assert.True(t, cfg.Quiet)
	})

	t.Run("does not override quiet with other values", func(t *testing.T) {
		cfg := Default()
		t.Setenv("DXW_QUIET", "yes")

		applyEnvOverrides(cfg)
		assert.False(t, cfg.Quiet)
	})

	t.Run("splits event list", func(t *testing.T) {
		cfg := Default()
		t.Setenv("DXW_EVENTS", "QueryEnd,Error")

		applyEnvOverrides(cfg)
		assert.Equal(t, []string{"QueryEnd", "Error"}, cfg.Trace.Events)
	})
}
