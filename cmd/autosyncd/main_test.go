package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/autosyncd/internal/config"
	"github.com/schaermu/autosyncd/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// clearEnv hides overlay variables the host may have set
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvRepo, config.EnvToken, config.EnvBranch, config.EnvBaseURL,
		config.EnvInterval, config.EnvAutoPush, config.EnvCleanup, config.EnvMaxBackups,
		config.EnvWorkDir, config.EnvStateDir, config.EnvStartCommit,
	} {
		t.Setenv(key, "")
	}
}

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
		enabled   slog.Level
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text", enabled: slog.LevelDebug},
		{name: "info/json", logLevel: "info", logFormat: "json", enabled: slog.LevelInfo},
		{name: "warn/text", logLevel: "warn", logFormat: "text", enabled: slog.LevelWarn},
		{name: "error/text", logLevel: "error", logFormat: "text", enabled: slog.LevelError},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text", enabled: slog.LevelInfo},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			require.NotNil(t, logger)
			assert.True(t, logger.Enabled(context.Background(), tc.enabled))
			assert.False(t, logger.Enabled(context.Background(), tc.enabled-1))
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	clearEnv(t)
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	tmpDir := t.TempDir()
	workDir := filepath.Join(tmpDir, "work")
	stateDir := filepath.Join(tmpDir, "state")

	configContent := []byte(`repo:
  name: "test/repo"
  branch: "main"
paths:
  work_dir: "` + workDir + `"
  state_dir: "` + stateDir + `"
sync:
  interval: 1m
  auto_push: true
`)
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, configContent, 0o600))

	cfgFile = cfgPath
	cfg, err := loadConfig(quietLogger())
	require.NoError(t, err)

	assert.Equal(t, "test/repo", cfg.Repo.Name)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.True(t, cfg.Sync.AutoPush)
	assert.Equal(t, filepath.Join(stateDir, "autosyncd.lock"), cfg.LockPath())
}

func TestLoadConfig_MissingFileUsesEnvironment(t *testing.T) {
	clearEnv(t)
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	tmpDir := t.TempDir()
	t.Setenv(config.EnvRepo, "test/repo")
	t.Setenv(config.EnvWorkDir, filepath.Join(tmpDir, "work"))
	t.Setenv(config.EnvStateDir, filepath.Join(tmpDir, "state"))

	cfgFile = filepath.Join(tmpDir, "nonexistent.yaml")
	cfg, err := loadConfig(quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "test/repo", cfg.Repo.Name)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	clearEnv(t)
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := loadConfig(quietLogger())
	assert.Error(t, err, "missing file and empty environment must fail")
}

func TestConfigPath_Default(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()
	cfgFile = ""

	home := t.TempDir()
	t.Setenv("HOME", home)

	path, err := configPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "autosyncd", "config.yaml"), path)
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	require.NotNil(t, ctx)

	cancel()

	<-ctx.Done()
	assert.Error(t, ctx.Err())
}

func TestRunTrigger(t *testing.T) {
	clearEnv(t)
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tmpDir := t.TempDir()
	t.Setenv(config.EnvRepo, "test/repo")
	t.Setenv(config.EnvWorkDir, filepath.Join(tmpDir, "work"))
	t.Setenv(config.EnvStateDir, filepath.Join(tmpDir, "state"))
	t.Setenv(config.EnvBaseURL, srv.URL+"/")
	cfgFile = filepath.Join(tmpDir, "nonexistent.yaml")

	triggerCmd.SetContext(context.Background())
	require.NoError(t, runTrigger(triggerCmd, nil))
	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/trigger", got.URL.Path)
}

func TestRunTrigger_Rejected(t *testing.T) {
	clearEnv(t)
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	tmpDir := t.TempDir()
	t.Setenv(config.EnvRepo, "test/repo")
	t.Setenv(config.EnvWorkDir, filepath.Join(tmpDir, "work"))
	t.Setenv(config.EnvStateDir, filepath.Join(tmpDir, "state"))
	t.Setenv(config.EnvBaseURL, srv.URL)
	cfgFile = filepath.Join(tmpDir, "nonexistent.yaml")

	triggerCmd.SetContext(context.Background())
	err := runTrigger(triggerCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestPrintStatus(t *testing.T) {
	cfg := &config.Config{
		Repo:   config.RepoConfig{Name: "test/repo", Branch: "main"},
		Backup: config.BackupConfig{MaxBackups: 5},
	}
	state := store.SyncState{Branch: "main", LastSynced: "c1", Applied: "c2"}
	records := []store.BackupRecord{
		{Sequence: 7, CreatedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), FileCount: 3, CycleID: "cycle-a"},
	}

	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, cfg, state, true, records))

	out := buf.String()
	assert.Contains(t, out, "last synced: c1")
	assert.Contains(t, out, "applied:     c2")
	assert.Contains(t, out, "publish:     pending")
	assert.Contains(t, out, "backups (1, max 5)")
	assert.Contains(t, out, "cycle-a")

	buf.Reset()
	require.NoError(t, printStatus(&buf, cfg, store.SyncState{}, false, nil))
	assert.Contains(t, buf.String(), "not seeded")
}

func TestRunStatus_ReadsStore(t *testing.T) {
	clearEnv(t)
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	tmpDir := t.TempDir()
	t.Setenv(config.EnvRepo, "test/repo")
	t.Setenv(config.EnvWorkDir, filepath.Join(tmpDir, "work"))
	t.Setenv(config.EnvStateDir, filepath.Join(tmpDir, "state"))
	cfgFile = filepath.Join(tmpDir, "nonexistent.yaml")

	st, err := store.Open(filepath.Join(tmpDir, "state", "autosyncd.db"))
	require.NoError(t, err)
	require.NoError(t, st.SaveState(store.SyncState{Branch: "main", LastSynced: "abc", Applied: "abc"}))
	require.NoError(t, st.Close())

	statusCmd.SetContext(context.Background())
	assert.NoError(t, runStatus(statusCmd, nil))
}

func TestVersionCmd(t *testing.T) {
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}
