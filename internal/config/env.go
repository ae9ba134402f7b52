package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Environment variables understood by the overlay. They take precedence
// over values from the config file.
const (
	EnvRepo        = "GITHUB_REPO"
	EnvToken       = "GITHUB_TOKEN"
	EnvBranch      = "REPO_BRANCH"
	EnvBaseURL     = "BASE_URL"
	EnvInterval    = "REPO_SYNC_INTERVAL_SEC"
	EnvAutoPush    = "AUTO_PUSH"
	EnvCleanup     = "CLEANUP_ENABLED"
	EnvMaxBackups  = "MAX_BACKUPS"
	EnvWorkDir     = "AUTOSYNC_WORK_DIR"
	EnvStateDir    = "AUTOSYNC_STATE_DIR"
	EnvStartCommit = "AUTOSYNC_START_COMMIT"
)

// applyEnv overlays environment variables onto the config
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str(EnvRepo, &c.Repo.Name)
	str(EnvBranch, &c.Repo.Branch)
	str(EnvBaseURL, &c.Serve.BaseURL)
	str(EnvWorkDir, &c.Paths.WorkDir)
	str(EnvStateDir, &c.Paths.StateDir)
	str(EnvStartCommit, &c.Sync.StartCommit)

	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Auth.Token = v
		c.Auth.TokenFile = ""
	}

	if v, ok := lookup(EnvInterval); ok && v != "" {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "invalid %s %q", EnvInterval, v)
		}
		c.Sync.Interval = time.Duration(secs) * time.Second
	}

	if v, ok := lookup(EnvAutoPush); ok && v != "" {
		c.Sync.AutoPush = parseBool(v)
	}

	if v, ok := lookup(EnvCleanup); ok && v != "" {
		enabled := parseBool(v)
		c.Sync.Cleanup = &enabled
	}

	if v, ok := lookup(EnvMaxBackups); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "invalid %s %q", EnvMaxBackups, v)
		}
		c.Backup.MaxBackups = n
	}

	return nil
}

// parseBool accepts the usual shell spellings of true; anything else is false.
func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
