package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBranch               = "main"
	DefaultInterval             = 300 * time.Second
	DefaultNetworkTimeout       = 30 * time.Second
	DefaultMaxBackups           = 20
	DefaultMaxReconcileAttempts = 3
	DefaultBaseURL              = "http://127.0.0.1:8000"
	DefaultAuthorName           = "AutoSync Daemon"
	DefaultAuthorEmail          = "autosync@localhost"
	DefaultAPIURL               = "https://api.github.com/"
)

// DefaultArtifactPatterns match files that only carry patches for other files.
var DefaultArtifactPatterns = []string{"**.patch", "**.diff"}

// Config represents the complete autosyncd configuration
type Config struct {
	Repo   RepoConfig   `yaml:"repo"`
	Paths  PathsConfig  `yaml:"paths"`
	Sync   SyncConfig   `yaml:"sync"`
	Backup BackupConfig `yaml:"backup"`
	Auth   AuthConfig   `yaml:"auth"`
	Commit CommitConfig `yaml:"commit"`
	Serve  ServeConfig  `yaml:"serve"`
}

// RepoConfig identifies the hosted repository and the tracked branch
type RepoConfig struct {
	Name   string `yaml:"name"` // owner/name
	Branch string `yaml:"branch"`
	URL    string `yaml:"url"`
	APIURL string `yaml:"api_url"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	WorkDir  string `yaml:"work_dir"`
	StateDir string `yaml:"state_dir"`
}

// SyncConfig configures cycle behavior
type SyncConfig struct {
	Interval             time.Duration `yaml:"interval"`
	AutoPush             bool          `yaml:"auto_push"`
	Cleanup              *bool         `yaml:"cleanup"`
	ArtifactPatterns     []string      `yaml:"artifact_patterns"`
	MaxReconcileAttempts int           `yaml:"max_reconcile_attempts"`
	NetworkTimeout       time.Duration `yaml:"network_timeout"`
	StartCommit          string        `yaml:"start_commit"`
}

// BackupConfig configures snapshot retention
type BackupConfig struct {
	MaxBackups int `yaml:"max_backups"`
}

// AuthConfig configures remote authentication
type AuthConfig struct {
	Token      string `yaml:"token"`
	TokenFile  string `yaml:"token_file"`
	SSHKeyFile string `yaml:"ssh_key_file"`
}

// CommitConfig configures the identity used for automated commits
type CommitConfig struct {
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// ServeConfig configures the loopback trigger and webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	BaseURL                 string   `yaml:"base_url"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Load reads and parses the configuration file, then applies the environment overlay
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	return finish(&cfg, os.LookupEnv)
}

// LoadOrEnv behaves like Load but accepts a missing file when the
// environment alone describes a usable configuration.
func LoadOrEnv(path string) (*Config, error) {
	if _, err := os.Stat(os.ExpandEnv(path)); err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "failed to stat config file")
		}
		cfg, envErr := finish(&Config{}, os.LookupEnv)
		if envErr != nil {
			return nil, errors.Wrapf(envErr, "config file %s not found and environment is incomplete", path)
		}
		return cfg, nil
	}
	return Load(path)
}

func finish(cfg *Config, lookup func(string) (string, bool)) (*Config, error) {
	cfg.expandEnv()

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.Name = os.ExpandEnv(c.Repo.Name)
	c.Repo.Branch = os.ExpandEnv(c.Repo.Branch)
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.APIURL = os.ExpandEnv(c.Repo.APIURL)
	c.Paths.WorkDir = os.ExpandEnv(c.Paths.WorkDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Auth.TokenFile = os.ExpandEnv(c.Auth.TokenFile)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Serve.BaseURL = os.ExpandEnv(c.Serve.BaseURL)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Branch == "" {
		c.Repo.Branch = DefaultBranch
	}
	if c.Repo.URL == "" && c.Repo.Name != "" {
		c.Repo.URL = "https://github.com/" + c.Repo.Name + ".git"
	}
	if c.Repo.APIURL == "" {
		c.Repo.APIURL = DefaultAPIURL
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = DefaultInterval
	}
	if c.Sync.Cleanup == nil {
		enabled := true
		c.Sync.Cleanup = &enabled
	}
	if c.Sync.ArtifactPatterns == nil {
		c.Sync.ArtifactPatterns = append([]string(nil), DefaultArtifactPatterns...)
	}
	if c.Sync.MaxReconcileAttempts == 0 {
		c.Sync.MaxReconcileAttempts = DefaultMaxReconcileAttempts
	}
	if c.Sync.NetworkTimeout == 0 {
		c.Sync.NetworkTimeout = DefaultNetworkTimeout
	}
	if c.Backup.MaxBackups == 0 {
		c.Backup.MaxBackups = DefaultMaxBackups
	}
	if c.Commit.AuthorName == "" {
		c.Commit.AuthorName = DefaultAuthorName
	}
	if c.Commit.AuthorEmail == "" {
		c.Commit.AuthorEmail = DefaultAuthorEmail
	}
	if c.Serve.BaseURL == "" {
		c.Serve.BaseURL = DefaultBaseURL
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate repo config
	if c.Repo.Name == "" {
		return errors.New("repo.name is required")
	}
	if parts := strings.Split(c.Repo.Name, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return errors.Newf("repo.name must have the form owner/name: %s", c.Repo.Name)
	}
	if c.Repo.Branch == "" {
		return errors.New("repo.branch is required")
	}
	if _, err := url.Parse(c.Repo.APIURL); err != nil {
		return errors.Wrapf(err, "repo.api_url is not a valid URL")
	}

	// Validate paths
	if c.Paths.WorkDir == "" {
		return errors.New("paths.work_dir is required")
	}
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.WorkDir) {
		return errors.Newf("paths.work_dir must be an absolute path: %s", c.Paths.WorkDir)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return errors.Newf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}
	if isWithin(c.Paths.WorkDir, c.Paths.StateDir) {
		return errors.Newf("paths.state_dir must not be inside paths.work_dir: %s", c.Paths.StateDir)
	}

	// Validate sync settings
	if c.Sync.Interval < time.Second {
		return errors.Newf("sync.interval must be at least 1s (got %s)", c.Sync.Interval)
	}
	if c.Sync.MaxReconcileAttempts < 1 {
		return errors.Newf("sync.max_reconcile_attempts must be >= 1 (got %d)", c.Sync.MaxReconcileAttempts)
	}
	if c.Sync.NetworkTimeout <= 0 {
		return errors.Newf("sync.network_timeout must be positive (got %s)", c.Sync.NetworkTimeout)
	}
	if c.Backup.MaxBackups < 1 {
		return errors.Newf("backup.max_backups must be >= 1 (got %d)", c.Backup.MaxBackups)
	}

	// Validate auth: only one token source may be configured
	if c.Auth.Token != "" && c.Auth.TokenFile != "" {
		return errors.New("auth: only one of token or token_file may be set")
	}
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return errors.New("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		u, err := url.Parse(c.Serve.BaseURL)
		if err != nil || u.Host == "" {
			return errors.Newf("serve.base_url must be an absolute URL: %s", c.Serve.BaseURL)
		}
	}

	return nil
}

// Owner returns the repository owner part of repo.name
func (c *Config) Owner() string {
	owner, _, _ := strings.Cut(c.Repo.Name, "/")
	return owner
}

// RepoName returns the repository name part of repo.name
func (c *Config) RepoName() string {
	_, name, _ := strings.Cut(c.Repo.Name, "/")
	return name
}

// CleanupEnabled reports whether artifact files are removed after apply
func (c *Config) CleanupEnabled() bool {
	return c.Sync.Cleanup == nil || *c.Sync.Cleanup
}

// DatabasePath returns the path to the state database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "autosyncd.db")
}

// BackupDir returns the directory holding working-tree snapshots
func (c *Config) BackupDir() string {
	return filepath.Join(c.Paths.StateDir, "backups")
}

// LockPath returns the path of the working-tree lock file
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "autosyncd.lock")
}

// ResolveToken returns the configured API token, reading token_file if needed
func (c *Config) ResolveToken() (string, error) {
	if c.Auth.Token != "" {
		return c.Auth.Token, nil
	}
	if c.Auth.TokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Auth.TokenFile)
	if err != nil {
		return "", errors.Wrap(err, "failed to read token file")
	}
	return strings.TrimSpace(string(data)), nil
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}

// String summarizes the configuration without secrets
func (c *Config) String() string {
	return fmt.Sprintf("repo=%s branch=%s work_dir=%s interval=%s auto_push=%t",
		c.Repo.Name, c.Repo.Branch, c.Paths.WorkDir, c.Sync.Interval, c.Sync.AutoPush)
}

func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(child))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
