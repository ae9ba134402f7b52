package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/schaermu/autosyncd/internal/config"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Reseed flags
	reseedCommit string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "autosyncd",
	Short: "Keep a working tree and a hosted branch in sync",
	Long: `autosyncd keeps a local working tree and a branch of a hosted Git repository
synchronized in both directions without supervision.

Remote changes are fetched as patches and applied atomically, with a snapshot
of the tree taken first and restored on any failure. Local edits are committed
and pushed back to the branch.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run starts the scheduler, which performs a cycle immediately and then once per
sync interval, with at most one cycle in flight. When serving is enabled it also
exposes the loopback trigger endpoint, health, metrics and the optional GitHub
webhook on serve.base_url.

The daemon stops on SIGINT or SIGTERM after the in-flight cycle completes.`,
	RunE: runDaemon,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a single sync cycle",
	Long: `Sync runs one cycle against the persisted state and exits. The exit status is
non-zero when the cycle failed.`,
	RunE: runSync,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Ask a running daemon to start a cycle now",
	RunE:  runTrigger,
}

var reseedCmd = &cobra.Command{
	Use:   "reseed",
	Short: "Reset the working tree and the last synced commit",
	Long: `Reseed moves the working tree and the persisted state to the current remote
head, or to the commit given with --commit. Use it after the remote history was
rewritten.

Tracked files are checked out at that commit; untracked files are kept. A
snapshot of the tree is taken first and shows up in the status output.`,
	RunE: runReseed,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted state and live backups",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("autosyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/autosyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	reseedCmd.Flags().StringVar(&reseedCommit, "commit", "", "commit to reseed to (default is the remote head)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(reseedCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get user home directory")
	}
	return fmt.Sprintf("%s/.config/autosyncd/config.yaml", home), nil
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	logger.Info("loading configuration", "path", path)

	cfg, err := config.LoadOrEnv(path)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.Name,
		"branch", cfg.Repo.Branch,
		"work_dir", cfg.Paths.WorkDir,
		"state_dir", cfg.Paths.StateDir,
		"interval", cfg.Sync.Interval,
		"auto_push", cfg.Sync.AutoPush)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
