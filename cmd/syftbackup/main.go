package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/syftbackup/internal/backup"
	"github.com/openmined/syftbackup/internal/config"
	"github.com/openmined/syftbackup/internal/remote"
	"github.com/openmined/syftbackup/internal/utils"
	"github.com/openmined/syftbackup/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "SYFTBACKUP"

var red = color.New(color.FgHiRed, color.Bold).SprintFunc()

// flags that map onto config.Config; also the keys accepted in the config file
var configKeys = []string{
	"source",
	"dest",
	"exclude",
	"include",
	"sneakernet-device",
	"sneakernet-threshold",
	"sneakernet-mount-root",
	"state-dir",
	"ssh-port",
	"ssh-key",
	"known-hosts",
	"s3-endpoint",
	"s3-region",
	"jobs",
	"dry-run",
	"log-file",
	"verbose",
}

var logLevel = new(slog.LevelVar)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "syftbackup",
		Short: "Incremental, deduplicating backup to a content-addressed archive",
		Long: `syftbackup copies the files of a source tree that the archive does not have yet,
addressed by content hash, and records a manifest of the whole tree for every run.
When a run would upload more than the sneakernet threshold the files are staged onto
removable media instead.`,
		Version:       version.Detailed(),
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE:          runBackup,
	}

	flags := cmd.Flags()
	flags.SortFlags = false
	flags.StringP("source", "s", "", "Directory to back up")
	flags.StringP("dest", "d", "", "Archive location: user@host:path, s3://bucket/prefix or a local path")
	flags.StringArrayP("exclude", "x", nil, "Glob of paths to skip (repeatable)")
	flags.StringArrayP("include", "i", nil, "Glob of paths to keep even if excluded (repeatable)")
	flags.String("sneakernet-device", "", "Filesystem UUID, label or path of the removable device")
	flags.String("sneakernet-threshold", "", "Stage to the device when the upload reaches this size (e.g. 50G)")
	flags.String("sneakernet-mount-root", config.DefaultMountRoot, "Directory under which the device is mounted")
	flags.String("state-dir", config.DefaultStateDir, "Local directory for caches and locks")
	flags.Int("ssh-port", config.DefaultSSHPort, "SSH port of the destination host")
	flags.String("ssh-key", "", "SSH private key (default: agent and ~/.ssh/id_*)")
	flags.String("known-hosts", config.DefaultKnownHosts, "SSH known_hosts file")
	flags.String("s3-endpoint", "", "Custom S3 endpoint URL")
	flags.String("s3-region", "", "S3 region")
	flags.IntP("jobs", "j", config.DefaultJobs, "Parallel hashing and existence checks")
	flags.BoolP("dry-run", "n", false, "Plan the run without transferring anything")
	flags.String("log-file", "", "Also write logs to this file")
	flags.BoolP("verbose", "v", false, "Debug logging")
	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Config file")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, logFile, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts, err := cfg.Validate()
	if err != nil {
		return err
	}

	// all good now, errors from here on are not usage errors
	cmd.SilenceUsage = true

	if opts.Verbose {
		logLevel.Set(slog.LevelDebug)
	}
	if logFile != "" {
		closer, err := teeLogFile(logFile)
		if err != nil {
			return err
		}
		defer closer.Close()
	}

	slog.Info("starting backup", "version", version.Short(), "source", opts.Source, "destination", opts.Dest.String())

	// connect before touching the source tree so that auth problems surface early
	store, err := remote.Open(cmd.Context(), opts)
	if err != nil {
		return fmt.Errorf("connect %s: %w", opts.Dest.String(), err)
	}
	defer store.Close()

	summary, err := backup.New(opts, store).Run(cmd.Context())
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), opts, summary)
	return nil
}

// loadConfig merges flags, SYFTBACKUP_* environment variables and the config file,
// in that order of precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	flags := cmd.Flags()
	v := viper.New()

	configPath, _ := flags.GetString("config")
	if env := os.Getenv(envPrefix + "_CONFIG"); env != "" && !flags.Changed("config") {
		configPath = env
	}
	explicit := flags.Changed("config") || os.Getenv(envPrefix+"_CONFIG") != ""

	entries, err := readConfigFile(configPath)
	switch {
	case err == nil:
		if err := applyConfigFile(v, flags, entries); err != nil {
			return nil, "", fmt.Errorf("config file %s: %w", configPath, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// the default config file is optional
		configPath = ""
	default:
		return nil, "", err
	}

	for _, key := range configKeys {
		if err := v.BindPFlag(key, flags.Lookup(key)); err != nil {
			return nil, "", err
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := &config.Config{
		Path:                configPath,
		Source:              v.GetString("source"),
		Dest:                v.GetString("dest"),
		Excludes:            v.GetStringSlice("exclude"),
		Includes:            v.GetStringSlice("include"),
		SneakernetDevice:    v.GetString("sneakernet-device"),
		SneakernetThreshold: v.GetString("sneakernet-threshold"),
		SneakernetMountRoot: v.GetString("sneakernet-mount-root"),
		StateDir:            v.GetString("state-dir"),
		SSHPort:             v.GetInt("ssh-port"),
		SSHKeyFile:          v.GetString("ssh-key"),
		KnownHostsFile:      v.GetString("known-hosts"),
		S3Endpoint:          v.GetString("s3-endpoint"),
		S3Region:            v.GetString("s3-region"),
		Jobs:                v.GetInt("jobs"),
		DryRun:              v.GetBool("dry-run"),
		Verbose:             v.GetBool("verbose"),
	}
	return cfg, v.GetString("log-file"), nil
}

func newConsoleHandler(w *os.File) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      logLevel,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(w.Fd()),
	})
}

// teeLogFile sends logs to path in addition to the console
func teeLogFile(path string) (io.Closer, error) {
	path, err := utils.ResolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("log file: %w", err)
	}
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("log file %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(utils.NewTeeHandler(newConsoleHandler(os.Stderr), fileHandler)))
	return file, nil
}

func main() {
	slog.SetDefault(slog.New(newConsoleHandler(os.Stderr)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		stop()
		os.Exit(1)
	}
}
