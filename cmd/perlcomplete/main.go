package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehackedyou/perlcomplete"
)

// Set at build time
var version = "dev"

// cliOptions holds the persistent flags shared by every subcommand.
type cliOptions struct {
	configPath string
	logLevel   string
	serverURL  string
	noRestart  bool
	roots      []string
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "perlcomplete:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:   "perlcomplete",
		Short: "Client for the PerlParser completion server",
		Long: `Talks to a running PerlParser server: completions, usages, declarations
and project indexing. The server is started when it cannot be reached
unless --no-restart is given or auto_restart is off in the config.

Positions are 1-based line and column numbers.

Files:
  $XDG_CONFIG_HOME/perlcomplete/config.toml   Configuration (written on first run)`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Config file path (default: user config dir)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error) - overrides config")
	pf.StringVar(&opts.serverURL, "server-url", "", "PerlParser endpoint - overrides config")
	pf.BoolVar(&opts.noRestart, "no-restart", false, "Never start the server")
	pf.StringArrayVar(&opts.roots, "root", nil, "Project root (repeatable, default: current directory)")
	pf.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Overall timeout for a command")

	rootCmd.AddCommand(
		newPingCmd(opts),
		newStartCmd(opts),
		newCompleteCmd(opts),
		newUsagesCmd(opts),
		newDeclarationCmd(opts),
		newIndexCmd(opts),
		newBridgeCmd(opts),
	)
	return rootCmd
}

// loadConfig resolves the effective config: file, then flag overrides.
// Config warnings are logged and do not stop the command.
func (o *cliOptions) loadConfig(tempLogger *slog.Logger) (perlcomplete.Config, error) {
	var cfg perlcomplete.Config
	var err error
	if o.configPath != "" {
		cfg, err = perlcomplete.LoadConfigFile(o.configPath, tempLogger)
	} else {
		cfg, err = perlcomplete.LoadConfig(tempLogger)
	}
	if err != nil {
		if !errors.Is(err, perlcomplete.ErrConfig) {
			return cfg, err
		}
		tempLogger.Warn("Continuing with configuration warnings", "error", err)
	}

	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.serverURL != "" {
		cfg.ServerURL = o.serverURL
	}
	if o.noRestart {
		cfg.AutoRestart = false
	}
	if err := cfg.Validate(tempLogger); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setup loads config, builds the final logger and opens a session reporting to host.
func (o *cliOptions) setup(host perlcomplete.Host) (*perlcomplete.Session, *slog.Logger, error) {
	tempLogger := perlcomplete.NewLogger(os.Stderr, slog.LevelInfo, "perlcomplete")
	cfg, err := o.loadConfig(tempLogger)
	if err != nil {
		return nil, nil, err
	}

	logLevel, parseErr := perlcomplete.ParseLogLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = slog.LevelInfo
	}
	logger := perlcomplete.NewLogger(os.Stderr, logLevel, "perlcomplete")
	slog.SetDefault(logger)

	roots := o.roots
	if len(roots) == 0 {
		if wd, err := os.Getwd(); err == nil {
			roots = []string{wd}
		}
	}
	cfg.WatchProject = false // One-shot commands never watch.
	sess, err := perlcomplete.NewSession(cfg, perlcomplete.SessionOptions{Host: host, Roots: roots}, logger)
	if err != nil {
		return nil, nil, err
	}
	return sess, logger, nil
}

func (o *cliOptions) commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), o.timeout)
}

// positionArgs parses FILE LINE COL and reads the file as the buffer.
func positionArgs(args []string) (perlcomplete.Buffer, error) {
	line, err := strconv.Atoi(args[1])
	if err != nil || line <= 0 {
		return perlcomplete.Buffer{}, fmt.Errorf("invalid line %q: must be a positive integer", args[1])
	}
	col, err := strconv.Atoi(args[2])
	if err != nil || col <= 0 {
		return perlcomplete.Buffer{}, fmt.Errorf("invalid column %q: must be a positive integer", args[2])
	}
	path, err := absPath(args[0])
	if err != nil {
		return perlcomplete.Buffer{}, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return perlcomplete.Buffer{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return perlcomplete.Buffer{Path: path, Contents: contents, Line: line, Col: col}, nil
}
