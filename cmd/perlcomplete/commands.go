package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/spf13/cobra"

	"github.com/shehackedyou/perlcomplete"
)

// =============================================================================
// CLI Host
// =============================================================================

type usagesResult struct {
	report *perlcomplete.UsageReport
	text   string
}

// cliHost turns session callbacks into channel sends a command can wait on.
// Sends never block; a command waits for at most one result.
type cliHost struct {
	status  chan string
	requery chan struct{}
	usages  chan usagesResult
	decl    chan perlcomplete.Declaration
}

func newCLIHost() *cliHost {
	return &cliHost{
		status:  make(chan string, 8),
		requery: make(chan struct{}, 1),
		usages:  make(chan usagesResult, 1),
		decl:    make(chan perlcomplete.Declaration, 1),
	}
}

func (h *cliHost) Status(msg string) {
	select {
	case h.status <- msg:
	default:
	}
}

func (h *cliHost) RequeryCompletions() {
	select {
	case h.requery <- struct{}{}:
	default:
	}
}

func (h *cliHost) ShowUsages(report *perlcomplete.UsageReport, text string) {
	select {
	case h.usages <- usagesResult{report: report, text: text}:
	default:
	}
}

func (h *cliHost) GotoDeclaration(decl perlcomplete.Declaration) {
	select {
	case h.decl <- decl:
	default:
	}
}

// errStatus is returned when the session reports a status message instead of a result.
type errStatus string

func (e errStatus) Error() string { return strings.TrimPrefix(string(e), "PerlComplete: ") }

// waitFor blocks until ch yields, a status message arrives or ctx ends.
func waitFor[T any](ctx context.Context, h *cliHost, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case msg := <-h.status:
		return zero, errStatus(msg)
	case <-ctx.Done():
		return zero, fmt.Errorf("waiting for server: %w", ctx.Err())
	}
}

// openSession sets up a session and lists the project files once.
func (o *cliOptions) openSession(ctx context.Context, h *cliHost) (*perlcomplete.Session, *slog.Logger, error) {
	sess, logger, err := o.setup(h)
	if err != nil {
		return nil, nil, err
	}
	if _, err := sess.RefreshProjectFiles(ctx); err != nil {
		logger.Warn("Could not list project files", "error", err)
	}
	return sess, logger, nil
}

// =============================================================================
// Server Commands
// =============================================================================

func newPingCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Report whether the server answers, without starting it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.commandContext(cmd)
			defer cancel()
			sess, _, err := o.setup(perlcomplete.NopHost{})
			if err != nil {
				return err
			}
			defer sess.Close()

			if !sess.Ping(ctx) {
				fmt.Fprintln(cmd.OutOrStdout(), "unreachable")
				return fmt.Errorf("server at %s is not answering", sess.Config().ServerURL)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "alive")
			return nil
		},
	}
}

func newStartCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the server if it is not running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.commandContext(cmd)
			defer cancel()
			sess, _, err := o.setup(perlcomplete.NopHost{})
			if err != nil {
				return err
			}
			defer sess.Close()

			st := sess.EnsureServer(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), st)
			switch st {
			case perlcomplete.StatusAlive, perlcomplete.StatusStarted:
				return nil
			case perlcomplete.StatusRestartDisabled:
				return perlcomplete.ErrRestartDisabled
			default:
				return perlcomplete.ErrServerUnavailable
			}
		},
	}
}

func newIndexCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Send the project file list to the server for indexing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.commandContext(cmd)
			defer cancel()
			sess, logger, err := o.setup(perlcomplete.NopHost{})
			if err != nil {
				return err
			}
			defer sess.Close()

			files, err := sess.RefreshProjectFiles(ctx)
			if err != nil {
				return err
			}
			logger.Debug("Indexing project", "files", len(files))
			if err := perlcomplete.IndexProject(ctx, sess.Client(), files); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d project files\n", len(files))
			return nil
		},
	}
}

// =============================================================================
// Query Commands
// =============================================================================

func newCompleteCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "complete FILE LINE COL",
		Short: "Print completions at a position, one \"text<TAB>detail\" per line",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := positionArgs(args)
			if err != nil {
				return err
			}
			ctx, cancel := o.commandContext(cmd)
			defer cancel()
			h := newCLIHost()
			sess, _, err := o.openSession(ctx, h)
			if err != nil {
				return err
			}
			defer sess.Close()

			items, err := sess.QueryCompletions(buf)
			if err != nil {
				return err
			}
			if items == nil {
				if _, err := waitFor(ctx, h, h.requery); err != nil {
					return err
				}
				if items, err = sess.QueryCompletions(buf); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			for _, it := range items {
				fmt.Fprintf(out, "%s\t%s\n", it.Text, it.Detail)
			}
			return nil
		},
	}
}

func newUsagesCmd(o *cliOptions) *cobra.Command {
	var usePanel bool
	cmd := &cobra.Command{
		Use:   "usages FILE LINE COL",
		Short: "Print the usages of the symbol at a position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := positionArgs(args)
			if err != nil {
				return err
			}
			ctx, cancel := o.commandContext(cmd)
			defer cancel()
			h := newCLIHost()
			sess, _, err := o.openSession(ctx, h)
			if err != nil {
				return err
			}
			defer sess.Close()

			if _, err := sess.FindUsages(buf); err != nil {
				return err
			}
			res, err := waitFor(ctx, h, h.usages)
			if err != nil {
				return err
			}
			if !usePanel {
				fmt.Fprint(cmd.OutOrStdout(), res.text)
				return nil
			}
			screen, err := tcell.NewScreen()
			if err != nil {
				return fmt.Errorf("opening terminal: %w", err)
			}
			title := fmt.Sprintf("%d usages in %d files", res.report.HitCount(), len(res.report.Files))
			return runPanel(screen, title, res.text)
		},
	}
	cmd.Flags().BoolVar(&usePanel, "panel", false, "Show the report in a scrollable terminal panel")
	return cmd
}

func newDeclarationCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "declaration FILE LINE COL",
		Short: "Print where the symbol at a position is declared, as FILE:LINE:COL",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := positionArgs(args)
			if err != nil {
				return err
			}
			ctx, cancel := o.commandContext(cmd)
			defer cancel()
			h := newCLIHost()
			sess, _, err := o.openSession(ctx, h)
			if err != nil {
				return err
			}
			defer sess.Close()

			if _, err := sess.FindDeclaration(buf); err != nil {
				return err
			}
			decl, err := waitFor(ctx, h, h.decl)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%d:%d\n", decl.File, decl.Line, decl.Col)
			return nil
		},
	}
}

// =============================================================================
// Bridge Command
// =============================================================================

func newBridgeCmd(o *cliOptions) *cobra.Command {
	var logPath, debugAddr string
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve the editor bridge (JSON-RPC on stdin/stdout)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logWriter := io.Writer(os.Stderr)
			if logPath != "" {
				logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
				if err != nil {
					return fmt.Errorf("opening log file: %w", err)
				}
				defer logFile.Close()
				logWriter = io.MultiWriter(os.Stderr, logFile)
			}

			tempLogger := perlcomplete.NewLogger(logWriter, slog.LevelInfo, "perlcomplete-bridge")
			cfg, err := o.loadConfig(tempLogger)
			if err != nil {
				return err
			}
			logLevel, parseErr := perlcomplete.ParseLogLevel(cfg.LogLevel)
			if parseErr != nil {
				tempLogger.Warn("Invalid log level in config, using default 'info'", "config_level", cfg.LogLevel, "error", parseErr)
				logLevel = slog.LevelInfo
			}
			logger := perlcomplete.NewLogger(logWriter, logLevel, "perlcomplete-bridge")
			slog.SetDefault(logger)
			logger.Info("PerlComplete bridge starting...", "version", version, "log_level", logLevel.String(), "server_url", cfg.ServerURL)

			if debugAddr != "" {
				runtime.SetBlockProfileRate(1)
				runtime.SetMutexProfileFraction(1)
				startDebugServer(debugAddr, logger)
			}

			server := perlcomplete.NewServer(cfg, perlcomplete.SessionOptions{}, logger, version)
			server.Run(os.Stdin, os.Stdout)
			logger.Info("Bridge has shut down gracefully.")
			return nil
		},
	}
	cmd.Flags().StringVar(&logPath, "log", "", "Also append logs to this file")
	cmd.Flags().StringVar(&debugAddr, "debug-addr", "", "Serve pprof and expvar on this address (e.g. localhost:6061)")
	return cmd
}

// startDebugServer starts the HTTP server for pprof and expvar.
func startDebugServer(addr string, logger *slog.Logger) {
	go func() {
		logger.Info("Starting debug server for pprof/expvar", "addr", addr)
		debugMux := http.NewServeMux()
		debugMux.Handle("/debug/pprof/", http.DefaultServeMux)
		debugMux.Handle("/debug/vars", expvar.Handler())
		if err := http.ListenAndServe(addr, debugMux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Debug server failed", "error", err)
		}
	}()
}

func absPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", p, err)
	}
	return abs, nil
}
