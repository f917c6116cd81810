// perlcomplete/server_lifecycle.go
// Detects, (re)starts and waits for the PerlParser server process.
package perlcomplete

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// LifecycleStatus is the outcome of EnsureRunning.
type LifecycleStatus int

const (
	// StatusAlive means the server answered the first ping.
	StatusAlive LifecycleStatus = iota
	// StatusStarted means a fresh server was launched and answered before the deadline.
	StatusStarted
	// StatusUnreachable means a launch was attempted but the server never answered.
	StatusUnreachable
	// StatusRestartDisabled means the server is down and AutoRestart is off.
	StatusRestartDisabled
)

func (s LifecycleStatus) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusStarted:
		return "started"
	case StatusUnreachable:
		return "unreachable"
	case StatusRestartDisabled:
		return "restart-disabled"
	default:
		return fmt.Sprintf("LifecycleStatus(%d)", int(s))
	}
}

// LifecycleManager keeps exactly one PerlParser server reachable at the configured endpoint.
type LifecycleManager struct {
	transport    *httpTransport
	launcher     ProcessLauncher
	autoRestart  bool
	pingTimeout  time.Duration
	deadline     time.Duration
	pollInterval time.Duration
	logger       *slog.Logger

	group    singleflight.Group
	restarts atomic.Int64
	pings    atomic.Int64
}

// NewLifecycleManager creates a manager for cfg.ServerURL. A nil launcher
// defaults to an ExecLauncher built from cfg.
func NewLifecycleManager(cfg Config, launcher ProcessLauncher, logger *slog.Logger) (*LifecycleManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint, err := parseEndpoint(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	if launcher == nil {
		launcher = NewExecLauncher(cfg, logger)
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeoutMillis * time.Millisecond
	}
	return &LifecycleManager{
		transport:    newHTTPTransport(endpoint, nil),
		launcher:     launcher,
		autoRestart:  cfg.AutoRestart,
		pingTimeout:  pingTimeout,
		deadline:     startupDeadline,
		pollInterval: startupPollInterval,
		logger:       logger.With("component", "LifecycleManager", "endpoint", endpoint.String()),
	}, nil
}

// Ping reports whether anything answers HTTP at <endpoint>/ping.
// Any response, whatever its status or body, counts as alive.
func (m *LifecycleManager) Ping(ctx context.Context) bool {
	m.pings.Add(1)
	return m.transport.ping(ctx, m.pingTimeout) == nil
}

// Restarts returns how many times a server launch was attempted.
func (m *LifecycleManager) Restarts() int64 { return m.restarts.Load() }

// Pings returns how many pings were sent.
func (m *LifecycleManager) Pings() int64 { return m.pings.Load() }

// EnsureRunning pings the server and, if it is down, kills stray instances,
// launches a fresh one and waits up to one second for it to answer.
// Concurrent callers share a single check.
func (m *LifecycleManager) EnsureRunning(ctx context.Context) LifecycleStatus {
	ch := m.group.DoChan("ensure", func() (any, error) {
		// Detached from the first caller so its cancellation does not abort the others.
		return m.ensureRunning(context.WithoutCancel(ctx)), nil
	})
	select {
	case res := <-ch:
		return res.Val.(LifecycleStatus)
	case <-ctx.Done():
		return StatusUnreachable
	}
}

func (m *LifecycleManager) ensureRunning(ctx context.Context) LifecycleStatus {
	opLogger := m.logger.With("operation", "EnsureRunning")
	if m.Ping(ctx) {
		opLogger.Debug("Perl server is alive")
		return StatusAlive
	}
	if !m.autoRestart {
		opLogger.Warn("Perl server is not running and auto restart is disabled")
		return StatusRestartDisabled
	}

	m.restarts.Add(1)
	if err := m.launcher.KillAll(ctx); err != nil {
		// Usually "no process found"; not worth more than a debug line.
		opLogger.Debug("Killing stray perl server instances failed", "error", err)
	}
	if err := m.launcher.Launch(ctx); err != nil {
		opLogger.Error("Failed to launch perl server", "error", err)
		return StatusUnreachable
	}
	opLogger.Info("Launched perl server, waiting for it to answer", "deadline", m.deadline)

	deadline := time.Now().Add(m.deadline)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		if m.Ping(ctx) {
			opLogger.Info("Perl server is up")
			return StatusStarted
		}
		if !time.Now().Before(deadline) {
			opLogger.Warn("Perl server did not answer before the startup deadline")
			return StatusUnreachable
		}
		<-ticker.C
	}
}

// =============================================================================
// Process Launcher
// =============================================================================

// ExecLauncher starts the server as a detached child process and kills stray
// instances by image name.
type ExecLauncher struct {
	executable  string
	args        []string
	killCommand []string
	logger      *slog.Logger
}

// NewExecLauncher builds a launcher from cfg. When cfg.KillCommand is empty it
// defaults to "killall -9 <image>" (or taskkill on Windows).
func NewExecLauncher(cfg Config, logger *slog.Logger) *ExecLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	kill := cfg.KillCommand
	if len(kill) == 0 {
		kill = defaultKillCommand(cfg.ServerExecutable)
	}
	return &ExecLauncher{
		executable:  cfg.ServerExecutable,
		args:        cfg.ServerArgs,
		killCommand: kill,
		logger:      logger.With("component", "ExecLauncher"),
	}
}

func defaultKillCommand(executable string) []string {
	image := filepath.Base(executable)
	if runtime.GOOS == "windows" {
		if filepath.Ext(image) == "" {
			image += ".exe"
		}
		return []string{"taskkill", "/F", "/IM", image}
	}
	return []string{"killall", "-9", image}
}

// KillAll runs the kill command and waits for it.
func (l *ExecLauncher) KillAll(ctx context.Context) error {
	if len(l.killCommand) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, l.killCommand[0], l.killCommand[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", l.killCommand[0], err, string(out))
	}
	l.logger.Debug("Killed stray perl server instances", "command", l.killCommand)
	return nil
}

// Launch starts the server in its own session and does not wait for it.
func (l *ExecLauncher) Launch(_ context.Context) error {
	exe, err := exec.LookPath(l.executable)
	if err != nil {
		return fmt.Errorf("locating %s: %w", l.executable, err)
	}
	// Not tied to ctx: the server must outlive the request that started it.
	cmd := exec.Command(exe, l.args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if dir, err := os.UserHomeDir(); err == nil {
		cmd.Dir = dir
	}
	setDetachedProcess(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", exe, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		l.logger.Warn("Failed to release perl server process", "pid", pid, "error", err)
	}
	l.logger.Info("Started perl server", "path", exe, "pid", pid)
	return nil
}
