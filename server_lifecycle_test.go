// perlcomplete/server_lifecycle_test.go
package perlcomplete

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeLauncher brings up an HTTP server on addr after delay when launched.
type fakeLauncher struct {
	t         *testing.T
	addr      string
	delay     time.Duration
	handler   http.Handler
	launchErr error
	noop      bool

	kills    atomic.Int32
	launches atomic.Int32

	mu  sync.Mutex
	srv *httptest.Server
}

func (f *fakeLauncher) KillAll(context.Context) error {
	f.kills.Add(1)
	return errors.New("no process found")
}

func (f *fakeLauncher) Launch(context.Context) error {
	f.launches.Add(1)
	if f.launchErr != nil {
		return f.launchErr
	}
	if f.noop {
		return nil
	}
	start := func() {
		l, err := net.Listen("tcp", f.addr)
		if err != nil {
			f.t.Errorf("fake server listen on %s: %v", f.addr, err)
			return
		}
		srv := httptest.NewUnstartedServer(f.handler)
		srv.Listener.Close()
		srv.Listener = l
		srv.Start()
		f.mu.Lock()
		f.srv = srv
		f.mu.Unlock()
	}
	if f.delay == 0 {
		start()
	} else {
		time.AfterFunc(f.delay, start)
	}
	return nil
}

func (f *fakeLauncher) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.srv != nil {
		f.srv.Close()
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"body":null}`)
	})
}

func newTestLifecycle(t *testing.T, addr string, autoRestart bool, launcher ProcessLauncher) *LifecycleManager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServerURL = "http://" + addr + "/"
	cfg.AutoRestart = autoRestart
	cfg.PingTimeout = 200 * time.Millisecond
	m, err := NewLifecycleManager(cfg, launcher, discardLogger())
	if err != nil {
		t.Fatalf("NewLifecycleManager() error = %v", err)
	}
	return m
}

func TestEnsureRunning_AliveDoesNotLaunch(t *testing.T) {
	srv := httptest.NewServer(okHandler())
	defer srv.Close()
	launcher := &fakeLauncher{t: t}
	m := newTestLifecycle(t, srv.Listener.Addr().String(), true, launcher)

	if st := m.EnsureRunning(context.Background()); st != StatusAlive {
		t.Errorf("EnsureRunning() = %v, want alive", st)
	}
	if launcher.kills.Load() != 0 || launcher.launches.Load() != 0 || m.Restarts() != 0 {
		t.Errorf("kills = %d, launches = %d, restarts = %d; want all 0", launcher.kills.Load(), launcher.launches.Load(), m.Restarts())
	}
}

func TestPing_AnyResponseCountsAsAlive(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "not json at all")
	}))
	defer srv.Close()
	m := newTestLifecycle(t, srv.Listener.Addr().String(), false, &fakeLauncher{t: t})

	if !m.Ping(context.Background()) {
		t.Error("Ping() = false for a server answering 500, want true")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || paths[0] != "GET /ping" {
		t.Errorf("ping requests = %v, want [GET /ping]", paths)
	}
	if m.Pings() != 1 {
		t.Errorf("Pings() = %d, want 1", m.Pings())
	}
}

func TestEnsureRunning_StartsServer(t *testing.T) {
	addr := reserveAddr(t)
	launcher := &fakeLauncher{t: t, addr: addr, delay: 100 * time.Millisecond, handler: okHandler()}
	defer launcher.close()
	m := newTestLifecycle(t, addr, true, launcher)

	start := time.Now()
	if st := m.EnsureRunning(context.Background()); st != StatusStarted {
		t.Fatalf("EnsureRunning() = %v, want started", st)
	}
	if elapsed := time.Since(start); elapsed > startupDeadline {
		t.Errorf("EnsureRunning() took %v, want under %v", elapsed, startupDeadline)
	}
	if launcher.kills.Load() != 1 || launcher.launches.Load() != 1 || m.Restarts() != 1 {
		t.Errorf("kills = %d, launches = %d, restarts = %d; want 1 each", launcher.kills.Load(), launcher.launches.Load(), m.Restarts())
	}
	if !m.Ping(context.Background()) {
		t.Error("server not reachable after EnsureRunning")
	}
}

func TestEnsureRunning_GivesUpAfterDeadline(t *testing.T) {
	launcher := &fakeLauncher{t: t, noop: true}
	m := newTestLifecycle(t, reserveAddr(t), true, launcher)
	m.deadline = 150 * time.Millisecond

	start := time.Now()
	if st := m.EnsureRunning(context.Background()); st != StatusUnreachable {
		t.Errorf("EnsureRunning() = %v, want unreachable", st)
	}
	if elapsed := time.Since(start); elapsed < m.deadline {
		t.Errorf("EnsureRunning() returned after %v, before the %v deadline", elapsed, m.deadline)
	}
	// Initial ping plus at least one poll.
	if m.Pings() < 2 {
		t.Errorf("Pings() = %d, want at least 2", m.Pings())
	}
}

func TestEnsureRunning_LaunchFailure(t *testing.T) {
	launcher := &fakeLauncher{t: t, launchErr: errors.New("exec: not found")}
	m := newTestLifecycle(t, reserveAddr(t), true, launcher)
	if st := m.EnsureRunning(context.Background()); st != StatusUnreachable {
		t.Errorf("EnsureRunning() = %v, want unreachable", st)
	}
}

func TestEnsureRunning_RestartDisabled(t *testing.T) {
	launcher := &fakeLauncher{t: t, noop: true}
	m := newTestLifecycle(t, reserveAddr(t), false, launcher)
	if st := m.EnsureRunning(context.Background()); st != StatusRestartDisabled {
		t.Errorf("EnsureRunning() = %v, want restart-disabled", st)
	}
	if launcher.kills.Load() != 0 || launcher.launches.Load() != 0 {
		t.Errorf("kills = %d, launches = %d; want 0", launcher.kills.Load(), launcher.launches.Load())
	}
}

func TestEnsureRunning_ConcurrentCallersLaunchOnce(t *testing.T) {
	addr := reserveAddr(t)
	launcher := &fakeLauncher{t: t, addr: addr, delay: 50 * time.Millisecond, handler: okHandler()}
	defer launcher.close()
	m := newTestLifecycle(t, addr, true, launcher)

	const callers = 10
	statuses := make([]LifecycleStatus, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = m.EnsureRunning(context.Background())
		}(i)
	}
	wg.Wait()

	for i, st := range statuses {
		if st != StatusStarted && st != StatusAlive {
			t.Errorf("caller %d got %v, want started or alive", i, st)
		}
	}
	if n := launcher.launches.Load(); n != 1 {
		t.Errorf("launches = %d, want exactly 1", n)
	}
}

func TestEnsureRunning_CallerCancellation(t *testing.T) {
	launcher := &fakeLauncher{t: t, noop: true}
	m := newTestLifecycle(t, reserveAddr(t), true, launcher)
	m.deadline = 300 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if st := m.EnsureRunning(ctx); st != StatusUnreachable {
		t.Errorf("EnsureRunning() = %v, want unreachable for a cancelled caller", st)
	}
	// The shared check keeps running for other callers.
	if st := m.EnsureRunning(context.Background()); st != StatusUnreachable {
		t.Errorf("second EnsureRunning() = %v, want unreachable", st)
	}
}

func TestClientWithLifecycle_RestartsServer(t *testing.T) {
	addr := reserveAddr(t)
	launcher := &fakeLauncher{t: t, addr: addr, handler: okHandler()}
	defer launcher.close()
	m := newTestLifecycle(t, addr, true, launcher)

	cfg := DefaultConfig()
	cfg.ServerURL = "http://" + addr + "/"
	c, err := NewClient(cfg, m, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Call(context.Background(), MethodPing, nil)
	if err != nil || !resp.Success {
		t.Fatalf("Call() = %+v, %v; want success after restart", resp, err)
	}
	if launcher.launches.Load() != 1 {
		t.Errorf("launches = %d, want 1", launcher.launches.Load())
	}
}

func TestLifecycleStatusString(t *testing.T) {
	tests := map[LifecycleStatus]string{
		StatusAlive:           "alive",
		StatusStarted:         "started",
		StatusUnreachable:     "unreachable",
		StatusRestartDisabled: "restart-disabled",
		LifecycleStatus(42):   "LifecycleStatus(42)",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestExecLauncher(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX true/false")
	}
	cfg := DefaultConfig()
	cfg.ServerExecutable = "/usr/local/bin/PerlParser"
	if got := NewExecLauncher(cfg, discardLogger()).killCommand; len(got) != 3 || got[0] != "killall" || got[2] != "PerlParser" {
		t.Errorf("default kill command = %v, want killall -9 PerlParser", got)
	}

	cfg.KillCommand = []string{"true"}
	if err := NewExecLauncher(cfg, discardLogger()).KillAll(context.Background()); err != nil {
		t.Errorf("KillAll(true) error = %v", err)
	}
	cfg.KillCommand = []string{"false"}
	if err := NewExecLauncher(cfg, discardLogger()).KillAll(context.Background()); err == nil {
		t.Error("KillAll(false) returned no error")
	}

	cfg.ServerExecutable = "perlcomplete-no-such-binary"
	if err := NewExecLauncher(cfg, discardLogger()).Launch(context.Background()); err == nil {
		t.Error("Launch() of a missing executable returned no error")
	}
}
