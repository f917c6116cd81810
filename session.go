// perlcomplete/session.go
// Session ties the client, lifecycle manager, dispatcher and host together for one editor.
package perlcomplete

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Buffer is the editor state a query is issued from. Line and Col are 1-based.
type Buffer struct {
	Path     string // Real file identity, sent as "context".
	Contents []byte // Current, possibly unsaved, contents.
	Line     int
	Col      int
}

// SessionOptions carries the host collaborators. Nil fields get defaults.
type SessionOptions struct {
	Host       Host
	Files      ProjectFileSource // Defaults to WorkspaceFiles over Roots.
	Snapshots  BufferSnapshotter // Defaults to FileSnapshotter.
	Launcher   ProcessLauncher   // Defaults to ExecLauncher.
	Lines      LineSource        // Defaults to CachedLineSource.
	Descriptor ProjectDescriptor // Used by the default Files source.
	Roots      []string          // Project roots for the default Files source and the watcher.
}

type completionKey struct {
	path   string
	line   int
	col    int
	sigil  byte
	prefix string
}

type readyCompletions struct {
	key   completionKey
	items []CompletionItem
}

// Session is the entry point used by editor integrations. Interactive methods
// never block on the server; results reach the Host from job goroutines.
type Session struct {
	config     Config
	client     *Client
	lifecycle  *LifecycleManager
	dispatcher *Dispatcher
	host       Host
	files      ProjectFileSource
	snapshots  BufferSnapshotter
	lines      LineSource
	lineCache  *CachedLineSource
	watcher    *ProjectWatcher
	logger     *slog.Logger

	ctx     context.Context // Cancelled by Close.
	cancel  context.CancelFunc
	listing sync.WaitGroup // IndexProject listing goroutines.

	mu           sync.Mutex
	ready        *readyCompletions
	pendingKey   completionKey
	projectFiles []string
	closed       bool
}

// NewSession wires a session from cfg. cfg is validated first.
func NewSession(cfg Config, opts SessionOptions, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sessionLogger := logger.With("service", "Session")
	if err := cfg.Validate(sessionLogger); err != nil {
		return nil, fmt.Errorf("session config validation failed: %w", err)
	}

	lifecycle, err := NewLifecycleManager(cfg, opts.Launcher, sessionLogger)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(cfg, lifecycle, sessionLogger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ctx:       ctx,
		cancel:    cancel,
		config:    cfg,
		client:    client,
		lifecycle: lifecycle,
		host:      opts.Host,
		files:     opts.Files,
		snapshots: opts.Snapshots,
		lines:     opts.Lines,
		logger:    sessionLogger,
	}
	if s.host == nil {
		s.host = NopHost{}
	}
	if s.files == nil {
		wf := NewWorkspaceFiles(cfg, opts.Roots, sessionLogger)
		wf.Descriptor = opts.Descriptor
		s.files = wf
	}
	if s.snapshots == nil {
		s.snapshots = NewFileSnapshotter()
	}
	if s.lines == nil {
		s.lineCache = NewCachedLineSource(cfg.LineCacheTTL, sessionLogger)
		s.lines = s.lineCache
	}
	client.SetStatusFunc(s.host.Status)
	s.dispatcher = NewDispatcher(client, sessionLogger)

	if cfg.WatchProject && len(opts.Roots) > 0 {
		w, err := NewProjectWatcher(cfg.ProjectExtensions, cfg.IndexDebounce, func() {
			s.IndexProject(context.Background())
		}, sessionLogger)
		if err != nil {
			sessionLogger.Warn("Project watcher unavailable", "error", err)
		} else {
			for _, root := range opts.Roots {
				if err := w.Watch(root); err != nil {
					sessionLogger.Warn("Failed to watch project root", "root", root, "error", err)
				}
			}
			s.watcher = w
		}
	}
	return s, nil
}

// Config returns the session configuration.
func (s *Session) Config() Config { return s.config }

// Client returns the underlying request client.
func (s *Session) Client() *Client { return s.client }

// Lifecycle returns the server lifecycle manager.
func (s *Session) Lifecycle() *LifecycleManager { return s.lifecycle }

// Dispatcher returns the job dispatcher.
func (s *Session) Dispatcher() *Dispatcher { return s.dispatcher }

// LineCache returns the default line cache, or nil when a custom LineSource was supplied.
func (s *Session) LineCache() *CachedLineSource { return s.lineCache }

// Ping reports whether the server answers, without starting it.
func (s *Session) Ping(ctx context.Context) bool { return s.lifecycle.Ping(ctx) }

// EnsureServer starts the server if needed and reports the outcome.
func (s *Session) EnsureServer(ctx context.Context) LifecycleStatus {
	st := s.lifecycle.EnsureRunning(ctx)
	if st == StatusRestartDisabled {
		s.host.Status("PerlComplete: server is not running and auto restart is disabled")
	}
	return st
}

// ProjectFiles returns the last known project file list.
func (s *Session) ProjectFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.projectFiles...)
}

// RefreshProjectFiles re-lists the project and caches the result.
func (s *Session) RefreshProjectFiles(ctx context.Context) ([]string, error) {
	files, err := s.files.ProjectFiles(ctx)
	if err != nil && files == nil {
		return nil, err
	}
	s.mu.Lock()
	s.projectFiles = files
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("Project file listing incomplete", "error", err)
	}
	return files, nil
}

func (s *Session) positionParams(buf Buffer) (RequestParams, error) {
	if buf.Line < 1 || buf.Col < 1 {
		return nil, fmt.Errorf("%w: line %d col %d", ErrInvalidPosition, buf.Line, buf.Col)
	}
	snapshot, err := s.snapshots.Snapshot(buf.Path, buf.Contents)
	if err != nil {
		return nil, fmt.Errorf("snapshotting %s: %w", buf.Path, err)
	}
	return NewPositionParams(snapshot, buf.Path, buf.Line, buf.Col, s.ProjectFiles()), nil
}

// =============================================================================
// Completions
// =============================================================================

// QueryCompletions returns completions already fetched for this exact position,
// clearing them. Otherwise it starts a background request and returns nil; the
// host is asked to re-query once results are ready. Fetched results are never
// nil, so an empty list means the server had nothing to offer.
func (s *Session) QueryCompletions(buf Buffer) ([]CompletionItem, error) {
	opLogger := s.logger.With("operation", "QueryCompletions", "path", buf.Path, "line", buf.Line, "col", buf.Col)
	lines := splitLines(buf.Contents)
	if buf.Line < 1 || buf.Line > len(lines)+1 {
		return nil, fmt.Errorf("%w: line %d outside buffer of %d lines", ErrInvalidPosition, buf.Line, len(lines))
	}
	lineText := ""
	if buf.Line <= len(lines) {
		lineText = lines[buf.Line-1]
	}
	cc, err := DetectCompletionContext(lineText, buf.Col)
	if err != nil {
		return nil, err
	}
	key := completionKey{path: buf.Path, line: buf.Line, col: buf.Col, sigil: cc.Sigil, prefix: cc.Prefix}

	s.mu.Lock()
	if s.ready != nil && s.ready.key == key {
		items := s.ready.items
		s.ready = nil
		s.mu.Unlock()
		opLogger.Debug("Returning fetched completions", "count", len(items))
		return items, nil
	}
	s.ready = nil
	s.pendingKey = key
	s.mu.Unlock()

	params, err := s.positionParams(buf)
	if err != nil {
		return nil, err
	}
	if cc.Sigil != 0 {
		params = params.WithSigil(cc.Sigil)
	}
	s.dispatcher.Submit(CategoryCompletion, cc.Method(), params, func(d Delivery) {
		s.deliverCompletions(key, d)
	})
	return nil, nil
}

func (s *Session) deliverCompletions(key completionKey, d Delivery) {
	items, err := completionsFromDelivery(d)
	if err != nil {
		s.reportFailure("completion", err)
		return
	}
	s.mu.Lock()
	if s.pendingKey != key {
		s.mu.Unlock()
		return
	}
	if items == nil {
		items = []CompletionItem{}
	}
	s.ready = &readyCompletions{key: key, items: items}
	s.mu.Unlock()
	s.host.RequeryCompletions()
}

func completionsFromDelivery(d Delivery) ([]CompletionItem, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	if err := d.Response.Err(); err != nil {
		return nil, err
	}
	return ParseCompletions(d.Response.Body)
}

// =============================================================================
// Usages, Declaration, Index
// =============================================================================

// FindUsages starts a find-usages request. The report is shown through the host.
func (s *Session) FindUsages(buf Buffer) (uint64, error) {
	params, err := s.positionParams(buf)
	if err != nil {
		return 0, err
	}
	open := OverlayLineSource{Path: buf.Path, Buffer: splitLines(buf.Contents), Base: s.lines}
	token := s.dispatcher.Submit(CategoryUsages, MethodFindUsages, params, func(d Delivery) {
		s.deliverUsages(open, d)
	})
	return token, nil
}

func (s *Session) deliverUsages(lines LineSource, d Delivery) {
	usages, err := usagesFromDelivery(d)
	if err != nil {
		s.reportFailure("find usages", err)
		return
	}
	report := GroupUsages(usages, DefaultUsageThreshold)
	report.Prepare(lines, s.logger)
	if len(report.Files) == 0 {
		s.host.Status("PerlComplete: no usages found")
		return
	}
	s.host.ShowUsages(report, RenderUsageReport(report))
}

func usagesFromDelivery(d Delivery) (UsageMap, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	if err := d.Response.Err(); err != nil {
		return nil, err
	}
	return ParseUsages(d.Response.Body)
}

// FindDeclaration starts a find-declaration request. The host is asked to jump when it exists.
func (s *Session) FindDeclaration(buf Buffer) (uint64, error) {
	params, err := s.positionParams(buf)
	if err != nil {
		return 0, err
	}
	token := s.dispatcher.Submit(CategoryDeclaration, MethodFindDeclaration, params, s.deliverDeclaration)
	return token, nil
}

func (s *Session) deliverDeclaration(d Delivery) {
	var decl Declaration
	err := d.Err
	if err == nil {
		err = d.Response.Err()
	}
	if err == nil {
		decl, err = ParseDeclaration(d.Response.Body)
	}
	if err != nil {
		s.reportFailure("find declaration", err)
		return
	}
	if !decl.Exists {
		s.host.Status("PerlComplete: declaration not found")
		return
	}
	s.host.GotoDeclaration(decl)
}

// IndexProject re-lists the project files and asks the server to index them.
// Listing happens in the background; the call returns immediately. Close
// cancels and waits for the listing.
func (s *Session) IndexProject(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.listing.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.listing.Done()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(s.ctx, cancel)
		defer stop()

		files, err := s.RefreshProjectFiles(ctx)
		if err != nil {
			s.reportFailure("list project files", err)
			return
		}
		s.dispatcher.Submit(CategoryIndex, MethodIndexProject, NewIndexParams(files), func(d Delivery) {
			err := d.Err
			if err == nil {
				err = d.Response.Err()
			}
			if err != nil {
				s.reportFailure("index project", err)
				return
			}
			s.host.Status(fmt.Sprintf("PerlComplete: indexed %d project files", len(files)))
		})
	}()
}

func (s *Session) reportFailure(what string, err error) {
	if errors.Is(err, ErrDispatcherClosed) || errors.Is(err, context.Canceled) {
		return
	}
	var serverErr *ServerError
	switch {
	case errors.As(err, &serverErr):
		s.logger.Warn("Request rejected by perl server", "request", what, "code", serverErr.Code, "message", serverErr.Message)
		s.host.Status(fmt.Sprintf("PerlComplete: %s failed: %s", what, serverErr.Message))
	case errors.Is(err, ErrServerUnavailable):
		// The client already reported unavailability.
		s.logger.Warn("Request failed, server unavailable", "request", what, "error", err)
	default:
		s.logger.Error("Request failed", "request", what, "error", err)
		s.host.Status(fmt.Sprintf("PerlComplete: %s failed", what))
	}
}

// Close stops the watcher, waits for project listing and in-flight jobs, and
// releases the line cache.
// The server process is left running for the next session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("Closing session")
	s.cancel()
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.listing.Wait()
	s.dispatcher.Close()
	if s.lineCache != nil {
		s.lineCache.Close()
	}
	return err
}

// NopHost discards every host callback.
type NopHost struct{}

func (NopHost) Status(string)                   {}
func (NopHost) RequeryCompletions()             {}
func (NopHost) ShowUsages(*UsageReport, string) {}
func (NopHost) GotoDeclaration(Declaration)     {}
