// perlcomplete/bridge_server.go
// Implements the stdio JSON-RPC bridge that lets an editor plugin drive a Session.
package perlcomplete

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// Bridge Server Implementation
// ============================================================================

// Server answers bridge requests on one JSON-RPC connection. The Session is
// created by initialize, once the project roots are known.
type Server struct {
	conn           *jsonrpc2.Conn
	logger         *slog.Logger
	config         Config
	opts           SessionOptions
	serverInfo     *ServerInfo
	requestTracker *RequestTracker

	sessionMu sync.RWMutex
	session   *Session
	shutdown  bool
}

// NewServer creates a bridge server. opts.Host and opts.Roots are replaced
// by the bridge and by initialize respectively.
func NewServer(cfg Config, opts SessionOptions, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		logger: logger.With("component", "BridgeServer"),
		config: cfg,
		opts:   opts,
		serverInfo: &ServerInfo{
			Name:    "perlcomplete-bridge",
			Version: version,
		},
		requestTracker: NewRequestTracker(),
	}
	publishExpvarMetrics(s)
	return s
}

// Run serves the connection on r/w until it closes, then closes the session.
func (s *Server) Run(r io.Reader, w io.Writer) {
	s.logger.Info("Starting bridge run loop")

	stream := &stdrwc{r: r, w: w}
	objectStream := jsonrpc2.NewPlainObjectStream(stream)
	handler := jsonrpc2.HandlerWithError(s.handle)

	s.conn = jsonrpc2.NewConn(context.Background(), objectStream, handler)
	s.logger.Info("JSON-RPC connection established")

	<-s.conn.DisconnectNotify()
	s.logger.Info("JSON-RPC connection closed")

	if sess := s.currentSession(); sess != nil {
		if err := sess.Close(); err != nil {
			s.logger.Warn("Error closing session", "error", err)
		}
	}
}

// stdrwc is a simple ReadWriteCloser that wraps stdin/stdout without closing them.
type stdrwc struct {
	r io.Reader
	w io.Writer
}

func (s *stdrwc) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdrwc) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdrwc) Close() error                { return nil }

func (s *Server) currentSession() *Session {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	return s.session
}

// handle routes incoming requests and notifications.
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (result any, err error) {
	methodLogger := s.logger.With("method", req.Method, "is_notification", req.Notif)
	isRequest := !req.Notif
	if isRequest {
		methodLogger = methodLogger.With("req_id", req.ID)
	}
	methodLogger.Debug("Received request/notification")

	defer func() {
		if r := recover(); r != nil {
			methodLogger.Error("Panic recovered in handler", "panic_value", r, "stack", string(debug.Stack()))
			panicData, marshalErr := json.Marshal(fmt.Sprintf("Panic: %v", r))
			if marshalErr != nil {
				panicData = []byte(`"failed to marshal panic data"`)
			}
			rawPanicData := json.RawMessage(panicData)
			err = &jsonrpc2.Error{
				Code:    int64(JsonRpcInternalError),
				Message: fmt.Sprintf("Internal server error in method %s", req.Method),
				Data:    &rawPanicData,
			}
			result = nil
		}
	}()

	if isRequest {
		ctx = s.requestTracker.Add(req.ID, ctx)
		defer s.requestTracker.Remove(req.ID)
	}
	select {
	case <-ctx.Done():
		methodLogger.Warn("Request context cancelled before processing started", "error", ctx.Err())
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Request cancelled"}
	default:
	}

	unmarshalParams := func(target any) error {
		if req.Params == nil {
			return errors.New("params field is null")
		}
		return json.Unmarshal(*req.Params, target)
	}
	invalidParams := func(err error) error {
		methodLogger.Error("Failed to unmarshal params", "error", err)
		return &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid %s params: %v", req.Method, err)}
	}

	switch req.Method {
	case BridgeMethodInitialize:
		var params BridgeInitializeParams
		if req.Params != nil {
			if err := unmarshalParams(&params); err != nil {
				return nil, invalidParams(err)
			}
		}
		return s.handleInitialize(ctx, params, methodLogger)

	case BridgeMethodInitialized:
		methodLogger.Info("Client initialized notification received")
		return nil, nil

	case BridgeMethodShutdown:
		return s.handleShutdown(methodLogger)

	case BridgeMethodExit:
		methodLogger.Info("Exit notification received")
		if s.conn != nil {
			s.conn.Close()
		}
		return nil, nil

	case BridgeMethodCancelRequest:
		var params CancelParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal cancelRequest params", "error", err)
			return nil, nil
		}
		var cancelID jsonrpc2.ID
		switch idVal := params.ID.(type) {
		case float64:
			cancelID = jsonrpc2.ID{Num: uint64(idVal)}
		case string:
			cancelID = jsonrpc2.ID{Str: idVal, IsString: true}
		default:
			methodLogger.Warn("Could not determine type of cancel request ID", "id_value", params.ID, "id_type", fmt.Sprintf("%T", params.ID))
			return nil, nil
		}
		s.requestTracker.Cancel(cancelID)
		return nil, nil
	}

	sess := s.currentSession()
	if sess == nil {
		if !isRequest {
			return nil, nil
		}
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcServerNotInitialized), Message: "bridge not initialized"}
	}

	switch req.Method {
	case BridgeMethodCompletion:
		var params BufferParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleCompletion(sess, params, methodLogger)

	case BridgeMethodFindUsages:
		var params BufferParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleFindUsages(sess, params, methodLogger)

	case BridgeMethodFindDeclaration:
		var params BufferParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleFindDeclaration(sess, params, methodLogger)

	case BridgeMethodIndexProject:
		return s.handleIndexProject(sess, methodLogger)

	case BridgeMethodPing:
		return PingResult{Alive: sess.Ping(ctx)}, nil

	case BridgeMethodEnsureServer:
		return EnsureServerResult{Status: sess.EnsureServer(ctx).String()}, nil

	default:
		methodLogger.Warn("Unhandled bridge method")
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcMethodNotFound), Message: fmt.Sprintf("Method not supported: %s", req.Method)}
	}
}

// notify sends a notification to the editor, logging failures.
func (s *Server) notify(method string, params any) {
	if s.conn == nil {
		s.logger.Warn("Cannot send notification: connection is nil", "notification", method)
		return
	}
	if err := s.conn.Notify(context.Background(), method, params); err != nil {
		s.logger.Error("Failed to send notification", "notification", method, "error", err)
		return
	}
	s.logger.Debug("Sent notification", "notification", method)
}

// ============================================================================
// Bridge Host
// ============================================================================

// bridgeHost turns Session callbacks into notifications.
type bridgeHost struct{ s *Server }

func (h bridgeHost) Status(msg string) {
	h.s.notify(BridgeNotifyStatus, StatusParams{Message: msg})
}

func (h bridgeHost) RequeryCompletions() {
	h.s.notify(BridgeNotifyRequeryCompletions, struct{}{})
}

func (h bridgeHost) ShowUsages(report *UsageReport, text string) {
	params := UsagesParams{Text: text, HitCount: report.HitCount(), Threshold: report.Threshold}
	for _, f := range report.Files {
		params.Files = append(params.Files, UsageFileView{Path: f.Path, Width: f.Width, Groups: f.Shown})
	}
	h.s.notify(BridgeNotifyUsages, params)
}

func (h bridgeHost) GotoDeclaration(decl Declaration) {
	h.s.notify(BridgeNotifyGotoDeclaration, decl)
}

// ============================================================================
// Metrics
// ============================================================================

var (
	metricsOnce  sync.Once
	activeServer atomic.Pointer[Server]
)

// publishExpvarMetrics registers the bridge metrics once per process; they
// report on the most recently created Server.
func publishExpvarMetrics(s *Server) {
	activeServer.Store(s)
	metricsOnce.Do(func() {
		startTime := time.Now()
		expvar.NewString("serverStartTime").Set(startTime.Format(time.RFC3339))
		expvar.Publish("serverInfo", expvar.Func(func() any { return activeServer.Load().serverInfo }))
		expvar.Publish("goroutines", expvar.Func(func() any { return runtime.NumGoroutine() }))
		expvar.Publish("memory.allocBytes", expvar.Func(func() any {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.Alloc
		}))
		expvar.Publish("bridge.pendingRequests", expvar.Func(func() any { return activeServer.Load().requestTracker.Count() }))
		expvar.Publish("client", expvar.Func(func() any {
			if sess := activeServer.Load().currentSession(); sess != nil {
				return sess.Client().Stats()
			}
			return ClientStats{}
		}))
		expvar.Publish("dispatcher", expvar.Func(func() any {
			if sess := activeServer.Load().currentSession(); sess != nil {
				return sess.Dispatcher().Stats()
			}
			return DispatcherStats{}
		}))
		expvar.Publish("lifecycle.restarts", expvar.Func(func() any {
			if sess := activeServer.Load().currentSession(); sess != nil {
				return sess.Lifecycle().Restarts()
			}
			return int64(0)
		}))
		expvar.Publish("cache.lines", expvar.Func(func() any {
			sess := activeServer.Load().currentSession()
			if sess == nil || sess.LineCache() == nil || sess.LineCache().Metrics() == nil {
				return map[string]uint64{}
			}
			m := sess.LineCache().Metrics()
			return map[string]uint64{
				"hits":        m.Hits(),
				"misses":      m.Misses(),
				"keysAdded":   m.KeysAdded(),
				"keysEvicted": m.KeysEvicted(),
				"costAdded":   m.CostAdded(),
				"costEvicted": m.CostEvicted(),
			}
		}))
	})
	s.logger.Debug("Expvar metrics published")
}

// ============================================================================
// Request Cancellation Tracker
// ============================================================================

// RequestTracker manages cancellation contexts for in-flight bridge requests.
type RequestTracker struct {
	mu       sync.Mutex
	requests map[jsonrpc2.ID]context.CancelFunc
}

// NewRequestTracker creates a new tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{requests: make(map[jsonrpc2.ID]context.CancelFunc)}
}

// Add registers id and returns a context cancelled by Cancel(id).
func (rt *RequestTracker) Add(id jsonrpc2.ID, ctx context.Context) context.Context {
	reqCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.requests[id] = cancel
	rt.mu.Unlock()
	return reqCtx
}

// Remove deregisters id and releases its context.
func (rt *RequestTracker) Remove(id jsonrpc2.ID) {
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	delete(rt.requests, id)
	rt.mu.Unlock()
	if found {
		cancel()
	}
}

// Cancel cancels the context registered for id, if any.
func (rt *RequestTracker) Cancel(id jsonrpc2.ID) {
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	if found {
		delete(rt.requests, id)
	}
	rt.mu.Unlock()
	if found {
		cancel()
	}
}

// Count returns the number of currently tracked requests.
func (rt *RequestTracker) Count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.requests)
}
