// perlcomplete/bridge_protocol.go
// Message types for the stdio JSON-RPC bridge between an editor plugin and a Session.
package perlcomplete

// ============================================================================
// Bridge Method & Notification Names
// ============================================================================

const (
	BridgeMethodInitialize      = "initialize"
	BridgeMethodInitialized     = "initialized"
	BridgeMethodShutdown        = "shutdown"
	BridgeMethodExit            = "exit"
	BridgeMethodCancelRequest   = "$/cancelRequest"
	BridgeMethodCompletion      = "perlcomplete/completion"
	BridgeMethodFindUsages      = "perlcomplete/findUsages"
	BridgeMethodFindDeclaration = "perlcomplete/findDeclaration"
	BridgeMethodIndexProject    = "perlcomplete/indexProject"
	BridgeMethodPing            = "perlcomplete/ping"
	BridgeMethodEnsureServer    = "perlcomplete/ensureServer"

	BridgeNotifyStatus             = "perlcomplete/status"
	BridgeNotifyRequeryCompletions = "perlcomplete/requeryCompletions"
	BridgeNotifyUsages             = "perlcomplete/usages"
	BridgeNotifyGotoDeclaration    = "perlcomplete/gotoDeclaration"
)

// JSON-RPC error codes used by the bridge.
const (
	JsonRpcParseError           int = -32700
	JsonRpcInvalidRequest       int = -32600
	JsonRpcMethodNotFound       int = -32601
	JsonRpcInvalidParams        int = -32602
	JsonRpcInternalError        int = -32603
	JsonRpcRequestCancelled     int = -32800
	JsonRpcServerNotInitialized int = -32002
	JsonRpcRequestFailed        int = -32803
)

// ============================================================================
// Requests
// ============================================================================

// ClientInfo identifies the editor plugin.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// BridgeInitializeParams opens a bridge session.
type BridgeInitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo,omitempty"`
	RootPaths  []string    `json:"rootPaths,omitempty"`
	Settings   *FileConfig `json:"settings,omitempty"` // Overrides on top of the loaded config.
}

// ServerInfo identifies the bridge.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// BridgeInitializeResult answers initialize.
type BridgeInitializeResult struct {
	ServerInfo *ServerInfo `json:"serverInfo"`
	SessionID  string      `json:"sessionId"`
	ServerURL  string      `json:"serverUrl"`
}

// BufferParams carries the editor state for position-based requests. Line and Col are 1-based.
type BufferParams struct {
	Path string `json:"path"`
	Text string `json:"text"`
	Line int    `json:"line"`
	Col  int    `json:"col"`
}

func (p BufferParams) buffer() Buffer {
	return Buffer{Path: p.Path, Contents: []byte(p.Text), Line: p.Line, Col: p.Col}
}

// CompletionResult answers perlcomplete/completion. Pending means a background
// request was started and perlcomplete/requeryCompletions will follow.
type CompletionResult struct {
	Items   []CompletionItem `json:"items"`
	Pending bool             `json:"pending"`
}

// JobResult answers requests that finish in the background.
type JobResult struct {
	Token uint64 `json:"token"`
}

// PingResult answers perlcomplete/ping.
type PingResult struct {
	Alive bool `json:"alive"`
}

// EnsureServerResult answers perlcomplete/ensureServer.
type EnsureServerResult struct {
	Status string `json:"status"`
}

// CancelParams is the payload of $/cancelRequest.
type CancelParams struct {
	ID any `json:"id"`
}

// ============================================================================
// Notifications
// ============================================================================

// StatusParams is sent with perlcomplete/status.
type StatusParams struct {
	Message string `json:"message"`
}

// UsagesParams is sent with perlcomplete/usages.
type UsagesParams struct {
	Text      string          `json:"text"`
	HitCount  int             `json:"hitCount"`
	Files     []UsageFileView `json:"files"`
	Threshold int             `json:"threshold"`
}

// UsageFileView is one file of a usage report as sent to the editor.
type UsageFileView struct {
	Path   string        `json:"path"`
	Width  int           `json:"width"`
	Groups [][]ShownLine `json:"groups"`
}
