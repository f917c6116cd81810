// perlcomplete/perlcomplete_types.go
// Contains core type definitions used throughout the perlcomplete package.
package perlcomplete

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// Configuration Types & Constants
// =============================================================================

const (
	defaultServerURL         = "http://localhost:1234/"
	defaultServerExecutable  = "PerlParser"
	defaultLogLevel          = "info"
	defaultPingTimeoutMillis = 500
	defaultIndexDebounceMs   = 500
	defaultLineCacheTTLSecs  = 300
	defaultConfigFileName    = "config.toml"
	configDirName            = "perlcomplete"

	// maxCallAttempts is the number of times Call asks the lifecycle manager to
	// bring the server back before giving up on an exchange.
	maxCallAttempts = 5

	// startupDeadline bounds how long EnsureRunning waits for a fresh server.
	startupDeadline = 1 * time.Second

	// startupPollInterval spaces out pings while waiting for a fresh server.
	startupPollInterval = 20 * time.Millisecond

	// DefaultUsageThreshold is the line distance at which two hits stop sharing a group.
	DefaultUsageThreshold = 5

	// usageContextLines is the number of context lines shown around each group.
	usageContextLines = 2
)

// Config holds the active configuration for the perlcomplete client.
type Config struct {
	ServerURL           string            `toml:"server_url"`             // Base endpoint of the PerlParser server.
	ServerExecutable    string            `toml:"server_executable"`      // Binary launched when the server is down.
	ServerArgs          []string          `toml:"server_args"`            // Arguments for ServerExecutable.
	KillCommand         []string          `toml:"kill_command"`           // Command clearing stray servers; derived when empty.
	AutoRestart         bool              `toml:"auto_restart"`           // Restart the server when it cannot be reached.
	PingTimeoutMillis   int               `toml:"ping_timeout_ms"`        // Timeout for a single ping.
	LogLevel            string            `toml:"log_level"`              // debug, info, warn, error.
	ProjectExtensions   []string          `toml:"project_extensions"`     // File extensions counted as project files.
	WatchProject        bool              `toml:"watch_project"`          // Re-index when project files change.
	IndexDebounceMillis int               `toml:"index_debounce_ms"`      // Quiet period before a watcher-triggered re-index.
	LineCacheTTLSeconds int               `toml:"line_cache_ttl_seconds"` // TTL for cached file lines.
	MethodNames         map[string]string `toml:"method_names"`           // Wire-name overrides keyed by canonical method.

	PingTimeout   time.Duration `toml:"-"` // Derived from PingTimeoutMillis.
	IndexDebounce time.Duration `toml:"-"` // Derived from IndexDebounceMillis.
	LineCacheTTL  time.Duration `toml:"-"` // Derived from LineCacheTTLSeconds.
}

// FileConfig represents the structure of the TOML config file for decoding.
// Uses pointers to distinguish between unset fields and zero-value fields.
type FileConfig struct {
	ServerURL           *string            `toml:"server_url" json:"server_url,omitempty"`
	ServerExecutable    *string            `toml:"server_executable" json:"server_executable,omitempty"`
	ServerArgs          *[]string          `toml:"server_args" json:"server_args,omitempty"`
	KillCommand         *[]string          `toml:"kill_command" json:"kill_command,omitempty"`
	AutoRestart         *bool              `toml:"auto_restart" json:"auto_restart,omitempty"`
	PingTimeoutMillis   *int               `toml:"ping_timeout_ms" json:"ping_timeout_ms,omitempty"`
	LogLevel            *string            `toml:"log_level" json:"log_level,omitempty"`
	ProjectExtensions   *[]string          `toml:"project_extensions" json:"project_extensions,omitempty"`
	WatchProject        *bool              `toml:"watch_project" json:"watch_project,omitempty"`
	IndexDebounceMillis *int               `toml:"index_debounce_ms" json:"index_debounce_ms,omitempty"`
	LineCacheTTLSeconds *int               `toml:"line_cache_ttl_seconds" json:"line_cache_ttl_seconds,omitempty"`
	MethodNames         *map[string]string `toml:"method_names" json:"method_names,omitempty"`
}

// getDefaultConfig returns a new instance of the default configuration.
func getDefaultConfig() Config {
	return Config{
		ServerURL:           defaultServerURL,
		ServerExecutable:    defaultServerExecutable,
		ServerArgs:          []string{"serve"},
		AutoRestart:         true,
		PingTimeoutMillis:   defaultPingTimeoutMillis,
		LogLevel:            defaultLogLevel,
		ProjectExtensions:   []string{".pl", ".pm", ".t"},
		WatchProject:        false,
		IndexDebounceMillis: defaultIndexDebounceMs,
		LineCacheTTLSeconds: defaultLineCacheTTLSecs,
		MethodNames:         defaultMethodNames(),
		PingTimeout:         defaultPingTimeoutMillis * time.Millisecond,
		IndexDebounce:       defaultIndexDebounceMs * time.Millisecond,
		LineCacheTTL:        defaultLineCacheTTLSecs * time.Second,
	}
}

// defaultMethodNames are the spellings the PerlParser server dispatches on.
func defaultMethodNames() map[string]string {
	return map[string]string{
		string(MethodAutocompleteVariable):   "autocomplete-var",
		string(MethodAutocompleteSubroutine): "autocomplete-sub",
	}
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return getDefaultConfig() }

// Validate checks if configuration values are valid, applying defaults for some fields.
func (c *Config) Validate(logger *slog.Logger) error {
	var validationErrors []error
	if logger == nil {
		logger = slog.Default()
	}
	tempDefault := getDefaultConfig()

	if strings.TrimSpace(c.ServerURL) == "" {
		validationErrors = append(validationErrors, errors.New("server_url cannot be empty"))
	} else {
		parsedURL, err := url.ParseRequestURI(c.ServerURL)
		if err != nil {
			validationErrors = append(validationErrors, fmt.Errorf("invalid server_url format: %w", err))
		} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			validationErrors = append(validationErrors, fmt.Errorf("invalid server_url scheme '%s', must be http or https", parsedURL.Scheme))
		}
	}
	if c.AutoRestart && strings.TrimSpace(c.ServerExecutable) == "" {
		validationErrors = append(validationErrors, errors.New("server_executable cannot be empty when auto_restart is enabled"))
	}
	if c.PingTimeoutMillis <= 0 {
		logger.Warn("Config validation: ping_timeout_ms is not positive, applying default.", "configured_value", c.PingTimeoutMillis, "default", tempDefault.PingTimeoutMillis)
		c.PingTimeoutMillis = tempDefault.PingTimeoutMillis
	}
	if c.IndexDebounceMillis <= 0 {
		logger.Warn("Config validation: index_debounce_ms is not positive, applying default.", "configured_value", c.IndexDebounceMillis, "default", tempDefault.IndexDebounceMillis)
		c.IndexDebounceMillis = tempDefault.IndexDebounceMillis
	}
	if c.LineCacheTTLSeconds <= 0 {
		logger.Warn("Config validation: line_cache_ttl_seconds is not positive, applying default.", "configured_value", c.LineCacheTTLSeconds, "default", tempDefault.LineCacheTTLSeconds)
		c.LineCacheTTLSeconds = tempDefault.LineCacheTTLSeconds
	}
	c.PingTimeout = time.Duration(c.PingTimeoutMillis) * time.Millisecond
	c.IndexDebounce = time.Duration(c.IndexDebounceMillis) * time.Millisecond
	c.LineCacheTTL = time.Duration(c.LineCacheTTLSeconds) * time.Second

	if c.LogLevel == "" {
		logger.Warn("Config validation: log_level is empty, applying default.", "default", defaultLogLevel)
		c.LogLevel = defaultLogLevel
	} else if _, err := ParseLogLevel(c.LogLevel); err != nil {
		logger.Warn("Config validation: Invalid log_level found, applying default.", "configured_value", c.LogLevel, "default", defaultLogLevel, "error", err)
		validationErrors = append(validationErrors, fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err))
		c.LogLevel = defaultLogLevel
	}
	if c.ProjectExtensions == nil {
		c.ProjectExtensions = append([]string(nil), tempDefault.ProjectExtensions...)
	}
	for i, ext := range c.ProjectExtensions {
		if ext != "" && !strings.HasPrefix(ext, ".") {
			c.ProjectExtensions[i] = "." + ext
		}
	}
	if c.MethodNames == nil {
		c.MethodNames = map[string]string{}
	}
	for name, wire := range c.MethodNames {
		if !Method(name).Known() {
			validationErrors = append(validationErrors, fmt.Errorf("method_names: unknown method '%s'", name))
		}
		if strings.TrimSpace(wire) == "" {
			validationErrors = append(validationErrors, fmt.Errorf("method_names: empty wire name for '%s'", name))
		}
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(validationErrors...))
	}
	return nil
}

// WireName returns the method string sent to the server, honouring overrides.
func (c Config) WireName(m Method) string {
	if wire, ok := c.MethodNames[string(m)]; ok && wire != "" {
		return wire
	}
	return string(m)
}

// =============================================================================
// Protocol Types
// =============================================================================

// Method is a request kind understood by the PerlParser server.
type Method string

const (
	MethodAutocompleteVariable   Method = "autocomplete-variable"
	MethodAutocompleteSubroutine Method = "autocomplete-subroutine"
	MethodFindUsages             Method = "find-usages"
	MethodFindDeclaration        Method = "find-declaration"
	MethodIndexProject           Method = "index-project"
	MethodPing                   Method = "ping"
)

// Known reports whether m is one of the methods the client can issue.
func (m Method) Known() bool {
	switch m {
	case MethodAutocompleteVariable, MethodAutocompleteSubroutine, MethodFindUsages,
		MethodFindDeclaration, MethodIndexProject, MethodPing:
		return true
	}
	return false
}

// Parameter names used on the wire.
const (
	ParamPath         = "path"
	ParamContext      = "context"
	ParamLine         = "line"
	ParamCol          = "col"
	ParamSigil        = "sigil"
	ParamProjectFiles = "projectFiles"
)

// RequestParams holds the named parameters of one request.
type RequestParams map[string]any

// NewPositionParams builds the parameter set shared by completion, usage and declaration queries.
// path is the buffer snapshot, contextPath the real file identity. Line and col are 1-based.
func NewPositionParams(path, contextPath string, line, col int, projectFiles []string) RequestParams {
	return RequestParams{
		ParamPath:         path,
		ParamContext:      contextPath,
		ParamLine:         line,
		ParamCol:          col,
		ParamProjectFiles: nonNilStrings(projectFiles),
	}
}

// NewIndexParams builds the parameters of an index-project request.
func NewIndexParams(projectFiles []string) RequestParams {
	return RequestParams{ParamProjectFiles: nonNilStrings(projectFiles)}
}

// WithSigil returns a copy of p carrying the sigil parameter.
func (p RequestParams) WithSigil(sigil byte) RequestParams {
	out := make(RequestParams, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out[ParamSigil] = string(sigil)
	return out
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Response is the decoded envelope of one server reply.
type Response struct {
	Success      bool
	Body         json.RawMessage // Raw "body" value; nil when absent or null.
	ErrorCode    string
	ErrorMessage string
	StatusCode   int
}

// Err returns the application-level failure carried by r, or nil on success.
func (r *Response) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return &ServerError{Code: r.ErrorCode, Message: r.ErrorMessage, Status: r.StatusCode, Body: r.Body}
}

// CompletionItem is one (completion text, detail) pair returned by the server.
type CompletionItem struct {
	Text   string `json:"text"`
	Detail string `json:"detail"`
}

// UsageHit is one reference to a symbol, 1-based.
type UsageHit struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

// UsageMap maps a file path to its hits ordered by line then column.
type UsageMap map[string][]UsageHit

// Declaration is the body of a find-declaration reply.
type Declaration struct {
	Exists bool   `json:"exists"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Col    int    `json:"col,omitempty"`
}

// Category groups jobs that supersede one another.
type Category int

const (
	CategoryCompletion Category = iota
	CategoryUsages
	CategoryDeclaration
	CategoryIndex
)

func (c Category) String() string {
	switch c {
	case CategoryCompletion:
		return "completion"
	case CategoryUsages:
		return "usages"
	case CategoryDeclaration:
		return "declaration"
	case CategoryIndex:
		return "index"
	default:
		return "unknown"
	}
}
