// perlcomplete/client.go
// Resilient request client: bounded retries around the transport, restarting the server between attempts.
package perlcomplete

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
)

// ClientStats is a snapshot of the client's counters.
type ClientStats struct {
	Calls             int64
	TransportFailures int64
	ServerErrors      int64
	Unavailable       int64
}

// Client issues requests to the PerlParser server, restarting it when needed.
// It is safe for concurrent use; each Call blocks only its own goroutine.
type Client struct {
	transport *httpTransport
	ensurer   ServerEnsurer
	logger    *slog.Logger

	statusMu sync.RWMutex
	statusFn func(string)

	calls             atomic.Int64
	transportFailures atomic.Int64
	serverErrors      atomic.Int64
	unavailable       atomic.Int64
}

// NewClient creates a client for cfg.ServerURL. ensurer may be nil, in which
// case transport failures are retried without restarting anything.
func NewClient(cfg Config, ensurer ServerEnsurer, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint, err := parseEndpoint(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		transport: newHTTPTransport(endpoint, cfg.WireName),
		ensurer:   ensurer,
		logger:    logger.With("component", "Client", "endpoint", endpoint.String()),
	}, nil
}

// SetStatusFunc registers the callback used for user-facing status messages.
func (c *Client) SetStatusFunc(fn func(string)) {
	c.statusMu.Lock()
	c.statusFn = fn
	c.statusMu.Unlock()
}

func (c *Client) status(msg string) {
	c.statusMu.RLock()
	fn := c.statusFn
	c.statusMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

// Stats returns the current counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Calls:             c.calls.Load(),
		TransportFailures: c.transportFailures.Load(),
		ServerErrors:      c.serverErrors.Load(),
		Unavailable:       c.unavailable.Load(),
	}
}

// Call performs one logical request. Transport failures trigger EnsureRunning
// and a new exchange, up to maxCallAttempts times; after that ErrServerUnavailable
// is returned. A decoded reply, successful or not, is returned without retrying.
func (c *Client) Call(ctx context.Context, method Method, params RequestParams) (*Response, error) {
	callLogger := c.logger.With("operation", "Call", "method", string(method))
	c.calls.Add(1)

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.transport.exchange(ctx, method, params, callLogger)
		if err == nil {
			if !resp.Success {
				c.serverErrors.Add(1)
				callLogger.Warn("Perl server reported an error", "code", resp.ErrorCode, "message", resp.ErrorMessage, "status", resp.StatusCode)
			}
			return resp, nil
		}
		if !errors.Is(err, ErrTransport) {
			// Context cancellation or an undecodable reply; retrying cannot help.
			callLogger.Warn("Exchange failed", "error", err)
			return nil, err
		}

		lastErr = err
		c.transportFailures.Add(1)
		if attempt >= maxCallAttempts {
			break
		}
		callLogger.Debug("Perl server unreachable, ensuring it is running", "attempt", attempt+1, "max_attempts", maxCallAttempts)
		if c.ensurer == nil {
			continue
		}
		if st := c.ensurer.EnsureRunning(ctx); st == StatusRestartDisabled {
			c.unavailable.Add(1)
			c.status("PerlComplete: server is not running and auto restart is disabled")
			return nil, fmt.Errorf("%w: %w", ErrServerUnavailable, ErrRestartDisabled)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	c.unavailable.Add(1)
	callLogger.Error("Perl server unavailable after retries", "attempts", maxCallAttempts, "final_error", lastErr)
	c.status("PerlComplete: server unavailable")
	return nil, fmt.Errorf("%w: %s failed after %d restart attempts: %w", ErrServerUnavailable, method, maxCallAttempts, lastErr)
}

// =============================================================================
// Typed Requests
// =============================================================================

// Completions requests variable completions when sigil is non-zero, subroutine completions otherwise.
func Completions(ctx context.Context, c Caller, params RequestParams, sigil byte) ([]CompletionItem, error) {
	method := MethodAutocompleteSubroutine
	if sigil != 0 {
		method = MethodAutocompleteVariable
		params = params.WithSigil(sigil)
	}
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return ParseCompletions(resp.Body)
}

// Usages requests every usage of the symbol at the position in params.
func Usages(ctx context.Context, c Caller, params RequestParams) (UsageMap, error) {
	resp, err := c.Call(ctx, MethodFindUsages, params)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return ParseUsages(resp.Body)
}

// FindDeclaration requests the declaration of the symbol at the position in params.
func FindDeclaration(ctx context.Context, c Caller, params RequestParams) (Declaration, error) {
	resp, err := c.Call(ctx, MethodFindDeclaration, params)
	if err != nil {
		return Declaration{}, err
	}
	if err := resp.Err(); err != nil {
		return Declaration{}, err
	}
	return ParseDeclaration(resp.Body)
}

// IndexProject asks the server to index projectFiles. The reply body is ignored.
func IndexProject(ctx context.Context, c Caller, projectFiles []string) error {
	resp, err := c.Call(ctx, MethodIndexProject, NewIndexParams(projectFiles))
	if err != nil {
		return err
	}
	return resp.Err()
}

// =============================================================================
// Body Views
// =============================================================================

// ParseCompletions decodes [[text, detail], ...]. A missing or empty body
// yields an empty, non-nil list.
func ParseCompletions(body []byte) ([]CompletionItem, error) {
	if len(body) == 0 {
		return []CompletionItem{}, nil
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: completion body is not an array", ErrInvalidResponse)
	}
	items := []CompletionItem{}
	var parseErr error
	root.ForEach(func(_, pair gjson.Result) bool {
		if !pair.IsArray() {
			parseErr = fmt.Errorf("%w: completion entry %s is not a pair", ErrInvalidResponse, pair.Raw)
			return false
		}
		items = append(items, CompletionItem{
			Text:   pair.Get("0").String(),
			Detail: pair.Get("1").String(),
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return items, nil
}

// ParseUsages decodes {file: [[line, col], ...]}. Hits are sorted by line then
// column and exact duplicates are dropped. A line below 1 makes the body invalid.
func ParseUsages(body []byte) (UsageMap, error) {
	usages := UsageMap{}
	if len(body) == 0 {
		return usages, nil
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: usages body is not an object", ErrInvalidResponse)
	}
	var parseErr error
	root.ForEach(func(file, hits gjson.Result) bool {
		if !hits.IsArray() {
			parseErr = fmt.Errorf("%w: usages for %s are not a list", ErrInvalidResponse, file.String())
			return false
		}
		var list []UsageHit
		hits.ForEach(func(_, hit gjson.Result) bool {
			if !hit.IsArray() {
				parseErr = fmt.Errorf("%w: usage entry %s in %s is not a pair", ErrInvalidResponse, hit.Raw, file.String())
				return false
			}
			h := UsageHit{Line: int(hit.Get("0").Int()), Col: int(hit.Get("1").Int())}
			if h.Line < 1 {
				parseErr = fmt.Errorf("%w: usage line %d in %s is not positive", ErrInvalidResponse, h.Line, file.String())
				return false
			}
			list = append(list, h)
			return true
		})
		if parseErr != nil {
			return false
		}
		usages[file.String()] = normalizeHits(list)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return usages, nil
}

func normalizeHits(hits []UsageHit) []UsageHit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Line != hits[j].Line {
			return hits[i].Line < hits[j].Line
		}
		return hits[i].Col < hits[j].Col
	})
	out := hits[:0]
	for _, h := range hits {
		if len(out) > 0 && h == out[len(out)-1] {
			continue
		}
		out = append(out, h)
	}
	return out
}

// ParseDeclaration decodes {exists, file, line, col}.
func ParseDeclaration(body []byte) (Declaration, error) {
	if len(body) == 0 {
		return Declaration{}, nil
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Declaration{}, fmt.Errorf("%w: declaration body is not an object", ErrInvalidResponse)
	}
	decl := Declaration{Exists: root.Get("exists").Bool()}
	if decl.Exists {
		decl.File = root.Get("file").String()
		decl.Line = int(root.Get("line").Int())
		decl.Col = int(root.Get("col").Int())
	}
	return decl, nil
}
