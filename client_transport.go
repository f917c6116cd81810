// perlcomplete/client_transport.go
// HTTP transport for a single request/response exchange with the PerlParser server.
package perlcomplete

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// requestEnvelope is the body of every POST to the server.
type requestEnvelope struct {
	Method string        `json:"method"`
	Params RequestParams `json:"params"`
}

// httpTransport performs one exchange per call. It never retries.
type httpTransport struct {
	endpoint   *url.URL
	httpClient *http.Client
	wireName   func(Method) string
}

// newHTTPTransport creates a transport for the given base endpoint.
// Exchanges have no overall timeout; only dialing is bounded.
func newHTTPTransport(endpoint *url.URL, wireName func(Method) string) *httpTransport {
	if wireName == nil {
		wireName = func(m Method) string { return string(m) }
	}
	return &httpTransport{
		endpoint: endpoint,
		wireName: wireName,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy: nil,
				DialContext: (&net.Dialer{
					Timeout: 2 * time.Second,
				}).DialContext,
				MaxIdleConns:    4,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// parseEndpoint validates and normalises the configured server URL.
func parseEndpoint(raw string) (*url.URL, error) {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid server_url %q: %w", ErrInvalidConfig, raw, err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

// exchange sends {method, params} and decodes the reply.
// A transport failure wraps ErrTransport; an undecodable reply wraps ErrInvalidResponse.
// Any decoded reply is returned as-is, whatever its HTTP status.
func (t *httpTransport) exchange(ctx context.Context, method Method, params RequestParams, logger *slog.Logger) (*Response, error) {
	if params == nil {
		params = RequestParams{}
	}
	payload, err := json.Marshal(requestEnvelope{Method: t.wireName(method), Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr *net.OpError
		if errors.As(err, &netErr) && netErr.Op == "dial" {
			logger.Debug("Connection refused by perl server", "error", err)
		} else {
			logger.Debug("HTTP request to perl server failed", "error", err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: reading response: %w", ErrTransport, err)
	}
	return decodeResponse(body, resp.StatusCode)
}

// decodeResponse parses the {success, body, error, errorMessage} envelope.
func decodeResponse(data []byte, status int) (*Response, error) {
	if !gjson.ValidBytes(data) {
		return nil, &responseError{status: status, snippet: snippet(data)}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, &responseError{status: status, snippet: snippet(data)}
	}
	resp := &Response{
		Success:      root.Get("success").Bool(),
		ErrorCode:    root.Get("error").String(),
		ErrorMessage: root.Get("errorMessage").String(),
		StatusCode:   status,
	}
	if body := root.Get("body"); body.Exists() && body.Type != gjson.Null {
		resp.Body = json.RawMessage(body.Raw)
	}
	return resp, nil
}

// responseError describes a reply that is not a JSON object.
type responseError struct {
	status  int
	snippet string
}

func (e *responseError) Error() string {
	return fmt.Sprintf("%s (Status: %d): %q", ErrInvalidResponse.Error(), e.status, e.snippet)
}

func (e *responseError) Unwrap() error { return ErrInvalidResponse }

func snippet(b []byte) string {
	const maxLen = 120
	if len(b) > maxLen {
		return string(b[:maxLen]) + "..."
	}
	return string(b)
}

// ping issues GET <endpoint>/ping. Any HTTP response counts as alive,
// including error statuses and malformed bodies.
func (t *httpTransport) ping(ctx context.Context, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pingURL := t.endpoint.ResolveReference(&url.URL{Path: "ping"})
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pingURL.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: creating ping request: %w", ErrTransport, err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ping failed: %w", ErrTransport, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return nil
}
