// perlcomplete/perlcomplete_errors.go
// Contains exported error definitions for the perlcomplete package.
package perlcomplete

import (
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// Exported Errors
// =============================================================================

var (
	// ErrServerUnavailable indicates the language server could not be reached,
	// even after the lifecycle manager tried to (re)start it for every attempt.
	ErrServerUnavailable = errors.New("perl server unavailable")

	// ErrTransport marks a single exchange where no HTTP response was received.
	// The client retries these; callers only ever see ErrServerUnavailable.
	ErrTransport = errors.New("transport failure")

	// ErrApplication indicates the server answered with success:false.
	// The concrete code and message are carried by *ServerError.
	ErrApplication = errors.New("perl server reported an error")

	// ErrInvalidResponse indicates the server answered with something that is not JSON.
	ErrInvalidResponse = errors.New("invalid response from perl server")

	// ErrStaleResult marks a delivery superseded by a newer job of the same category.
	// It is logged at debug level and never surfaced to the host.
	ErrStaleResult = errors.New("stale job result")

	// ErrMissingContextFile indicates a file referenced by a usage report no longer exists.
	ErrMissingContextFile = errors.New("usage report context file missing")

	// ErrUsagePastEOF indicates usage hits beyond the last line of their file.
	ErrUsagePastEOF = errors.New("usage past end of file")

	// ErrRestartDisabled indicates the server is down and automatic restart is switched off.
	ErrRestartDisabled = errors.New("automatic server restart disabled")

	// ErrInvalidPosition indicates a line/column pair that cannot address a buffer.
	ErrInvalidPosition = errors.New("invalid cursor position")

	// ErrConfig indicates non-fatal errors during config loading or processing.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidConfig indicates a configuration value is invalid after validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDispatcherClosed is returned when work is submitted after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Error codes sent by the PerlParser server in the "error" field.
const (
	ServerErrorBadJSON       = "BAD_JSON"
	ServerErrorNoMethod      = "NO_METHOD"
	ServerErrorBadParams     = "BAD_PARAMS"
	ServerErrorUnknownMethod = "UNKNOWN_METHOD"
	ServerErrorPathNotFound  = "PATH_NOT_FOUND"
	ServerErrorParse         = "PARSE_ERROR"
)

// ServerError is an application-level failure reported by the server.
type ServerError struct {
	Code    string
	Message string
	Status  int             // HTTP status code, if available
	Body    json.RawMessage // The server echoes the request params here on some errors.
}

func (e *ServerError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("perl server error %s: %s (Status: %d)", e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("perl server error %s: %s", e.Code, e.Message)
}

// Unwrap lets callers match any server-reported failure with errors.Is(err, ErrApplication).
func (e *ServerError) Unwrap() error { return ErrApplication }
