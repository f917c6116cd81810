// perlcomplete/bridge_handlers.go
// Contains the bridge method handlers.
package perlcomplete

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// Lifecycle Handlers
// ============================================================================

// handleInitialize creates the session for the given project roots.
// A second initialize keeps the existing session.
func (s *Server) handleInitialize(ctx context.Context, params BridgeInitializeParams, logger *slog.Logger) (any, error) {
	if params.ClientInfo != nil {
		logger.Info("Handling initialize request", "client_name", params.ClientInfo.Name, "client_version", params.ClientInfo.Version)
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.shutdown {
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidRequest), Message: "bridge is shutting down"}
	}
	if s.session == nil {
		cfg := s.config
		if params.Settings != nil {
			mergeFileConfig(&cfg, params.Settings)
		}
		opts := s.opts
		opts.Host = bridgeHost{s: s}
		opts.Roots = params.RootPaths
		sess, err := NewSession(cfg, opts, logger)
		if err != nil {
			logger.Error("Failed to create session", "error", err)
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid settings: %v", err)}
		}
		s.session = sess
		if len(params.RootPaths) > 0 {
			sess.IndexProject(context.WithoutCancel(ctx))
		}
	}

	result := BridgeInitializeResult{
		ServerInfo: s.serverInfo,
		SessionID:  s.session.Dispatcher().SessionID(),
		ServerURL:  s.session.Config().ServerURL,
	}
	logger.Info("Initialization successful", "session", result.SessionID)
	return result, nil
}

// handleShutdown closes the session; the connection stays open until exit.
func (s *Server) handleShutdown(logger *slog.Logger) (any, error) {
	logger.Info("Handling shutdown request")
	s.sessionMu.Lock()
	sess := s.session
	s.session = nil
	s.shutdown = true
	s.sessionMu.Unlock()
	if sess != nil {
		if err := sess.Close(); err != nil {
			logger.Warn("Error closing session", "error", err)
		}
	}
	return nil, nil
}

// ============================================================================
// Query Handlers
// ============================================================================

func (s *Server) handleCompletion(sess *Session, params BufferParams, logger *slog.Logger) (any, error) {
	items, err := sess.QueryCompletions(params.buffer())
	if err != nil {
		return nil, requestError(err, logger)
	}
	if items == nil {
		return CompletionResult{Items: []CompletionItem{}, Pending: true}, nil
	}
	return CompletionResult{Items: items}, nil
}

func (s *Server) handleFindUsages(sess *Session, params BufferParams, logger *slog.Logger) (any, error) {
	token, err := sess.FindUsages(params.buffer())
	if err != nil {
		return nil, requestError(err, logger)
	}
	return JobResult{Token: token}, nil
}

func (s *Server) handleFindDeclaration(sess *Session, params BufferParams, logger *slog.Logger) (any, error) {
	token, err := sess.FindDeclaration(params.buffer())
	if err != nil {
		return nil, requestError(err, logger)
	}
	return JobResult{Token: token}, nil
}

func (s *Server) handleIndexProject(sess *Session, logger *slog.Logger) (any, error) {
	logger.Info("Re-indexing project")
	sess.IndexProject(context.Background())
	return nil, nil
}

// requestError maps a session error to a JSON-RPC error.
func requestError(err error, logger *slog.Logger) error {
	logger.Warn("Request failed", "error", err)
	if errors.Is(err, ErrInvalidPosition) {
		return &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: err.Error()}
	}
	return &jsonrpc2.Error{Code: int64(JsonRpcRequestFailed), Message: err.Error()}
}
