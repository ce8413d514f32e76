// Package rpcserver exposes the data-node RPC surface of §6 as a plain
// net/http + JSON service: one POST endpoint per method, under
// "/rpc/<Method>", matching the shape internal/peerclient already POSTs
// against. This avoids fabricating a protobuf/Connect toolchain
// dependency that can't be code-generated here (see DESIGN.md).
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"datanode/internal/blockstore"
	"datanode/internal/location"
	"datanode/internal/logging"
	"datanode/internal/registry"
	"datanode/internal/session"
	"datanode/internal/throttle"
)

// Config configures a Server.
type Config struct {
	Sessions  *session.Manager
	Registry  *registry.Registry
	Blocks    *blockstore.Store
	Locations []*location.Manager
	Throttle  *throttle.Set

	// MediaByIndex maps the medium_index carried on StartChunk requests
	// to the medium class pickLocation selects on (§3 "medium_descriptor
	// (logical storage class and index)"); StartChunk's request only
	// names an index, so this is how the RPC boundary recovers the class
	// a session.Options needs.
	MediaByIndex map[int]string

	Addr   string
	Logger *slog.Logger
}

// Server is the node's RPC listener.
type Server struct {
	cfg    Config
	logger *slog.Logger
	hints  *peerHintTable

	mux  *http.ServeMux
	http *http.Server
	ln   net.Listener
}

// New builds a Server; call Start to begin listening.
func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "rpcserver"),
		hints:  newPeerHintTable(),
	}
	s.mux = http.NewServeMux()
	s.registerRoutes()
	s.http = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handle(s.mux, "StartChunk", s.handleStartChunk)
	handle(s.mux, "FinishChunk", s.handleFinishChunk)
	handle(s.mux, "PutBlocks", s.handlePutBlocks)
	handle(s.mux, "SendBlocks", s.handleSendBlocks)
	handle(s.mux, "FlushBlocks", s.handleFlushBlocks)
	handle(s.mux, "PingSession", s.handlePingSession)
	handle(s.mux, "GetBlockSet", s.handleGetBlockSet)
	handle(s.mux, "GetBlockRange", s.handleGetBlockRange)
	handle(s.mux, "GetChunkMeta", s.handleGetChunkMeta)
	handle(s.mux, "ProbeChunkSet", s.handleProbeChunkSet)
	handle(s.mux, "UpdatePeer", s.handleUpdatePeer)
}

// rpcHandler decodes req, runs the method, and returns the value to
// encode as the response body (nil means an empty 200).
type rpcHandler func(ctx context.Context, r *http.Request) (any, error)

// handle wires one RPC method under its "/rpc/<Method>" path (matching
// internal/peerclient's request path), translating errors the same way
// for every method instead of repeating that boilerplate per handler.
func handle(mux *http.ServeMux, method string, fn rpcHandler) {
	mux.HandleFunc("/rpc/"+method, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		resp, err := fn(r.Context(), r)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := codeFor(err)
	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// Start binds the configured address and begins serving in the
// background. It returns once the listener is bound so callers can read
// back the assigned port for addr:0 bindings.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("rpc server stopped", "error", err)
		}
	}()
	s.logger.Info("rpc server listening", "addr", ln.Addr().String())
	return nil
}

// Handler returns the server's http.Handler, for tests that want to
// drive it via httptest.NewServer without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the bound listener address; only meaningful after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown closes the listener, then waits for in-flight requests to
// finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func workloadFor(descriptor string) throttle.Workload {
	switch throttle.Workload(descriptor) {
	case throttle.WorkloadReplication, throttle.WorkloadRepair, throttle.WorkloadTabletLogging:
		return throttle.Workload(descriptor)
	default:
		return throttle.WorkloadUser
	}
}

// paceRead gates outbound read bytes by workload (§5 "Outbound network
// bytes... are gated by named throttlers... inferred from the workload
// descriptor attached to every request").
func (s *Server) paceRead(ctx context.Context, workloadDescriptor string, n int) error {
	if s.cfg.Throttle == nil || n <= 0 {
		return nil
	}
	return s.cfg.Throttle.Wait(ctx, workloadFor(workloadDescriptor), n)
}
