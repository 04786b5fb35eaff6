// Package httpapi implements the HTTP Surface (spec.md 4.J): ingestion,
// lease, fill, list/export, metrics, and health, layered on top of the
// Ticket Store, Derivation Engine, Evidence Writer, and Readiness Evaluator.
// Grounded on the teacher's internal/server package: a stdlib ServeMux with
// Go 1.22+ method+pattern routing, a middleware-wraps-mux composition, and
// writeJSON/writeError response helpers.
package httpapi

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avery-chen/ticketflow/internal/evidence"
	"github.com/avery-chen/ticketflow/internal/metrics"
	"github.com/avery-chen/ticketflow/internal/readiness"
	"github.com/avery-chen/ticketflow/internal/snapshot"
	"github.com/avery-chen/ticketflow/internal/store"
	"github.com/avery-chen/ticketflow/internal/triage"
)

// ToolGateway is the narrow port onto the external tool-execution
// collaborator (spec.md 1: "the core consumes it through a narrow
// ExecuteTool(server, tool, args) -> result|error port").
type ToolGateway interface {
	ExecuteTool(ctx context.Context, server, tool string, args map[string]any) (map[string]any, error)
}

// DerivationFlags mirrors the subset of config.Config the Derivation Engine
// gates on.
type DerivationFlags struct {
	EnableToolDerivation  bool
	EnableReplyDerivation bool
	ToolOnlyMode          bool
	ReplyBrandVoice       string
}

// Config holds the HTTP Surface's own configuration, narrowed from the
// process-wide config.Config by the caller (cmd/orchestrator).
type Config struct {
	Addr              string
	RequestTimeout    time.Duration
	RequireAuth       bool
	BearerToken       string
	DirectFillAllowed map[string]bool
}

// Server wires the Ticket Store, Derivation Engine, Evidence Writer,
// Readiness Evaluator, and Triage Filter behind the HTTP surface.
type Server struct {
	cfg       Config
	store     *store.Store
	snapshots *snapshot.Sink
	metrics   *metrics.Registry
	readiness *readiness.Evaluator
	evidence  *evidence.Writer
	rules     triage.Rules
	flags     DerivationFlags
	gateway   ToolGateway

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger
}

// New builds a Server and wires its routes. gateway may be nil: the
// tool-gateway dependency then always reports unready and /v1/tools/execute
// is permanently gated by the readiness 503.
func New(cfg Config, st *store.Store, snaps *snapshot.Sink, reg *metrics.Registry, eval *readiness.Evaluator, ev *evidence.Writer, rules triage.Rules, flags DerivationFlags, gateway ToolGateway, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[ticketflow] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		store:     st,
		snapshots: snaps,
		metrics:   reg,
		readiness: eval,
		evidence:  ev,
		rules:     rules,
		flags:     flags,
		gateway:   gateway,
		baseCtx:   ctx,
		cancel:    cancel,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.handleIngestEvent)
	mux.HandleFunc("POST /v1/triage/batch", requireReady(eval, reg, "/v1/triage/batch", s.handleTriageBatch))
	mux.HandleFunc("POST /v1/tickets/lease", requireReady(eval, reg, "/v1/tickets/lease", s.handleLease))
	mux.HandleFunc("POST /v1/tickets/{id}/fill", requireReady(eval, reg, "/v1/tickets/fill", s.handleFill))
	mux.HandleFunc("GET /v1/tickets", s.handleListTickets)
	mux.HandleFunc("GET /v1/tickets/{id}", s.handleGetTicket)
	mux.HandleFunc("GET /v1/triage/results", s.handleTriageResults)
	mux.HandleFunc("GET /v1/triage/list", s.handleTriageList)
	mux.HandleFunc("GET /v1/triage/export", s.handleTriageList)
	mux.HandleFunc("GET /v1/reply/list", s.handleReplyList)
	mux.HandleFunc("GET /v1/reply/export", s.handleReplyList)
	mux.HandleFunc("GET /v1/reply/tickets/{id}/raw", s.handleReplyRaw)
	mux.HandleFunc("POST /v1/tools/execute", requireReady(eval, reg, "/v1/tools/execute", s.handleToolExecute))
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /health", s.handleHealth)

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s.httpSrv = &http.Server{
		Handler:      bearerAuth(mux, authToken(cfg)),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

func authToken(cfg Config) string {
	if !cfg.RequireAuth {
		return ""
	}
	return cfg.BearerToken
}

// ListenAndServe starts the server and blocks until shutdown, handling
// SIGINT/SIGTERM the way the teacher's server.go does.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.cfg.Addr)
	s.httpSrv.Addr = s.cfg.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Context returns the server's base context, cancelled on Shutdown. Callers
// that run alongside the HTTP server (the lease reaper, the tail follower)
// use this to stop in step with it.
func (s *Server) Context() context.Context {
	return s.baseCtx
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
