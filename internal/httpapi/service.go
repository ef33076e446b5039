// Package httpapi exposes the thin operational HTTP surface: health,
// Prometheus metrics, an SSE event stream over the Event Bridge, and
// minimal session CRUD over the Session/State Engine. Full REST
// surfaces and UI shells are external collaborators out of scope here.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/eventbridge"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/logger"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/metrics"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/session"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/system"
)

// Service exposes the HTTP API and fits into the system manager lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// NewService builds the ops HTTP surface. Order matters: CORS
// short-circuits preflight OPTIONS before auth runs, and metrics wraps
// the final handler so every response (including 401s) is instrumented.
func NewService(sessions *session.Engine, bridge *eventbridge.Bridge, addr, jwtSigningKey string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	h := newHandler(sessions, bridge)
	mux := newMux(h)

	var handler http.Handler = mux
	handler = wrapWithAuth(handler, jwtSigningKey)
	handler = wrapWithCORS(handler)
	handler = metrics.InstrumentHandler(handler)

	return &Service{addr: addr, handler: handler, log: log}
}

var _ system.Service = (*Service)(nil)

func (s *Service) Name() string { return "http" }

func (s *Service) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", s.handler)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the SSE stream handler holds the connection open indefinitely
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
