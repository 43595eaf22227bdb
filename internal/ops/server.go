// Package ops exposes the operational HTTP surface: process health plus
// read-only status views of the breakers, balances, publisher, bridge
// recovery, signer, and archive. It never mutates pipeline state.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/arbiterlabs/chainarb/internal/archive"
	"github.com/arbiterlabs/chainarb/internal/bridge"
	"github.com/arbiterlabs/chainarb/internal/consume"
	"github.com/arbiterlabs/chainarb/internal/detect"
	"github.com/arbiterlabs/chainarb/internal/safety"
	"github.com/arbiterlabs/chainarb/internal/signer"
)

// Deps holds the components the server reports on. Any field may be nil;
// the matching endpoint then reports the component as absent.
type Deps struct {
	Breakers  *safety.BreakerManager
	Balances  *safety.BalanceMonitor
	Publisher *detect.Publisher
	Consumer  *consume.Consumer
	Recovery  *bridge.RecoveryManager
	Signer    *signer.KmsSigner
	Archive   *archive.Store
}

// Server is the ops HTTP server.
type Server struct {
	router  chi.Router
	server  *http.Server
	deps    Deps
	service string
	started time.Time
	log     zerolog.Logger
}

// NewServer builds the server on the given port.
func NewServer(port int, service string, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		deps:    deps,
		service: service,
		started: time.Now(),
		log:     log.With().Str("service", "ops_server").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Route("/status", func(r chi.Router) {
		r.Get("/circuits", s.handleCircuits)
		r.Get("/balances", s.handleBalances)
		r.Get("/publisher", s.handlePublisher)
		r.Get("/consumer", s.handleConsumer)
		r.Get("/bridge", s.handleBridge)
		r.Get("/signer", s.handleSigner)
		r.Get("/archive", s.handleArchive)
	})
}

// Start serves until Shutdown. ErrServerClosed is the normal exit.
func (s *Server) Start() {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting ops server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Ops server failed")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

type healthResponse struct {
	Status        string  `json:"status"`
	Service       string  `json:"service"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
	MemoryPercent float64 `json:"memoryPercent"`
	CPUPercent    float64 `json:"cpuPercent"`
	OpenCircuits  int     `json:"openCircuits"`
	FailedChains  int     `json:"failedChains"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Service:       s.service,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}

	if stat, err := mem.VirtualMemory(); err == nil {
		resp.MemoryPercent = stat.UsedPercent
	}
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}

	if s.deps.Breakers != nil {
		for _, v := range s.deps.Breakers.Snapshot() {
			if v.State == safety.StateOpen {
				resp.OpenCircuits++
			}
		}
	}
	if s.deps.Balances != nil {
		snap := s.deps.Balances.Snapshot()
		resp.FailedChains = snap.FailedCount
		if snap.FailedCount > 0 {
			resp.Status = "degraded"
		}
	}
	if resp.OpenCircuits > 0 {
		resp.Status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breakers == nil {
		s.writeAbsent(w, "circuit breakers")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"breakers": s.deps.Breakers.Snapshot(),
	})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if s.deps.Balances == nil {
		s.writeAbsent(w, "balance monitor")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Balances.Snapshot())
}

func (s *Server) handlePublisher(w http.ResponseWriter, r *http.Request) {
	if s.deps.Publisher == nil {
		s.writeAbsent(w, "publisher")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Publisher.Stats())
}

func (s *Server) handleConsumer(w http.ResponseWriter, r *http.Request) {
	if s.deps.Consumer == nil {
		s.writeAbsent(w, "consumer")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Consumer.Stats())
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recovery == nil {
		s.writeAbsent(w, "bridge recovery")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Recovery.Stats())
}

func (s *Server) handleSigner(w http.ResponseWriter, r *http.Request) {
	if s.deps.Signer == nil {
		s.writeAbsent(w, "signer")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Signer.Snapshot())
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		s.writeAbsent(w, "archive")
		return
	}
	summary, err := s.deps.Archive.Summarize(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	recent, err := s.deps.Archive.RecentOpportunities(r.Context(), 25)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"summary": summary,
		"recent":  recent,
	})
}

func (s *Server) writeAbsent(w http.ResponseWriter, component string) {
	s.writeJSON(w, http.StatusNotFound, map[string]string{
		"error": component + " not running in this process",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}
