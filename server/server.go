// Package server exposes the HTTP API: worker job intake, the verifier
// handshake, payout address verification, and the admin surface.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"proofwork/artifacts"
	"proofwork/descriptor"
	"proofwork/dispute"
	"proofwork/queue"
	"proofwork/storage"
	"proofwork/verification"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Store         *storage.Store
	Queue         *queue.Queue
	Coordinator   *verification.Coordinator
	Disputes      *dispute.Service
	Artifacts     *artifacts.Service
	WorkerAuth    *WorkerAuth
	VerifierAuth  *Authenticator
	AdminAuth     *Authenticator
	Validator     descriptor.Validator
	TokenPepper   string
	DisputeWindow time.Duration
	RateLimit     rate.Limit
	RateBurst     int
	AddressMaxAge time.Duration
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	store         *storage.Store
	queue         *queue.Queue
	coordinator   *verification.Coordinator
	disputes      *dispute.Service
	artifacts     *artifacts.Service
	workerAuth    *WorkerAuth
	verifierAuth  *Authenticator
	adminAuth     *Authenticator
	validator     descriptor.Validator
	tokenPepper   string
	disputeWindow time.Duration
	addressTTL    time.Duration

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Limit(100)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 200
	}
	if cfg.AddressMaxAge <= 0 {
		cfg.AddressMaxAge = 10 * time.Minute
	}
	srv := &Server{
		store:         cfg.Store,
		queue:         cfg.Queue,
		coordinator:   cfg.Coordinator,
		disputes:      cfg.Disputes,
		artifacts:     cfg.Artifacts,
		workerAuth:    cfg.WorkerAuth,
		verifierAuth:  cfg.VerifierAuth,
		adminAuth:     cfg.AdminAuth,
		validator:     cfg.Validator,
		tokenPepper:   cfg.TokenPepper,
		disputeWindow: cfg.DisputeWindow,
		addressTTL:    cfg.AddressMaxAge,
	}
	srv.router = srv.buildRouter(rate.NewLimiter(cfg.RateLimit, cfg.RateBurst))
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(limiter *rate.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return withRateLimit(limiter, next) })

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Group(func(worker chi.Router) {
			worker.Use(s.workerAuth.Middleware)
			worker.Use(func(next http.Handler) http.Handler { return withIdempotency(s.store.DB(), next) })
			worker.Get("/jobs/next", s.NextJob)
			worker.Post("/jobs/{id}/claim", s.ClaimJob)
			worker.Post("/jobs/{id}/submit", s.SubmitJob)
			worker.Post("/artifacts/upload-complete", s.UploadComplete)
			worker.Post("/worker/payout-address/message", s.PayoutAddressMessage)
			worker.Post("/worker/payout-address", s.SetPayoutAddress)
		})
		api.Group(func(verifier chi.Router) {
			verifier.Use(s.verifierAuth.Middleware)
			verifier.Post("/verifier/claim", s.VerifierClaim)
			verifier.Post("/verifier/verdict", s.VerifierVerdict)
		})
		api.Group(func(admin chi.Router) {
			admin.Use(s.adminAuth.Middleware)
			admin.Post("/internal/reap-leases", s.ReapLeases)
			admin.Post("/admin/workers", s.CreateWorker)
			admin.Post("/admin/bounties", s.CreateBounty)
			admin.Post("/admin/disputes", s.OpenDispute)
			admin.Post("/admin/disputes/{id}/cancel", s.CancelDispute)
			admin.Post("/admin/disputes/{id}/resolve", s.ResolveDispute)
		})
	})

	return r
}

// Healthz reports liveness and database reachability.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.store.DB().DB()
	if err != nil || sqlDB.PingContext(r.Context()) != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Code: code, Message: message}})
}
