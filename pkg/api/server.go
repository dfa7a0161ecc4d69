package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/trialmesh/chronicle/pkg/conflict"
	"github.com/trialmesh/chronicle/pkg/evidence"
	"github.com/trialmesh/chronicle/pkg/export"
	"github.com/trialmesh/chronicle/pkg/ledger"
	"github.com/trialmesh/chronicle/pkg/observability"
	"github.com/trialmesh/chronicle/pkg/verify"
)

// Default per-IP rate limit. Submission bursts from offline sync are the
// expected worst case.
const (
	defaultRateLimit = 50
	defaultRateBurst = 100
)

// Deps carries the wired services into NewServer. Anchors may be nil when no
// timestamp authority is configured; recorded proofs are then reported
// without live re-verification.
type Deps struct {
	Ledger    *ledger.Ledger
	Store     ledger.Store
	Manager   *conflict.Manager
	Evidence  *evidence.Builder
	Bundles   evidence.Store
	Verifier  *verify.StreamVerifier
	Anchors   *verify.AnchorVerifier
	Exporter  *export.Exporter
	Observer  *observability.Provider
	Validator *JWTValidator
	Logger    *slog.Logger
}

// Server exposes the ledger over HTTP.
type Server struct {
	ledger    *ledger.Ledger
	store     ledger.Store
	manager   *conflict.Manager
	evidence  *evidence.Builder
	bundles   evidence.Store
	verifier  *verify.StreamVerifier
	anchors   *verify.AnchorVerifier
	exporter  *export.Exporter
	obs       *observability.Provider
	validator *JWTValidator
	limiter   *RateLimiter
	logger    *slog.Logger
}

// NewServer creates a Server over the given dependencies.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := d.Observer
	if obs == nil {
		obs, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	return &Server{
		ledger:    d.Ledger,
		store:     d.Store,
		manager:   d.Manager,
		evidence:  d.Evidence,
		bundles:   d.Bundles,
		verifier:  d.Verifier,
		anchors:   d.Anchors,
		exporter:  d.Exporter,
		obs:       obs,
		validator: d.Validator,
		limiter:   NewRateLimiter(defaultRateLimit, defaultRateBurst),
		logger:    logger,
	}
}

// RegisterRoutes attaches all endpoints to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/streams/{id}/events", s.handleAppend)
	mux.HandleFunc("GET /api/streams/{id}/events", s.handleReadStream)
	mux.HandleFunc("GET /api/streams/{id}/head", s.handleHead)
	mux.HandleFunc("GET /api/streams/{id}/verify", s.handleVerifyStream)
	mux.HandleFunc("GET /api/streams/{id}/export", s.handleExport)

	mux.HandleFunc("POST /api/streams/{id}/annotations", s.handleProposeAnnotation)
	mux.HandleFunc("GET /api/streams/{id}/annotations", s.handleAnnotations)
	mux.HandleFunc("GET /api/streams/{id}/conflicts", s.handleStreamConflicts)

	mux.HandleFunc("GET /api/anchors/{digest}", s.handleAnchorStatus)

	mux.HandleFunc("GET /api/conflicts/{id}", s.handleConflict)
	mux.HandleFunc("POST /api/conflicts/{id}/review", s.handleReview)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", s.handleResolve)
}

// Handler returns the full middleware-wrapped HTTP handler:
// rate limit, request log, auth, routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var h http.Handler = mux
	h = NewAuthMiddleware(s.validator)(h)
	h = Logging(s.logger, h)
	h = s.limiter.Middleware(h)
	return h
}
