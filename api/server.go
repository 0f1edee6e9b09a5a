// Package api exposes the local view over HTTP: a snapshot endpoint, claim
// submission and a websocket that pushes a fresh snapshot on every change.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"nhooyr.io/websocket"

	"pixelwar/claim"
	"pixelwar/journal"
	"pixelwar/ledger"
	"pixelwar/observability/logging"
	"pixelwar/sessionkey"
	"pixelwar/view"
)

const wsWriteTimeout = 10 * time.Second

// Engine is the sync engine surface the API serves.
type Engine interface {
	Snapshot() view.Snapshot
	Subscribe() (<-chan struct{}, func())
	Claim(ctx context.Context, x, y int) error
}

// ClaimLog lists journaled claim attempts.
type ClaimLog interface {
	RecentClaims(ctx context.Context, gameID uint64, limit int) ([]journal.ClaimAttempt, error)
}

// Config configures the API.
type Config struct {
	GameID    uint64
	JWTSecret string
	JWTIssuer string
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64
	RateBurst int
	// Registry receives the API collectors. Nil uses the default registry.
	Registry *prometheus.Registry
	// AllowedOrigins are the host patterns a browser may open the stream
	// from. Empty allows same-origin requests only.
	AllowedOrigins []string
}

// Server routes API requests to the engine.
type Server struct {
	cfg     Config
	engine  Engine
	claims  ClaimLog
	auth    *Authenticator
	limiter *RateLimiter
	obs     *Observability
	gather  prometheus.Gatherer
	logger  *slog.Logger
	router  http.Handler
}

// New builds the server. claims may be nil when the journal is disabled.
func New(cfg Config, engine Engine, claims ClaimLog, logger *slog.Logger) *Server {
	logger = logging.Component(logger, "api")
	var (
		reg    prometheus.Registerer = prometheus.DefaultRegisterer
		gather prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if cfg.Registry != nil {
		reg, gather = cfg.Registry, cfg.Registry
	}
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		claims:  claims,
		auth:    NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, logger),
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		obs:     NewObservability(reg, logger),
		gather:  gather,
		logger:  logger,
	}
	s.router = otelhttp.NewHandler(s.buildRouter(), "pixelwar-api")
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware)
		v1.With(s.obs.Middleware("state")).Get("/state", s.handleState)
		v1.With(s.obs.Middleware("claims.list")).Get("/claims", s.handleListClaims)
		v1.With(s.obs.Middleware("claims.create"), s.auth.Middleware).Post("/claims", s.handleClaim)
		v1.With(s.obs.Middleware("stream")).Get("/stream", s.handleStream)
	})
	return r
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("api listening", slog.String("addr", addr))
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

type claimRequest struct {
	X *int `json:"x"`
	Y *int `json:"y"`
}

type claimResponse struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Status string `json:"status"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.X == nil || req.Y == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"x\":int,\"y\":int}")
		return
	}
	// Once broadcast the transaction mines whether or not the client stays,
	// so a disconnect must not roll the optimistic claim back.
	if err := s.engine.Claim(context.WithoutCancel(r.Context()), *req.X, *req.Y); err != nil {
		status := claimStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("claim failed", slog.Int("x", *req.X), slog.Int("y", *req.Y), slog.String("error", err.Error()))
		}
		writeError(w, status, claim.Message(err))
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{X: *req.X, Y: *req.Y, Status: claim.OutcomeCommitted})
}

func claimStatus(err error) int {
	var (
		rejection *claim.RejectionError
		funding   *sessionkey.FundingError
		txErr     *ledger.TxError
	)
	switch {
	case errors.As(err, &rejection), errors.Is(err, claim.ErrCancelled):
		return http.StatusConflict
	case errors.As(err, &funding):
		return http.StatusPaymentRequired
	case errors.As(err, &txErr):
		if txErr.Kind == ledger.KindPrecondition {
			return http.StatusConflict
		}
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	if s.claims == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	rows, err := s.claims.RecentClaims(r.Context(), s.cfg.GameID, limit)
	if err != nil {
		s.logger.Warn("list claims failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"claims": rows})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamSnapshots(ctx, conn); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamSnapshots(ctx context.Context, conn *websocket.Conn) error {
	changes, cancel := s.engine.Subscribe()
	defer cancel()
	if err := writeSnapshot(ctx, conn, s.engine.Snapshot()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
			if err := writeSnapshot(ctx, conn, s.engine.Snapshot()); err != nil {
				return err
			}
		}
	}
}

func writeSnapshot(ctx context.Context, conn *websocket.Conn, snap view.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
