// Package api exposes the visibility engine over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/queue"
	"github.com/sells-group/visibility-engine/internal/resilience"
	"github.com/sells-group/visibility-engine/internal/visibility"
)

// maxBodyBytes caps request bodies. Ground-truth uploads carry page HTML.
const maxBodyBytes = 16 << 20

// Service is the orchestration surface the handlers call.
type Service interface {
	Dispatch(ctx context.Context, req visibility.DispatchRequest) (*visibility.DispatchResult, error)
	Claimable(ctx context.Context, req queue.ClaimRequest) ([]model.AcquisitionJob, error)
	Claim(ctx context.Context, ids []string, workerID string) ([]string, error)
	CompleteJob(ctx context.Context, c queue.Completion) (queue.Result, error)
	IngestTrial(ctx context.Context, req visibility.IngestRequest) (*visibility.IngestResult, error)
	Heartbeat(ctx context.Context, hb model.WorkerHeartbeat) error
	Verdict(ctx context.Context, unitID string, opts visibility.VerdictOptions) (*visibility.VerdictView, error)
	BatchProgress(ctx context.Context, batchID string) (*visibility.BatchProgress, error)
	CancelBatch(ctx context.Context, batchID string) (*visibility.CancelResult, error)
	PutGroundTruth(ctx context.Context, req visibility.GroundTruthRequest) (*model.FactSet, error)
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers.
type Server struct {
	svc    Service
	cfg    config.ServerConfig
	log    *zap.Logger
	router chi.Router
}

// NewServer builds the router.
func NewServer(svc Service, cfg config.ServerConfig) *Server {
	s := &Server{
		svc: svc,
		cfg: cfg,
		log: zap.L().With(zap.String("component", "api")),
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireKey)
		r.Use(middleware.AllowContentType("application/json"))

		r.Post("/dispatch", s.handleDispatch)

		r.Get("/queue", s.handleClaimable)
		r.Post("/queue", s.handleClaim)
		r.Patch("/queue", s.handleComplete)

		r.Post("/results", s.handleResult)
		r.Post("/workers/heartbeat", s.handleHeartbeat)

		r.Get("/verdicts/{unitID}", s.handleVerdict)
		r.Get("/batches/{batchID}", s.handleBatch)
		r.Post("/batches/{batchID}/cancel", s.handleCancel)
		r.Put("/brands/{brandID}/ground-truth", s.handleGroundTruth)
	})
	return r
}

// requireKey enforces the API key when one is configured. The key is
// accepted from X-API-Key or a bearer token.
func (s *Server) requireKey(next http.Handler) http.Handler {
	if s.cfg.APIKey == "" {
		return next
	}
	want := []byte(s.cfg.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-API-Key")
		if got == "" {
			got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *resilience.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: ve.Error(), Field: ve.Field})
	case errors.Is(err, visibility.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	default:
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// decode reads a JSON body. It writes the 400 response itself and reports
// whether the handler should continue.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}
