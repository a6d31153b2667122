package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/metrics"
	"github.com/matt-riley/flagkit/internal/middleware"
	"github.com/matt-riley/flagkit/internal/repository"
	"github.com/matt-riley/flagkit/internal/service"
)

const (
	DefaultMaxJSONBodyBytes = 1 << 20
	maxBulkFlags            = 100
	unmatchedRoute          = "unmatched"
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service          Service
	metrics          *metrics.Metrics
	limiter          *middleware.RateLimiter
	healthCheck      func(context.Context) error
	maxJSONBodyBytes int64
}

type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize caps request bodies; larger bodies get 413.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithMetrics records request metrics and serves them on GET /metrics.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) {
		s.metrics = m
	}
}

// WithEvaluateRateLimiter applies rl to the evaluate routes only.
func WithEvaluateRateLimiter(rl *middleware.RateLimiter) HTTPOption {
	return func(s *HTTPServer) {
		s.limiter = rl
	}
}

// WithHealthCheck makes GET /healthz report 503 while check fails.
func WithHealthCheck(check func(context.Context) error) HTTPOption {
	return func(s *HTTPServer) {
		s.healthCheck = check
	}
}

type upsertFlagRequest struct {
	RuleDefinitions *[]core.RuleDefinition `json:"ruleDefinitions,omitempty"`
	Enabled         *bool                  `json:"enabled,omitempty"`
	Description     *string                `json:"description,omitempty"`
}

type flagResponse struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Environment     string                `json:"environment"`
	Enabled         bool                  `json:"enabled"`
	Description     string                `json:"description"`
	RuleDefinitions []core.RuleDefinition `json:"ruleDefinitions"`
}

type evaluateRequest struct {
	Flag    string                 `json:"flag"`
	Context core.EvaluationContext `json:"context,omitempty"`
}

type bulkEvaluateRequest struct {
	Flags   []string               `json:"flags"`
	Context core.EvaluationContext `json:"context,omitempty"`
}

func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:          svc,
		maxJSONBodyBytes: DefaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1/environments/{env}/flags/{name}", server.handleUpsertFlag)
	mux.HandleFunc("GET /v1/environments/{env}/flags/{name}", server.handleGetFlag)
	mux.HandleFunc("GET /v1/environments/{env}/flags/{name}/evaluations", server.handleListEvaluations)
	mux.HandleFunc("GET /v1/flags/{name}", server.handleGetFlagByQuery)
	mux.Handle("POST /v1/environments/{env}/evaluate", server.limiter.Middleware(http.HandlerFunc(server.handleEvaluate)))
	mux.Handle("POST /v1/environments/{env}/evaluate/bulk", server.limiter.Middleware(http.HandlerFunc(server.handleBulkEvaluate)))
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}

	return server.withMetrics(mux)
}

func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		// ServeMux fills in Pattern on the request it dispatched.
		route := r.Pattern
		if route == "" {
			route = unmatchedRoute
		}
		s.metrics.ObserveHTTPRequest(r.Method, route, recorder.status, time.Since(start))
	})
}

func (s *HTTPServer) handleUpsertFlag(w http.ResponseWriter, r *http.Request) {
	env, name, ok := flagPath(w, r)
	if !ok {
		return
	}

	var request upsertFlagRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	existing, err := s.service.FindFlag(r.Context(), name, env)
	if errors.Is(err, service.ErrFlagNotFound) {
		params := service.CreateFlagParams{Name: name, Environment: env}
		if request.RuleDefinitions != nil {
			params.RuleDefinitions = *request.RuleDefinitions
		}
		if request.Enabled != nil {
			params.Enabled = *request.Enabled
		}
		if request.Description != nil {
			params.Description = *request.Description
		}

		created, err := s.service.CreateFlag(r.Context(), params)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toFlagResponse(created))
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	if request.RuleDefinitions != nil {
		rules, err := core.NewRules(*request.RuleDefinitions)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		existing.Rules = rules
	}
	if request.Enabled != nil {
		existing.Enabled = *request.Enabled
	}
	if request.Description != nil {
		existing.Description = *request.Description
	}

	updated, err := s.service.UpdateFlag(r.Context(), existing)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlagResponse(updated))
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	env, name, ok := flagPath(w, r)
	if !ok {
		return
	}
	s.writeFlag(w, r, name, env)
}

// handleGetFlagByQuery serves the older /v1/flags/{name}?env= lookup.
func (s *HTTPServer) handleGetFlagByQuery(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	env := strings.TrimSpace(r.URL.Query().Get("env"))
	if env == "" {
		writeJSONError(w, http.StatusBadRequest, "env is required")
		return
	}
	s.writeFlag(w, r, name, env)
}

func (s *HTTPServer) writeFlag(w http.ResponseWriter, r *http.Request, name, env string) {
	flag, err := s.service.FindFlag(r.Context(), name, env)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlagResponse(flag))
}

func (s *HTTPServer) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	env, name, ok := flagPath(w, r)
	if !ok {
		return
	}

	flag, err := s.service.FindFlag(r.Context(), name, env)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	evaluations, err := s.service.GetEvaluations(r.Context(), flag.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if evaluations == nil {
		evaluations = []repository.Evaluation{}
	}
	writeJSON(w, http.StatusOK, evaluations)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	env := strings.TrimSpace(r.PathValue("env"))

	var request evaluateRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.Flag) == "" {
		writeJSONError(w, http.StatusBadRequest, "flag is required")
		return
	}

	result, err := s.service.Evaluate(r.Context(), request.Flag, env, request.Context)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleBulkEvaluate(w http.ResponseWriter, r *http.Request) {
	env := strings.TrimSpace(r.PathValue("env"))

	var request bulkEvaluateRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if len(request.Flags) == 0 {
		writeJSONError(w, http.StatusBadRequest, "flags is required")
		return
	}
	if len(request.Flags) > maxBulkFlags {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("at most %d flags per request", maxBulkFlags))
		return
	}

	results, err := s.service.BulkEvaluate(r.Context(), request.Flags, env, request.Context)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		if err := s.healthCheck(r.Context()); err != nil {
			middleware.LoggerFromContext(r.Context()).WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func flagPath(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	env := strings.TrimSpace(r.PathValue("env"))
	name := strings.TrimSpace(r.PathValue("name"))
	if env == "" || name == "" {
		writeJSONError(w, http.StatusBadRequest, "environment and flag name are required")
		return "", "", false
	}
	return env, name, true
}

func toFlagResponse(flag core.Flag) flagResponse {
	return flagResponse{
		ID:              flag.ID,
		Name:            flag.Name,
		Environment:     flag.Environment,
		Enabled:         flag.Enabled,
		Description:     flag.Description,
		RuleDefinitions: flag.Definitions(),
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrFlagNotFound):
		writeJSONError(w, http.StatusNotFound, service.ErrFlagNotFound.Error())
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, core.ErrUnsupportedRuleType),
		errors.Is(err, core.ErrInvalidRuleConfig):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		middleware.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"error", err,
		)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
