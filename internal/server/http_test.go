package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/metrics"
	"github.com/matt-riley/flagkit/internal/middleware"
	"github.com/matt-riley/flagkit/internal/repository"
	"github.com/matt-riley/flagkit/internal/service"
)

func newTestHandler(t *testing.T, opts ...HTTPOption) (http.Handler, *service.Service) {
	t.Helper()
	svc, err := service.New(repository.NewMemoryRepository())
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}
	return NewHTTPHandler(svc, opts...), svc
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal response %q: %v", rec.Body.String(), err)
	}
	return out
}

const rolloutBody = `{
	"enabled": true,
	"description": "new checkout",
	"ruleDefinitions": [
		{"id": "beta", "name": "beta users", "type": "targeted", "config": {"attribute": "country", "values": ["US", "CA"]}},
		{"id": "everyone", "name": "everyone", "type": "percentage", "config": "{\"percentage\":100}"}
	]
}`

func TestHTTPHandlerUpsertFlag(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPut, "/v1/environments/prod/flags/checkout", rolloutBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	created := decodeBody[flagResponse](t, rec)
	if created.ID == "" || created.Name != "checkout" || created.Environment != "prod" || !created.Enabled {
		t.Fatalf("created flag = %+v", created)
	}
	if len(created.RuleDefinitions) != 2 || created.RuleDefinitions[0].ID != "beta" {
		t.Fatalf("created rules = %+v, want [beta everyone]", created.RuleDefinitions)
	}

	// Omitted fields keep their stored values.
	rec = doJSON(t, handler, http.MethodPut, "/v1/environments/prod/flags/checkout", `{"description":"renamed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	updated := decodeBody[flagResponse](t, rec)
	if updated.ID != created.ID || updated.Description != "renamed" || !updated.Enabled || len(updated.RuleDefinitions) != 2 {
		t.Fatalf("updated flag = %+v, want same id, rules and enabled with new description", updated)
	}

	rec = doJSON(t, handler, http.MethodPut, "/v1/environments/prod/flags/checkout", `{"ruleDefinitions":[],"enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d, want %d", rec.Code, http.StatusOK)
	}
	cleared := decodeBody[flagResponse](t, rec)
	if cleared.Enabled || len(cleared.RuleDefinitions) != 0 {
		t.Fatalf("cleared flag = %+v, want disabled with no rules", cleared)
	}
}

func TestHTTPHandlerUpsertFlagValidation(t *testing.T) {
	handler, _ := newTestHandler(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "unknown rule type", body: `{"ruleDefinitions":[{"name":"geo","type":"geo","config":{}}]}`, want: http.StatusBadRequest},
		{name: "percentage out of range", body: `{"ruleDefinitions":[{"name":"p","type":"percentage","config":{"percentage":101}}]}`, want: http.StatusBadRequest},
		{name: "targeted without attribute", body: `{"ruleDefinitions":[{"name":"t","type":"targeted","config":{"values":[1]}}]}`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"color":"blue"}`, want: http.StatusBadRequest},
		{name: "invalid json", body: `{`, want: http.StatusBadRequest},
		{name: "trailing document", body: `{} {}`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, handler, http.MethodPut, "/v1/environments/prod/flags/checkout", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	// A rejected update leaves the stored flag alone.
	if rec := doJSON(t, handler, http.MethodPut, "/v1/environments/prod/flags/checkout", rolloutBody); rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	rec := doJSON(t, handler, http.MethodPut, "/v1/environments/prod/flags/checkout",
		`{"ruleDefinitions":[{"id":"x","name":"a","type":"targeted","config":{"attribute":"a","values":[]}},{"id":"x","name":"b","type":"targeted","config":{"attribute":"b","values":[]}}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate rule ids status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	got := decodeBody[flagResponse](t, doJSON(t, handler, http.MethodGet, "/v1/environments/prod/flags/checkout", ""))
	if len(got.RuleDefinitions) != 2 {
		t.Fatalf("rules after rejected update = %+v, want original two", got.RuleDefinitions)
	}
}

func TestHTTPHandlerGetFlag(t *testing.T) {
	handler, _ := newTestHandler(t)
	doJSON(t, handler, http.MethodPut, "/v1/environments/prod/flags/checkout", rolloutBody)

	rec := doJSON(t, handler, http.MethodGet, "/v1/environments/prod/flags/checkout", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}

	byQuery := doJSON(t, handler, http.MethodGet, "/v1/flags/checkout?env=prod", "")
	if byQuery.Code != http.StatusOK || byQuery.Body.String() != rec.Body.String() {
		t.Fatalf("query lookup = %d %s, want same body as path lookup", byQuery.Code, byQuery.Body.String())
	}

	if rec := doJSON(t, handler, http.MethodGet, "/v1/flags/checkout", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing env status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if rec := doJSON(t, handler, http.MethodGet, "/v1/environments/staging/flags/checkout", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("other environment status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHTTPHandlerEvaluate(t *testing.T) {
	handler, _ := newTestHandler(t)
	doJSON(t, handler, http.MethodPut, "/v1/environments/prod/flags/checkout", rolloutBody)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		want       core.Result
		wantError  string
	}{
		{
			name:       "targeted match",
			body:       `{"flag":"checkout","context":{"country":"US","userId":"u-1"}}`,
			wantStatus: http.StatusOK,
			want:       core.Result{Enabled: true, Reason: "targeted"},
		},
		{
			name:       "percentage fallback",
			body:       `{"flag":"checkout","context":{"country":"FR","userId":42}}`,
			wantStatus: http.StatusOK,
			want:       core.Result{Enabled: true, Reason: "percentage"},
		},
		{
			name:       "no identity",
			body:       `{"flag":"checkout","context":{"country":"FR"}}`,
			wantStatus: http.StatusOK,
			want:       core.Result{Enabled: false, Reason: "none"},
		},
		{
			name:       "missing flag name",
			body:       `{"context":{}}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "flag is required",
		},
		{
			name:       "unknown flag",
			body:       `{"flag":"nope"}`,
			wantStatus: http.StatusNotFound,
			wantError:  "feature flag not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, handler, http.MethodPost, "/v1/environments/prod/evaluate", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantError != "" {
				if got := decodeBody[map[string]string](t, rec)["error"]; got != tt.wantError {
					t.Fatalf("error = %q, want %q", got, tt.wantError)
				}
				return
			}
			if got := decodeBody[core.Result](t, rec); got != tt.want {
				t.Fatalf("result = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHTTPHandlerBulkEvaluate(t *testing.T) {
	handler, _ := newTestHandler(t)
	doJSON(t, handler, http.MethodPut, "/v1/environments/prod/flags/checkout", rolloutBody)
	doJSON(t, handler, http.MethodPut, "/v1/environments/prod/flags/empty", `{"enabled":true}`)

	rec := doJSON(t, handler, http.MethodPost, "/v1/environments/prod/evaluate/bulk",
		`{"flags":["checkout","empty","missing"],"context":{"country":"CA"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	got := decodeBody[map[string]core.Result](t, rec)
	want := map[string]core.Result{
		"checkout": {Enabled: true, Reason: "targeted"},
		"empty":    {Enabled: false, Reason: core.ReasonNoRules},
		"missing":  {Enabled: false, Reason: core.ReasonNotFound},
	}
	if len(got) != len(want) {
		t.Fatalf("results = %+v, want %+v", got, want)
	}
	for name, result := range want {
		if got[name] != result {
			t.Fatalf("results[%q] = %+v, want %+v", name, got[name], result)
		}
	}

	if rec := doJSON(t, handler, http.MethodPost, "/v1/environments/prod/evaluate/bulk", `{"flags":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty flags status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	tooMany := `{"flags":[` + strings.TrimSuffix(strings.Repeat(`"f",`, maxBulkFlags+1), ",") + `]}`
	if rec := doJSON(t, handler, http.MethodPost, "/v1/environments/prod/evaluate/bulk", tooMany); rec.Code != http.StatusBadRequest {
		t.Fatalf("too many flags status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandlerListEvaluations(t *testing.T) {
	handler, _ := newTestHandler(t)
	doJSON(t, handler, http.MethodPut, "/v1/environments/prod/flags/checkout", rolloutBody)

	doJSON(t, handler, http.MethodPost, "/v1/environments/prod/evaluate", `{"flag":"checkout","context":{"country":"US"}}`)
	doJSON(t, handler, http.MethodPost, "/v1/environments/prod/evaluate", `{"flag":"checkout","context":{"country":"FR"}}`)

	rec := doJSON(t, handler, http.MethodGet, "/v1/environments/prod/flags/checkout/evaluations", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	evaluations := decodeBody[[]repository.Evaluation](t, rec)
	if len(evaluations) != 2 {
		t.Fatalf("evaluations = %d, want 2", len(evaluations))
	}
	if evaluations[0].Reason != "none" || string(evaluations[0].Context) != `{"country":"FR"}` {
		t.Fatalf("newest evaluation = %+v, want the FR evaluation", evaluations[0])
	}

	doJSON(t, handler, http.MethodPut, "/v1/environments/prod/flags/quiet", `{}`)
	rec = doJSON(t, handler, http.MethodGet, "/v1/environments/prod/flags/quiet/evaluations", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty audit body = %q, want []", rec.Body.String())
	}
}

func TestHTTPHandlerBodyTooLarge(t *testing.T) {
	handler, _ := newTestHandler(t, WithMaxJSONBodySize(32))

	rec := doJSON(t, handler, http.MethodPost, "/v1/environments/prod/evaluate",
		`{"flag":"checkout","context":{"padding":"`+strings.Repeat("x", 64)+`"}}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestHTTPHandlerRateLimitsEvaluateOnly(t *testing.T) {
	m := metrics.New()
	limiter := middleware.NewRateLimiter(context.Background(), 1, middleware.WithOnLimited(m.IncRateLimited))
	t.Cleanup(limiter.Stop)
	handler, _ := newTestHandler(t, WithEvaluateRateLimiter(limiter), WithMetrics(m))
	doJSON(t, handler, http.MethodPut, "/v1/environments/prod/flags/checkout", rolloutBody)

	body := `{"flag":"checkout"}`
	if rec := doJSON(t, handler, http.MethodPost, "/v1/environments/prod/evaluate", body); rec.Code != http.StatusOK {
		t.Fatalf("first evaluate status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := doJSON(t, handler, http.MethodPost, "/v1/environments/prod/evaluate", body); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second evaluate status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec := doJSON(t, handler, http.MethodGet, "/v1/environments/prod/flags/checkout", ""); rec.Code != http.StatusOK {
		t.Fatalf("flag lookup status = %d, want %d (not rate limited)", rec.Code, http.StatusOK)
	}

	metricsBody := doJSON(t, handler, http.MethodGet, "/metrics", "").Body.String()
	if !strings.Contains(metricsBody, "flagkit_rate_limited_requests_total 1") {
		t.Fatalf("metrics output missing rate limit counter:\n%s", metricsBody)
	}
}

func TestHTTPHandlerRecordsRouteMetrics(t *testing.T) {
	m := metrics.New()
	handler, _ := newTestHandler(t, WithMetrics(m))

	doJSON(t, handler, http.MethodGet, "/v1/environments/prod/flags/missing", "")
	doJSON(t, handler, http.MethodGet, "/nope", "")

	rec := doJSON(t, handler, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`route="GET /v1/environments/{env}/flags/{name}",status="404"`,
		`route="unmatched",status="404"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s:\n%s", want, body)
		}
	}
}

func TestHTTPHandlerHealthz(t *testing.T) {
	healthy, _ := newTestHandler(t)
	if rec := doJSON(t, healthy, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	unhealthy, _ := newTestHandler(t, WithHealthCheck(func(context.Context) error { return errors.New("db down") }))
	rec := doJSON(t, unhealthy, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if got := decodeBody[map[string]string](t, rec)["status"]; got != "unavailable" {
		t.Fatalf("status body = %q, want unavailable", got)
	}
}

func TestHTTPHandlerStorageErrorsAreOpaque(t *testing.T) {
	handler := NewHTTPHandler(&failingService{err: errors.New("pq: connection refused")})

	rec := doJSON(t, handler, http.MethodPost, "/v1/environments/prod/evaluate", `{"flag":"checkout"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("response leaks storage error: %s", rec.Body.String())
	}

	handler = NewHTTPHandler(&failingService{err: context.Canceled})
	if rec := doJSON(t, handler, http.MethodPost, "/v1/environments/prod/evaluate", `{"flag":"checkout"}`); rec.Code != http.StatusRequestTimeout {
		t.Fatalf("cancelled status = %d, want %d", rec.Code, http.StatusRequestTimeout)
	}
}

func TestNewHTTPHandlerPanicsOnNilService(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewHTTPHandler(nil) did not panic")
		}
	}()
	NewHTTPHandler(nil)
}

type failingService struct {
	Service
	err error
}

func (f *failingService) Evaluate(context.Context, string, string, core.EvaluationContext) (core.Result, error) {
	return core.Result{}, f.err
}
