// Package client is a Go client for the flagkit HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds configuration for the client.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// RequestID, when set, is sent as X-Request-ID on every call.
	RequestID string
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// RuleDefinition mirrors the server's stored rule form.
type RuleDefinition struct {
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

type Flag struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Environment     string           `json:"environment"`
	Enabled         bool             `json:"enabled"`
	Description     string           `json:"description"`
	RuleDefinitions []RuleDefinition `json:"ruleDefinitions"`
}

// FlagUpdate is the body of an upsert. Nil fields keep the stored value, or
// the zero value when the flag is new.
type FlagUpdate struct {
	RuleDefinitions *[]RuleDefinition `json:"ruleDefinitions,omitempty"`
	Enabled         *bool             `json:"enabled,omitempty"`
	Description     *string           `json:"description,omitempty"`
}

type Result struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

type Evaluation struct {
	ID          int64           `json:"id"`
	FlagID      string          `json:"flag_id"`
	Environment string          `json:"environment"`
	Context     json.RawMessage `json:"context"`
	Enabled     bool            `json:"enabled"`
	Reason      string          `json:"reason"`
	CreatedAt   time.Time       `json:"created_at"`
}

// APIError is returned when the server answers with a 4xx or 5xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagkit: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// UpsertFlag creates or updates the flag. created is true when the server
// answered 201.
func (c *Client) UpsertFlag(ctx context.Context, env, name string, update FlagUpdate) (flag Flag, created bool, err error) {
	resp, err := c.do(ctx, http.MethodPut, flagPath(env, name), update)
	if err != nil {
		return Flag{}, false, err
	}
	defer resp.Body.Close()

	if err := decode(resp.Body, &flag); err != nil {
		return Flag{}, false, err
	}
	return flag, resp.StatusCode == http.StatusCreated, nil
}

func (c *Client) GetFlag(ctx context.Context, env, name string) (Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, flagPath(env, name), nil)
	if err != nil {
		return Flag{}, err
	}
	defer resp.Body.Close()

	var flag Flag
	if err := decode(resp.Body, &flag); err != nil {
		return Flag{}, err
	}
	return flag, nil
}

// ListEvaluations returns the audit trail for a flag, newest first.
func (c *Client) ListEvaluations(ctx context.Context, env, name string) ([]Evaluation, error) {
	resp, err := c.do(ctx, http.MethodGet, flagPath(env, name)+"/evaluations", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var evaluations []Evaluation
	if err := decode(resp.Body, &evaluations); err != nil {
		return nil, err
	}
	return evaluations, nil
}

func (c *Client) Evaluate(ctx context.Context, env, flag string, evalCtx map[string]any) (Result, error) {
	body := struct {
		Flag    string         `json:"flag"`
		Context map[string]any `json:"context,omitempty"`
	}{Flag: flag, Context: evalCtx}

	resp, err := c.do(ctx, http.MethodPost, environmentPath(env)+"/evaluate", body)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var result Result
	if err := decode(resp.Body, &result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// BulkEvaluate evaluates several flags against one context. Unknown flags
// come back disabled with reason "not-found".
func (c *Client) BulkEvaluate(ctx context.Context, env string, flags []string, evalCtx map[string]any) (map[string]Result, error) {
	body := struct {
		Flags   []string       `json:"flags"`
		Context map[string]any `json:"context,omitempty"`
	}{Flags: flags, Context: evalCtx}

	resp, err := c.do(ctx, http.MethodPost, environmentPath(env)+"/evaluate/bulk", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	results := make(map[string]Result, len(flags))
	if err := decode(resp.Body, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Healthy returns nil when /healthz reports ok.
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("flagkit: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("flagkit: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.RequestID != "" {
		req.Header.Set("X-Request-ID", c.cfg.RequestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagkit: http: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload struct {
		Error string `json:"error"`
	}
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		message = payload.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message}
}

func decode(r io.Reader, dst any) error {
	if err := json.NewDecoder(r).Decode(dst); err != nil {
		return fmt.Errorf("flagkit: decode response: %w", err)
	}
	return nil
}

func environmentPath(env string) string {
	return "/v1/environments/" + url.PathEscape(env)
}

func flagPath(env, name string) string {
	return environmentPath(env) + "/flags/" + url.PathEscape(name)
}
