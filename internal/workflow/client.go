package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/spreadrun/spreadrun/internal/engine"
)

// Config identifies one remote workflow endpoint.
type Config struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	// RateLimit caps requests per second to the endpoint. Zero means no cap.
	RateLimit float64 `json:"rate_limit,omitempty"`
}

// Client invokes a remote workflow over HTTP. One invocation posts the row
// inputs and blocks until the remote run finishes or the caller's deadline
// expires. Errors are classified for the scheduler's retry decision:
// network failures, timeouts and remote overload are transient, rejected
// requests are permanent.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a workflow client. A shared http.Client may be passed
// so invokers for different workflows reuse one connection pool; nil gets a
// private one.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &Client{cfg: cfg, http: httpClient}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

type runRequest struct {
	Inputs       map[string]any `json:"inputs"`
	ResponseMode string         `json:"response_mode"`
}

type runResponse struct {
	Data struct {
		Status  string         `json:"status"`
		Outputs map[string]any `json:"outputs"`
		Error   string         `json:"error"`
	} `json:"data"`
}

// Invoke runs the workflow once for the given inputs under the context's
// deadline.
func (c *Client) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, engine.TransientError(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	body, err := json.Marshal(runRequest{Inputs: inputs, ResponseMode: "blocking"})
	if err != nil {
		return nil, engine.PermanentError(fmt.Errorf("encode inputs: %w", err))
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/workflows/run"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, engine.PermanentError(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, engine.TransientError(fmt.Errorf("workflow request: %w", err))
	}
	defer resp.Body.Close()

	log.Debug().
		Str("url", url).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(started)).
		Msg("Workflow invocation returned")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, engine.TransientError(fmt.Errorf("remote workflow throttled (status %d)", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, engine.TransientError(fmt.Errorf("remote workflow error (status %d)", resp.StatusCode))
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, engine.PermanentError(fmt.Errorf("workflow request rejected (status %d): %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}

	var run runResponse
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, engine.TransientError(fmt.Errorf("decode workflow response: %w", err))
	}

	if run.Data.Status == "failed" {
		// The remote ran the workflow and it failed; running it again with
		// the same inputs would fail the same way.
		return nil, engine.PermanentError(fmt.Errorf("workflow run failed: %s", run.Data.Error))
	}

	return run.Data.Outputs, nil
}
