package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPAdapter wraps a single remote completion service reachable over
// HTTP. Each adapter owns its own http.Client, endpoint, and secret
// material — nothing here is shared across adapters.
type HTTPAdapter struct {
	desc       Descriptor
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// HTTPAdapterConfig carries the per-adapter wiring an operator configures.
type HTTPAdapterConfig struct {
	Descriptor Descriptor
	Endpoint   string
	APIKey     string
}

// NewHTTPAdapter builds an HTTPAdapter. A nil logger is replaced with a
// no-op logger.
func NewHTTPAdapter(cfg HTTPAdapterConfig, logger *zap.Logger) *HTTPAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Descriptor.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.Descriptor.RateLimitRPS > 0 {
		burst := cfg.Descriptor.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Descriptor.RateLimitRPS), burst)
	}

	return &HTTPAdapter{
		desc:     cfg.Descriptor,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: limiter,
		logger:  logger.With(zap.String("adapter", cfg.Descriptor.Name)),
	}
}

func (a *HTTPAdapter) Name() string           { return a.desc.Name }
func (a *HTTPAdapter) Descriptor() Descriptor { return a.desc }

type completionWireRequest struct {
	Prompt string `json:"prompt"`
}

type completionWireResponse struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Send issues one attempt against the remote service. It never retries —
// retry/fallback across adapters is the router's (C5) job, per spec §4.5.
func (a *HTTPAdapter) Send(ctx context.Context, req *Request) (*Response, FailureClass, error) {
	// Local throttle: classify as RateLimited before ever dialing out if
	// this adapter is already over its configured budget.
	if a.limiter != nil && !a.limiter.Allow() {
		return nil, RateLimited, fmt.Errorf("adapter %s: local rate limit exceeded", a.desc.Name)
	}

	start := time.Now()
	body, err := json.Marshal(completionWireRequest{Prompt: req.Prompt})
	if err != nil {
		return nil, PermanentClient, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, PermanentClient, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Transient, ctx.Err()
		}
		return nil, Transient, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, 10<<20)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, Transient, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, RateLimited, fmt.Errorf("adapter %s: HTTP 429", a.desc.Name)
	case resp.StatusCode >= 500:
		return nil, Transient, fmt.Errorf("adapter %s: HTTP %d", a.desc.Name, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, PermanentClient, fmt.Errorf("adapter %s: HTTP %d: %s", a.desc.Name, resp.StatusCode, raw)
	}

	var wire completionWireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, PermanentServer, fmt.Errorf("decode response: %w", err)
	}

	latency := time.Since(start)
	cost := float64(wire.InputTokens)/1000*a.desc.CostPer1kInputUSD + float64(wire.OutputTokens)/1000*a.desc.CostPer1kOutputUSD

	return &Response{
		Text:         wire.Text,
		AdapterName:  a.desc.Name,
		InputTokens:  wire.InputTokens,
		OutputTokens: wire.OutputTokens,
		CostUSD:      cost,
		Latency:      latency,
	}, NoFailure, nil
}

// HealthProbe issues a lightweight liveness check. A nil-body GET against
// the configured endpoint is used as the default probe.
func (a *HTTPAdapter) HealthProbe(ctx context.Context) (bool, time.Duration, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint, nil)
	if err != nil {
		return false, 0, err
	}
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return false, time.Since(start), err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	latency := time.Since(start)
	if resp.StatusCode >= 500 {
		return false, latency, fmt.Errorf("adapter %s: probe HTTP %d", a.desc.Name, resp.StatusCode)
	}
	return true, latency, nil
}
