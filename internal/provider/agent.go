package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"warelay/internal/domain"
	"warelay/internal/metrics"
)

// ErrAgentNotConfigured is returned when no agent URL is set.
var ErrAgentNotConfigured = errors.New("agent URL not configured")

// AgentConfig configures the reasoning agent client.
type AgentConfig struct {
	URL        string
	Timeout    time.Duration // per call; defaults to 60s
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// AgentClient calls the downstream reasoning agent: POST {"text"} -> {"reply"}.
type AgentClient struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

var _ domain.Agent = (*AgentClient)(nil)

type agentRequest struct {
	Text string `json:"text"`
}

type agentResponse struct {
	Reply string `json:"reply"`
}

func NewAgentClient(cfg AgentConfig) *AgentClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AgentClient{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

// Ask posts text to the agent. Transport failures, timeouts and undecodable
// 200 bodies are errors; a non-200 status is returned in the reply.
func (a *AgentClient) Ask(ctx context.Context, text string) (*domain.AgentReply, error) {
	if a.url == "" {
		return nil, ErrAgentNotConfigured
	}

	body, err := json.Marshal(agentRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	a.logger.Debug("calling agent", "url", a.url, "text_len", len(text))

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()
	metrics.AgentLatency.Observe(time.Since(start).Seconds())

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &domain.AgentReply{StatusCode: resp.StatusCode, Body: string(respBody)}, nil
	}

	var ar agentResponse
	if err := json.Unmarshal(respBody, &ar); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	return &domain.AgentReply{StatusCode: resp.StatusCode, Reply: ar.Reply, Body: string(respBody)}, nil
}
