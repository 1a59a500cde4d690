package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"warelay/internal/domain"
	"warelay/internal/provider"
)

// Completer turns one prompt into one reply.
type Completer interface {
	Complete(ctx context.Context, text string) (string, error)
}

// readyChecker is implemented by backends that can tell they are unusable
// before seeing any input.
type readyChecker interface {
	Ready() error
}

// AgentCompleter adapts the reasoning agent to a Completer.
type AgentCompleter struct {
	Agent domain.Agent
}

func (a AgentCompleter) Complete(ctx context.Context, text string) (string, error) {
	if a.Agent == nil {
		return "", provider.ErrAgentNotConfigured
	}
	reply, err := a.Agent.Ask(ctx, text)
	if err != nil {
		return "", err
	}
	if reply.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent returned status %d", reply.StatusCode)
	}
	if reply.Reply == "" {
		return "", errors.New("agent returned an empty reply")
	}
	return reply.Reply, nil
}

// ProcessConfig configures the direct /process endpoint.
type ProcessConfig struct {
	Backend Completer
	Logger  *slog.Logger
}

// Process answers POST /process {"text"} synchronously with {"reply"}.
// It always answers 200; failures are reported in the reply text.
type Process struct {
	backend Completer
	logger  *slog.Logger
}

func NewProcess(cfg ProcessConfig) *Process {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Process{backend: cfg.Backend, logger: cfg.Logger}
}

type processRequest struct {
	Text string `json:"text"`
}

type processResponse struct {
	Reply string `json:"reply"`
}

func (p *Process) HandleProcess(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, processResponse{Reply: p.reply(r)})
}

func (p *Process) reply(r *http.Request) string {
	var req processRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err == nil {
		// A body that is not JSON counts as no text.
		json.Unmarshal(body, &req)
	}
	// A missing key is reported ahead of a missing text.
	if rc, ok := p.backend.(readyChecker); ok {
		if err := rc.Ready(); err != nil {
			return p.failure(err)
		}
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "Error: No text provided in request."
	}
	if p.backend == nil {
		return "Error: Failed to generate response. no backend configured"
	}

	out, err := p.backend.Complete(r.Context(), text)
	if err != nil {
		return p.failure(err)
	}
	p.logger.Info("process answered", "text_len", len(text), "reply_len", len(out))
	return out
}

func (p *Process) failure(err error) string {
	if errors.Is(err, provider.ErrGroqKeyMissing) {
		p.logger.Error("process: groq key missing")
		return "Error: GROQ_API_KEY is not set in environment variables."
	}
	p.logger.Error("process failed", "err", err)
	return "Error: Failed to generate response. " + err.Error()
}
