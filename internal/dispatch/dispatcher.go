package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"warelay/internal/bus"
	"warelay/internal/domain"
	"warelay/internal/metrics"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Agent  domain.Agent
	Sender domain.TextSender
	Events *bus.EventBus
	Logger *slog.Logger
}

// Dispatcher asks the reasoning agent for a reply and sends it to the user.
type Dispatcher struct {
	agent  domain.Agent
	sender domain.TextSender
	events *bus.EventBus
	logger *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		agent:  cfg.Agent,
		sender: cfg.Sender,
		events: cfg.Events,
		logger: cfg.Logger,
	}
}

// Deliver runs one dispatch to completion. It never panics and never returns
// an error; every failure ends as a fixed notice to in.Sender.
// MediaID and Kind are carried for logging only; the agent receives the text.
func (d *Dispatcher) Deliver(ctx context.Context, in domain.ResolvedInput) (outcome Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panic", "from", in.Sender, "panic", r)
			outcome = OutcomeUnexpected
			d.send(ctx, in.Sender, outcome.UserMessage())
		}
		metrics.Dispatches(outcome.String()).Inc()
		d.events.Emit(bus.Event{
			Type:   bus.EventDispatchCompleted,
			Source: "dispatch",
			Payload: map[string]any{
				"from":        in.Sender,
				"kind":        string(in.Kind),
				"media_id":    in.MediaID,
				"outcome":     outcome.String(),
				"duration_ms": time.Since(start).Milliseconds(),
			},
		})
	}()

	reply, outcome := d.ask(ctx, in)
	if outcome == OutcomeDelivered {
		d.send(ctx, in.Sender, reply)
	} else {
		d.send(ctx, in.Sender, outcome.UserMessage())
	}
	return outcome
}

func (d *Dispatcher) ask(ctx context.Context, in domain.ResolvedInput) (string, Outcome) {
	if d.agent == nil {
		d.logger.Error("dispatch: no agent configured", "from", in.Sender)
		return "", OutcomeUnexpected
	}
	reply, err := d.agent.Ask(ctx, in.Text)
	if err != nil {
		d.logger.Error("agent call failed", "from", in.Sender, "kind", string(in.Kind), "err", err)
		return "", OutcomeUnexpected
	}
	if reply.StatusCode != http.StatusOK {
		d.logger.Error("agent returned error status",
			"from", in.Sender,
			"status", reply.StatusCode,
			"body", truncate(reply.Body, 512),
		)
		return "", OutcomeAgentStatus
	}
	if reply.Reply == "" {
		d.logger.Warn("agent returned empty reply", "from", in.Sender)
		return "", OutcomeEmptyReply
	}
	d.logger.Info("agent replied", "from", in.Sender, "kind", string(in.Kind), "reply_len", len(reply.Reply))
	return reply.Reply, OutcomeDelivered
}

func (d *Dispatcher) send(ctx context.Context, to, text string) {
	if d.sender == nil {
		d.logger.Error("dispatch: no sender configured", "to", to)
		return
	}
	if err := d.sender.SendText(ctx, to, text); err != nil {
		d.logger.Error("reply delivery failed", "to", to, "err", err)
	}
}

// Task wraps Deliver as a queue task.
func (d *Dispatcher) Task(in domain.ResolvedInput) TaskFunc {
	return func(ctx context.Context) error {
		if o := d.Deliver(ctx, in); o != OutcomeDelivered {
			return fmt.Errorf("dispatch %s", o)
		}
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
