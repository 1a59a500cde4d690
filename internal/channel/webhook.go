package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"warelay/internal/bus"
	"warelay/internal/dispatch"
	"warelay/internal/domain"
	"warelay/internal/metrics"
	"warelay/internal/whatsapp"
)

// Response statuses of POST /webhook. The endpoint always answers 200.
const (
	StatusOK        = "ok"
	StatusIgnored   = "ignored"
	StatusNoMessage = "no message"
	StatusError     = "error"
)

// maxWebhookBody caps webhook deliveries (1 MB).
const maxWebhookBody = 1 << 20

// MediaResolver fetches media and turns audio into text. Failures are
// reported as nil / "".
type MediaResolver interface {
	FetchMedia(ctx context.Context, mediaID string) *domain.Media
	Transcribe(ctx context.Context, m *domain.Media) string
}

// IntakeConfig configures the webhook intake.
type IntakeConfig struct {
	VerifyToken   string
	LowercaseText bool
	Scheduler     domain.Scheduler
	Resolver      MediaResolver
	Sender        domain.TextSender // audio failure notices
	Events        *bus.EventBus
	Logger        *slog.Logger
}

// Intake serves the platform webhook: the GET verification handshake and
// POST event ingestion.
type Intake struct {
	verifyToken string
	lowercase   bool
	scheduler   domain.Scheduler
	resolver    MediaResolver
	sender      domain.TextSender
	events      *bus.EventBus
	logger      *slog.Logger
}

func NewIntake(cfg IntakeConfig) *Intake {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Intake{
		verifyToken: cfg.VerifyToken,
		lowercase:   cfg.LowercaseText,
		scheduler:   cfg.Scheduler,
		resolver:    cfg.Resolver,
		sender:      cfg.Sender,
		events:      cfg.Events,
		logger:      cfg.Logger,
	}
}

// HandleVerify answers the subscription handshake. On a match the challenge
// is echoed verbatim as text/plain; otherwise 403 {"error":"Invalid token"}.
func (in *Intake) HandleVerify(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && token == in.verifyToken {
		in.logger.Info("webhook verified")
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.WriteHeader(http.StatusOK)
		io.WriteString(rw, challenge)
		return
	}

	in.logger.Warn("webhook verification failed", "mode", mode)
	writeJSON(rw, http.StatusForbidden, map[string]string{"error": "Invalid token"})
}

// HandleEvent ingests a webhook delivery. Only the newest message of the
// batch is processed. Reply dispatch is queued, never awaited; audio is
// fetched and transcribed before answering.
func (in *Intake) HandleEvent(rw http.ResponseWriter, r *http.Request) {
	status := in.ingest(r)
	metrics.WebhookRequests(status).Inc()
	writeJSON(rw, http.StatusOK, map[string]string{"status": status})
}

func (in *Intake) ingest(r *http.Request) string {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		in.logger.Warn("webhook read failed", "err", err)
		return StatusIgnored
	}

	var payload whatsapp.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		in.logger.Warn("webhook payload is not JSON", "err", err)
		return StatusIgnored
	}
	in.events.Emit(bus.Event{
		Type:    bus.EventWebhookReceived,
		Source:  "webhook",
		Payload: map[string]any{"object": payload.Object, "entries": len(payload.Entry)},
	})

	value := payload.FirstValue()
	if value == nil {
		in.logger.Debug("webhook ignored: no entry/changes/value")
		return StatusIgnored
	}
	msg := value.LastMessage()
	if msg == nil {
		in.logger.Debug("webhook without messages", "statuses", len(value.Statuses))
		return StatusNoMessage
	}
	if msg.From == "" {
		in.logger.Warn("webhook message without sender", "type", msg.Type)
		return StatusIgnored
	}

	switch {
	case msg.Text != nil:
		text := domain.NormalizeText(msg.Text.Body, in.lowercase)
		in.classified(msg, domain.KindNone)
		in.schedule(domain.ResolvedInput{Text: text, Sender: msg.From})
		return StatusOK

	case msg.Image != nil:
		in.classified(msg, domain.KindImage)
		in.schedule(domain.ResolvedInput{
			Text:    msg.Image.Caption,
			Sender:  msg.From,
			MediaID: msg.Image.ID,
			Kind:    domain.KindImage,
		})
		return StatusOK

	case msg.Audio != nil:
		in.classified(msg, domain.KindAudio)
		return in.handleAudio(r.Context(), msg)

	default:
		in.logger.Info("webhook message type not handled", "type", msg.Type, "from", msg.From)
		metrics.Messages("other").Inc()
		return StatusOK
	}
}

func (in *Intake) handleAudio(ctx context.Context, msg *whatsapp.Message) string {
	mediaID := msg.Audio.ID
	// Notices go out even when the platform hangs up on us.
	notifyCtx := context.WithoutCancel(ctx)

	var media *domain.Media
	if in.resolver != nil {
		media = in.resolver.FetchMedia(ctx, mediaID)
	}
	if media == nil {
		in.logger.Warn("audio download failed", "from", msg.From, "media_id", mediaID)
		in.notify(notifyCtx, msg.From, dispatch.MsgDownloadFailed)
		return StatusError
	}

	transcript := in.resolver.Transcribe(ctx, media)
	if transcript == "" {
		in.logger.Warn("audio not understood", "from", msg.From, "media_id", mediaID)
		in.notify(notifyCtx, msg.From, dispatch.MsgNotUnderstood)
		return StatusError
	}

	in.schedule(domain.ResolvedInput{
		Text:    domain.NormalizeText(transcript, in.lowercase),
		Sender:  msg.From,
		MediaID: mediaID,
		Kind:    domain.KindAudio,
	})
	return StatusOK
}

func (in *Intake) schedule(ri domain.ResolvedInput) {
	if in.scheduler == nil {
		in.logger.Error("no scheduler configured, reply dropped", "from", ri.Sender)
		return
	}
	id, err := in.scheduler.Schedule(ri)
	if err != nil {
		in.logger.Error("reply dispatch not scheduled", "from", ri.Sender, "kind", string(ri.Kind), "err", err)
		return
	}
	in.logger.Info("reply dispatch scheduled",
		"task", id,
		"from", ri.Sender,
		"kind", string(ri.Kind),
		"text_len", len(ri.Text),
	)
}

func (in *Intake) notify(ctx context.Context, to, text string) {
	if in.sender == nil {
		return
	}
	if err := in.sender.SendText(ctx, to, text); err != nil {
		in.logger.Error("failure notice not delivered", "to", to, "err", err)
	}
}

func (in *Intake) classified(msg *whatsapp.Message, kind domain.MediaKind) {
	label := string(kind)
	if kind == domain.KindNone {
		label = "text"
	}
	metrics.Messages(label).Inc()
	in.events.Emit(bus.Event{
		Type:    bus.EventMessageClassified,
		Source:  "webhook",
		Payload: map[string]any{"from": msg.From, "kind": label, "message_id": msg.ID},
	})
}

// writeJSON encodes v without HTML escaping so replies reach callers byte for byte.
func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	enc := json.NewEncoder(rw)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}
