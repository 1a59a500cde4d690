// Package media resolves platform media references into bytes and turns
// audio bytes into text.
package media

import (
	"bytes"
	"context"
	"log/slog"
	"strings"

	"warelay/internal/bus"
	"warelay/internal/domain"
)

// audioExtensions maps audio mime types to the filename extension the
// transcription provider uses for format detection.
var audioExtensions = map[string]string{
	"audio/ogg":   ".ogg",
	"audio/opus":  ".ogg",
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/mp4":   ".m4a",
	"audio/aac":   ".m4a",
	"audio/amr":   ".amr",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/webm":  ".webm",
}

// FilenameFor returns "audio<ext>" for the given mime type, defaulting to .ogg
// (WhatsApp voice notes are Opus in Ogg).
func FilenameFor(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if ext, ok := audioExtensions[mimeType]; ok {
		return "audio" + ext
	}
	return "audio.ogg"
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Fetcher     domain.MediaFetcher
	Transcriber domain.Transcriber
	Events      *bus.EventBus
	Logger      *slog.Logger
}

// Resolver wraps the platform media API and the speech-to-text provider.
// Its methods never return errors: failures are logged and reported as
// nil / empty results.
type Resolver struct {
	fetcher     domain.MediaFetcher
	transcriber domain.Transcriber
	events      *bus.EventBus
	logger      *slog.Logger
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		fetcher:     cfg.Fetcher,
		transcriber: cfg.Transcriber,
		events:      cfg.Events,
		logger:      cfg.Logger,
	}
}

// FetchMedia returns the media bytes for mediaID, or nil on any failure.
func (r *Resolver) FetchMedia(ctx context.Context, mediaID string) *domain.Media {
	if r.fetcher == nil {
		r.logger.Error("media fetch skipped: no fetcher configured", "media_id", mediaID)
		r.failed(mediaID, "fetch", "not configured")
		return nil
	}
	m, err := r.fetcher.FetchMedia(ctx, mediaID)
	if err != nil {
		r.logger.Error("media fetch failed", "media_id", mediaID, "err", err)
		r.failed(mediaID, "fetch", err.Error())
		return nil
	}
	if m == nil || len(m.Data) == 0 {
		r.logger.Warn("media fetch returned no data", "media_id", mediaID)
		r.failed(mediaID, "fetch", "empty")
		return nil
	}
	r.logger.Debug("media fetched", "media_id", mediaID, "bytes", len(m.Data), "mime", m.MimeType)
	return m
}

// Transcribe converts audio to text. It returns "" when the provider fails
// or recognises nothing.
func (r *Resolver) Transcribe(ctx context.Context, m *domain.Media) string {
	if m == nil || len(m.Data) == 0 {
		return ""
	}
	if r.transcriber == nil {
		r.logger.Error("transcription skipped: no transcriber configured")
		r.failed("", "transcribe", "not configured")
		return ""
	}
	filename := FilenameFor(m.MimeType)
	text, err := r.transcriber.Transcribe(ctx, bytes.NewReader(m.Data), filename)
	if err != nil {
		r.logger.Error("transcription failed", "file", filename, "err", err)
		r.failed("", "transcribe", err.Error())
		return ""
	}
	text = strings.TrimSpace(text)
	if text == "" {
		r.failed("", "transcribe", "empty")
	}
	return text
}

func (r *Resolver) failed(mediaID, stage, reason string) {
	r.events.Emit(bus.Event{
		Type:    bus.EventMediaFailed,
		Source:  "media",
		Payload: map[string]any{"media_id": mediaID, "stage": stage, "reason": reason},
	})
}
