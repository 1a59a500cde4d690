package domain

import (
	"context"
	"io"
)

// TextSender delivers a plain text chat message to a recipient.
type TextSender interface {
	SendText(ctx context.Context, to, text string) error
}

// Media is a resolved platform media object.
type Media struct {
	Data     []byte
	MimeType string
}

// MediaFetcher resolves a platform media id to its raw bytes.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, mediaID string) (*Media, error)
}

// Transcriber converts spoken audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// AgentReply is what the reasoning agent answered. A non-200 StatusCode is
// reported here rather than as an error so callers can tell it apart from
// transport failures.
type AgentReply struct {
	StatusCode int
	Reply      string
	Body       string // raw body, kept for logging non-200 answers
}

// Agent is the downstream reasoning service: POST {text} -> {reply}.
type Agent interface {
	Ask(ctx context.Context, text string) (*AgentReply, error)
}

// Scheduler hands a ResolvedInput to background processing without waiting for it.
type Scheduler interface {
	Schedule(in ResolvedInput) (taskID string, err error)
}
