package domain

import "strings"

// MediaKind tags where a ResolvedInput's text came from when it was not a plain text message.
type MediaKind string

const (
	KindNone  MediaKind = ""
	KindImage MediaKind = "image"
	KindAudio MediaKind = "audio"
)

// ResolvedInput is the normalized unit handed to the reply dispatcher.
// Text is the message body, the image caption (possibly empty) or the audio transcript.
type ResolvedInput struct {
	Text    string
	Sender  string
	MediaID string    // empty for text messages
	Kind    MediaKind // KindNone for text messages
}

// NormalizeText trims surrounding whitespace and optionally lower-cases.
func NormalizeText(s string, lower bool) string {
	s = strings.TrimSpace(s)
	if lower {
		s = strings.ToLower(s)
	}
	return s
}
