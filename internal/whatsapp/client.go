package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"warelay/internal/bus"
	"warelay/internal/config"
	"warelay/internal/domain"
	"warelay/internal/metrics"
)

// maxMediaBytes caps media downloads (WhatsApp audio is limited to 16 MB).
const maxMediaBytes = 25 << 20

var (
	// ErrEmptyText is returned by SendText when there is nothing to send.
	ErrEmptyText = errors.New("whatsapp: empty message")
	// ErrNotConfigured is returned when the send URL or credentials are missing.
	ErrNotConfigured = errors.New("whatsapp: API endpoint not configured")
)

// APIError is a non-200 answer from the Cloud API.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp %s: HTTP %d: %s", e.Op, e.Status, e.Body)
}

// ClientConfig configures the Cloud API client.
type ClientConfig struct {
	Config     config.WhatsAppConfig
	HTTPClient *http.Client
	Events     *bus.EventBus
	Logger     *slog.Logger
}

// Client talks to the WhatsApp Business Cloud API: outbound messages, media
// upload and media download. It holds no per-request state.
type Client struct {
	cfg    config.WhatsAppConfig
	client *http.Client
	events *bus.EventBus
	logger *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:    cfg.Config,
		client: cfg.HTTPClient,
		events: cfg.Events,
		logger: cfg.Logger,
	}
}

var _ domain.TextSender = (*Client)(nil)
var _ domain.MediaFetcher = (*Client)(nil)

// SendText sends a text message. Empty text or a missing send URL are logged
// and reported as errors without touching the network.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	if text == "" {
		c.logger.Warn("whatsapp send skipped: empty message", "to", to)
		metrics.OutboundSends("skipped").Inc()
		return ErrEmptyText
	}
	err := c.send(ctx, sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &Text{Body: text},
	})
	if err != nil {
		return err
	}
	c.logger.Info("whatsapp message sent", "to", to, "text_len", len(text))
	return nil
}

// SendAudio uploads a local audio file and sends it as an audio message.
// The message is not sent when the upload fails.
func (c *Client) SendAudio(ctx context.Context, to, filePath string) error {
	mediaID, err := c.UploadMedia(ctx, filePath, "reply.mp3", "audio/mpeg")
	if err != nil {
		c.logger.Error("whatsapp audio upload failed", "to", to, "err", err)
		return err
	}
	err = c.send(ctx, sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "audio",
		Audio:            &mediaRef{ID: mediaID},
	})
	if err != nil {
		return err
	}
	c.logger.Info("whatsapp audio sent", "to", to, "media_id", mediaID)
	return nil
}

func (c *Client) send(ctx context.Context, payload sendRequest) error {
	endpoint := c.cfg.MessagesURL()
	if endpoint == "" {
		c.logger.Error("whatsapp send skipped: API URL missing", "to", payload.To)
		metrics.OutboundSends("skipped").Inc()
		return ErrNotConfigured
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.OutboundSends("error").Inc()
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.OutboundSends("error").Inc()
		c.logger.Error("whatsapp send failed", "to", payload.To, "status", resp.StatusCode, "body", string(respBody))
		return &APIError{Op: "send", Status: resp.StatusCode, Body: string(respBody)}
	}

	metrics.OutboundSends("ok").Inc()
	c.events.Emit(bus.Event{
		Type:    bus.EventMessageSent,
		Source:  "whatsapp",
		Payload: map[string]any{"to": payload.To, "type": payload.Type},
	})
	return nil
}

// UploadMedia uploads a local file to {graphBase}/{phoneNumberId}/media and
// returns the platform media id.
func (c *Client) UploadMedia(ctx context.Context, filePath, filename, mimeType string) (string, error) {
	if c.cfg.PhoneNumberID == "" {
		return "", ErrNotConfigured
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	h.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy media data: %w", err)
	}
	writer.WriteField("messaging_product", "whatsapp")
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	q := url.Values{}
	q.Set("messaging_product", "whatsapp")
	q.Set("access_token", c.cfg.AccessToken)
	endpoint := c.graphURL(c.cfg.PhoneNumberID+"/media") + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{Op: "upload", Status: resp.StatusCode, Body: string(respBody)}
	}

	var up uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if up.ID == "" {
		return "", fmt.Errorf("upload response without media id")
	}
	return up.ID, nil
}

// FetchMedia resolves a media id to its download URL and downloads the bytes.
func (c *Client) FetchMedia(ctx context.Context, mediaID string) (*domain.Media, error) {
	if mediaID == "" {
		return nil, fmt.Errorf("empty media id")
	}
	info, err := c.lookupMedia(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	data, err := c.download(ctx, info.URL)
	if err != nil {
		return nil, err
	}
	mimeType := info.MimeType
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return &domain.Media{Data: data, MimeType: mimeType}, nil
}

// lookupMedia calls GET {graphBase}/{id}?access_token=... for the media URL.
func (c *Client) lookupMedia(ctx context.Context, mediaID string) (*mediaLookupResponse, error) {
	q := url.Values{}
	q.Set("access_token", c.cfg.AccessToken)
	endpoint := c.graphURL(url.PathEscape(mediaID)) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Op: "media lookup", Status: resp.StatusCode, Body: string(respBody)}
	}

	var info mediaLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode media lookup: %w", err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("media lookup returned no url for %s", mediaID)
	}
	return &info, nil
}

func (c *Client) download(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Op: "media download", Status: resp.StatusCode, Body: string(respBody)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}
	return data, nil
}

func (c *Client) graphURL(path string) string {
	return strings.TrimRight(c.cfg.GraphBase, "/") + "/" + path
}
