package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"warelay/internal/bus"
	"warelay/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(ClientConfig{
		Config: config.WhatsAppConfig{
			AccessToken:   "test-token",
			PhoneNumberID: "555",
			GraphBase:     srv.URL,
		},
		HTTPClient: srv.Client(),
		Logger:     testLogger(),
	})
}

func TestSendText_PostsEnvelope(t *testing.T) {
	var got sendRequest
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if err := c.SendText(context.Background(), "123", "Hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auth != "Bearer test-token" {
		t.Errorf("unexpected auth header %q", auth)
	}
	if path != "/555/messages" {
		t.Errorf("unexpected path %q", path)
	}
	if got.MessagingProduct != "whatsapp" || got.To != "123" || got.Type != "text" {
		t.Errorf("unexpected envelope %+v", got)
	}
	if got.Text == nil || got.Text.Body != "Hello" {
		t.Errorf("unexpected text %+v", got.Text)
	}
}

func TestSendText_ExplicitAPIURL(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{
		Config:     config.WhatsAppConfig{APIURL: srv.URL + "/custom/send", GraphBase: "http://unused"},
		HTTPClient: srv.Client(),
		Logger:     testLogger(),
	})
	if err := c.SendText(context.Background(), "1", "hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/custom/send" {
		t.Fatalf("expected explicit url to be used, got %q", path)
	}
}

func TestSendText_EmptyTextIsNoop(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	err := newTestClient(srv).SendText(context.Background(), "123", "")
	if !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("no request expected for empty text")
	}
}

func TestSendText_Unconfigured(t *testing.T) {
	c := NewClient(ClientConfig{Config: config.WhatsAppConfig{GraphBase: "http://unused"}, Logger: testLogger()})
	err := c.SendText(context.Background(), "123", "hello")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendText_Non200IsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"error":"nope"}`)
	}))
	defer srv.Close()

	err := newTestClient(srv).SendText(context.Background(), "123", "hello")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusCreated {
		t.Fatalf("unexpected status %d", apiErr.Status)
	}
}

func TestSendText_EmitsEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	eb := bus.NewEventBus(testLogger())
	var sent int32
	eb.On(bus.EventMessageSent, func(bus.Event) { atomic.AddInt32(&sent, 1) })

	c := newTestClient(srv)
	c.events = eb
	if err := c.SendText(context.Background(), "1", "hi"); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&sent) != 1 {
		t.Fatal("expected message.sent event")
	}
}

func TestSendAudio_UploadsThenSends(t *testing.T) {
	var uploadQuery, uploadFilename string
	var sent sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/555/media":
			uploadQuery = r.URL.RawQuery
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			_, fh, err := r.FormFile("file")
			if err != nil {
				t.Errorf("form file: %v", err)
			} else {
				uploadFilename = fh.Filename
			}
			io.WriteString(w, `{"id":"media-77"}`)
		case "/555/messages":
			json.NewDecoder(r.Body).Decode(&sent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "reply.mp3")
	os.WriteFile(path, []byte("ID3fake"), 0o644)

	if err := newTestClient(srv).SendAudio(context.Background(), "123", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uploadQuery != "access_token=test-token&messaging_product=whatsapp" {
		t.Errorf("unexpected upload query %q", uploadQuery)
	}
	if uploadFilename != "reply.mp3" {
		t.Errorf("unexpected upload filename %q", uploadFilename)
	}
	if sent.Type != "audio" || sent.Audio == nil || sent.Audio.ID != "media-77" {
		t.Errorf("unexpected audio envelope %+v", sent)
	}
}

func TestSendAudio_UploadFailureSkipsSend(t *testing.T) {
	var sends int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/555/messages" {
			atomic.AddInt32(&sends, 1)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "reply.mp3")
	os.WriteFile(path, []byte("ID3fake"), 0o644)

	if err := newTestClient(srv).SendAudio(context.Background(), "123", path); err == nil {
		t.Fatal("expected upload error")
	}
	if atomic.LoadInt32(&sends) != 0 {
		t.Fatal("message must not be sent after a failed upload")
	}
}

func TestFetchMedia_LookupThenDownload(t *testing.T) {
	var srv *httptest.Server
	var downloadAuth string
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/media-1":
			if r.URL.Query().Get("access_token") != "test-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{
				"url":       srv.URL + "/files/media-1",
				"mime_type": "audio/ogg; codecs=opus",
			})
		case "/files/media-1":
			downloadAuth = r.Header.Get("Authorization")
			io.WriteString(w, "OggS-bytes")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	m, err := newTestClient(srv).FetchMedia(context.Background(), "media-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(m.Data) != "OggS-bytes" {
		t.Errorf("unexpected data %q", m.Data)
	}
	if m.MimeType != "audio/ogg" {
		t.Errorf("expected mime parameters stripped, got %q", m.MimeType)
	}
	if downloadAuth != "Bearer test-token" {
		t.Errorf("unexpected download auth %q", downloadAuth)
	}
}

func TestFetchMedia_LookupFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv).FetchMedia(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for failed lookup")
	}
}
