package provider

import (
	"net"
	"net/http"
	"time"
)

// HTTPClientOptions tunes the pooled client shared by the agent, transcription
// and chat backends.
type HTTPClientOptions struct {
	// Timeout bounds the whole exchange, body included. Default 120s.
	Timeout time.Duration
	// MaxConnsPerHost is the idle pool size per upstream. Size it to the number
	// of dispatch workers so concurrent replies reuse connections. Default 10.
	MaxConnsPerHost int
}

// NewHTTPClient returns a pooled client. There is no separate response header
// deadline: a slow agent may legitimately take the full Timeout before it
// answers, so only Timeout applies.
func NewHTTPClient(opts HTTPClientOptions) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 10
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        2 * opts.MaxConnsPerHost,
		MaxIdleConnsPerHost: opts.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}
}

// SharedHTTPClient is NewHTTPClient with the default pool size.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	return NewHTTPClient(HTTPClientOptions{Timeout: timeout})
}
