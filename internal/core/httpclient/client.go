// Package httpclient configures the HTTP client used to call tile upstreams.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

type Options struct {
	// Timeout caps a whole request including the body read; 0 means 30s.
	Timeout time.Duration
	// MaxConnsPerHost should match the loader concurrency limit so idle
	// connections are reused instead of redialled.
	MaxConnsPerHost int
	UserAgent       string
}

// NewOutbound creates a new outbound http client
func NewOutbound(opts Options) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 16
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   opts.MaxConnsPerHost,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	var rt http.RoundTripper = transport
	if opts.UserAgent != "" {
		rt = &userAgent{base: transport, ua: opts.UserAgent}
	}
	return &http.Client{
		Transport: rt,
		Timeout:   opts.Timeout,
	}
}

// userAgent sets the User-Agent header when the request carries none;
// public tile servers reject anonymous clients.
type userAgent struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgent) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(r)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(r2)
}
