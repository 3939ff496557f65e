package client

import (
	"context"
	"net/http"
	"time"

	"streamgate/work/config"
)

// HeaderSettingClient wraps http.Client to automatically set upstream request
// headers from configuration. A single instance is shared by the manifest
// fetcher, the failover engine, and the segment proxy so they reuse one
// connection pool.
type HeaderSettingClient struct {
	Client *http.Client
	config *config.Config
}

// New builds the shared upstream HTTP client. Keep-alives stay enabled so
// repeated segment fetches to the same origin reuse connections; per-request
// deadlines come from contexts rather than a client-wide timeout.
func New(cfg *config.Config) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &HeaderSettingClient{
		Client: client,
		config: cfg,
	}
}

// Do executes the request after injecting the configured headers.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

// Get fetches a URL with the given context. HTTP-level redirects are followed
// by the underlying client; callers that need the post-redirect location read
// it with FinalURL.
func (hsc *HeaderSettingClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return hsc.Do(req)
}

// FinalURL returns the URL the response was actually served from, after any
// HTTP redirects. This is the URL segment paths must resolve against, not the
// originally requested one.
func FinalURL(resp *http.Response) string {
	if resp == nil || resp.Request == nil || resp.Request.URL == nil {
		return ""
	}
	return resp.Request.URL.String()
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.config.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if hsc.config.ReqOrigin != "" {
		req.Header.Set("Origin", hsc.config.ReqOrigin)
	}
	if hsc.config.ReqReferrer != "" {
		req.Header.Set("Referer", hsc.config.ReqReferrer)
	}
}
