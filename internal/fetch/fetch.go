// Package fetch is the network boundary of the cache.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"goflare.io/tiercache/internal/models"
)

// Response is what a fetch resolves to. Any HTTP status below 500 is a
// response; the engine decides whether to store it.
type Response = models.Payload

// Fetcher retrieves a resource from the network.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) (*Response, error) { return f(ctx, url) }

// DefaultMaxBodyBytes bounds the body read from one response.
const DefaultMaxBodyBytes = 32 << 20

// HTTPFetcher fetches resources with GET requests.
type HTTPFetcher struct {
	Client *http.Client
	// BaseURL resolves relative resource URLs such as "/assets/logo.png".
	BaseURL string
	// Header is added to every request.
	Header       http.Header
	MaxBodyBytes int64
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher for origin with the given request timeout.
func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		Client:       &http.Client{Timeout: timeout},
		BaseURL:      strings.TrimRight(baseURL, "/"),
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

func (f *HTTPFetcher) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.IsAbs() || f.BaseURL == "" {
		return raw, nil
	}
	base, err := url.Parse(f.BaseURL + "/")
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

// Fetch performs the request. Transport failures and 5xx or 429 statuses
// are returned as *models.NetworkError.
func (f *HTTPFetcher) Fetch(ctx context.Context, raw string) (*Response, error) {
	target, err := f.resolve(raw)
	if err != nil {
		return nil, &models.NetworkError{URL: raw, Err: fmt.Errorf("resolve url: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &models.NetworkError{URL: raw, Err: err}
	}
	for k, values := range f.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &models.NetworkError{URL: raw, Err: err, Retryable: ctx.Err() == nil}
	}
	defer resp.Body.Close()

	limit := f.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &models.NetworkError{URL: raw, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err), Retryable: true}
	}
	if int64(len(body)) > limit {
		return nil, &models.NetworkError{URL: raw, Status: resp.StatusCode, Err: fmt.Errorf("body exceeds %d bytes", limit)}
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &models.NetworkError{
			URL:       raw,
			Status:    resp.StatusCode,
			Err:       errors.New(http.StatusText(resp.StatusCode)),
			Retryable: true,
		}
	}

	header := make(map[string][]string, len(resp.Header))
	for k, v := range resp.Header {
		header[k] = append([]string(nil), v...)
	}
	return &Response{
		Status:      resp.StatusCode,
		Header:      header,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
