package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/tiercache"
)

func setup(t *testing.T, fetch tiercache.FetcherFunc) (*httptest.Server, *tiercache.Cache) {
	t.Helper()
	c, err := tiercache.New(context.Background(), fetch)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	srv := httptest.NewServer(New(c, nil))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestResourceIsCached(t *testing.T) {
	var calls atomic.Int64
	srv, _ := setup(t, func(_ context.Context, url string) (*tiercache.Payload, error) {
		calls.Add(1)
		return &tiercache.Payload{Status: 200, ContentType: "image/png", Body: []byte(url)}, nil
	})

	for range 2 {
		resp, err := http.Get(srv.URL + "/r/assets/logo.png?v=1")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
		assert.Equal(t, "cache-first", resp.Header.Get(HeaderStrategy))
		assert.Equal(t, "volatile", resp.Header.Get(HeaderTiers))
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestForcedStrategyIsEchoed(t *testing.T) {
	var calls atomic.Int64
	srv, _ := setup(t, func(_ context.Context, url string) (*tiercache.Payload, error) {
		calls.Add(1)
		return &tiercache.Payload{Status: 200, Body: []byte(url)}, nil
	})

	for range 2 {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/r/assets/logo.png", nil)
		require.NoError(t, err)
		req.Header.Set(HeaderStrategy, string(tiercache.NetworkOnly))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "network-only", resp.Header.Get(HeaderStrategy))
		assert.Empty(t, resp.Header.Get(HeaderTiers))
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestErrorStatuses(t *testing.T) {
	srv, _ := setup(t, func(_ context.Context, url string) (*tiercache.Payload, error) {
		return nil, &tiercache.NetworkError{URL: url, Err: errors.New("down"), Retryable: true}
	})

	resp, err := http.Get(srv.URL + "/r/offline")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/r/api/leads")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestInvalidateAndClear(t *testing.T) {
	ctx := context.Background()
	srv, c := setup(t, func(_ context.Context, url string) (*tiercache.Payload, error) {
		return &tiercache.Payload{Status: 200, Body: []byte(url)}, nil
	})
	require.NoError(t, c.Set(ctx, "/assets/a.png", tiercache.Payload{Status: 200, Body: []byte("a")}))
	require.NoError(t, c.Set(ctx, "/assets/b.png", tiercache.Payload{Status: 200, Body: []byte("b")}))

	resp, err := http.Post(srv.URL+"/invalidate?pattern=a%5C.png", "", nil)
	require.NoError(t, err)
	var body invalidateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	assert.Equal(t, []string{"/assets/a.png"}, body.Invalidated)

	resp, err = http.Post(srv.URL+"/invalidate", "", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/clear?tier=volatile", "", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	names, err := c.Residency(ctx, "/assets/b.png")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStatsAndHealth(t *testing.T) {
	srv, _ := setup(t, func(_ context.Context, url string) (*tiercache.Payload, error) {
		return &tiercache.Payload{Status: 200, Body: []byte(url)}, nil
	})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	_ = resp.Body.Close()
	assert.Contains(t, m, "Hits")
	assert.Contains(t, m, "BytesUsedPerTier")
}
