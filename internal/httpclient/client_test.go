package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Name:        "test",
		RateLimit:   100,
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		MinBackoff:  time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestDo_DecodesJSONAndSendsParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "secret", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "polysignal-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"m-1","price":0.42}`))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.UserAgent = "polysignal-test"
	cfg.Headers = map[string]string{"X-Subscription-Token": "secret"}
	client := New(server.URL, cfg)

	var out struct {
		ID    string  `json:"id"`
		Price float64 `json:"price"`
	}
	err := client.GetJSON(context.Background(), "/markets", url.Values{"active": {"true"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "m-1", out.ID)
	assert.Equal(t, 0.42, out.Price)
	assert.EqualValues(t, 1, client.Calls())
}

func TestDo_NonTransientStatusNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(strings.Repeat("x", 2000)))
	}))
	defer server.Close()

	client := New(server.URL, testConfig())
	err := client.GetJSON(context.Background(), "/missing", nil, nil)

	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load(), "404 must not be retried")
	assert.True(t, IsStatus(err, http.StatusNotFound))

	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Len(t, he.Body, maxErrorBody, "body must be truncated for diagnostics")
}

func TestDo_RetryableStatusRetriedUpToMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Retryable = RetryTransientStatus
	client := New(server.URL, cfg)

	err := client.GetJSON(context.Background(), "/busy", nil, nil)
	require.Error(t, err)
	assert.EqualValues(t, 3, hits.Load())
	assert.True(t, IsStatus(err, http.StatusServiceUnavailable))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestDo_DefaultDoesNotRetryServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(server.URL, testConfig())
	err := client.GetJSON(context.Background(), "/", nil, nil)
	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestDo_NetworkErrorRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := New(server.URL, testConfig())
	var out struct {
		OK bool `json:"ok"`
	}
	err := client.GetJSON(context.Background(), "/flaky", nil, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.EqualValues(t, 3, hits.Load())
	assert.EqualValues(t, 3, client.Calls())
}

func TestDo_NetworkErrorExhaustsAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	client := New(addr, testConfig())
	err := client.GetJSON(context.Background(), "/", nil, nil)
	require.Error(t, err)

	var ne *NetworkError
	assert.True(t, errors.As(err, &ne))
	assert.EqualValues(t, 3, client.Calls())
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Retryable = RetryTransientStatus
	cfg.MinBackoff = time.Second
	cfg.MaxBackoff = time.Second
	client := New(server.URL, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.GetJSON(ctx, "/", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, hits.Load())
}

func TestDo_PostsJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := New(server.URL, testConfig())
	err := client.Do(context.Background(), http.MethodPost, "/events", nil, map[string]string{"a": "b"}, nil)
	require.NoError(t, err)
}

func TestDo_RateLimitHoldsAcrossConcurrentCallers(t *testing.T) {
	var (
		mu       sync.Mutex
		arrivals []time.Time
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.RateLimit = 4
	client := New(server.URL, cfg)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.GetJSON(context.Background(), "/", nil, nil))
		}()
	}
	wg.Wait()

	// 9 requests at 4/s need at least two full windows.
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
	assert.Len(t, arrivals, 9)
}

func TestBackoff(t *testing.T) {
	c := New("http://example.invalid", Config{MinBackoff: time.Second, MaxBackoff: 10 * time.Second})
	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 2*time.Second, c.backoff(2))
	assert.Equal(t, 4*time.Second, c.backoff(3))
	assert.Equal(t, 10*time.Second, c.backoff(5))
}
