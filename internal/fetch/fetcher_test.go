package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLimiter struct {
	n atomic.Int64
}

func (c *countingLimiter) Acquire(ctx context.Context) error {
	c.n.Add(1)
	return ctx.Err()
}

func (c *countingLimiter) Name() string { return "test" }

func TestFetchWithRetry_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	lim := &countingLimiter{}
	body, err := New().FetchWithRetry(context.Background(), srv.URL, lim, 3)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.EqualValues(t, 1, lim.n.Load())
}

func TestFetchWithRetry_RecoversAfterFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	lim := &countingLimiter{}
	f := New(WithBackoff(time.Millisecond))
	body, err := f.FetchWithRetry(context.Background(), srv.URL, lim, 3)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(body))
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 3, lim.n.Load(), "one permit per attempt")
}

func TestFetchWithRetry_ExhaustedReturnsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(WithBackoff(time.Millisecond))
	_, err := f.FetchWithRetry(context.Background(), srv.URL, &countingLimiter{}, 2)
	require.Error(t, err)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 2, fe.Attempts)
	assert.Equal(t, srv.URL, fe.URL)

	var se *StatusError
	require.True(t, errors.As(err, &se), "last cause is preserved")
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.False(t, IsRateLimited(err))
}

func TestFetchWithRetry_RateLimitIsRetriedByDefault(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	lim := &countingLimiter{}
	f := New(WithBackoff(time.Millisecond))
	body, err := f.FetchWithRetry(context.Background(), srv.URL, lim, 3)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(body))
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 2, lim.n.Load())
}

func TestFetchWithRetry_RateLimitExhaustsBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := New(WithBackoff(time.Millisecond))
	_, err := f.FetchWithRetry(context.Background(), srv.URL, &countingLimiter{}, 3)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 3, fe.Attempts)
	assert.True(t, IsRateLimited(err))
}

func TestFetchWithRetry_StopOnRateLimit(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := New(WithBackoff(time.Millisecond))
	_, err := f.FetchWithRetry(context.Background(), srv.URL, &countingLimiter{}, 5, StopOnRateLimit())
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchWithRetry_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	f := New(WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}), WithBackoff(time.Millisecond))
	_, err := f.FetchWithRetry(context.Background(), srv.URL, nil, 2)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 2, fe.Attempts)
}

func TestFetchWithRetry_ContextCancelledDuringAcquire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().FetchWithRetry(ctx, "http://127.0.0.1:1", &countingLimiter{}, 3)
	assert.ErrorIs(t, err, context.Canceled)
}
