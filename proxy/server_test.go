package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qti3e/ursa/cache"
)

func newTestProxy(t *testing.T, upstream http.HandlerFunc) (*Server, *cache.Cache, *int64, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	var hits int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		upstream(w, r)
	}))

	c := cache.New()
	c.Start(ctx)
	s := NewServer(strings.TrimPrefix(origin.URL, "http://"), c)

	return s, c, &hits, func() {
		origin.Close()
		cancel()
	}
}

// S5: a miss streams the upstream body and caches it; the next request is
// served from cache without contacting the upstream.
func TestMissThenHit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, c, hits, done := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("abc"))
	})
	defer done()

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/k", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "abc", rec.Body.String())

	// the cache fill is fire and forget with respect to the response
	require.Eventually(t, func() bool {
		return string(c.Get(ctx, "k")) == "abc"
	}, 2*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/k", nil))
	require.Equal(t, "abc", rec.Body.String())
	require.Equal(t, int64(1), atomic.LoadInt64(hits))
}

// S6: no-cache bypasses the cache read but still refreshes the cache.
func TestNoCacheBypass(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, c, hits, done := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fresh"))
	})
	defer done()

	c.Put(ctx, "k", []byte("stale"))
	require.Eventually(t, func() bool {
		return string(c.Get(ctx, "k")) == "stale"
	}, time.Second, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/k", nil)
	req.Header.Set("Cache-Control", "no-cache")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, "fresh", rec.Body.String())
	require.Equal(t, int64(1), atomic.LoadInt64(hits))

	require.Eventually(t, func() bool {
		return string(c.Get(ctx, "k")) == "fresh"
	}, 2*time.Second, 10*time.Millisecond)
}

// Non-200 responses are forwarded verbatim and never cached.
func TestUpstreamErrorPassthrough(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, c, _, done := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "origin")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("nope"))
	})
	defer done()

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "origin", rec.Header().Get("X-Origin"))
	require.Equal(t, "nope", rec.Body.String())

	time.Sleep(100 * time.Millisecond)
	require.Nil(t, c.Get(ctx, "missing"))
}

func TestBadUpstreamURL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := cache.New()
	c.Start(ctx)
	s := NewServer("bad\x01host", c)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/k", nil))
	require.NotEmpty(t, rec.Body.String())
}

// Concurrent requests for the same key share one upstream fetch.
func TestSingleFlight(t *testing.T) {
	release := make(chan struct{})
	s, _, hits, done := newTestProxy(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("once"))
	})
	defer done()

	const n = 4
	var wg sync.WaitGroup
	bodies := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/k", nil))
			bodies[i] = rec.Body.String()
		}(i)
	}

	// let every request reach the flight group before the origin responds
	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, b := range bodies {
		require.Equal(t, "once", b)
	}
	require.Equal(t, int64(1), atomic.LoadInt64(hits))
}
