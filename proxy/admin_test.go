package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qti3e/ursa/cache"
)

func TestAdminPurge(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := cache.New()
	c.Start(ctx)
	c.Put(ctx, "k", []byte("abc"))
	require.Eventually(t, func() bool {
		return c.Get(ctx, "k") != nil
	}, time.Second, 10*time.Millisecond)

	h := NewAdmin(c, nil).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/purge", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, c.Get(ctx, "k"))

	// purge is POST only
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/purge", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := cache.New()
	c.Start(ctx)
	h := NewAdmin(c, nil).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
