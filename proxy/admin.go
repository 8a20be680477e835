package proxy

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/qti3e/ursa/cache"
	"github.com/qti3e/ursa/metrics"
	"github.com/qti3e/ursa/network"
)

// Admin exposes the operator surface: cache purge and metrics.
type Admin struct {
	cache *cache.Cache
	net   *network.NetworkService
}

// NewAdmin wires the admin surface. net may be nil when the node runs
// without networking.
func NewAdmin(c *cache.Cache, net *network.NetworkService) *Admin {
	return &Admin{cache: c, net: net}
}

// Handler routes POST /purge and GET /metrics.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/purge", a.handlePurge)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (a *Admin) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	a.cache.PurgeAll(ctx)
	if a.net != nil {
		// the summary reset is not retracted from peers; they learn on
		// the next advertisement
		if err := a.net.PurgeCache(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("failed to purge network cache summary")
		}
	}
	w.WriteHeader(http.StatusOK)
}
