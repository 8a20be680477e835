// Package proxy serves HTTP content out of the local cache, streaming
// upstream bodies to the client while they are being cached.
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/golang/groupcache/singleflight"
	"github.com/rs/zerolog/log"

	"github.com/qti3e/ursa/cache"
	"github.com/qti3e/ursa/metrics"
)

// errNotCacheable marks an upstream fetch whose response was already
// forwarded to the leader's client but must not be shared or cached.
var errNotCacheable = errors.New("upstream response not cacheable")

// Server is the cache-path HTTP handler.
type Server struct {
	upstream string
	cache    *cache.Cache
	client   *http.Client
	flights  singleflight.Group
}

// NewServer proxies misses to the origin at upstream (host:port).
func NewServer(upstream string, c *cache.Cache) *Server {
	return &Server{
		upstream: upstream,
		cache:    c,
		client:   &http.Client{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := strings.TrimPrefix(r.URL.Path, "/")
	noCache := strings.Contains(r.Header.Get("Cache-Control"), "no-cache")

	if !noCache {
		if body := s.cache.Get(ctx, key); body != nil {
			log.Info().Str("key", key).Msg("cache hit")
			metrics.RecordProxyOutcome("hit")
			w.Write(body)
			return
		}
		log.Info().Str("key", key).Msg("cache miss")
		metrics.RecordProxyOutcome("miss")
	} else {
		metrics.RecordProxyOutcome("bypass")
	}

	// concurrent fetches for the same key collapse into one upstream hit:
	// the leader streams while followers wait for the completed body
	for {
		served := false
		body, err := s.flights.Do(key, func() (interface{}, error) {
			served = true
			return s.fetchUpstream(ctx, w, key)
		})
		if served {
			return
		}
		if err == nil {
			metrics.RecordProxyOutcome("coalesced")
			w.Write(body.([]byte))
			return
		}
		if ctx.Err() != nil {
			return
		}
		// the leader failed; try leading ourselves
	}
}

type drainResult struct {
	body []byte
	err  error
}

// fetchUpstream drives the upstream GET, streaming the body to the
// client while buffering it for the cache. The cache is only written
// after a clean end of a 200 body. The returned body is handed to
// coalesced followers; error responses are already forwarded to the
// caller's client and return an error instead.
func (s *Server) fetchUpstream(ctx context.Context, w http.ResponseWriter, key string) ([]byte, error) {
	endpoint := "http://" + s.upstream + "/" + key
	u, err := url.Parse(endpoint)
	if err != nil {
		w.Write([]byte(err.Error()))
		return nil, err
	}
	log.Info().Str("endpoint", endpoint).Msg("sending request upstream")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		metrics.RecordProxyOutcome("upstream_error")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// forward verbatim, never cache
		metrics.RecordProxyOutcome("passthrough")
		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return nil, errNotCacheable
	}

	pr, pw := io.Pipe()
	res := make(chan drainResult, 1)
	go func() {
		var buf []byte
		chunk := make([]byte, 32*1024)
		for {
			n, err := resp.Body.Read(chunk)
			if n > 0 {
				if _, werr := pw.Write(chunk[:n]); werr != nil {
					log.Warn().Err(werr).Str("key", key).Msg("failed to write to client stream")
				}
				buf = append(buf, chunk[:n]...)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				log.Error().Err(err).Str("key", key).Msg("failed to read upstream stream")
				pw.Close()
				res <- drainResult{err: err}
				return
			}
		}
		pw.Close()
		log.Debug().Str("key", key).Str("size", humanize.Bytes(uint64(len(buf)))).Msg("upstream body complete")
		s.cache.Put(context.Background(), key, buf)
		res <- drainResult{body: buf}
	}()

	s.stream(w, pr)
	// a gone client must not stall the drain; writes fail fast and the
	// body still reaches the cache
	pr.Close()

	r := <-res
	return r.body, r.err
}

// stream copies the pipe to the client, flushing as bytes arrive so the
// client reads ahead of the full upstream body.
func (s *Server) stream(w http.ResponseWriter, r io.Reader) {
	flusher, _ := w.(http.Flusher)
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
