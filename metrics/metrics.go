// Package metrics records node activity counters and serves them to
// prometheus scrapers through the admin surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	swarmEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ursa_swarm_events_total",
		Help: "Swarm and behaviour events processed by the network loop.",
	}, []string{"event"})

	commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ursa_network_commands_total",
		Help: "Commands dequeued by the network loop.",
	}, []string{"command"})

	proxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ursa_proxy_requests_total",
		Help: "Proxy requests by cache outcome.",
	}, []string{"outcome"})

	bitswapQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ursa_bitswap_queries_inflight",
		Help: "Bitswap queries currently awaiting completion.",
	})
)

// RecordSwarmEvent counts one swarm or behaviour event.
func RecordSwarmEvent(event string) {
	swarmEvents.WithLabelValues(event).Inc()
}

// RecordCommand counts one dequeued command.
func RecordCommand(command string) {
	commands.WithLabelValues(command).Inc()
}

// RecordProxyOutcome counts a proxy request outcome: hit, miss, bypass,
// coalesced, upstream_error or passthrough.
func RecordProxyOutcome(outcome string) {
	proxyRequests.WithLabelValues(outcome).Inc()
}

// SetBitswapInflight tracks the size of the pending query table.
func SetBitswapInflight(n int) {
	bitswapQueries.Set(float64(n))
}

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
