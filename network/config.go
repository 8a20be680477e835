package network

import (
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// Config determines how the network service joins and serves the swarm.
type Config struct {
	// SwarmAddrs are the multiaddrs the swarm listens on.
	SwarmAddrs []ma.Multiaddr
	// BootstrapNodes are dialed at startup to seed discovery and relaying.
	// A failed dial aborts startup.
	BootstrapNodes []ma.Multiaddr
	// KadWalkInterval is the period between random Kademlia walks keeping
	// the routing table fresh.
	KadWalkInterval time.Duration
	// BitswapTimeout bounds a single block fetch. A fetch that does not
	// complete within this window resolves as not found on any peer.
	BitswapTimeout time.Duration
	// RelayClient listens on a relay circuit when autonat reports the node
	// as private. Requires Autonat.
	RelayClient bool
	// Autonat enables NAT status probing.
	Autonat bool
	// Mdns enables local peer discovery.
	Mdns bool
	// ConnLowWater and ConnHighWater bound the connection manager. The
	// grace period protects fresh connections from pruning.
	ConnLowWater  int
	ConnHighWater int
	ConnGrace     time.Duration
	// ConnsPerPeer caps established connections to a single peer; the
	// loop closes excess connections as they land. Zero disables the cap.
	ConnsPerPeer int
}

// DefaultConfig returns the config a public cache node runs with.
func DefaultConfig() Config {
	return Config{
		KadWalkInterval: 300 * time.Second,
		BitswapTimeout:  30 * time.Second,
		Autonat:         true,
		Mdns:            false,
		ConnLowWater:    1024,
		ConnHighWater:   1024,
		ConnGrace:       20 * time.Second,
		ConnsPerPeer:    8,
	}
}
