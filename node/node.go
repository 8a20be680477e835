// Package node assembles the ursa stack: storage, libp2p host, network
// service, proxy and admin surfaces.
package node

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	bitswap "github.com/ipfs/go-bitswap"
	bsnet "github.com/ipfs/go-bitswap/network"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	badgerds "github.com/ipfs/go-ds-badger"
	gsimpl "github.com/ipfs/go-graphsync/impl"
	gsnet "github.com/ipfs/go-graphsync/network"
	"github.com/ipfs/go-graphsync/storeutil"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	keystore "github.com/ipfs/go-ipfs-keystore"
	"github.com/jpillora/backoff"
	"github.com/libp2p/go-libp2p"
	connmgr "github.com/libp2p/go-libp2p-connmgr"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/routing"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/multiformats/go-multihash"
	"github.com/rs/zerolog/log"

	"github.com/qti3e/ursa/cache"
	"github.com/qti3e/ursa/internal/utils"
	"github.com/qti3e/ursa/network"
	"github.com/qti3e/ursa/proxy"
)

// Options determines configurations for the ursa node.
type Options struct {
	// RepoPath is the file system path to persist the datastore and keys
	RepoPath string
	// ProxyAddr is the listen address of the HTTP proxy surface
	ProxyAddr string
	// AdminAddr is the listen address of the admin surface
	AdminAddr string
	// Upstream is the origin host:port the proxy fetches misses from
	Upstream string
	// SwarmAddrs are the swarm listen multiaddrs
	SwarmAddrs []string
	// BootstrapPeers are full p2p multiaddrs dialed at startup
	BootstrapPeers []string
	// RelayClient listens on a relay circuit when behind a NAT
	RelayClient bool
	// Autonat enables NAT status probing
	Autonat bool
	// Mdns enables local discovery
	Mdns bool
	// KadWalkInterval is the period between random kademlia walks
	KadWalkInterval time.Duration
}

// Node is a running ursa content distribution node.
type Node struct {
	host       host.Host
	ds         datastore.Batching
	bs         blockstore.Blockstore
	net        *network.NetworkService
	cache      *cache.Cache
	proxy      *proxy.Server
	admin      *proxy.Admin
	opts       Options
	bootstraps []peer.AddrInfo
}

// New puts together all the components of the node.
func New(ctx context.Context, opts Options) (*Node, error) {
	nd := &Node{opts: opts}

	dsopts := badgerds.DefaultOptions
	dsopts.SyncWrites = false
	dsopts.Truncate = true

	var err error
	nd.ds, err = badgerds.NewDatastore(filepath.Join(opts.RepoPath, "datastore"), &dsopts)
	if err != nil {
		return nil, err
	}
	nd.bs = blockstore.NewBlockstore(nd.ds)

	ks, err := keystore.NewFSKeystore(filepath.Join(opts.RepoPath, "keystore"))
	if err != nil {
		return nil, err
	}
	priv, err := utils.Libp2pKey(ks)
	if err != nil {
		return nil, err
	}

	cfg := network.DefaultConfig()
	cfg.RelayClient = opts.RelayClient
	cfg.Autonat = opts.Autonat
	cfg.Mdns = opts.Mdns
	if opts.KadWalkInterval > 0 {
		cfg.KadWalkInterval = opts.KadWalkInterval
	}
	cfg.SwarmAddrs, err = utils.ParseAddrs(opts.SwarmAddrs)
	if err != nil {
		return nil, err
	}
	cfg.BootstrapNodes, err = utils.ParseAddrs(opts.BootstrapPeers)
	if err != nil {
		return nil, err
	}
	nd.bootstraps, err = utils.AddrInfos(cfg.BootstrapNodes)
	if err != nil {
		return nil, err
	}

	var idht *dht.IpfsDHT
	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.NoListenAddrs,
		libp2p.ConnectionManager(connmgr.NewConnManager(
			cfg.ConnLowWater,
			cfg.ConnHighWater,
			cfg.ConnGrace,
		)),
		// Attempt to open ports using uPNP for NATed hosts.
		libp2p.NATPortMap(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			idht, err = dht.New(ctx, h, dht.ProtocolPrefix(network.KadProtocolPrefix))
			return idht, err
		}),
	}
	if opts.Autonat {
		hostOpts = append(hostOpts, libp2p.EnableNATService())
	}
	if opts.RelayClient {
		hostOpts = append(hostOpts, libp2p.EnableRelay())
	} else {
		hostOpts = append(hostOpts, libp2p.DisableRelay())
	}
	nd.host, err = libp2p.New(ctx, hostOpts...)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, nd.host)
	if err != nil {
		return nil, err
	}

	gs := gsimpl.New(ctx,
		gsnet.NewFromLibp2pHost(nd.host),
		storeutil.LoaderForBlockstore(nd.bs),
		storeutil.StorerForBlockstore(nd.bs),
	)

	bnet := bsnet.NewFromIpfsHost(nd.host, idht)
	bswap := bitswap.New(ctx, bnet, nd.bs).(*bitswap.Bitswap)

	nd.net = network.NewNetworkService(nd.host, idht, ps, gs, bswap, cfg)

	nd.cache = cache.New()
	nd.cache.OnUpstreamData = nd.announceUpstream
	nd.proxy = proxy.NewServer(opts.Upstream, nd.cache)
	nd.admin = proxy.NewAdmin(nd.cache, nd.net)

	return nd, nil
}

// Start serves the HTTP surfaces and runs the network loop until ctx is
// canceled.
func (nd *Node) Start(ctx context.Context) error {
	nd.cache.Start(ctx)

	proxySrv := &http.Server{Addr: nd.opts.ProxyAddr, Handler: nd.proxy}
	adminSrv := &http.Server{Addr: nd.opts.AdminAddr, Handler: nd.admin.Handler()}
	go func() {
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("proxy server failed")
		}
	}()
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		proxySrv.Close()
		adminSrv.Close()
	}()

	go nd.watchBootstraps(ctx)

	return nd.net.Start(ctx)
}

// Network exposes the command surface to other subsystems.
func (nd *Node) Network() *network.NetworkService {
	return nd.net
}

// announceUpstream stores a completed proxy body as a raw block and
// advertises it so peers can replicate it.
func (nd *Node) announceUpstream(key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	hash, err := multihash.Sum(value, multihash.SHA2_256, -1)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to hash upstream body")
		return
	}
	c := cid.NewCidV1(cid.Raw, hash)
	blk, err := blocks.NewBlockWithCid(value, c)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to build block")
		return
	}
	if err := nd.bs.Put(blk); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to store block")
		return
	}
	if err := nd.net.Put(ctx, c); err != nil {
		log.Error().Err(err).Str("cid", c.String()).Msg("failed to advertise block")
		return
	}
	log.Info().Str("key", key).Str("cid", c.String()).Msg("cached content advertised")
}

// watchBootstraps redials the bootstrap nodes with backoff whenever the
// peer table empties out.
func (nd *Node) watchBootstraps(ctx context.Context) {
	if len(nd.bootstraps) == 0 {
		return
	}
	b := &backoff.Backoff{
		Min:    5 * time.Second,
		Max:    10 * time.Minute,
		Factor: 2,
	}
	delay := 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		peers, err := nd.net.GetPeers(ctx)
		if err != nil {
			return
		}
		if len(peers) > 0 {
			b.Reset()
			delay = 30 * time.Second
			continue
		}
		log.Warn().Msg("peer table empty, redialing bootstrap nodes")
		for _, pi := range nd.bootstraps {
			if err := nd.host.Connect(ctx, pi); err != nil {
				log.Debug().Err(err).Str("peer", pi.ID.String()).Msg("bootstrap redial failed")
			}
		}
		delay = b.Duration()
	}
}
