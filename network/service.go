package network

import (
	"bufio"
	"context"
	"math/rand"
	"time"

	bitswap "github.com/ipfs/go-bitswap"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-graphsync"
	"github.com/ipld/go-ipld-prime"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	basicnode "github.com/ipld/go-ipld-prime/node/basic"
	"github.com/ipld/go-ipld-prime/traversal/selector"
	"github.com/ipld/go-ipld-prime/traversal/selector/builder"
	"github.com/libp2p/go-eventbus"
	"github.com/libp2p/go-libp2p-core/event"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/peerstore"
	"github.com/libp2p/go-libp2p-core/protocol"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	discovery "github.com/libp2p/go-libp2p/p2p/discovery"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"

	"github.com/qti3e/ursa/metrics"
)

// GlobalTopic is the gossip topic every ursa node subscribes to.
const GlobalTopic = "/ursa/global"

// KadProtocolPrefix scopes the DHT to the ursa network.
const KadProtocolPrefix = protocol.ID("/ursa")

// KadProtocolID is the DHT protocol advertised over identify; a peer
// listing it belongs to the same network.
const KadProtocolID = protocol.ID("/ursa/kad/1.0.0")

// networkTag marks same-network peers in the connection manager.
const networkTag = "ursa-network"

// Internal loop events. Producers reduce every callback and background
// completion to one of these and send it on the intake channel; the loop
// goroutine is the only owner of the service tables.
type connEvent struct {
	p         peer.ID
	conn      network.Conn
	connected bool
	remaining int
}

type identifyEvent struct {
	p         peer.ID
	protocols []string
	addrs     []ma.Multiaddr
}

type reachabilityEvent struct {
	status network.Reachability
}

type pingResult struct {
	p   peer.ID
	rtt time.Duration
	err error
}

type mdnsPeer struct {
	pi peer.AddrInfo
}

type gossipMessage struct {
	topic string
	msg   *pubsub.Message
}

type gossipPeerEvent struct {
	topic string
	ev    pubsub.PeerEvent
}

type inboundRequest struct {
	stream *RequestStream
	req    UrsaExchangeRequest
}

type outboundResponse struct {
	id   RequestID
	resp UrsaExchangeResponse
	err  error
}

type graphsyncDone struct {
	p    peer.ID
	root cid.Cid
	err  error
}

// NetworkService multiplexes the peer-to-peer stack with the command
// channel. The goroutine running Start owns the peer table, the cache
// summaries and all pending-op bookkeeping.
type NetworkService struct {
	host host.Host
	dht  *dht.IpfsDHT
	ps   *pubsub.PubSub
	gs   graphsync.GraphExchange
	bs   *bitswapClient
	cfg  Config

	commands *commandQueue
	intake   chan interface{}
	events   *eventSink

	// loop-owned state below; no other goroutine touches it
	peers          map[peer.ID]struct{}
	peerContent    map[peer.ID]*CacheSummary
	bitswapQueries map[QueryID]cid.Cid
	waiters        *blockWaiters
	pending        *pendingResponses
	cachedContent  *CacheSummary
	topics         map[string]*topicHandle
	bootstraps     []ma.Multiaddr
	natStatus      network.Reachability
	nextQuery      uint64
	nextRequest    uint64
	rng            *rand.Rand
}

type topicHandle struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	evts   *pubsub.TopicEventHandler
	cancel context.CancelFunc
}

// NewNetworkService wires the service around an assembled libp2p stack.
// Call Start to begin processing.
func NewNetworkService(h host.Host, r *dht.IpfsDHT, ps *pubsub.PubSub, gs graphsync.GraphExchange, bs *bitswap.Bitswap, cfg Config) *NetworkService {
	s := &NetworkService{
		host:           h,
		dht:            r,
		ps:             ps,
		gs:             gs,
		cfg:            cfg,
		commands:       newCommandQueue(),
		intake:         make(chan interface{}, 256),
		events:         newEventSink(64),
		peers:          make(map[peer.ID]struct{}),
		peerContent:    make(map[peer.ID]*CacheSummary),
		bitswapQueries: make(map[QueryID]cid.Cid),
		waiters:        newBlockWaiters(),
		pending:        newPendingResponses(),
		cachedContent:  NewCacheSummary(),
		topics:         make(map[string]*topicHandle),
		bootstraps:     cfg.BootstrapNodes,
		natStatus:      network.ReachabilityUnknown,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.bs = &bitswapClient{h: h, bs: bs, timeout: cfg.BitswapTimeout, intake: s.intake}
	if gs != nil {
		gs.RegisterIncomingRequestHook(func(p peer.ID, _ graphsync.RequestData, ha graphsync.IncomingRequestHookActions) {
			ha.ValidateRequest()
		})
	}
	return s
}

// SubscribeEvents returns a channel of network events and its cancel
// function. Slow subscribers lose events rather than stalling the loop.
func (s *NetworkService) SubscribeEvents() (<-chan Event, func()) {
	return s.events.Subscribe()
}

// CloseCommands stops command intake. Queued commands are still handled,
// then the loop exits with ErrCommandReceiverClosed.
func (s *NetworkService) CloseCommands() {
	s.commands.Close()
}

// allSelector walks every link reachable from the root.
func allSelector() ipld.Node {
	ssb := builder.NewSelectorSpecBuilder(basicnode.Prototype.Any)
	return ssb.ExploreRecursive(selector.RecursionLimitNone(),
		ssb.ExploreAll(ssb.ExploreRecursiveEdge())).Node()
}

// Start brings the swarm up and runs the event loop until ctx is
// canceled or command intake is closed.
func (s *NetworkService) Start(ctx context.Context) error {
	log.Info().Str("peer", s.host.ID().String()).Msg("node starting up")

	if s.cfg.RelayClient && !s.cfg.Autonat {
		log.Error().Msg("relay client requires autonat to know if we are behind a NAT; relaying disabled")
	}

	if len(s.cfg.SwarmAddrs) > 0 {
		if err := s.host.Network().Listen(s.cfg.SwarmAddrs...); err != nil {
			return err
		}
	}

	for _, addr := range s.bootstraps {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return err
		}
		if err := s.host.Connect(ctx, *pi); err != nil {
			return err
		}
	}
	if s.dht != nil {
		if err := s.dht.Bootstrap(ctx); err != nil {
			log.Warn().Err(err).Msg("dht bootstrap failed")
		}
	}

	s.host.SetStreamHandler(MessageProtocolID, func(stream network.Stream) {
		s.handleStream(ctx, stream)
	})
	s.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			s.push(ctx, connEvent{p: c.RemotePeer(), conn: c, connected: true})
		},
		DisconnectedF: func(n network.Network, c network.Conn) {
			p := c.RemotePeer()
			s.push(ctx, connEvent{p: p, remaining: len(n.ConnsToPeer(p))})
		},
	})
	// connections that completed before the notifiee was registered, the
	// bootstrap dials above among them, never fire ConnectedF. Start runs
	// on the loop goroutine, so they enter the peer table directly.
	for _, c := range s.host.Network().Conns() {
		s.handleConnected(ctx, connEvent{p: c.RemotePeer(), conn: c, connected: true})
	}
	if err := s.subscribeHostEvents(ctx); err != nil {
		return err
	}
	if s.cfg.Mdns {
		if err := s.setupMdns(ctx); err != nil {
			return err
		}
	}

	if err := s.subscribeTopic(ctx, GlobalTopic); err != nil {
		log.Warn().Err(err).Str("topic", GlobalTopic).Msg("failed to subscribe to topic")
	}

	return s.loop(ctx)
}

func (s *NetworkService) loop(ctx context.Context) error {
	walk := time.NewTicker(s.cfg.KadWalkInterval)
	defer walk.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.intake:
			s.handleSwarmEvent(ctx, ev)
		case cmd, ok := <-s.commands.out:
			if !ok {
				return ErrCommandReceiverClosed
			}
			s.handleCommand(ctx, cmd)
		case <-walk.C:
			s.kadWalk(ctx)
		}
	}
}

// push delivers an internal event to the loop, giving up when the service
// context ends.
func (s *NetworkService) push(ctx context.Context, ev interface{}) {
	select {
	case s.intake <- ev:
	case <-ctx.Done():
	}
}

func (s *NetworkService) emit(ev Event) {
	s.events.Emit(ev)
}

func (s *NetworkService) subscribeHostEvents(ctx context.Context) error {
	sub, err := s.host.EventBus().Subscribe([]interface{}{
		new(event.EvtPeerIdentificationCompleted),
		new(event.EvtLocalReachabilityChanged),
	}, eventbus.BufSize(256))
	if err != nil {
		return err
	}
	go func() {
		defer sub.Close()
		for {
			select {
			case e, ok := <-sub.Out():
				if !ok {
					return
				}
				switch evt := e.(type) {
				case event.EvtPeerIdentificationCompleted:
					protos, _ := s.host.Peerstore().GetProtocols(evt.Peer)
					addrs := s.host.Peerstore().Addrs(evt.Peer)
					s.push(ctx, identifyEvent{p: evt.Peer, protocols: protos, addrs: addrs})
				case event.EvtLocalReachabilityChanged:
					s.push(ctx, reachabilityEvent{status: evt.Reachability})
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *NetworkService) handleStream(ctx context.Context, stream network.Stream) {
	rs := &RequestStream{
		p:   stream.Conn().RemotePeer(),
		rw:  stream,
		buf: bufio.NewReaderSize(stream, 16),
	}
	req, err := rs.ReadRequest()
	if err != nil {
		log.Debug().Err(err).Str("peer", rs.p.String()).Msg("bad exchange request")
		stream.Reset()
		return
	}
	s.push(ctx, inboundRequest{stream: rs, req: req})
}

// handleSwarmEvent processes one reduced swarm event per loop turn.
func (s *NetworkService) handleSwarmEvent(ctx context.Context, ev interface{}) {
	switch ev := ev.(type) {
	case connEvent:
		if ev.connected {
			metrics.RecordSwarmEvent("connection_established")
			s.handleConnected(ctx, ev)
		} else {
			metrics.RecordSwarmEvent("connection_closed")
			s.handleDisconnected(ev.p, ev.remaining)
		}
	case identifyEvent:
		metrics.RecordSwarmEvent("identify_received")
		s.handleIdentify(ev)
	case reachabilityEvent:
		metrics.RecordSwarmEvent("autonat_status_changed")
		s.handleReachability(ev.status)
	case pingResult:
		metrics.RecordSwarmEvent("ping")
		s.handlePing(ev)
	case bitswapDone:
		metrics.RecordSwarmEvent("bitswap_complete")
		s.handleBitswapDone(ev)
	case gossipMessage:
		metrics.RecordSwarmEvent("gossipsub_message")
		s.handleGossipMessage(ev)
	case gossipPeerEvent:
		metrics.RecordSwarmEvent("gossipsub_peer")
		s.handleGossipPeerEvent(ev)
	case mdnsPeer:
		metrics.RecordSwarmEvent("mdns_discovered")
		s.handleMdnsPeer(ctx, ev.pi)
	case inboundRequest:
		metrics.RecordSwarmEvent("request_message")
		s.handleInboundRequest(ctx, ev)
	case outboundResponse:
		metrics.RecordSwarmEvent("response_message")
		s.handleOutboundResponse(ev)
	case graphsyncDone:
		metrics.RecordSwarmEvent("graphsync_complete")
		if ev.err != nil {
			log.Warn().Err(ev.err).Str("peer", ev.p.String()).Str("root", ev.root.String()).Msg("graphsync pull failed")
		} else {
			log.Info().Str("peer", ev.p.String()).Str("root", ev.root.String()).Msg("graphsync pull complete")
		}
	default:
		log.Debug().Interface("event", ev).Msg("unhandled swarm event")
	}
}

func (s *NetworkService) handleConnected(ctx context.Context, ev connEvent) {
	p := ev.p
	// per-peer established ceiling; the connmgr watermarks only bound the
	// global totals
	if s.cfg.ConnsPerPeer > 0 && ev.conn != nil &&
		len(s.host.Network().ConnsToPeer(p)) > s.cfg.ConnsPerPeer {
		log.Debug().Str("peer", p.String()).Msg("too many connections to peer, closing")
		ev.conn.Close()
		return
	}
	if _, ok := s.peers[p]; ok {
		return
	}
	s.peers[p] = struct{}{}
	log.Debug().Str("peer", p.String()).Msg("peer connected")
	s.emit(PeerConnected{ID: p})

	go func() {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		res, ok := <-ping.Ping(pctx, s.host, p)
		if !ok {
			return
		}
		s.push(ctx, pingResult{p: p, rtt: res.RTT, err: res.Error})
	}()
}

func (s *NetworkService) handleDisconnected(p peer.ID, remaining int) {
	if remaining > 0 {
		return
	}
	if _, ok := s.peers[p]; !ok {
		return
	}
	delete(s.peers, p)
	delete(s.peerContent, p)
	log.Debug().Str("peer", p.String()).Msg("peer disconnected")
	s.emit(PeerDisconnected{ID: p})
}

func (s *NetworkService) handleIdentify(ev identifyEvent) {
	same := false
	for _, proto := range ev.protocols {
		if proto == string(KadProtocolID) {
			same = true
			break
		}
	}
	if !same {
		return
	}
	// keep same-network peers around and make their addresses routable
	s.host.ConnManager().TagPeer(ev.p, networkTag, 100)
	s.host.ConnManager().Protect(ev.p, networkTag)
	s.host.Peerstore().AddAddrs(ev.p, ev.addrs, peerstore.PermanentAddrTTL)
}

func (s *NetworkService) handleReachability(status network.Reachability) {
	old := s.natStatus
	s.natStatus = status

	switch {
	case old == network.ReachabilityUnknown && status == network.ReachabilityPrivate:
		if !s.cfg.RelayClient {
			log.Warn().Msg("private NAT detected and relay client disabled")
			return
		}
		if len(s.bootstraps) == 0 {
			log.Warn().Msg("private NAT detected but no bootstrap to relay through")
			return
		}
		addr := s.bootstraps[s.rng.Intn(len(s.bootstraps))]
		circuit := addr.Encapsulate(ma.StringCast("/p2p-circuit"))
		log.Warn().Str("addr", circuit.String()).Msg("private NAT detected, establishing public relay address")
		if err := s.host.Network().Listen(circuit); err != nil {
			log.Error().Err(err).Msg("failed to listen on relay circuit")
		}
	case status == network.ReachabilityPublic:
		log.Info().Msg("public NAT verified")
	default:
		log.Warn().Int("old", int(old)).Int("new", int(status)).Msg("NAT status changed")
	}
}

func (s *NetworkService) handlePing(ev pingResult) {
	if ev.err != nil {
		log.Warn().Err(ev.err).Str("peer", ev.p.String()).Msg("ping failed")
		return
	}
	log.Debug().Str("peer", ev.p.String()).Dur("rtt", ev.rtt).Msg("ping")
}

func (s *NetworkService) handleBitswapDone(ev bitswapDone) {
	c, ok := s.bitswapQueries[ev.id]
	if !ok {
		log.Error().Uint64("query", uint64(ev.id)).Msg("bitswap query id not found")
		return
	}
	delete(s.bitswapQueries, ev.id)
	metrics.SetBitswapInflight(len(s.bitswapQueries))

	var result error
	if ev.err != nil {
		log.Debug().Err(ev.err).Str("cid", c.String()).Msg("bitswap query failed")
		result = ErrBlockNotFound
	}
	s.waiters.Complete(c, result)
}

func (s *NetworkService) handleGossipMessage(ev gossipMessage) {
	from := ev.msg.ReceivedFrom
	if from == s.host.ID() {
		return
	}
	s.emit(GossipsubMessage{From: from, Topic: ev.topic, Data: ev.msg.Data})
}

func (s *NetworkService) handleGossipPeerEvent(ev gossipPeerEvent) {
	switch ev.ev.Type {
	case pubsub.PeerJoin:
		s.emit(GossipsubSubscribed{ID: ev.ev.Peer, Topic: ev.topic})
	case pubsub.PeerLeave:
		s.emit(GossipsubUnsubscribed{ID: ev.ev.Peer, Topic: ev.topic})
	}
}

func (s *NetworkService) handleMdnsPeer(ctx context.Context, pi peer.AddrInfo) {
	s.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	if _, ok := s.peers[pi.ID]; ok {
		return
	}
	s.peers[pi.ID] = struct{}{}
	go func() {
		if err := s.host.Connect(ctx, pi); err != nil {
			log.Error().Err(err).Str("peer", pi.ID.String()).Msg("failed to dial local peer")
			return
		}
		log.Info().Str("peer", pi.ID.String()).Msg("dialed new local peer")
	}()
}

func (s *NetworkService) handleInboundRequest(ctx context.Context, ev inboundRequest) {
	s.nextRequest++
	id := RequestID(s.nextRequest)
	p := ev.stream.OtherPeer()

	var resp UrsaExchangeResponse
	switch ev.req.Kind {
	case CarRequest:
		// reserved
		go ev.stream.Close()
		return
	case CacheRequest:
		if ev.req.Payload == nil {
			go ev.stream.Close()
			return
		}
		root := *ev.req.Payload
		log.Info().Str("peer", p.String()).Str("cid", root.String()).Msg("cache request")
		s.startGraphsyncPull(ctx, p, root)
		resp = UrsaExchangeResponse{Kind: CacheResponse}
	case StoreSummary:
		if ev.req.Summary == nil {
			go ev.stream.Close()
			return
		}
		s.peerContent[p] = ev.req.Summary
		resp = UrsaExchangeResponse{Kind: StoreSummaryRequest}
	default:
		go ev.stream.Close()
		return
	}

	go func() {
		defer ev.stream.Close()
		if err := ev.stream.WriteResponse(resp); err != nil {
			log.Error().Err(err).Str("peer", p.String()).Msg("failed to send response")
		}
	}()
	s.emit(RequestMessage{ID: id})
}

// startGraphsyncPull pulls every block reachable from root out of p into
// the local store.
func (s *NetworkService) startGraphsyncPull(ctx context.Context, p peer.ID, root cid.Cid) {
	if s.gs == nil {
		log.Warn().Msg("graphsync disabled, dropping cache request")
		return
	}
	progress, errs := s.gs.Request(ctx, p, cidlink.Link{Cid: root}, allSelector())
	go func() {
		for range progress {
		}
		var last error
		for err := range errs {
			last = err
		}
		s.push(ctx, graphsyncDone{p: p, root: root, err: last})
	}()
}

func (s *NetworkService) handleOutboundResponse(ev outboundResponse) {
	s.pending.Deliver(ev.id, ExchangeResult{Response: ev.resp, Err: ev.err})
}

// handleCommand processes one command per loop turn; state reads and
// mutations never cross a suspension point.
func (s *NetworkService) handleCommand(ctx context.Context, cmd Command) {
	switch cmd := cmd.(type) {
	case GetBitswapCommand:
		metrics.RecordCommand("get_bitswap")
		s.handleGetBitswap(ctx, cmd)
	case PutCommand:
		metrics.RecordCommand("put")
		s.handlePut(ctx, cmd)
	case GetPeersCommand:
		metrics.RecordCommand("get_peers")
		peers := make([]peer.ID, 0, len(s.peers))
		for p := range s.peers {
			peers = append(peers, p)
		}
		s.reply(cmd.Reply, peers)
	case GetListenerAddressesCommand:
		metrics.RecordCommand("get_listener_addresses")
		s.reply(cmd.Reply, s.listenerAddresses())
	case SendRequestCommand:
		metrics.RecordCommand("send_request")
		s.handleSendRequest(ctx, cmd)
	case SubscribeCommand:
		metrics.RecordCommand("subscribe")
		s.reply(cmd.Reply, s.subscribeTopic(ctx, cmd.Topic))
	case UnsubscribeCommand:
		metrics.RecordCommand("unsubscribe")
		s.reply(cmd.Reply, s.unsubscribeTopic(cmd.Topic))
	case PublishCommand:
		metrics.RecordCommand("publish")
		s.handlePublish(ctx, cmd)
	case PurgeCacheCommand:
		metrics.RecordCommand("purge_cache")
		s.cachedContent.Reset()
		s.reply(cmd.Reply, nil)
	case getPeerContentCommand:
		snapshot := make(map[peer.ID]*CacheSummary, len(s.peerContent))
		for p, sum := range s.peerContent {
			snapshot[p] = sum.Copy()
		}
		s.reply(cmd.reply, snapshot)
	default:
		log.Error().Interface("command", cmd).Msg("unknown command")
	}
}

// reply is best effort: a caller that went away is logged and ignored.
func (s *NetworkService) reply(ch interface{}, v interface{}) {
	switch ch := ch.(type) {
	case chan<- error:
		var err error
		if v != nil {
			err = v.(error)
		}
		select {
		case ch <- err:
		default:
			log.Warn().Msg("command caller went away")
		}
	case chan<- []peer.ID:
		select {
		case ch <- v.([]peer.ID):
		default:
			log.Warn().Msg("command caller went away")
		}
	case chan<- []ma.Multiaddr:
		select {
		case ch <- v.([]ma.Multiaddr):
		default:
			log.Warn().Msg("command caller went away")
		}
	case chan<- map[peer.ID]*CacheSummary:
		select {
		case ch <- v.(map[peer.ID]*CacheSummary):
		default:
			log.Warn().Msg("command caller went away")
		}
	}
}

func (s *NetworkService) handleGetBitswap(ctx context.Context, cmd GetBitswapCommand) {
	log.Info().Str("cid", cmd.Cid.String()).Msg("getting cid via bitswap")

	if len(s.peers) == 0 {
		log.Error().Msg("no peers available and block not in local store")
		s.reply(cmd.Reply, ErrNoPeers)
		return
	}

	if first := s.waiters.Add(cmd.Cid, cmd.Reply); !first {
		return
	}

	// prefer peers advertising the cid; never gate on the summary
	var preferred []peer.ID
	for p := range s.peers {
		if sum, ok := s.peerContent[p]; !ok || !sum.Contains(cmd.Cid.Bytes()) {
			continue
		}
		preferred = append(preferred, p)
	}
	if len(preferred) == 0 {
		for p := range s.peers {
			preferred = append(preferred, p)
		}
	}

	s.nextQuery++
	id := QueryID(s.nextQuery)
	s.bitswapQueries[id] = cmd.Cid
	metrics.SetBitswapInflight(len(s.bitswapQueries))
	s.bs.fetch(ctx, id, cmd.Cid, preferred)
	s.emit(BitswapWant{Cid: cmd.Cid, Query: id})
}

func (s *NetworkService) handlePut(ctx context.Context, cmd PutCommand) {
	s.cachedContent.Insert(cmd.Cid.Bytes())
	summary := s.cachedContent.Copy()

	for p := range s.peers {
		log.Info().Str("peer", p.String()).Str("cid", cmd.Cid.String()).Msg("sending cache request to peer")
		go s.advertise(ctx, p, cmd.Cid, summary)
	}
	s.reply(cmd.Reply, nil)
}

// advertise asks p to replicate c, then shares the updated summary.
func (s *NetworkService) advertise(ctx context.Context, p peer.ID, c cid.Cid, summary *CacheSummary) {
	root := c
	if err := s.sendOneRequest(ctx, p, UrsaExchangeRequest{Kind: CacheRequest, Payload: &root}); err != nil {
		log.Debug().Err(err).Str("peer", p.String()).Msg("cache request failed")
		return
	}
	if err := s.sendOneRequest(ctx, p, UrsaExchangeRequest{Kind: StoreSummary, Summary: summary}); err != nil {
		log.Debug().Err(err).Str("peer", p.String()).Msg("summary advertisement failed")
	}
}

// sendOneRequest performs a full request/response exchange on a fresh
// stream, discarding the response body.
func (s *NetworkService) sendOneRequest(ctx context.Context, p peer.ID, req UrsaExchangeRequest) error {
	rs, err := newRequestStream(ctx, s.host, p)
	if err != nil {
		return err
	}
	defer rs.Close()
	if err := rs.WriteRequest(req); err != nil {
		return err
	}
	_, err = rs.ReadResponse()
	return err
}

func (s *NetworkService) handleSendRequest(ctx context.Context, cmd SendRequestCommand) {
	s.nextRequest++
	id := RequestID(s.nextRequest)
	s.pending.Add(id, cmd.Reply)

	go func() {
		rs, err := newRequestStream(ctx, s.host, cmd.Peer)
		if err != nil {
			s.push(ctx, outboundResponse{id: id, err: err})
			return
		}
		defer rs.Close()
		if err := rs.WriteRequest(cmd.Request); err != nil {
			s.push(ctx, outboundResponse{id: id, err: err})
			return
		}
		resp, err := rs.ReadResponse()
		s.push(ctx, outboundResponse{id: id, resp: resp, err: err})
	}()

	s.emit(RequestMessage{ID: id})
}

func (s *NetworkService) listenerAddresses() []ma.Multiaddr {
	addrs := s.host.Network().ListenAddresses()
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		seen[a.String()] = struct{}{}
	}
	// host addrs additionally carry NAT-mapped and observed addresses
	for _, a := range s.host.Addrs() {
		if _, ok := seen[a.String()]; !ok {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// joinTopic joins without subscribing, caching the handle.
func (s *NetworkService) joinTopic(topic string) (*topicHandle, error) {
	if h, ok := s.topics[topic]; ok {
		return h, nil
	}
	t, err := s.ps.Join(topic)
	if err != nil {
		return nil, err
	}
	h := &topicHandle{topic: t}
	s.topics[topic] = h
	return h, nil
}

func (s *NetworkService) subscribeTopic(ctx context.Context, topic string) error {
	h, err := s.joinTopic(topic)
	if err != nil {
		return err
	}
	if h.sub != nil {
		return nil
	}
	sub, err := h.topic.Subscribe()
	if err != nil {
		return err
	}
	evts, err := h.topic.EventHandler()
	if err != nil {
		sub.Cancel()
		return err
	}
	h.sub = sub
	h.evts = evts

	rctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	go func() {
		for {
			msg, err := sub.Next(rctx)
			if err != nil {
				return
			}
			s.push(ctx, gossipMessage{topic: topic, msg: msg})
		}
	}()
	go func() {
		for {
			ev, err := evts.NextPeerEvent(rctx)
			if err != nil {
				return
			}
			s.push(ctx, gossipPeerEvent{topic: topic, ev: ev})
		}
	}()
	return nil
}

func (s *NetworkService) unsubscribeTopic(topic string) error {
	h, ok := s.topics[topic]
	if !ok || h.sub == nil {
		return nil
	}
	h.cancel()
	h.sub.Cancel()
	h.evts.Cancel()
	h.sub = nil
	h.evts = nil
	delete(s.topics, topic)
	return h.topic.Close()
}

func (s *NetworkService) handlePublish(ctx context.Context, cmd PublishCommand) {
	h, err := s.joinTopic(cmd.Topic)
	if err != nil {
		s.reply(cmd.Reply, err)
		return
	}
	go func() {
		err := h.topic.Publish(ctx, cmd.Data)
		if err != nil {
			log.Warn().Err(err).Str("topic", cmd.Topic).Msg("publish error")
		}
		s.reply(cmd.Reply, err)
	}()
}

// mdnsNotifee forwards local discoveries into the loop.
type mdnsNotifee struct {
	ctx context.Context
	s   *NetworkService
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n.s.push(n.ctx, mdnsPeer{pi: pi})
}

func (s *NetworkService) setupMdns(ctx context.Context) error {
	svc, err := discovery.NewMdnsService(ctx, s.host, 10*time.Second, "ursa")
	if err != nil {
		return err
	}
	svc.RegisterNotifee(&mdnsNotifee{ctx: ctx, s: s})
	return nil
}

// kadWalk keeps the routing table fresh by walking towards a random key.
func (s *NetworkService) kadWalk(ctx context.Context) {
	if s.dht == nil {
		return
	}
	log.Info().Msg("starting random kademlia walk")
	key := make([]byte, 32)
	s.rng.Read(key)
	go func() {
		wctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		out, err := s.dht.GetClosestPeers(wctx, string(key))
		if err != nil {
			log.Debug().Err(err).Msg("kademlia walk failed")
			return
		}
		n := 0
		for range out {
			n++
		}
		log.Debug().Int("peers", n).Msg("kademlia walk finished")
	}()
}
