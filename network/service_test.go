package network

import (
	"context"
	"testing"
	"time"

	bitswap "github.com/ipfs/go-bitswap"
	bsnet "github.com/ipfs/go-bitswap/network"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	gsimpl "github.com/ipfs/go-graphsync/impl"
	gsnet "github.com/ipfs/go-graphsync/network"
	"github.com/ipfs/go-graphsync/storeutil"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	blocksutil "github.com/ipfs/go-ipfs-blocksutil"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	bs  blockstore.Blockstore
	svc *NetworkService
}

func setupNode(ctx context.Context, t *testing.T, mn mocknet.Mocknet) *testNode {
	t.Helper()

	h, err := mn.GenPeer()
	require.NoError(t, err)

	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	bstore := blockstore.NewBlockstore(ds)

	r, err := dht.New(ctx, h, dht.ProtocolPrefix(KadProtocolPrefix), dht.Mode(dht.ModeServer))
	require.NoError(t, err)

	ps, err := pubsub.NewGossipSub(ctx, h)
	require.NoError(t, err)

	gs := gsimpl.New(ctx,
		gsnet.NewFromLibp2pHost(h),
		storeutil.LoaderForBlockstore(bstore),
		storeutil.StorerForBlockstore(bstore),
	)

	bswap := bitswap.New(ctx, bsnet.NewFromIpfsHost(h, r), bstore).(*bitswap.Bitswap)

	cfg := DefaultConfig()
	cfg.KadWalkInterval = time.Hour
	cfg.BitswapTimeout = 5 * time.Second
	cfg.Autonat = false

	svc := NewNetworkService(h, r, ps, gs, bswap, cfg)
	go func() {
		svc.Start(ctx)
	}()

	return &testNode{bs: bstore, svc: svc}
}

func connectAll(t *testing.T, mn mocknet.Mocknet) {
	t.Helper()
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())
}

func waitPeers(ctx context.Context, t *testing.T, n *testNode, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		peers, err := n.svc.GetPeers(ctx)
		return err == nil && len(peers) == want
	}, 5*time.Second, 50*time.Millisecond, "peer table never reached %d peers", want)
}

// S1: a put on one node advertises the content; the other node fetches it
// preferring the advertising peer.
func TestGetBlockFromAdvertisingPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	mn := mocknet.New(ctx)
	nA := setupNode(ctx, t, mn)
	nB := setupNode(ctx, t, mn)
	connectAll(t, mn)
	waitPeers(ctx, t, nA, 1)
	waitPeers(ctx, t, nB, 1)

	bgen := blocksutil.NewBlockGenerator()
	blk := bgen.Next()
	require.NoError(t, nB.bs.Put(blk))
	require.NoError(t, nB.svc.Put(ctx, blk.Cid()))

	bID := nB.svc.host.ID()
	require.Eventually(t, func() bool {
		content, err := nA.svc.getPeerContent(ctx)
		if err != nil {
			return false
		}
		sum, ok := content[bID]
		return ok && sum.Contains(blk.Cid().Bytes())
	}, 10*time.Second, 100*time.Millisecond, "A never observed B's summary")

	events, cancelSub := nA.svc.SubscribeEvents()
	defer cancelSub()

	require.NoError(t, nA.svc.GetBlock(ctx, blk.Cid()))

	has, err := nA.bs.Has(blk.Cid())
	require.NoError(t, err)
	require.True(t, has)

	var sawWant bool
	for !sawWant {
		select {
		case ev := <-events:
			if want, ok := ev.(BitswapWant); ok {
				require.True(t, want.Cid.Equals(blk.Cid()))
				sawWant = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no BitswapWant event")
		}
	}
}

// S2: a fetch with an empty peer table fails without touching state.
func TestGetBlockNoPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mn := mocknet.New(ctx)
	nA := setupNode(ctx, t, mn)

	err := nA.svc.GetBlock(ctx, testCid(t, "lonely"))
	require.Equal(t, ErrNoPeers, err)
}

// S3: back to back fetches for the same cid coalesce behind one query.
func TestGetBlockCoalesced(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	mn := mocknet.New(ctx)
	nA := setupNode(ctx, t, mn)
	nB := setupNode(ctx, t, mn)
	connectAll(t, mn)
	waitPeers(ctx, t, nA, 1)

	bgen := blocksutil.NewBlockGenerator()
	blk := bgen.Next()
	require.NoError(t, nB.bs.Put(blk))

	events, cancelSub := nA.svc.SubscribeEvents()
	defer cancelSub()

	replies := make([]chan error, 3)
	for i := range replies {
		replies[i] = make(chan error, 1)
		require.NoError(t, nA.svc.SendCommand(GetBitswapCommand{Cid: blk.Cid(), Reply: replies[i]}))
	}

	for _, ch := range replies {
		select {
		case err := <-ch:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("waiter never resolved")
		}
	}

	wants := 0
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case ev := <-events:
			if _, ok := ev.(BitswapWant); ok {
				wants++
			}
		case <-deadline:
			break drain
		}
	}
	require.Equal(t, 1, wants)
}

// S4: dropping the last connection clears the peer's summary.
func TestDisconnectClearsPeerContent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	mn := mocknet.New(ctx)
	nA := setupNode(ctx, t, mn)
	nB := setupNode(ctx, t, mn)
	connectAll(t, mn)
	waitPeers(ctx, t, nA, 1)
	waitPeers(ctx, t, nB, 1)

	events, cancelSub := nA.svc.SubscribeEvents()
	defer cancelSub()

	summary := NewCacheSummary()
	summary.Insert(testCid(t, "content").Bytes())

	aID := nA.svc.host.ID()
	bID := nB.svc.host.ID()

	resp, err := nB.svc.SendRequest(ctx, aID, UrsaExchangeRequest{Kind: StoreSummary, Summary: summary})
	require.NoError(t, err)
	require.Equal(t, StoreSummaryRequest, resp.Kind)

	require.Eventually(t, func() bool {
		content, err := nA.svc.getPeerContent(ctx)
		if err != nil {
			return false
		}
		_, ok := content[bID]
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, mn.DisconnectPeers(aID, bID))

	var sawDisconnect bool
	deadline := time.After(5 * time.Second)
	for !sawDisconnect {
		select {
		case ev := <-events:
			if d, ok := ev.(PeerDisconnected); ok && d.ID == bID {
				sawDisconnect = true
			}
		case <-deadline:
			t.Fatal("no PeerDisconnected event")
		}
	}

	require.Eventually(t, func() bool {
		content, err := nA.svc.getPeerContent(ctx)
		if err != nil {
			return false
		}
		_, ok := content[bID]
		return !ok
	}, 5*time.Second, 50*time.Millisecond)
}

func TestGetListenerAddresses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mn := mocknet.New(ctx)
	nA := setupNode(ctx, t, mn)

	addrs, err := nA.svc.GetListenerAddresses(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
}

func TestPurgeResetsSummary(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	mn := mocknet.New(ctx)
	nA := setupNode(ctx, t, mn)
	nB := setupNode(ctx, t, mn)
	_ = nB
	connectAll(t, mn)
	waitPeers(ctx, t, nA, 1)

	bgen := blocksutil.NewBlockGenerator()
	blk := bgen.Next()
	require.NoError(t, nA.bs.Put(blk))
	require.NoError(t, nA.svc.Put(ctx, blk.Cid()))
	require.NoError(t, nA.svc.PurgeCache(ctx))

	// a second put after purge re-advertises from a clean slate
	require.NoError(t, nA.svc.Put(ctx, blk.Cid()))
}

func TestCloseCommandsStopsLoop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mn := mocknet.New(ctx)
	nA := setupNode(ctx, t, mn)

	nA.svc.CloseCommands()
	require.Eventually(t, func() bool {
		return nA.svc.SendCommand(PurgeCacheCommand{Reply: make(chan error, 1)}) == ErrCommandReceiverClosed
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCommandQueueOrder(t *testing.T) {
	q := newCommandQueue()

	for i := 0; i < 10; i++ {
		reply := make(chan error, 1)
		require.True(t, q.Send(SubscribeCommand{Topic: string(rune('a' + i)), Reply: reply}))
	}
	for i := 0; i < 10; i++ {
		cmd := <-q.out
		sub, ok := cmd.(SubscribeCommand)
		require.True(t, ok)
		require.Equal(t, string(rune('a'+i)), sub.Topic)
	}

	q.Close()
	_, ok := <-q.out
	require.False(t, ok)
	require.False(t, q.Send(PurgeCacheCommand{}))
}
