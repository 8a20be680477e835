package network

import (
	"context"
	"time"

	bitswap "github.com/ipfs/go-bitswap"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/rs/zerolog/log"
)

// QueryID identifies an in-flight bitswap fetch started by this node.
type QueryID uint64

// bitswapDone is the loop event closing out a query.
type bitswapDone struct {
	id  QueryID
	cid cid.Cid
	err error
}

// bitswapClient runs block fetches as background sessions and reports
// their completion into the event loop. go-bitswap has no query handles,
// so query ids are allocated by the loop and carried through here.
type bitswapClient struct {
	h       host.Host
	bs      *bitswap.Bitswap
	timeout time.Duration
	intake  chan<- interface{}
}

// fetch resolves c through a bitswap session, connecting to the preferred
// peers first so the initial want lands on them. The received block is
// written to the local blockstore by bitswap itself; the loop only learns
// whether the query succeeded.
func (b *bitswapClient) fetch(parent context.Context, id QueryID, c cid.Cid, peers []peer.ID) {
	go func() {
		ctx, cancel := context.WithTimeout(parent, b.timeout)
		defer cancel()

		for _, p := range peers {
			if err := b.h.Connect(ctx, peer.AddrInfo{ID: p}); err != nil {
				log.Debug().Err(err).Str("peer", p.String()).Msg("could not reach preferred peer for fetch")
			}
		}

		session := b.bs.NewSession(ctx)
		_, err := session.GetBlock(ctx, c)
		select {
		case b.intake <- bitswapDone{id: id, cid: c, err: err}:
		case <-parent.Done():
		}
	}()
}
