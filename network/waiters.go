package network

import (
	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog/log"
)

// blockWaiters tracks the local callers awaiting an in-flight block fetch.
// Waiters for the same cid are coalesced behind a single bitswap query.
type blockWaiters struct {
	chans map[cid.Cid][]chan<- error
}

func newBlockWaiters() *blockWaiters {
	return &blockWaiters{chans: make(map[cid.Cid][]chan<- error)}
}

// Add registers a waiter for c and reports whether it is the first one, in
// which case the caller must start a new fetch.
func (w *blockWaiters) Add(c cid.Cid, ch chan<- error) bool {
	chans, ok := w.chans[c]
	w.chans[c] = append(chans, ch)
	return !ok
}

// Complete delivers the result to every waiter for c in insertion order and
// drops the entry. Callers that went away are logged and skipped.
func (w *blockWaiters) Complete(c cid.Cid, result error) {
	chans, ok := w.chans[c]
	if !ok {
		log.Debug().Str("cid", c.String()).Msg("bitswap result with no waiters")
		return
	}
	delete(w.chans, c)
	for _, ch := range chans {
		select {
		case ch <- result:
		default:
			log.Warn().Str("cid", c.String()).Msg("block waiter went away")
		}
	}
}

// Remove drops a dangling waiter entry without delivering anything.
func (w *blockWaiters) Remove(c cid.Cid) {
	delete(w.chans, c)
}

func (w *blockWaiters) Len() int {
	return len(w.chans)
}

// ExchangeResult is the outcome of an outbound exchange request.
type ExchangeResult struct {
	Response UrsaExchangeResponse
	Err      error
}

// pendingResponses maps outbound RPC request ids to their reply channels.
type pendingResponses struct {
	chans map[RequestID]chan<- ExchangeResult
}

func newPendingResponses() *pendingResponses {
	return &pendingResponses{chans: make(map[RequestID]chan<- ExchangeResult)}
}

func (p *pendingResponses) Add(id RequestID, ch chan<- ExchangeResult) {
	p.chans[id] = ch
}

// Deliver resolves the request and removes it. Unknown ids are ignored:
// the protocol layer may fail a request after we already gave up on it.
func (p *pendingResponses) Deliver(id RequestID, res ExchangeResult) {
	ch, ok := p.chans[id]
	if !ok {
		return
	}
	delete(p.chans, id)
	select {
	case ch <- res:
	default:
		log.Warn().Uint64("request", uint64(id)).Msg("exchange caller went away")
	}
}

// Drop removes the request without delivering. The caller observes the
// dropped channel as a failure.
func (p *pendingResponses) Drop(id RequestID) {
	delete(p.chans, id)
}

func (p *pendingResponses) Len() int {
	return len(p.chans)
}
