package network

import (
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/rs/zerolog/log"
)

// Event is a notification published by the network service. Subscribers
// run on their own goroutines; the loop never blocks on them.
type Event interface {
	networkEvent()
}

// PeerConnected fires when a remote peer joins the peer table.
type PeerConnected struct {
	ID peer.ID
}

// PeerDisconnected fires when the last connection to a peer closes.
type PeerDisconnected struct {
	ID peer.ID
}

// GossipsubMessage carries a message received on a subscribed topic.
type GossipsubMessage struct {
	From  peer.ID
	Topic string
	Data  []byte
}

// GossipsubSubscribed fires when a remote peer joins a topic mesh.
type GossipsubSubscribed struct {
	ID    peer.ID
	Topic string
}

// GossipsubUnsubscribed fires when a remote peer leaves a topic mesh.
type GossipsubUnsubscribed struct {
	ID    peer.ID
	Topic string
}

// RequestMessage fires after an exchange request was handled or sent.
type RequestMessage struct {
	ID RequestID
}

// BitswapWant fires when the service starts fetching a block.
type BitswapWant struct {
	Cid   cid.Cid
	Query QueryID
}

// BitswapHave is reserved for block availability announcements.
type BitswapHave struct {
	Cid   cid.Cid
	Query QueryID
}

func (PeerConnected) networkEvent()         {}
func (PeerDisconnected) networkEvent()      {}
func (GossipsubMessage) networkEvent()      {}
func (GossipsubSubscribed) networkEvent()   {}
func (GossipsubUnsubscribed) networkEvent() {}
func (RequestMessage) networkEvent()        {}
func (BitswapWant) networkEvent()           {}
func (BitswapHave) networkEvent()           {}

// eventSink fans events out to subscribers without ever blocking the
// event loop. A subscriber that falls behind loses events.
type eventSink struct {
	mu    sync.Mutex
	subs  map[int]chan Event
	next  int
	depth int
}

func newEventSink(depth int) *eventSink {
	return &eventSink{subs: make(map[int]chan Event), depth: depth}
}

// Subscribe registers a new event channel and returns it with its
// cancel function.
func (e *eventSink) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	ch := make(chan Event, e.depth)
	e.subs[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if ch, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
}

func (e *eventSink) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Interface("event", ev).Msg("event subscriber is full, dropping")
		}
	}
}
