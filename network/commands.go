package network

import (
	"context"
	"errors"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// ErrNoPeers is returned for block fetches while the peer table is empty.
var ErrNoPeers = errors.New("no peers available and block not in local store")

// ErrBlockNotFound is returned when a bitswap query resolves without any
// peer providing the block.
var ErrBlockNotFound = errors.New("block not found on any peer")

// ErrCommandReceiverClosed is returned by the loop once command intake has
// been closed and drained.
var ErrCommandReceiverClosed = errors.New("invalid command: receiver closed")

// Command is the closed set of operations local subsystems drive the
// event loop with. Each is handled within a single loop turn.
type Command interface {
	command()
}

// GetBitswapCommand fetches a block from peers believed to hold it. Reply
// receives nil once the block landed in the local store.
type GetBitswapCommand struct {
	Cid   cid.Cid
	Reply chan<- error
}

// PutCommand advertises and replicates newly cached content.
type PutCommand struct {
	Cid   cid.Cid
	Reply chan<- error
}

// GetPeersCommand snapshots the peer table.
type GetPeersCommand struct {
	Reply chan<- []peer.ID
}

// GetListenerAddressesCommand reports listen addresses plus the observed
// public address, if any.
type GetListenerAddressesCommand struct {
	Reply chan<- []ma.Multiaddr
}

// SendRequestCommand sends an exchange request to a specific peer.
type SendRequestCommand struct {
	Peer    peer.ID
	Request UrsaExchangeRequest
	Reply   chan<- ExchangeResult
}

// SubscribeCommand joins and subscribes to a gossip topic.
type SubscribeCommand struct {
	Topic string
	Reply chan<- error
}

// UnsubscribeCommand leaves a gossip topic.
type UnsubscribeCommand struct {
	Topic string
	Reply chan<- error
}

// PublishCommand publishes data on a gossip topic.
type PublishCommand struct {
	Topic string
	Data  []byte
	Reply chan<- error
}

// PurgeCacheCommand resets the local cache summary. Previously advertised
// summaries are not retracted.
type PurgeCacheCommand struct {
	Reply chan<- error
}

// getPeerContentCommand snapshots peer summaries. Test hook.
type getPeerContentCommand struct {
	reply chan<- map[peer.ID]*CacheSummary
}

func (GetBitswapCommand) command()           {}
func (PutCommand) command()                  {}
func (GetPeersCommand) command()             {}
func (GetListenerAddressesCommand) command() {}
func (SendRequestCommand) command()          {}
func (SubscribeCommand) command()            {}
func (UnsubscribeCommand) command()          {}
func (PublishCommand) command()              {}
func (PurgeCacheCommand) command()           {}
func (getPeerContentCommand) command()       {}

// commandQueue is an unbounded multi-producer single-consumer queue.
// Senders never block; the loop drains out in enqueue order.
type commandQueue struct {
	in   chan Command
	out  chan Command
	done chan struct{}
	once sync.Once
}

func newCommandQueue() *commandQueue {
	q := &commandQueue{
		in:   make(chan Command),
		out:  make(chan Command),
		done: make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *commandQueue) pump() {
	var buf []Command
	for {
		var out chan Command
		var next Command
		if len(buf) > 0 {
			out = q.out
			next = buf[0]
		}
		select {
		case cmd := <-q.in:
			buf = append(buf, cmd)
		case out <- next:
			buf = buf[1:]
		case <-q.done:
			// drain what is left, then signal closure
			for _, cmd := range buf {
				q.out <- cmd
			}
			close(q.out)
			return
		}
	}
}

// Send enqueues a command. Returns false once the queue is closed.
func (q *commandQueue) Send(cmd Command) bool {
	select {
	case q.in <- cmd:
		return true
	case <-q.done:
		return false
	}
}

// Close stops intake. Already queued commands are still delivered.
func (q *commandQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

// SendCommand enqueues a raw command on the service loop.
func (s *NetworkService) SendCommand(cmd Command) error {
	if !s.commands.Send(cmd) {
		return ErrCommandReceiverClosed
	}
	return nil
}

// GetBlock fetches the block for c from the network into the local store.
func (s *NetworkService) GetBlock(ctx context.Context, c cid.Cid) error {
	reply := make(chan error, 1)
	if err := s.SendCommand(GetBitswapCommand{Cid: c, Reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Put advertises c as cached and asks connected peers to replicate it.
func (s *NetworkService) Put(ctx context.Context, c cid.Cid) error {
	reply := make(chan error, 1)
	if err := s.SendCommand(PutCommand{Cid: c, Reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetPeers snapshots the currently connected peers.
func (s *NetworkService) GetPeers(ctx context.Context) ([]peer.ID, error) {
	reply := make(chan []peer.ID, 1)
	if err := s.SendCommand(GetPeersCommand{Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case peers := <-reply:
		return peers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetListenerAddresses reports the addresses the node is reachable on.
func (s *NetworkService) GetListenerAddresses(ctx context.Context) ([]ma.Multiaddr, error) {
	reply := make(chan []ma.Multiaddr, 1)
	if err := s.SendCommand(GetListenerAddressesCommand{Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case addrs := <-reply:
		return addrs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendRequest sends an exchange request to p and waits for its response.
func (s *NetworkService) SendRequest(ctx context.Context, p peer.ID, req UrsaExchangeRequest) (UrsaExchangeResponse, error) {
	reply := make(chan ExchangeResult, 1)
	if err := s.SendCommand(SendRequestCommand{Peer: p, Request: req, Reply: reply}); err != nil {
		return UrsaExchangeResponse{}, err
	}
	select {
	case res := <-reply:
		return res.Response, res.Err
	case <-ctx.Done():
		return UrsaExchangeResponse{}, ctx.Err()
	}
}

// Subscribe joins topic and starts forwarding its messages as events.
func (s *NetworkService) Subscribe(ctx context.Context, topic string) error {
	reply := make(chan error, 1)
	if err := s.SendCommand(SubscribeCommand{Topic: topic, Reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe leaves topic.
func (s *NetworkService) Unsubscribe(ctx context.Context, topic string) error {
	reply := make(chan error, 1)
	if err := s.SendCommand(UnsubscribeCommand{Topic: topic, Reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends data on topic.
func (s *NetworkService) Publish(ctx context.Context, topic string, data []byte) error {
	reply := make(chan error, 1)
	if err := s.SendCommand(PublishCommand{Topic: topic, Data: data, Reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PurgeCache resets the cached content summary.
func (s *NetworkService) PurgeCache(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.SendCommand(PurgeCacheCommand{Reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *NetworkService) getPeerContent(ctx context.Context) (map[peer.ID]*CacheSummary, error) {
	reply := make(chan map[peer.ID]*CacheSummary, 1)
	if err := s.SendCommand(getPeerContentCommand{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case m := <-reply:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
