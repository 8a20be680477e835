package network

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func testCid(t *testing.T, seed string) cid.Cid {
	t.Helper()
	h, err := multihash.Sum([]byte(seed), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, h)
}

func TestBlockWaitersCoalesce(t *testing.T) {
	w := newBlockWaiters()
	c := testCid(t, "a")

	ch1 := make(chan error, 1)
	ch2 := make(chan error, 1)
	ch3 := make(chan error, 1)

	require.True(t, w.Add(c, ch1))
	require.False(t, w.Add(c, ch2))
	require.False(t, w.Add(c, ch3))
	require.Equal(t, 1, w.Len())

	w.Complete(c, nil)
	require.Equal(t, 0, w.Len())

	// every waiter gets exactly one reply
	for _, ch := range []chan error{ch1, ch2, ch3} {
		require.NoError(t, <-ch)
		select {
		case <-ch:
			t.Fatal("waiter received a second reply")
		default:
		}
	}
}

func TestBlockWaitersFailure(t *testing.T) {
	w := newBlockWaiters()
	c := testCid(t, "b")

	ch := make(chan error, 1)
	require.True(t, w.Add(c, ch))

	w.Complete(c, ErrBlockNotFound)
	require.Equal(t, ErrBlockNotFound, <-ch)
}

func TestBlockWaitersIndependentKeys(t *testing.T) {
	w := newBlockWaiters()
	c1 := testCid(t, "c1")
	c2 := testCid(t, "c2")

	ch1 := make(chan error, 1)
	ch2 := make(chan error, 1)
	require.True(t, w.Add(c1, ch1))
	require.True(t, w.Add(c2, ch2))

	w.Complete(c1, nil)
	require.NoError(t, <-ch1)
	require.Equal(t, 1, w.Len())

	select {
	case <-ch2:
		t.Fatal("unrelated waiter resolved")
	default:
	}
}

func TestPendingResponses(t *testing.T) {
	p := newPendingResponses()

	ch := make(chan ExchangeResult, 1)
	p.Add(RequestID(1), ch)

	p.Deliver(RequestID(1), ExchangeResult{Response: UrsaExchangeResponse{Kind: CacheResponse}})
	res := <-ch
	require.NoError(t, res.Err)
	require.Equal(t, CacheResponse, res.Response.Kind)
	require.Equal(t, 0, p.Len())

	// delivering twice is a no-op
	p.Deliver(RequestID(1), ExchangeResult{})
	select {
	case <-ch:
		t.Fatal("request resolved twice")
	default:
	}
}

func TestPendingResponsesDrop(t *testing.T) {
	p := newPendingResponses()

	ch := make(chan ExchangeResult, 1)
	p.Add(RequestID(7), ch)
	p.Drop(RequestID(7))
	require.Equal(t, 0, p.Len())

	select {
	case <-ch:
		t.Fatal("dropped request delivered a result")
	default:
	}
}
