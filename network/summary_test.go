package network

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheSummaryContains(t *testing.T) {
	s := NewCacheSummary()

	var keys [][]byte
	for i := 0; i < 100; i++ {
		keys = append(keys, []byte(fmt.Sprintf("cid-%d", i)))
	}
	for _, k := range keys {
		s.Insert(k)
	}
	// no false negatives
	for _, k := range keys {
		require.True(t, s.Contains(k))
	}
	require.False(t, s.Contains([]byte("never-inserted-key")))
}

func TestCacheSummaryInsertIdempotent(t *testing.T) {
	a := NewCacheSummary()
	b := NewCacheSummary()

	a.Insert([]byte("k"))
	b.Insert([]byte("k"))
	b.Insert([]byte("k"))

	require.Equal(t, a.Bits, b.Bits)
}

func TestCacheSummaryReset(t *testing.T) {
	s := NewCacheSummary()
	s.Insert([]byte("k"))
	require.True(t, s.Contains([]byte("k")))

	s.Reset()
	require.False(t, s.Contains([]byte("k")))
}

func TestCacheSummaryRoundTrip(t *testing.T) {
	s := NewCacheSummary()
	var keys [][]byte
	for i := 0; i < 50; i++ {
		keys = append(keys, []byte(fmt.Sprintf("cid-%d", i)))
	}
	for _, k := range keys {
		s.Insert(k)
	}

	var buf bytes.Buffer
	require.NoError(t, s.MarshalCBOR(&buf))

	var out CacheSummary
	require.NoError(t, out.UnmarshalCBOR(&buf))

	for _, k := range keys {
		require.Equal(t, s.Contains(k), out.Contains(k))
	}
	require.Equal(t, s.Contains([]byte("missing")), out.Contains([]byte("missing")))
}

func TestCacheSummaryRejectsMalformed(t *testing.T) {
	s := &CacheSummary{M: 1 << 20, K: 7, Bits: []byte{0xff}}
	require.False(t, s.Contains([]byte("k")))
}
