package network

import (
	"encoding/binary"

	"github.com/minio/blake2b-simd"
)

// Default filter geometry. 2^18 bits keeps the summary under 33KB on the
// wire while holding the false positive rate below 1% for ~18k cids.
const (
	summaryBits   = 1 << 18
	summaryHashes = 7
)

// CacheSummary is a compact set membership digest over the cids a node
// caches. It is a plain Bloom filter: no false negatives, occasional false
// positives. Peers exchange summaries to bias block fetches towards peers
// likely to hold the content, never to gate them.
type CacheSummary struct {
	M    uint64
	K    uint64
	Bits []byte
}

// NewCacheSummary returns an empty summary with the default geometry.
func NewCacheSummary() *CacheSummary {
	return &CacheSummary{
		M:    summaryBits,
		K:    summaryHashes,
		Bits: make([]byte, summaryBits/8),
	}
}

// indexes derives K bit positions from a blake2b-256 digest of the key
// using the standard double hashing construction.
func (s *CacheSummary) indexes(key []byte) []uint64 {
	sum := blake2b.Sum256(key)
	h1 := binary.BigEndian.Uint64(sum[0:8])
	h2 := binary.BigEndian.Uint64(sum[8:16])
	idx := make([]uint64, s.K)
	for i := uint64(0); i < s.K; i++ {
		idx[i] = (h1 + i*h2) % s.M
	}
	return idx
}

// valid rejects summaries whose geometry does not match their bit array,
// e.g. a malformed summary received from a remote peer.
func (s *CacheSummary) valid() bool {
	return s.M > 0 && s.K > 0 && uint64(len(s.Bits))*8 >= s.M
}

// Insert adds a key to the summary. Inserting the same key twice leaves
// the summary unchanged.
func (s *CacheSummary) Insert(key []byte) {
	if !s.valid() {
		return
	}
	for _, i := range s.indexes(key) {
		s.Bits[i/8] |= 1 << (i % 8)
	}
}

// Contains reports whether the key may have been inserted. A false return
// is definitive.
func (s *CacheSummary) Contains(key []byte) bool {
	if !s.valid() {
		return false
	}
	for _, i := range s.indexes(key) {
		if s.Bits[i/8]&(1<<(i%8)) == 0 {
			return false
		}
	}
	return true
}

// Reset clears the summary. Used by the admin purge path.
func (s *CacheSummary) Reset() {
	for i := range s.Bits {
		s.Bits[i] = 0
	}
}

// Copy returns an independent snapshot, safe to hand to the codec while
// the loop keeps mutating the original.
func (s *CacheSummary) Copy() *CacheSummary {
	bits := make([]byte, len(s.Bits))
	copy(bits, s.Bits)
	return &CacheSummary{M: s.M, K: s.K, Bits: bits}
}
