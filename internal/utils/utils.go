package utils

import (
	"crypto/rand"

	keystore "github.com/ipfs/go-ipfs-keystore"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// KLibp2pHost is the keystore entry holding the node identity.
const KLibp2pHost = "libp2p-host"

// Libp2pKey loads the host key from the keystore or generates and
// persists a fresh ed25519 key on first run.
func Libp2pKey(ks keystore.Keystore) (crypto.PrivKey, error) {
	k, err := ks.Get(KLibp2pHost)
	if err == nil {
		return k, nil
	}
	if err != keystore.ErrNoSuchKey {
		return nil, err
	}
	pk, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := ks.Put(KLibp2pHost, pk); err != nil {
		return nil, err
	}
	return pk, nil
}

// ParseAddrs converts string multiaddrs, failing on the first bad one.
func ParseAddrs(addrs []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		m, err := ma.NewMultiaddr(a)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// AddrInfos resolves full p2p multiaddrs into dialable peer infos.
func AddrInfos(addrs []ma.Multiaddr) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, a := range addrs {
		pi, err := peer.AddrInfoFromP2pAddr(a)
		if err != nil {
			return nil, err
		}
		out = append(out, *pi)
	}
	return out, nil
}
