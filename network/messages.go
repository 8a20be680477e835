package network

import (
	"bufio"
	"context"

	cborutil "github.com/filecoin-project/go-cbor-util"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/mux"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
)

//go:generate cbor-gen-for UrsaExchangeRequest UrsaExchangeResponse CacheSummary

// MessageProtocolID is the request/response protocol for exchanging cache
// requests and content summaries between ursa nodes.
const MessageProtocolID = protocol.ID("/ursa/message/0.0.1")

// RequestKind discriminates the exchange request payload.
type RequestKind uint64

const (
	// CarRequest is reserved for bulk CAR transfers.
	CarRequest RequestKind = iota
	// CacheRequest asks the receiver to pull and cache the content rooted
	// at the carried cid.
	CacheRequest
	// StoreSummary advertises the sender's cached content summary.
	StoreSummary
)

// ResponseKind discriminates the exchange response payload.
type ResponseKind uint64

const (
	// CarResponse is reserved.
	CarResponse ResponseKind = iota
	// CacheResponse acknowledges a CacheRequest.
	CacheResponse
	// StoreSummaryRequest acknowledges a StoreSummary.
	StoreSummaryRequest
)

// UrsaExchangeRequest is the wire request. Exactly one of Car, Payload or
// Summary is set depending on Kind.
type UrsaExchangeRequest struct {
	Kind    RequestKind
	Car     []byte
	Payload *cid.Cid
	Summary *CacheSummary
}

// UrsaExchangeResponse is the wire response.
type UrsaExchangeResponse struct {
	Kind ResponseKind
}

// RequestID identifies an exchange request sent or handled by this node.
// Outbound and inbound requests draw from one loop-owned counter.
type RequestID uint64

// RequestStream reads and writes CBOR encoded exchange messages on a
// libp2p stream. One request and one response travel per stream.
type RequestStream struct {
	p   peer.ID
	rw  mux.MuxedStream
	buf *bufio.Reader
}

func newRequestStream(ctx context.Context, h host.Host, dest peer.ID) (*RequestStream, error) {
	s, err := h.NewStream(ctx, dest, MessageProtocolID)
	if err != nil {
		return nil, err
	}
	return &RequestStream{p: dest, rw: s, buf: bufio.NewReaderSize(s, 16)}, nil
}

// ReadRequest reads and decodes a request from the stream buffer.
func (rs *RequestStream) ReadRequest() (UrsaExchangeRequest, error) {
	var m UrsaExchangeRequest
	if err := m.UnmarshalCBOR(rs.buf); err != nil {
		return UrsaExchangeRequest{}, err
	}
	return m, nil
}

// WriteRequest encodes and writes a request to the stream.
func (rs *RequestStream) WriteRequest(m UrsaExchangeRequest) error {
	return cborutil.WriteCborRPC(rs.rw, &m)
}

// ReadResponse reads and decodes a response from the stream buffer.
func (rs *RequestStream) ReadResponse() (UrsaExchangeResponse, error) {
	var m UrsaExchangeResponse
	if err := m.UnmarshalCBOR(rs.buf); err != nil {
		return UrsaExchangeResponse{}, err
	}
	return m, nil
}

// WriteResponse encodes and writes a response to the stream.
func (rs *RequestStream) WriteResponse(m UrsaExchangeResponse) error {
	return cborutil.WriteCborRPC(rs.rw, &m)
}

// OtherPeer returns the peer at the remote end of the stream.
func (rs *RequestStream) OtherPeer() peer.ID {
	return rs.p
}

// Close the stream.
func (rs *RequestStream) Close() error {
	return rs.rw.Close()
}
