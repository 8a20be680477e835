package network

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExchangeRequestRoundTrip(t *testing.T) {
	c := testCid(t, "payload")
	summary := NewCacheSummary()
	summary.Insert(c.Bytes())

	in := UrsaExchangeRequest{
		Kind:    StoreSummary,
		Payload: &c,
		Summary: summary,
	}

	var buf bytes.Buffer
	require.NoError(t, in.MarshalCBOR(&buf))

	var out UrsaExchangeRequest
	require.NoError(t, out.UnmarshalCBOR(&buf))

	require.Equal(t, StoreSummary, out.Kind)
	require.NotNil(t, out.Payload)
	require.True(t, c.Equals(*out.Payload))
	require.NotNil(t, out.Summary)
	require.True(t, out.Summary.Contains(c.Bytes()))

	// optional fields stay absent
	in = UrsaExchangeRequest{Kind: CarRequest, Car: []byte{1, 2, 3}}
	buf.Reset()
	require.NoError(t, in.MarshalCBOR(&buf))
	out = UrsaExchangeRequest{}
	require.NoError(t, out.UnmarshalCBOR(&buf))
	require.Equal(t, CarRequest, out.Kind)
	require.Equal(t, []byte{1, 2, 3}, out.Car)
	require.Nil(t, out.Payload)
	require.Nil(t, out.Summary)
}

func TestExchangeResponseRoundTrip(t *testing.T) {
	in := UrsaExchangeResponse{Kind: StoreSummaryRequest}

	var buf bytes.Buffer
	require.NoError(t, in.MarshalCBOR(&buf))

	var out UrsaExchangeResponse
	require.NoError(t, out.UnmarshalCBOR(&buf))
	require.Equal(t, StoreSummaryRequest, out.Kind)
}
