package transport_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nettyrpc/transport/pkg/handshake"
	"github.com/nettyrpc/transport/pkg/packet"
	"github.com/nettyrpc/transport/pkg/transport"
	"github.com/nettyrpc/transport/pkg/wire"
)

func TestServerEnvelopeRoundTripWithHandshake(t *testing.T) {
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)

	req := &handshake.Request{ClientHash: [16]byte{1}, ServerHash: [16]byte{2}}
	payload := &packet.Payload{Body: []byte("req-body")}
	require.NoError(t, transport.EncodeClientEnvelope(enc, 42, req, payload))

	dec := wire.NewDecoder()
	groups, err := dec.Feed(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, dec.Close())
	require.Len(t, groups, 1)

	expectHandshake := true
	id, hs, p, err := transport.DecodeServerEnvelope(&expectHandshake, groups[0])
	require.NoError(t, err)
	require.Equal(t, int32(42), id)
	require.NotNil(t, hs)
	require.Equal(t, req.ClientHash, hs.ClientHash)
	require.Equal(t, payload.Body, p.Body)
	require.True(t, expectHandshake, "a handshake-carrying group must not trigger the downgrade")
}

func TestServerEnvelopeStickyDowngrade(t *testing.T) {
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	// encode a payload-only frame group (no handshake), as a stateful
	// client that already completed its handshake would send.
	payload := &packet.Payload{Body: []byte("second-request")}
	pb, err := packet.Encode(payload)
	require.NoError(t, err)
	require.NoError(t, enc.Encode(7, [][]byte{pb}))

	dec := wire.NewDecoder()
	groups, err := dec.Feed(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, dec.Close())
	require.Len(t, groups, 1)

	expectHandshake := true
	id, hs, p, err := transport.DecodeServerEnvelope(&expectHandshake, groups[0])
	require.NoError(t, err)
	require.Equal(t, int32(7), id)
	require.Nil(t, hs)
	require.Equal(t, payload.Body, p.Body)
	require.False(t, expectHandshake, "decoding without a handshake must flip the sticky flag")
}
