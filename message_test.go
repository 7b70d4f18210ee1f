package identify

import (
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestMessageRoundTrip(t *testing.T) {
	in := &Message{
		ProtocolVersion:  "ipfs/0.1.0",
		AgentVersion:     "go-test/0.0.1",
		PublicKey:        []byte{1, 2, 3, 4},
		ListenAddrs:      [][]byte{ma.StringCast("/ip4/10.0.0.1/tcp/4001").Bytes()},
		ObservedAddr:     ma.StringCast("/ip4/1.2.3.4/tcp/4001").Bytes(),
		Protocols:        []string{"/chat/1", "/ping/1"},
		SignedPeerRecord: []byte{9, 9, 9},
	}

	var out Message
	require.NoError(t, out.Unmarshal(in.Marshal()))
	require.Equal(t, in, &out)
}

func TestMessageRoundTripEmpty(t *testing.T) {
	var in, out Message
	require.NoError(t, out.Unmarshal(in.Marshal()))
	require.Equal(t, &in, &out)
}

func TestMessageSkipsUnknownFields(t *testing.T) {
	in := &Message{AgentVersion: "a/1"}
	b := in.Marshal()
	b = protowire.AppendTag(b, 15, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)
	b = protowire.AppendTag(b, 16, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	var out Message
	require.NoError(t, out.Unmarshal(b))
	require.Equal(t, "a/1", out.AgentVersion)
}

func TestMessageUnmarshalRejectsGarbage(t *testing.T) {
	var out Message
	require.ErrorIs(t, out.Unmarshal([]byte{0x05}), ErrInvalidMessage)
}
