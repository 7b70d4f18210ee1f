package identify

import (
	"context"
	"io"
	"time"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	ma "github.com/multiformats/go-multiaddr"
)

// Stream is a bidirectional byte stream multiplexed over a transport
// connection. It is the minimal surface identify needs from the muxer.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// Reset aborts both directions of the stream.
	Reset() error

	// SetDeadline bounds all pending and future reads and writes.
	SetDeadline(time.Time) error
}

// Connection is an established transport connection to a remote peer.
// NewStream opens a substream negotiated to the given protocol.
type Connection interface {
	LocalPeer() peer.ID
	RemotePeer() peer.ID

	// RemoteMultiaddr is the address the remote peer dialed from, as seen
	// locally. It is what identify reports back as the observed address.
	RemoteMultiaddr() ma.Multiaddr

	NewStream(ctx context.Context, p protocol.ID) (Stream, error)
}

// StreamHandler is invoked by the protocol-selection layer for each inbound
// substream negotiated to a registered protocol.
type StreamHandler func(s Stream, c Connection)

// StreamLimits caps the number of concurrent inbound and outbound substreams
// the protocol-selection layer will admit for one protocol.
type StreamLimits struct {
	MaxInbound  int
	MaxOutbound int
}

// Registrar maps protocol IDs to stream handlers.
type Registrar interface {
	Handle(p protocol.ID, h StreamHandler, limits StreamLimits) error
	Unhandle(p protocol.ID) error
}

// ConnectionManager enumerates the currently established connections.
type ConnectionManager interface {
	Connections() []Connection
}

// AddressManager is the local listen/observed address registry.
type AddressManager interface {
	// Addrs returns the addresses the local node listens on.
	Addrs() []ma.Multiaddr

	// ObservedAddrs returns the addresses remote peers have reported
	// observing for the local node.
	ObservedAddrs() []ma.Multiaddr

	// AddObservedAddr records an address a remote peer observed for the
	// local node.
	AddObservedAddr(ma.Multiaddr)
}

// Identity is the local node's descriptor. It is immutable for the lifetime
// of the service. PrivKey may be nil when the node runs without a signing
// key; no signed peer record is then minted, and only a record already
// stored for the local peer in the peer store is sent.
type Identity struct {
	PeerID  peer.ID
	PrivKey ic.PrivKey
	PubKey  ic.PubKey
}
