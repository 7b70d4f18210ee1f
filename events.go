package identify

import "github.com/libp2p/go-libp2p/core/peer"

// EvtPeerConnected is emitted by the connection layer when a new connection
// has been established. The service identifies the remote on every such
// event.
type EvtPeerConnected struct {
	Conn Connection
}

// EvtPeerListenAddrsChanged is emitted when a peer's listen addresses
// changed. The service reacts only when Peer is the local peer, by pushing
// the updated identity to all connected peers that support push.
type EvtPeerListenAddrsChanged struct {
	Peer peer.ID
}

// EvtPeerProtocolsChanged is emitted when a peer's supported protocol set
// changed. Handled like EvtPeerListenAddrsChanged.
type EvtPeerProtocolsChanged struct {
	Peer peer.ID
}
