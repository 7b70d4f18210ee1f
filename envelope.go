package identify

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/record"

	ma "github.com/multiformats/go-multiaddr"
)

// openSignedRecord parses and certifies a signed peer record envelope. The
// signature must verify under the envelope's embedded public key and the
// payload domain must be the peer record domain; the enclosed peer id must
// equal want. Returns ErrInvalidSignature on verification failure and
// ErrInvalidPeer on a peer binding mismatch.
func openSignedRecord(data []byte, want peer.ID) (*record.Envelope, *peer.PeerRecord, error) {
	env, untyped, err := record.ConsumeEnvelope(data, peer.PeerRecordEnvelopeDomain)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}
	rec, ok := untyped.(*peer.PeerRecord)
	if !ok {
		return nil, nil, fmt.Errorf("%w: envelope payload is not a peer record", ErrInvalidSignature)
	}
	if rec.PeerID != want {
		return nil, nil, fmt.Errorf("%w: signed record is for %s, not %s", ErrInvalidPeer, rec.PeerID, want)
	}
	return env, rec, nil
}

// sealLocalRecord mints a signed envelope over a fresh peer record carrying
// the given addresses, signed with the local key.
func sealLocalRecord(id Identity, addrs []ma.Multiaddr) (*record.Envelope, error) {
	if id.PrivKey == nil {
		return nil, fmt.Errorf("no signing key")
	}
	rec := peer.PeerRecordFromAddrInfo(peer.AddrInfo{ID: id.PeerID, Addrs: addrs})
	return record.Seal(rec, id.PrivKey)
}
