package identify

import (
	"time"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/record"

	ma "github.com/multiformats/go-multiaddr"
)

// Peer store metadata keys written by the reconciler.
const (
	metaAgentVersion    = "AgentVersion"
	metaProtocolVersion = "ProtocolVersion"
)

// consumeMessage applies a received identify message to the peer store for
// the connection's remote peer. Updates are applied in a fixed order: the
// signed peer record (when it verifies and the address book accepts it)
// supersedes the unsigned listen addresses; the protocol set and metadata
// are always applied; the observed address is offered to the address
// manager, capped, on the identify path only.
//
// key, when non-nil, is the remote's public key already validated against
// the remote peer id by the caller.
func (s *Service) consumeMessage(mes *Message, c Connection, key ic.PubKey, isPush bool) {
	p := c.RemotePeer()

	var env *record.Envelope
	if len(mes.SignedPeerRecord) > 0 {
		var err error
		env, _, err = openSignedRecord(mes.SignedPeerRecord, p)
		if err != nil {
			// Fall back to the unsigned listen addresses. A broken envelope
			// still leaves the rest of the message usable.
			log.Warnf("invalid signed peer record from %s: %s", p, err)
			env = nil
		}
	}
	s.applyAddrs(env, mes.ListenAddrs, p)

	supported, _ := s.peerstore.GetProtocols(p)
	protos := protocol.ConvertFromStrings(mes.Protocols)
	added, removed := diff(supported, protos)
	if err := s.peerstore.SetProtocols(p, protos...); err != nil {
		log.Warnf("error setting protocols for %s: %s", p, err)
	}
	if isPush && (len(added) > 0 || len(removed) > 0) {
		s.emitters.evtPeerProtocolsUpdated.Emit(event.EvtPeerProtocolsUpdated{
			Peer:    p,
			Added:   added,
			Removed: removed,
		})
	}

	if mes.AgentVersion != "" {
		s.peerstore.Put(p, metaAgentVersion, mes.AgentVersion)
	}
	if mes.ProtocolVersion != "" {
		s.peerstore.Put(p, metaProtocolVersion, mes.ProtocolVersion)
	}

	if key != nil {
		if err := s.peerstore.AddPubKey(p, key); err != nil {
			log.Debugf("error adding public key for %s: %s", p, err)
		}
	}

	if !isPush {
		s.consumeObservedAddr(mes.ObservedAddr, c)
	}
}

// applyAddrs replaces the peer's addresses with the certified record when
// the address book accepts it, and with the unsigned listen addresses
// otherwise. Unparseable listen addr entries are skipped individually.
func (s *Service) applyAddrs(env *record.Envelope, raw [][]byte, p peer.ID) {
	addrs := make([]ma.Multiaddr, 0, len(raw))
	for _, b := range raw {
		a, err := ma.NewMultiaddrBytes(b)
		if err != nil {
			log.Debugf("%s sent an unparseable listen addr: %s", p, err)
			continue
		}
		addrs = append(addrs, a)
	}

	s.addrMu.Lock()
	defer s.addrMu.Unlock()

	ttl := s.connAddrTTL(p)

	// Downgrade whatever we knew to a temporary TTL, apply the fresh
	// addresses, then expire the leftovers. The net effect is exactly the
	// address set carried by this message.
	for _, old := range []time.Duration{
		peerstore.RecentlyConnectedAddrTTL,
		peerstore.ConnectedAddrTTL,
	} {
		s.peerstore.UpdateAddrs(p, old, peerstore.TempAddrTTL)
	}

	certified := false
	if env != nil {
		if cab, ok := peerstore.GetCertifiedAddrBook(s.peerstore); ok {
			accepted, err := cab.ConsumePeerRecord(env, ttl)
			if err != nil {
				log.Debugf("error adding signed addrs for %s: %s", p, err)
			}
			certified = accepted && err == nil
		}
	}
	if !certified {
		s.peerstore.AddAddrs(p, addrs, ttl)
	}

	s.peerstore.UpdateAddrs(p, peerstore.TempAddrTTL, 0)
}

// consumeObservedAddr offers the observed address to the address manager,
// subject to the configured cap. A parse failure only means no observed
// address is learned from this exchange.
func (s *Service) consumeObservedAddr(observed []byte, c Connection) {
	if len(observed) == 0 {
		return
	}
	a, err := ma.NewMultiaddrBytes(observed)
	if err != nil {
		log.Debugf("error parsing observed addr from %s: %s", c.RemotePeer(), err)
		return
	}
	if len(s.addrManager.ObservedAddrs()) >= s.cfg.maxObservedAddresses {
		log.Debugf("dropping observed addr %s from %s: cap reached", a, c.RemotePeer())
		return
	}
	s.addrManager.AddObservedAddr(a)
}

// connAddrTTL picks the TTL for addresses learned from p over a live
// exchange.
func (s *Service) connAddrTTL(p peer.ID) time.Duration {
	for _, c := range s.connManager.Connections() {
		if c.RemotePeer() == p {
			return peerstore.ConnectedAddrTTL
		}
	}
	return peerstore.RecentlyConnectedAddrTTL
}

func diff(a, b []protocol.ID) (added, removed []protocol.ID) {
	// O(n^2), but the sets are small.
	for _, x := range b {
		var found bool
		for _, y := range a {
			if x == y {
				found = true
				break
			}
		}
		if !found {
			added = append(added, x)
		}
	}
	for _, x := range a {
		var found bool
		for _, y := range b {
			if x == y {
				found = true
				break
			}
		}
		if !found {
			removed = append(removed, x)
		}
	}
	return
}
