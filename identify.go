// Package identify implements the identify protocol family: a bidirectional
// exchange of identity records (public key, listen addresses, supported
// protocols, agent string, and optionally a signed peer record) spoken right
// after a connection is established, plus a push variant that proactively
// broadcasts local identity changes to connected peers.
package identify

import (
	"context"
	"fmt"
	"sync"
	"time"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/record"
	"github.com/libp2p/go-libp2p/p2p/host/eventbus"

	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("identify")

const (
	// ID is the protocol.ID of the identify protocol with the default
	// prefix.
	ID = "/ipfs/id/1.0.0"
	// IDPush is the protocol.ID of the identify push protocol with the
	// default prefix. It carries full identify messages reflecting the
	// current state of the peer.
	IDPush = "/ipfs/id/push/1.0.0"
)

// DefaultProtocolVersion is advertised when no ProtocolVersion option is
// given.
const DefaultProtocolVersion = "ipfs/0.1.0"

var defaultUserAgent = "github.com/libp2p/go-libp2p-identify"

const maxPushConcurrency = 32

// Dependencies are the collaborators the service drives. All fields are
// required.
type Dependencies struct {
	Peerstore   peerstore.Peerstore
	AddrManager AddressManager
	ConnManager ConnectionManager
	Registrar   Registrar
	Bus         event.Bus
}

// Service runs the identify and identify-push protocols, both sides. Create
// one with New, activate it with Start, release it with Close.
type Service struct {
	id  Identity
	cfg config

	peerstore   peerstore.Peerstore
	addrManager AddressManager
	connManager ConnectionManager
	registrar   Registrar
	bus         event.Bus

	idProtocol   protocol.ID
	pushProtocol protocol.ID

	ctx       context.Context
	ctxCancel context.CancelFunc
	// track resources that need to be shut down before we shut down
	refCount  sync.WaitGroup
	closeOnce sync.Once

	sub event.Subscription

	// addrMu serializes address-book writes for remote peers, so a
	// concurrent disconnect or second exchange cannot interleave with the
	// downgrade/apply/expire sequence.
	addrMu sync.Mutex

	emitters struct {
		evtPeerProtocolsUpdated        event.Emitter
		evtPeerIdentificationCompleted event.Emitter
		evtPeerIdentificationFailed    event.Emitter
	}
}

// New constructs the service. The identity is immutable for the service's
// lifetime; deps must be fully populated.
func New(id Identity, deps Dependencies, opts ...Option) (*Service, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if id.PeerID == "" {
		return nil, fmt.Errorf("identity has no peer id")
	}
	if deps.Peerstore == nil || deps.AddrManager == nil || deps.ConnManager == nil ||
		deps.Registrar == nil || deps.Bus == nil {
		return nil, fmt.Errorf("all dependencies are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		id:          id,
		cfg:         cfg,
		peerstore:   deps.Peerstore,
		addrManager: deps.AddrManager,
		connManager: deps.ConnManager,
		registrar:   deps.Registrar,
		bus:         deps.Bus,

		idProtocol:   protocol.ID(fmt.Sprintf("/%s/id/%s", cfg.protocolPrefix, identifyVersion)),
		pushProtocol: protocol.ID(fmt.Sprintf("/%s/id/push/%s", cfg.protocolPrefix, pushVersion)),

		ctx:       ctx,
		ctxCancel: cancel,
	}

	var err error
	s.emitters.evtPeerProtocolsUpdated, err = deps.Bus.Emitter(&event.EvtPeerProtocolsUpdated{})
	if err != nil {
		log.Warnf("identify service not emitting peer protocol updates; err: %s", err)
	}
	s.emitters.evtPeerIdentificationCompleted, err = deps.Bus.Emitter(&event.EvtPeerIdentificationCompleted{})
	if err != nil {
		log.Warnf("identify service not emitting identification completed events; err: %s", err)
	}
	s.emitters.evtPeerIdentificationFailed, err = deps.Bus.Emitter(&event.EvtPeerIdentificationFailed{})
	if err != nil {
		log.Warnf("identify service not emitting identification failed events; err: %s", err)
	}

	return s, nil
}

// Protocols returns the two protocol strings derived from the configured
// prefix.
func (s *Service) Protocols() (id, push protocol.ID) {
	return s.idProtocol, s.pushProtocol
}

// Start registers the stream handlers and subscribes to connection and
// local-identity events.
func (s *Service) Start() error {
	s.peerstore.Put(s.id.PeerID, metaAgentVersion, s.cfg.userAgent)
	s.peerstore.Put(s.id.PeerID, metaProtocolVersion, s.cfg.protocolVersion)
	if err := s.peerstore.AddProtocols(s.id.PeerID, s.idProtocol, s.pushProtocol); err != nil {
		log.Warnf("error recording own protocols: %s", err)
	}

	if err := s.registrar.Handle(s.idProtocol, s.handleIdentify, s.cfg.identifyLimits); err != nil {
		return fmt.Errorf("registering %s: %w", s.idProtocol, err)
	}
	if err := s.registrar.Handle(s.pushProtocol, s.handlePush, s.cfg.pushLimits); err != nil {
		s.registrar.Unhandle(s.idProtocol)
		return fmt.Errorf("registering %s: %w", s.pushProtocol, err)
	}

	sub, err := s.bus.Subscribe(
		[]any{new(EvtPeerConnected), new(EvtPeerListenAddrsChanged), new(EvtPeerProtocolsChanged)},
		eventbus.BufSize(256),
		eventbus.Name("identify (loop)"),
	)
	if err != nil {
		s.registrar.Unhandle(s.idProtocol)
		s.registrar.Unhandle(s.pushProtocol)
		return fmt.Errorf("subscribing to events: %w", err)
	}
	s.sub = sub

	s.refCount.Add(1)
	go s.loop(s.ctx, sub)
	return nil
}

// Close unregisters the handlers, unsubscribes from events, and cancels and
// waits for the exchanges the service started itself (identifies triggered
// by connection events and pushes triggered by local changes). Inbound
// exchanges and Identify/Push calls made with a caller's context are not
// waited for; they end at their own deadline or cancellation.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.ctxCancel()
		s.registrar.Unhandle(s.idProtocol)
		s.registrar.Unhandle(s.pushProtocol)
		if s.sub != nil {
			s.sub.Close()
		}
		s.refCount.Wait()
	})
	return nil
}

// OwnObservedAddrs returns the addresses remote peers have reported
// observing for the local node.
func (s *Service) OwnObservedAddrs() []ma.Multiaddr {
	return s.addrManager.ObservedAddrs()
}

func (s *Service) loop(ctx context.Context, sub event.Subscription) {
	defer s.refCount.Done()

	// Pushes run from their own goroutine so a slow fan-out never blocks
	// event consumption; at most one extra push is queued behind a running
	// one.
	triggerPush := make(chan struct{}, 1)
	s.refCount.Add(1)
	go func() {
		defer s.refCount.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-triggerPush:
				if err := s.PushAll(ctx); err != nil {
					log.Debugf("identify push failed: %s", err)
				}
			}
		}
	}()

	for {
		select {
		case e, ok := <-sub.Out():
			if !ok {
				return
			}
			switch evt := e.(type) {
			case EvtPeerConnected:
				s.refCount.Add(1)
				go func(c Connection) {
					defer s.refCount.Done()
					if err := s.Identify(ctx, c); err != nil {
						log.Warnf("failed to identify %s: %s", c.RemotePeer(), err)
					}
				}(evt.Conn)
			case EvtPeerListenAddrsChanged:
				if evt.Peer == s.id.PeerID {
					queuePush(triggerPush)
				}
			case EvtPeerProtocolsChanged:
				if evt.Peer == s.id.PeerID {
					queuePush(triggerPush)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func queuePush(trigger chan struct{}) {
	select {
	case trigger <- struct{}{}:
	default: // one push already queued, it will pick up the latest state
	}
}

// Identify runs the identify protocol as the initiator on the given
// connection and applies the result to the peer store. The caller's context
// is the cancellation signal; when it carries no deadline, the configured
// timeout is applied.
func (s *Service) Identify(ctx context.Context, c Connection) error {
	p := c.RemotePeer()
	if p == s.id.PeerID {
		err := fmt.Errorf("%w: refusing to identify ourselves", ErrInvalidPeer)
		s.emitters.evtPeerIdentificationFailed.Emit(event.EvtPeerIdentificationFailed{Peer: p, Reason: err})
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.timeout)
		defer cancel()
	}

	if err := s.identifyConn(ctx, c); err != nil {
		s.emitters.evtPeerIdentificationFailed.Emit(event.EvtPeerIdentificationFailed{Peer: p, Reason: err})
		return err
	}
	s.emitters.evtPeerIdentificationCompleted.Emit(event.EvtPeerIdentificationCompleted{Peer: p})
	return nil
}

func (s *Service) identifyConn(ctx context.Context, c Connection) error {
	str, err := c.NewStream(ctx, s.idProtocol)
	if err != nil {
		return fmt.Errorf("opening identify stream: %w", err)
	}
	defer str.Close()

	// Cancellation propagates by aborting the stream; the pending read
	// fails immediately.
	stop := context.AfterFunc(ctx, func() { str.Reset() })
	defer stop()
	if d, ok := ctx.Deadline(); ok {
		str.SetDeadline(d)
	}

	mes, err := readMessage(str, s.cfg.maxMessageSize)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	if len(mes.PublicKey) == 0 {
		return ErrMissingPublicKey
	}
	key, err := ic.UnmarshalPublicKey(mes.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: bad public key: %s", ErrInvalidMessage, err)
	}
	derived, err := peer.IDFromPublicKey(key)
	if err != nil {
		return fmt.Errorf("%w: cannot derive peer id: %s", ErrInvalidPeer, err)
	}
	if derived != c.RemotePeer() {
		return fmt.Errorf("%w: key belongs to %s, not %s", ErrInvalidPeer, derived, c.RemotePeer())
	}
	if derived == s.id.PeerID {
		return fmt.Errorf("%w: remote presented our own identity", ErrInvalidPeer)
	}

	s.consumeMessage(mes, c, key, false)
	return nil
}

// handleIdentify responds to an inbound identify request with the current
// local identity. Errors are logged, never surfaced.
func (s *Service) handleIdentify(str Stream, c Connection) {
	defer str.Close()
	str.SetDeadline(time.Now().Add(s.cfg.timeout))

	mes := s.identifyResponse(c)
	if err := writeMessage(str, mes); err != nil {
		log.Debugw("error writing identify response", "peer", c.RemotePeer(), "error", err)
		str.Reset()
	}
}

// handlePush consumes an inbound identify push. Errors are logged, never
// surfaced; a malformed or adversarial push must not disrupt the service.
func (s *Service) handlePush(str Stream, c Connection) {
	defer str.Close()
	str.SetDeadline(time.Now().Add(s.cfg.timeout))

	mes, err := readMessage(str, s.cfg.maxMessageSize)
	if err != nil {
		log.Debugw("error reading identify push", "peer", c.RemotePeer(), "error", err)
		return
	}
	if c.RemotePeer() == s.id.PeerID {
		log.Warnf("dropping identify push from ourselves")
		return
	}

	// The push does not require a public key. If one is present it must
	// match the remote peer to be recorded; otherwise it is ignored and
	// the envelope verification gate remains the authority on addresses.
	var key ic.PubKey
	if len(mes.PublicKey) > 0 {
		if k, err := ic.UnmarshalPublicKey(mes.PublicKey); err == nil {
			if derived, err := peer.IDFromPublicKey(k); err == nil && derived == c.RemotePeer() {
				key = k
			}
		}
	}

	s.consumeMessage(mes, c, key, true)
}

// Push sends the current local identity to each of the given connections in
// parallel. Per-connection failures are logged only; push is best effort.
func (s *Service) Push(ctx context.Context, conns []Connection) error {
	mes := s.pushMessage()

	g := new(errgroup.Group)
	g.SetLimit(maxPushConcurrency)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, s.cfg.timeout)
			defer cancel()

			str, err := c.NewStream(cctx, s.pushProtocol)
			if err != nil { // connection might have been closed recently
				log.Debugw("failed to open identify push stream", "peer", c.RemotePeer(), "error", err)
				return nil
			}
			defer str.Close()

			stop := context.AfterFunc(cctx, func() { str.Reset() })
			defer stop()
			if d, ok := cctx.Deadline(); ok {
				str.SetDeadline(d)
			}

			if err := writeMessage(str, mes); err != nil {
				log.Debugw("failed to send identify push", "peer", c.RemotePeer(), "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// PushAll pushes the current local identity to every connected peer that
// advertises the push protocol.
func (s *Service) PushAll(ctx context.Context) error {
	var conns []Connection
	for _, c := range s.connManager.Connections() {
		sup, err := s.peerstore.SupportsProtocols(c.RemotePeer(), s.pushProtocol)
		if err == nil && len(sup) > 0 {
			conns = append(conns, c)
		}
	}
	return s.Push(ctx, conns)
}

// identifyResponse builds the full identify message from current host
// state.
func (s *Service) identifyResponse(c Connection) *Message {
	listen := s.listenAddrs()

	mes := &Message{
		ProtocolVersion: s.cfg.protocolVersion,
		AgentVersion:    s.cfg.userAgent,
		Protocols:       s.localProtocols(),
	}
	if remote := c.RemoteMultiaddr(); remote != nil {
		// Tell the other side how we see them; for a NATed peer this is
		// the only way to learn its public-facing address.
		mes.ObservedAddr = remote.Bytes()
	}
	for _, a := range listen {
		mes.ListenAddrs = append(mes.ListenAddrs, a.Bytes())
	}

	if s.id.PubKey != nil {
		kb, err := ic.MarshalPublicKey(s.id.PubKey)
		if err != nil {
			log.Errorf("failed to marshal own public key: %s", err)
		} else {
			mes.PublicKey = kb
		}
	}

	s.attachSignedRecord(mes, listen)
	return mes
}

// pushMessage builds the slimmer message sent on the push protocol: the
// signed record, the listen addresses, and the protocol set.
func (s *Service) pushMessage() *Message {
	listen := s.listenAddrs()
	mes := &Message{
		Protocols: s.localProtocols(),
	}
	for _, a := range listen {
		mes.ListenAddrs = append(mes.ListenAddrs, a.Bytes())
	}
	s.attachSignedRecord(mes, listen)
	return mes
}

func (s *Service) attachSignedRecord(mes *Message, listen []ma.Multiaddr) {
	if s.cfg.disableSignedPeerRecord {
		return
	}
	env := s.localSignedRecord(listen)
	if env == nil {
		return
	}
	raw, err := env.Marshal()
	if err != nil {
		log.Errorw("failed to marshal signed record", "err", err)
		return
	}
	mes.SignedPeerRecord = raw
}

func (s *Service) localProtocols() []string {
	protos, err := s.peerstore.GetProtocols(s.id.PeerID)
	if err != nil {
		log.Warnf("error reading own protocols: %s", err)
		return nil
	}
	return protocol.ConvertToStrings(protos)
}

// listenAddrs returns the address manager's current addresses with any
// trailing /p2p component stripped; the peer id is implied by the exchange.
func (s *Service) listenAddrs() []ma.Multiaddr {
	raw := s.addrManager.Addrs()
	addrs := make([]ma.Multiaddr, 0, len(raw))
	for _, a := range raw {
		if rest, last := ma.SplitLast(a); last != nil && last.Protocol().Code == ma.P_P2P {
			if rest == nil {
				continue
			}
			a = rest
		}
		addrs = append(addrs, a)
	}
	return addrs
}

// localSignedRecord returns the envelope to advertise for the local peer:
// the stored one when it still covers the current listen addresses, a
// freshly minted and persisted one otherwise. When there are no listen
// addresses, no signing key, or sealing fails, the stored record (which may
// be stale or nil) is returned unchanged.
func (s *Service) localSignedRecord(listen []ma.Multiaddr) *record.Envelope {
	cab, ok := peerstore.GetCertifiedAddrBook(s.peerstore)
	if !ok {
		return nil
	}

	env := cab.GetPeerRecord(s.id.PeerID)
	if env != nil && recordCoversAddrs(env, listen) {
		return env
	}
	if len(listen) == 0 || s.id.PrivKey == nil {
		return env
	}

	fresh, err := sealLocalRecord(s.id, listen)
	if err != nil {
		log.Errorw("failed to sign own peer record", "err", err)
		return env
	}
	if _, err := cab.ConsumePeerRecord(fresh, peerstore.PermanentAddrTTL); err != nil {
		log.Warnf("error storing own peer record: %s", err)
	}
	return fresh
}

func recordCoversAddrs(env *record.Envelope, addrs []ma.Multiaddr) bool {
	untyped, err := env.Record()
	if err != nil {
		return false
	}
	rec, ok := untyped.(*peer.PeerRecord)
	if !ok || len(rec.Addrs) != len(addrs) {
		return false
	}
	for _, a := range addrs {
		var found bool
		for _, b := range rec.Addrs {
			if a.Equal(b) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
