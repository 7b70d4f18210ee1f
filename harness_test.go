package identify_test

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"testing"

	identify "github.com/libp2p/go-libp2p-identify"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/host/eventbus"
	"github.com/libp2p/go-libp2p/p2p/host/peerstore/pstoremem"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/require"
)

type fakeRegistrar struct {
	mu       sync.Mutex
	handlers map[protocol.ID]identify.StreamHandler
	limits   map[protocol.ID]identify.StreamLimits
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{
		handlers: make(map[protocol.ID]identify.StreamHandler),
		limits:   make(map[protocol.ID]identify.StreamLimits),
	}
}

func (r *fakeRegistrar) Handle(p protocol.ID, h identify.StreamHandler, limits identify.StreamLimits) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[p] = h
	r.limits[p] = limits
	return nil
}

func (r *fakeRegistrar) Unhandle(p protocol.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, p)
	delete(r.limits, p)
	return nil
}

func (r *fakeRegistrar) handler(p protocol.ID) identify.StreamHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[p]
}

func (r *fakeRegistrar) registered(p protocol.ID) bool {
	return r.handler(p) != nil
}

type fakeConnManager struct {
	mu    sync.Mutex
	conns []identify.Connection
}

func (m *fakeConnManager) Connections() []identify.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]identify.Connection(nil), m.conns...)
}

func (m *fakeConnManager) add(c identify.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns = append(m.conns, c)
}

type fakeAddrManager struct {
	mu       sync.Mutex
	listen   []ma.Multiaddr
	observed []ma.Multiaddr
}

func (m *fakeAddrManager) Addrs() []ma.Multiaddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ma.Multiaddr(nil), m.listen...)
}

func (m *fakeAddrManager) ObservedAddrs() []ma.Multiaddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ma.Multiaddr(nil), m.observed...)
}

func (m *fakeAddrManager) AddObservedAddr(a ma.Multiaddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed = append(m.observed, a)
}

func (m *fakeAddrManager) setListen(addrs ...ma.Multiaddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listen = addrs
}

type testPeer struct {
	t *testing.T

	id   peer.ID
	priv ic.PrivKey
	pub  ic.PubKey

	ps  peerstore.Peerstore
	bus event.Bus
	reg *fakeRegistrar
	cm  *fakeConnManager
	am  *fakeAddrManager

	svc *identify.Service
}

func newTestPeer(t *testing.T, opts ...identify.Option) *testPeer {
	t.Helper()

	priv, pub, err := ic.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	pid, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)

	ps, err := pstoremem.NewPeerstore()
	require.NoError(t, err)

	tp := &testPeer{
		t:    t,
		id:   pid,
		priv: priv,
		pub:  pub,
		ps:   ps,
		bus:  eventbus.NewBus(),
		reg:  newFakeRegistrar(),
		cm:   &fakeConnManager{},
		am:   &fakeAddrManager{},
	}

	svc, err := identify.New(
		identify.Identity{PeerID: pid, PrivKey: priv, PubKey: pub},
		identify.Dependencies{
			Peerstore:   ps,
			AddrManager: tp.am,
			ConnManager: tp.cm,
			Registrar:   tp.reg,
			Bus:         tp.bus,
		},
		opts...,
	)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	tp.svc = svc

	t.Cleanup(func() {
		svc.Close()
		ps.Close()
	})
	return tp
}

type pipeStream struct {
	net.Conn
}

func (s pipeStream) Reset() error {
	return s.Conn.Close()
}

type fakeConn struct {
	local      peer.ID
	remote     peer.ID
	remoteAddr ma.Multiaddr
	dial       func(ctx context.Context, p protocol.ID) (identify.Stream, error)
}

func (c *fakeConn) LocalPeer() peer.ID             { return c.local }
func (c *fakeConn) RemotePeer() peer.ID            { return c.remote }
func (c *fakeConn) RemoteMultiaddr() ma.Multiaddr  { return c.remoteAddr }
func (c *fakeConn) NewStream(ctx context.Context, p protocol.ID) (identify.Stream, error) {
	return c.dial(ctx, p)
}

// connect wires a bidirectional fake connection between two peers. aAddr and
// bAddr are the transport addresses of a and b as seen from the other side.
// Each NewStream call runs the remote side's registered handler, on the peer
// end of a net.Pipe, with the remote side's view of the connection.
func connect(a, b *testPeer, aAddr, bAddr ma.Multiaddr) (aView, bView identify.Connection) {
	ab := &fakeConn{local: a.id, remote: b.id, remoteAddr: bAddr}
	ba := &fakeConn{local: b.id, remote: a.id, remoteAddr: aAddr}
	ab.dial = dialer(b, ba)
	ba.dial = dialer(a, ab)
	a.cm.add(ab)
	b.cm.add(ba)
	return ab, ba
}

func dialer(remote *testPeer, remoteView identify.Connection) func(context.Context, protocol.ID) (identify.Stream, error) {
	return func(_ context.Context, p protocol.ID) (identify.Stream, error) {
		h := remote.reg.handler(p)
		if h == nil {
			return nil, fmt.Errorf("protocols not supported: [%s]", p)
		}
		local, rem := net.Pipe()
		go h(pipeStream{rem}, remoteView)
		return pipeStream{local}, nil
	}
}

// writeFrame writes m as a single varint length-prefixed frame, the raw wire
// form, bypassing the service's codec.
func writeFrame(s identify.Stream, m *identify.Message) {
	data := m.Marshal()
	buf := append(varint.ToUvarint(uint64(len(data))), data...)
	s.Write(buf)
}

func addrsMatch(a, b []ma.Multiaddr) bool {
	if len(a) != len(b) {
		return false
	}
	for _, aa := range a {
		found := false
		for _, bb := range b {
			if aa.Equal(bb) {
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

func protoStrings(ps peerstore.Peerstore, p peer.ID) []string {
	protos, _ := ps.GetProtocols(p)
	return protocol.ConvertToStrings(protos)
}
