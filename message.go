package identify

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers, fixed by identify.proto.
const (
	fieldPublicKey        = 1
	fieldListenAddrs      = 2
	fieldProtocols        = 3
	fieldObservedAddr     = 4
	fieldProtocolVersion  = 5
	fieldAgentVersion     = 6
	fieldSignedPeerRecord = 8
)

// Message is the identify record exchanged on the wire. All fields are
// optional; a zero value means the field was absent.
type Message struct {
	ProtocolVersion string
	AgentVersion    string

	// PublicKey is the marshaled public key of the sender.
	PublicKey []byte

	// ListenAddrs are the sender's listen addresses in multiaddr binary
	// form.
	ListenAddrs [][]byte

	// ObservedAddr is the multiaddr, in binary form, at which the sender
	// observed the receiver.
	ObservedAddr []byte

	// Protocols are the application protocols the sender supports.
	Protocols []string

	// SignedPeerRecord is a marshaled envelope wrapping a peer record.
	SignedPeerRecord []byte
}

// Marshal serializes the message to the identify.proto wire format.
func (m *Message) Marshal() []byte {
	var b []byte
	if len(m.PublicKey) > 0 {
		b = protowire.AppendTag(b, fieldPublicKey, protowire.BytesType)
		b = protowire.AppendBytes(b, m.PublicKey)
	}
	for _, addr := range m.ListenAddrs {
		b = protowire.AppendTag(b, fieldListenAddrs, protowire.BytesType)
		b = protowire.AppendBytes(b, addr)
	}
	for _, p := range m.Protocols {
		b = protowire.AppendTag(b, fieldProtocols, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	if len(m.ObservedAddr) > 0 {
		b = protowire.AppendTag(b, fieldObservedAddr, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ObservedAddr)
	}
	if m.ProtocolVersion != "" {
		b = protowire.AppendTag(b, fieldProtocolVersion, protowire.BytesType)
		b = protowire.AppendString(b, m.ProtocolVersion)
	}
	if m.AgentVersion != "" {
		b = protowire.AppendTag(b, fieldAgentVersion, protowire.BytesType)
		b = protowire.AppendString(b, m.AgentVersion)
	}
	if len(m.SignedPeerRecord) > 0 {
		b = protowire.AppendTag(b, fieldSignedPeerRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, m.SignedPeerRecord)
	}
	return b
}

// Unmarshal parses the identify.proto wire format. Unknown fields are
// skipped. Returns ErrInvalidMessage if the buffer is not valid protobuf.
func (m *Message) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ErrInvalidMessage
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ErrInvalidMessage
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return ErrInvalidMessage
		}
		b = b[n:]

		switch num {
		case fieldPublicKey:
			m.PublicKey = append([]byte(nil), v...)
		case fieldListenAddrs:
			m.ListenAddrs = append(m.ListenAddrs, append([]byte(nil), v...))
		case fieldProtocols:
			m.Protocols = append(m.Protocols, string(v))
		case fieldObservedAddr:
			m.ObservedAddr = append([]byte(nil), v...)
		case fieldProtocolVersion:
			m.ProtocolVersion = string(v)
		case fieldAgentVersion:
			m.AgentVersion = string(v)
		case fieldSignedPeerRecord:
			m.SignedPeerRecord = append([]byte(nil), v...)
		}
	}
	return nil
}
