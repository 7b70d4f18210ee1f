package identify

import "errors"

var (
	// ErrConnectionEnded is returned when the stream closed before one
	// complete identify message arrived.
	ErrConnectionEnded = errors.New("identify: connection ended before a complete message was received")

	// ErrMessageTooLarge is returned when the declared frame length exceeds
	// the configured maximum message size. The payload is never read.
	ErrMessageTooLarge = errors.New("identify: message too large")

	// ErrInvalidMessage is returned when a frame body fails to decode.
	ErrInvalidMessage = errors.New("identify: invalid message")

	// ErrMissingPublicKey is returned when an identify response carried no
	// public key.
	ErrMissingPublicKey = errors.New("identify: remote did not send a public key")

	// ErrInvalidPeer is returned when the peer id derived from the received
	// public key does not match the connection's remote peer, or equals the
	// local peer.
	ErrInvalidPeer = errors.New("identify: invalid peer")

	// ErrInvalidSignature is returned when a signed peer record fails
	// envelope verification.
	ErrInvalidSignature = errors.New("identify: invalid signature")
)
