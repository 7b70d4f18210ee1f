package identify

import (
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-msgio"
)

// readMessage reads exactly one length-prefixed identify message from the
// stream. The length is an unsigned varint; if it exceeds maxSize the read
// fails with ErrMessageTooLarge before any of the payload is consumed.
func readMessage(r io.Reader, maxSize int) (*Message, error) {
	mr := msgio.NewVarintReaderSize(r, maxSize)
	data, err := mr.ReadMsg()
	if err != nil {
		switch {
		case errors.Is(err, msgio.ErrMsgTooLarge):
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrMessageTooLarge, maxSize)
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil, ErrConnectionEnded
		default:
			return nil, err
		}
	}
	defer mr.ReleaseMsg(data)

	var m Message
	if err := m.Unmarshal(data); err != nil {
		return nil, err
	}
	return &m, nil
}

// writeMessage writes the message as a single length-prefixed frame.
func writeMessage(w io.Writer, m *Message) error {
	return msgio.NewVarintWriter(w).WriteMsg(m.Marshal())
}
