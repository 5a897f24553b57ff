package duplex

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// AppendFrame appends the wire form of payload, a 4-byte big-endian length
// followed by the payload itself, to dst and returns the extended slice.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// Encoder turns messages into framed bytes ready for the transport.
// Writing those bytes, and any write-side backpressure, is the caller's job.
type Encoder struct {
	codec        Codec
	maxFrameSize uint32
}

// NewEncoder returns an encoder using codec for payloads.
// A maxFrameSize of zero means frames are only limited by the 32-bit prefix.
func NewEncoder(codec Codec, maxFrameSize uint32) *Encoder {
	if maxFrameSize == 0 {
		maxFrameSize = ^uint32(0)
	}
	return &Encoder{codec: codec, maxFrameSize: maxFrameSize}
}

// Encode serializes m and frames it.
func (e *Encoder) Encode(m Message) ([]byte, error) {
	payload, err := e.codec.Encode(m)
	if err != nil {
		return nil, err
	}
	if uint64(len(payload)) > uint64(e.maxFrameSize) {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d byte payload", len(payload))
	}
	return AppendFrame(make([]byte, 0, lengthPrefixSize+len(payload)), payload), nil
}
