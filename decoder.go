package duplex

import (
	"encoding/binary"
	"fmt"
	"math"
)

// lengthPrefixSize is the size of the big-endian frame length prefix.
const lengthPrefixSize = 4

// maxFrameLimit is the largest frame length that, prefix included, still
// fits in an int. It is below the 32-bit prefix range on 32-bit platforms.
const maxFrameLimit = min(uint64(math.MaxUint32), uint64(math.MaxInt-lengthPrefixSize))

// Source is the read side of a byte channel as seen by the decoder.
type Source interface {
	// ReadExact removes and returns exactly n bytes, or returns false
	// without consuming anything if fewer than n bytes are available.
	ReadExact(n int) ([]byte, bool)
	// Unread pushes p back so the next ReadExact returns it first.
	Unread(p []byte)
}

// needer is implemented by sources that stop filling their buffer at some
// limit. The decoder tells them how many bytes the pending frame needs,
// prefix included, so they keep reading until the frame can complete.
type needer interface {
	Need(n int)
}

// Decoder incrementally extracts length-prefixed frames from a Source and
// offers the decoded messages to a consumer. It never blocks: when a frame
// is incomplete it returns and expects to be called again once more bytes
// have arrived.
type Decoder struct {
	src          Source
	codec        Codec
	flow         *FlowController
	maxFrameSize uint32
}

// NewDecoder returns a decoder reading from src.
// A maxFrameSize of zero means frames are only limited by the 32-bit prefix
// and, on 32-bit platforms, by the size of an int.
func NewDecoder(src Source, codec Codec, flow *FlowController, maxFrameSize uint32) *Decoder {
	if maxFrameSize == 0 || uint64(maxFrameSize) > maxFrameLimit {
		maxFrameSize = uint32(maxFrameLimit)
	}
	return &Decoder{
		src:          src,
		codec:        codec,
		flow:         flow,
		maxFrameSize: maxFrameSize,
	}
}

// Decode extracts and offers frames until the source runs dry, the
// consumer rejects a message, or a fatal error occurs.
//
// It returns nil when it stopped for lack of data or because the flow
// controller is paused, and a *FrameError when the stream is corrupt.
// A message offered before the error has already been delivered.
func (d *Decoder) Decode(offer func(Message) AcceptResult) error {
	for !d.flow.Paused() {
		frame, ok, err := d.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		msg, err := d.codec.Decode(frame.Payload)
		if err != nil {
			return &FrameError{Kind: KindFraming, Length: frame.Length, Err: err}
		}

		mark := d.flow.mark()
		if offer(msg) == Rejected {
			d.flow.pauseUnlessResumed(mark)
		}
	}
	return nil
}

// next reads one complete frame, or reports that none is available yet.
func (d *Decoder) next() (Frame, bool, error) {
	prefix, ok := d.src.ReadExact(lengthPrefixSize)
	if !ok {
		return Frame{}, false, nil
	}

	length := binary.BigEndian.Uint32(prefix)
	if length > d.maxFrameSize {
		return Frame{}, false, &FrameError{Kind: KindOversize, Length: length, Err: ErrMessageTooLarge}
	}

	payload, ok := d.src.ReadExact(int(length))
	if !ok {
		// Put the prefix back so the next attempt parses the same frame.
		d.src.Unread(prefix)
		if n, ok := d.src.(needer); ok {
			n.Need(lengthPrefixSize + int(length))
		}
		return Frame{}, false, nil
	}
	if uint32(len(payload)) != length {
		panic(fmt.Sprintf("duplex: source returned %d bytes for a %d byte frame", len(payload), length))
	}

	return Frame{Length: length, Payload: payload}, true, nil
}
