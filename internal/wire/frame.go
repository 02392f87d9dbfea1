// ABOUTME: Length-prefixed frame reading and writing for the seance wire protocol
// ABOUTME: 4-byte big-endian length header followed by a CBOR body, with a size cap

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes is the largest body a single frame may carry. Result sets
// larger than this cannot cross the wire in one response.
const MaxFrameBytes = 64 << 20

// ErrFrameTooLarge is returned when a frame header announces a body larger
// than MaxFrameBytes. The stream can no longer be trusted and must be closed.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// writeFrame writes one length-prefixed frame to w.
func writeFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// readFrame reads one length-prefixed frame from r. A clean EOF before the
// header means the peer closed between messages; EOF inside the header or body
// means the frame was truncated. Both surface as io errors for the caller to
// classify.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
