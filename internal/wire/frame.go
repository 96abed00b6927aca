// Package wire implements the portal/monitor transport: a uniform
// 2-byte little-endian length-prefixed framing and the tagged-union
// message encoding used over it. No ecosystem length-prefixed-framing
// library is used here; see DESIGN.md for why this stays on the
// standard library (encoding/binary) rather than an off-the-shelf RPC
// framework.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/stemjail/stemjail/internal/jailerr"
)

// MaxPayload is the hard limit on in-jail request/response size: 64
// KiB per message.
const MaxPayload = 65535

// WriteFrame writes a 2-byte little-endian length prefix followed by
// payload. payload must fit in a uint16.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayload {
		return jailerr.Protocolf("write frame", fmt.Errorf("payload %d bytes exceeds max %d", len(payload), MaxPayload))
	}
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return jailerr.IOf("write frame header", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return jailerr.IOf("write frame payload", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message. io.EOF is returned
// unwrapped so callers can distinguish a clean close from a protocol
// error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, jailerr.Protocolf("read frame header", err)
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint16(hdr[:])
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, jailerr.Protocolf("read frame payload", err)
	}
	return buf, nil
}
