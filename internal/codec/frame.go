package codec

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/soulseek-go/slsk/internal/config"
)

// Frame is `{ length: u32, payload: bytes[length] }` per spec.md §3. The
// payload begins with the message code (u32 for server/P/D channels, u8 for
// the peer handshake codes PeerInit/PierceFirewall) followed by the body;
// internal/protocol/* know how wide the code is for a given channel.
type Frame struct {
	Length  uint32
	Payload []byte
}

// ParseFrame attempts to parse one frame from the head of buf.
//
// It returns (frame, consumed, nil) on success, (nil, 0, nil) if fewer than
// 4+length bytes are buffered ("need more data" — spec.md §8 "Frame
// boundary"), or (nil, 0, err) if the declared length exceeds
// config.MaxFrameLength.
func ParseFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}

	length := binary.LittleEndian.Uint32(buf)
	if length > config.Load().MaxFrameLength {
		return nil, 0, errors.Wrapf(ErrMalformed, "frame length %d exceeds cap", length)
	}

	total := 4 + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, buf[4:total])

	return &Frame{Length: length, Payload: payload}, total, nil
}

// ReadFrame blocks reading one full frame from r. It is the streaming
// counterpart of ParseFrame for callers that own a net.Conn directly rather
// than a pre-buffered byte slice.
func ReadFrame(r io.Reader) (*Frame, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(lp[:])
	if length > config.Load().MaxFrameLength {
		return nil, errors.Wrapf(ErrMalformed, "frame length %d exceeds cap", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return &Frame{Length: length, Payload: payload}, nil
}

// WriteFrame writes the 4-byte length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var lp [4]byte
	binary.LittleEndian.PutUint32(lp[:], uint32(len(payload)))

	if _, err := w.Write(lp[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// CodeU32 reads the first 4 bytes of a frame payload as a little-endian
// message code, used by the server and peer (P) channels.
func CodeU32(payload []byte) (code uint32, body []byte, err error) {
	if len(payload) < 4 {
		return 0, nil, errors.Wrap(ErrMalformed, "payload shorter than a u32 code")
	}
	return binary.LittleEndian.Uint32(payload), payload[4:], nil
}

// CodeU8 reads the first byte of a frame payload as the message code, used
// by the peer handshake (PeerInit / PierceFirewall).
func CodeU8(payload []byte) (code uint8, body []byte, err error) {
	if len(payload) < 1 {
		return 0, nil, errors.Wrap(ErrMalformed, "payload shorter than a u8 code")
	}
	return payload[0], payload[1:], nil
}
