// Package codec implements the SoulSeek wire primitives: little-endian
// integer and string encoding, and length-prefixed frame parsing, shared by
// every message schema in internal/protocol/*.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/charmap"

	"github.com/soulseek-go/slsk/internal/config"
)

// ErrMalformed is wrapped by every decode failure caused by a short,
// oversized, or otherwise invalid payload. Callers treat it as
// spec.md §7's ProtocolError: log, skip the message, keep the session.
var ErrMalformed = errors.New("codec: malformed payload")

// Reader walks a byte buffer with a cursor, decoding SoulSeek primitives.
// A Reader is not safe for concurrent use; each PeerConnection/ServerSession
// owns its own reader per incoming message.
type Reader struct {
	buf    []byte
	pos    int
	limits *config.Config
}

// NewReader wraps buf for sequential decoding against the process-wide
// config limits.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf, limits: config.Load()}
}

// Remaining reports how many unread bytes are left.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return errors.Wrapf(ErrMalformed, "need %d bytes, have %d", n, r.Remaining())
	}
	return nil
}

func (r *Reader) ReadU8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) ReadU16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) ReadU32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadU64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadBool reads a single byte; any non-zero value is true.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadU8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// ReadString reads a u32 length prefix followed by that many bytes,
// decoded as UTF-8 with an ISO-8859-1 fallback for invalid sequences, per
// spec.md §4.1. Strings over MaxStringLength are rejected as malformed.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	if n > r.limits.MaxStringLength {
		return "", errors.Wrapf(ErrMalformed, "string length %d exceeds cap %d", n, r.limits.MaxStringLength)
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}

	raw := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)

	return decodeString(raw), nil
}

func decodeString(raw []byte) string {
	if utf8Valid(raw) {
		return string(raw)
	}

	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}

func utf8Valid(b []byte) bool {
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			i++
		case c&0xE0 == 0xC0:
			if i+1 >= len(b) || b[i+1]&0xC0 != 0x80 {
				return false
			}
			i += 2
		case c&0xF0 == 0xE0:
			if i+2 >= len(b) || b[i+1]&0xC0 != 0x80 || b[i+2]&0xC0 != 0x80 {
				return false
			}
			i += 3
		case c&0xF8 == 0xF0:
			if i+3 >= len(b) || b[i+1]&0xC0 != 0x80 || b[i+2]&0xC0 != 0x80 || b[i+3]&0xC0 != 0x80 {
				return false
			}
			i += 4
		default:
			return false
		}
	}
	return true
}

// ReadRaw reads exactly n unframed bytes, used for F-channel primitives and
// opaque blobs (e.g. a user-info picture) that carry their own length prefix
// rather than being a length-prefixed string.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// ReadListCount reads a u32 count and validates it against max, returning
// ErrMalformed if it's out of range. Use for every count-prefixed list
// (users, files, rooms, attributes...) per spec.md §4.1.
func (r *Reader) ReadListCount(max uint32) (int, error) {
	n, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	if n > max {
		return 0, errors.Wrapf(ErrMalformed, "list count %d exceeds cap %d", n, max)
	}
	return int(n), nil
}

// ReadIPv4 decodes the server's packed IP field: four octets in network
// order packed into a little-endian u32, formatted high-byte-first per the
// spec's resolution of the endianness ambiguity (spec.md §9).
func (r *Reader) ReadIPv4() (string, error) {
	u, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	return FormatIPv4(u), nil
}

// FormatIPv4 renders the packed IP field as a dotted quad, high-byte-first.
func FormatIPv4(u uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", u>>24, (u>>16)&0xFF, (u>>8)&0xFF, u&0xFF)
}

// Writer accumulates an outbound message payload.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteU8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) WriteU16(v uint16) *Writer {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) WriteU32(v uint32) *Writer {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) WriteU64(v uint64) *Writer {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) WriteBool(v bool) *Writer {
	if v {
		return w.WriteU8(1)
	}
	return w.WriteU8(0)
}

func (w *Writer) WriteString(s string) *Writer {
	w.WriteU32(uint32(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// WriteRaw appends b verbatim with no length prefix.
func (w *Writer) WriteRaw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// WriteIPv4 packs four IPv4 octets into the wire's little-endian u32 with
// octets in network order (inverse of ReadIPv4/FormatIPv4).
func (w *Writer) WriteIPv4(octets [4]byte) *Writer {
	u := uint32(octets[0])<<24 | uint32(octets[1])<<16 | uint32(octets[2])<<8 | uint32(octets[3])
	return w.WriteU32(u)
}
