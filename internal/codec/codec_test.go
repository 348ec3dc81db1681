package codec

import (
	"bytes"
	"testing"
)

func TestReaderWriterRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteU8(7).WriteU16(1000).WriteU32(123456).WriteU64(99999999999).
		WriteBool(true).WriteString("hello world")

	r := NewReader(w.Bytes())

	if v, err := r.ReadU8(); err != nil || v != 7 {
		t.Fatalf("ReadU8 = (%d,%v), want (7,nil)", v, err)
	}
	if v, err := r.ReadU16(); err != nil || v != 1000 {
		t.Fatalf("ReadU16 = (%d,%v), want (1000,nil)", v, err)
	}
	if v, err := r.ReadU32(); err != nil || v != 123456 {
		t.Fatalf("ReadU32 = (%d,%v), want (123456,nil)", v, err)
	}
	if v, err := r.ReadU64(); err != nil || v != 99999999999 {
		t.Fatalf("ReadU64 = (%d,%v), want (99999999999,nil)", v, err)
	}
	if v, err := r.ReadBool(); err != nil || !v {
		t.Fatalf("ReadBool = (%v,%v), want (true,nil)", v, err)
	}
	if v, err := r.ReadString(); err != nil || v != "hello world" {
		t.Fatalf("ReadString = (%q,%v), want (hello world,nil)", v, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("Remaining = %d, want 0", r.Remaining())
	}
}

func TestReaderShortBufferRejected(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.ReadU32(); err == nil {
		t.Fatalf("ReadU32 on short buffer should error")
	}
}

func TestReaderStringOversizeRejected(t *testing.T) {
	w := NewWriter()
	w.WriteU32(20_000_000) // declared length, no body to match
	r := NewReader(w.Bytes())

	if _, err := r.ReadString(); err == nil {
		t.Fatalf("oversize string length should be rejected")
	}
}

func TestReaderListCountBounds(t *testing.T) {
	w := NewWriter()
	w.WriteU32(100_001)
	r := NewReader(w.Bytes())

	if _, err := r.ReadListCount(100_000); err == nil {
		t.Fatalf("list count over cap should be rejected")
	}
}

func TestISO8859FallbackDecoding(t *testing.T) {
	// 0xE9 is invalid as a lone UTF-8 continuation byte but decodes to 'é'
	// under ISO-8859-1, matching peers that send latin1 filenames.
	raw := []byte{'c', 'a', 'f', 0xE9}
	got := decodeString(raw)

	want := "café"
	if got != want {
		t.Fatalf("decodeString(%v) = %q, want %q", raw, got, want)
	}
}

func TestFormatIPv4HighByteFirst(t *testing.T) {
	// 1.2.3.4 packed high-byte-first.
	u := uint32(1)<<24 | uint32(2)<<16 | uint32(3)<<8 | uint32(4)
	if got := FormatIPv4(u); got != "1.2.3.4" {
		t.Fatalf("FormatIPv4 = %q, want 1.2.3.4", got)
	}
}

func TestIPv4WriteReadRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteIPv4([4]byte{10, 0, 0, 42})

	r := NewReader(w.Bytes())
	ip, err := r.ReadIPv4()
	if err != nil {
		t.Fatalf("ReadIPv4: %v", err)
	}
	if ip != "10.0.0.42" {
		t.Fatalf("ReadIPv4 = %q, want 10.0.0.42", ip)
	}
}

func TestRawRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteU32(3).WriteRaw([]byte{9, 8, 7}).WriteU8(1)

	r := NewReader(w.Bytes())
	if n, _ := r.ReadU32(); n != 3 {
		t.Fatalf("length = %d, want 3", n)
	}
	raw, err := r.ReadRaw(3)
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if !bytes.Equal(raw, []byte{9, 8, 7}) {
		t.Fatalf("raw = %v", raw)
	}
	if v, err := r.ReadU8(); err != nil || v != 1 {
		t.Fatalf("trailing byte = (%d,%v)", v, err)
	}
}

func TestParseFrameNeedsMoreData(t *testing.T) {
	payload := NewWriter().WriteU32(1).WriteString("x").Bytes()
	var full bytes.Buffer
	if err := WriteFrame(&full, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	complete := full.Bytes()

	for n := 0; n < len(complete); n++ {
		frame, consumed, err := ParseFrame(complete[:n])
		if err != nil {
			t.Fatalf("ParseFrame partial(%d) unexpected error: %v", n, err)
		}
		if frame != nil || consumed != 0 {
			t.Fatalf("ParseFrame partial(%d) should report need-more-data", n)
		}
	}

	frame, consumed, err := ParseFrame(complete)
	if err != nil || frame == nil {
		t.Fatalf("ParseFrame full: frame=%v err=%v", frame, err)
	}
	if consumed != len(complete) {
		t.Fatalf("consumed = %d, want %d", consumed, len(complete))
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("frame payload mismatch")
	}
}

func TestParseFrameConcatenatedStream(t *testing.T) {
	var stream bytes.Buffer
	payloads := [][]byte{
		NewWriter().WriteU32(1).Bytes(),
		NewWriter().WriteU32(2).WriteString("two").Bytes(),
		NewWriter().WriteU32(3).Bytes(),
	}
	for _, p := range payloads {
		if err := WriteFrame(&stream, p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	buf := stream.Bytes()
	var got [][]byte
	for len(buf) > 0 {
		frame, consumed, err := ParseFrame(buf)
		if err != nil {
			t.Fatalf("ParseFrame: %v", err)
		}
		if frame == nil {
			t.Fatalf("unexpected need-more-data with %d bytes left", len(buf))
		}
		got = append(got, frame.Payload)
		buf = buf[consumed:]
	}

	if len(got) != len(payloads) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(payloads))
	}
	for i := range payloads {
		if !bytes.Equal(got[i], payloads[i]) {
			t.Fatalf("frame %d mismatch", i)
		}
	}
}

func TestParseFrameOversizeRejected(t *testing.T) {
	var huge [4]byte
	// Declare a length far beyond MaxFrameLength (100MB).
	huge[0], huge[1], huge[2], huge[3] = 0xFF, 0xFF, 0xFF, 0x7F
	if _, _, err := ParseFrame(huge[:]); err == nil {
		t.Fatalf("oversize frame length should be rejected")
	}
}
