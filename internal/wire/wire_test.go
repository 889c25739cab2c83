package wire

import (
	"bytes"
	"testing"
)

func TestPackedUint32_Roundtrip(t *testing.T) {
	values := []uint32{0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 1 << 20, 1<<28 - 1, 0xFFFFFFFF}
	for _, v := range values {
		buf := make([]byte, SizeOfPackedUint32(v))
		n := PutPackedUint32(buf, 0, v)
		if n != len(buf) {
			t.Fatalf("PutPackedUint32(%d): wrote %d bytes, SizeOf said %d", v, n, len(buf))
		}
		got, consumed, err := PackedUint32(buf, 0)
		if err != nil {
			t.Fatalf("PackedUint32(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("PackedUint32 roundtrip: want %d got %d", v, got)
		}
		if consumed != len(buf) {
			t.Fatalf("PackedUint32 consumed %d, want %d", consumed, len(buf))
		}
		if size := SizeOfPackedUint32(v); size < 1 || size > 5 {
			t.Fatalf("SizeOfPackedUint32(%d) = %d, want in [1,5]", v, size)
		}
	}
}

func TestPackedUint32_KnownEncodings(t *testing.T) {
	cases := []struct {
		n    uint32
		want []byte
	}{
		{0x7F, []byte{0x7F}},
		{0x80, []byte{0x80, 0x01}},
		{0x3FFF, []byte{0xFF, 0x7F}},
	}
	for _, c := range cases {
		buf := make([]byte, SizeOfPackedUint32(c.n))
		PutPackedUint32(buf, 0, c.n)
		if !bytes.Equal(buf, c.want) {
			t.Errorf("PutPackedUint32(%#x) = % X, want % X", c.n, buf, c.want)
		}
	}
}

func TestPackedInt32_SignRoundtrip(t *testing.T) {
	values := []int32{0, 1, -1, 63, -64, 1000000, -1000000}
	for _, v := range values {
		buf := make([]byte, SizeOfPackedInt32(v))
		PutPackedInt32(buf, 0, v)
		got, _, err := PackedInt32(buf, 0)
		if err != nil {
			t.Fatalf("PackedInt32(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("PackedInt32 roundtrip: want %d got %d", v, got)
		}
	}
}

func TestPackedUint32_RangeExceeded(t *testing.T) {
	// Five bytes, all with the continuation bit set, never terminates.
	buf := []byte{0x80, 0x80, 0x80, 0x80, 0x80}
	if _, _, err := PackedUint32(buf, 0); err != ErrRangeExceeded {
		t.Fatalf("expected ErrRangeExceeded, got %v", err)
	}
}

func TestPackedUint32_ShortBuffer(t *testing.T) {
	buf := []byte{0x80, 0x80}
	if _, _, err := PackedUint32(buf, 0); err != ErrRangeExceeded {
		t.Fatalf("expected ErrRangeExceeded for truncated stream, got %v", err)
	}
}

func TestMessage_Roundtrip(t *testing.T) {
	payload := []byte("ab")
	buf := make([]byte, SizeOfMessage(len(payload)))
	n, err := WriteMessage(buf, 0, 7, payload)
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("WriteMessage wrote %d, want %d", n, len(buf))
	}

	tag, gotPayload, consumed, err := ReadMessage(buf, 0)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if tag != 7 {
		t.Errorf("tag = %d, want 7", tag)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload = %q, want %q", gotPayload, payload)
	}
	if consumed != len(buf) {
		t.Errorf("consumed = %d, want %d", consumed, len(buf))
	}
}

func TestMessage_EmptyPayload(t *testing.T) {
	buf := make([]byte, SizeOfMessage(0))
	WriteMessage(buf, 0, 9, nil)
	tag, payload, consumed, err := ReadMessage(buf, 0)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if tag != 9 || len(payload) != 0 || consumed != 3 {
		t.Errorf("got tag=%d payload=%v consumed=%d", tag, payload, consumed)
	}
}

func TestMultipleMessages_Concatenated(t *testing.T) {
	// Two records, tag 7 payload "ab" and tag 9 empty payload, encoded
	// back to back.
	a := []byte("ab")
	buf := make([]byte, SizeOfMessage(len(a))+SizeOfMessage(0))
	off, _ := WriteMessage(buf, 0, 7, a)
	WriteMessage(buf, off, 9, nil)

	want := []byte{0x00, 0x02, 0x07, 'a', 'b', 0x00, 0x00, 0x09}
	if !bytes.Equal(buf, want) {
		t.Fatalf("encoded = % X, want % X", buf, want)
	}

	tag1, p1, n1, err := ReadMessage(buf, 0)
	if err != nil || tag1 != 7 || string(p1) != "ab" {
		t.Fatalf("first record: tag=%d payload=%q err=%v", tag1, p1, err)
	}
	tag2, p2, _, err := ReadMessage(buf, n1)
	if err != nil || tag2 != 9 || len(p2) != 0 {
		t.Fatalf("second record: tag=%d payload=%q err=%v", tag2, p2, err)
	}
}

func TestIPv4_KnownEncoding(t *testing.T) {
	buf := make([]byte, 4)
	PutIPv4(buf, 0, [4]byte{192, 168, 1, 2})
	want := []byte{0xC0, 0xA8, 0x01, 0x02}
	if !bytes.Equal(buf, want) {
		t.Errorf("PutIPv4 = % X, want % X", buf, want)
	}
	addr, _, err := IPv4(buf, 0)
	if err != nil {
		t.Fatalf("IPv4: %v", err)
	}
	if addr != ([4]byte{192, 168, 1, 2}) {
		t.Errorf("IPv4 roundtrip = %v", addr)
	}
}

func TestString_Roundtrip(t *testing.T) {
	s := "hello, hazel"
	buf := make([]byte, SizeOfString(s))
	PutString(buf, 0, s)
	got, consumed, err := String(buf, 0)
	if err != nil {
		t.Fatalf("String: %v", err)
	}
	if got != s {
		t.Errorf("String roundtrip = %q, want %q", got, s)
	}
	if consumed != len(buf) {
		t.Errorf("consumed = %d, want %d", consumed, len(buf))
	}
}

func TestSignedFixedWidth_Roundtrip(t *testing.T) {
	buf := make([]byte, 7)
	off := PutInt8(buf, 0, -5)
	off = PutInt16(buf, off, -300)
	PutInt32(buf, off, -70000)

	v8, off, err := Int8(buf, 0)
	if err != nil || v8 != -5 {
		t.Fatalf("Int8 = %d, %v; want -5", v8, err)
	}
	v16, off, err := Int16(buf, off)
	if err != nil || v16 != -300 {
		t.Fatalf("Int16 = %d, %v; want -300", v16, err)
	}
	v32, _, err := Int32(buf, off)
	if err != nil || v32 != -70000 {
		t.Fatalf("Int32 = %d, %v; want -70000", v32, err)
	}
}

func TestUint16_ShortBuffer(t *testing.T) {
	if _, _, err := Uint16([]byte{0x01}, 0); err != ErrShortBuffer {
		t.Errorf("expected ErrShortBuffer, got %v", err)
	}
}
