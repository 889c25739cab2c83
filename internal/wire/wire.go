// Package wire implements the primitive binary encoding used on the
// Hazel-compatible wire: fixed-width big-endian integers, the packed
// variable-length integer, and the length-tag-payload message record.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrRangeExceeded is returned when a packed integer reader runs out of
// buffer or continuation bytes before a terminating byte is seen.
var ErrRangeExceeded = errors.New("wire: packed integer exceeds range")

// ErrShortBuffer is returned when a fixed-width read or a Hazel message
// read runs past the end of the supplied buffer.
var ErrShortBuffer = errors.New("wire: short buffer")

// maxPackedBytes bounds the packed-integer reader: reading fails once 5
// bytes have been consumed without a terminator. Five 7-bit groups cover
// the full 32-bit range; no tighter cap is applied.
const maxPackedBytes = 5

// --- fixed-width primitives ---

func PutUint8(buf []byte, off int, v uint8) int {
	buf[off] = v
	return off + 1
}

func Uint8(buf []byte, off int) (uint8, int, error) {
	if off >= len(buf) {
		return 0, off, ErrShortBuffer
	}
	return buf[off], off + 1, nil
}

func PutInt8(buf []byte, off int, v int8) int {
	return PutUint8(buf, off, uint8(v))
}

func Int8(buf []byte, off int) (int8, int, error) {
	u, next, err := Uint8(buf, off)
	return int8(u), next, err
}

func PutBool(buf []byte, off int, v bool) int {
	if v {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	return off + 1
}

func Bool(buf []byte, off int) (bool, int, error) {
	b, next, err := Uint8(buf, off)
	if err != nil {
		return false, off, err
	}
	return b != 0, next, nil
}

func PutUint16(buf []byte, off int, v uint16) int {
	binary.BigEndian.PutUint16(buf[off:], v)
	return off + 2
}

func Uint16(buf []byte, off int) (uint16, int, error) {
	if off+2 > len(buf) {
		return 0, off, ErrShortBuffer
	}
	return binary.BigEndian.Uint16(buf[off:]), off + 2, nil
}

func PutInt16(buf []byte, off int, v int16) int {
	return PutUint16(buf, off, uint16(v))
}

func Int16(buf []byte, off int) (int16, int, error) {
	u, next, err := Uint16(buf, off)
	return int16(u), next, err
}

func PutUint32(buf []byte, off int, v uint32) int {
	binary.BigEndian.PutUint32(buf[off:], v)
	return off + 4
}

func Uint32(buf []byte, off int) (uint32, int, error) {
	if off+4 > len(buf) {
		return 0, off, ErrShortBuffer
	}
	return binary.BigEndian.Uint32(buf[off:]), off + 4, nil
}

func PutInt32(buf []byte, off int, v int32) int {
	return PutUint32(buf, off, uint32(v))
}

func Int32(buf []byte, off int) (int32, int, error) {
	u, next, err := Uint32(buf, off)
	return int32(u), next, err
}

// PutIPv4 writes a dotted-quad IPv4 address MSB first, e.g.
// PutIPv4(buf, 0, [4]byte{192,168,1,2}).
func PutIPv4(buf []byte, off int, addr [4]byte) int {
	copy(buf[off:off+4], addr[:])
	return off + 4
}

func IPv4(buf []byte, off int) ([4]byte, int, error) {
	var addr [4]byte
	if off+4 > len(buf) {
		return addr, off, ErrShortBuffer
	}
	copy(addr[:], buf[off:off+4])
	return addr, off + 4, nil
}

// --- packed (variable-length) integers ---

// SizeOfPackedUint32 returns the number of bytes WritePackedUint32 would
// emit for n, without encoding it.
func SizeOfPackedUint32(n uint32) int {
	size := 1
	for n >= 0x80 {
		n >>= 7
		size++
	}
	return size
}

// PutPackedUint32 writes n as a 7-bit-per-byte little-endian base-128
// integer, high bit set while more bytes follow.
func PutPackedUint32(buf []byte, off int, n uint32) int {
	for n >= 0x80 {
		buf[off] = byte(n) | 0x80
		n >>= 7
		off++
	}
	buf[off] = byte(n)
	return off + 1
}

// PackedUint32 reads a packed unsigned integer starting at off, returning
// the value and the offset just past it.
func PackedUint32(buf []byte, off int) (uint32, int, error) {
	var result uint32
	var shift uint
	start := off
	for i := 0; i < maxPackedBytes; i++ {
		if off >= len(buf) {
			return 0, start, ErrRangeExceeded
		}
		b := buf[off]
		off++
		result |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, off, nil
		}
		shift += 7
	}
	return 0, start, ErrRangeExceeded
}

// SizeOfPackedInt32 mirrors SizeOfPackedUint32 for the zig-zag signed form.
func SizeOfPackedInt32(n int32) int {
	return SizeOfPackedUint32(zigZagEncode(n))
}

// PutPackedInt32 encodes n in zig-zag form (2n for n>=0, -2n-1 for n<0)
// and writes it as a packed unsigned integer.
func PutPackedInt32(buf []byte, off int, n int32) int {
	return PutPackedUint32(buf, off, zigZagEncode(n))
}

// PackedInt32 reads a zig-zag packed signed integer.
func PackedInt32(buf []byte, off int) (int32, int, error) {
	u, next, err := PackedUint32(buf, off)
	if err != nil {
		return 0, off, err
	}
	return zigZagDecode(u), next, nil
}

func zigZagEncode(n int32) uint32 {
	if n >= 0 {
		return uint32(n) * 2
	}
	return uint32(-n)*2 - 1
}

func zigZagDecode(u uint32) int32 {
	if u&1 == 0 {
		return int32(u / 2)
	}
	return -int32((u+1)/2)
}

// --- length-prefixed strings ---

// PutString writes a UTF-8 string prefixed by a packed u32 byte length.
func PutString(buf []byte, off int, s string) int {
	off = PutPackedUint32(buf, off, uint32(len(s)))
	off += copy(buf[off:], s)
	return off
}

// SizeOfString returns the wire size (prefix + bytes) of s.
func SizeOfString(s string) int {
	return SizeOfPackedUint32(uint32(len(s))) + len(s)
}

// String reads a length-prefixed UTF-8 string.
func String(buf []byte, off int) (string, int, error) {
	n, next, err := PackedUint32(buf, off)
	if err != nil {
		return "", off, err
	}
	end := next + int(n)
	if end > len(buf) || end < next {
		return "", off, ErrShortBuffer
	}
	return string(buf[next:end]), end, nil
}

// --- Hazel message records: [length:u16 BE][tag:u8][payload] ---

// SizeOfMessage returns the wire size of a message carrying the given
// payload length.
func SizeOfMessage(payloadLen int) int {
	return 3 + payloadLen
}

// WriteMessage writes a tagged, length-prefixed record at off and returns
// the number of bytes written.
func WriteMessage(buf []byte, off int, tag byte, payload []byte) (int, error) {
	if len(payload) > 0xFFFF {
		return 0, fmt.Errorf("wire: message payload too large (%d bytes)", len(payload))
	}
	start := off
	off = PutUint16(buf, off, uint16(len(payload)))
	off = PutUint8(buf, off, tag)
	off += copy(buf[off:], payload)
	return off - start, nil
}

// ReadMessage reads a single tagged record starting at offset, returning
// the tag, a slice referencing the payload (no copy), and the number of
// bytes consumed.
func ReadMessage(buf []byte, off int) (tag byte, payload []byte, consumed int, err error) {
	length, next, err := Uint16(buf, off)
	if err != nil {
		return 0, nil, 0, err
	}
	tag, next, err = Uint8(buf, next)
	if err != nil {
		return 0, nil, 0, err
	}
	end := next + int(length)
	if end > len(buf) {
		return 0, nil, 0, ErrShortBuffer
	}
	return tag, buf[next:end], end - off, nil
}
