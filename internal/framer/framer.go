// Package framer composes and parses the outer Hazel packet envelope and
// the inner tagged message records it carries.
package framer

import (
	"errors"
	"fmt"

	"github.com/hazelproto/hazelcore/internal/wire"
)

// PacketType is the one-byte discriminator leading every packet.
type PacketType byte

const (
	Normal          PacketType = 0x00
	Reliable        PacketType = 0x01
	Fragment        PacketType = 0x05 // reserved, always ignored
	Hello           PacketType = 0x08
	Disconnect      PacketType = 0x09
	Acknowledgement PacketType = 0x0A
	Ping            PacketType = 0x0C
)

func (t PacketType) String() string {
	switch t {
	case Normal:
		return "NORMAL"
	case Reliable:
		return "RELIABLE"
	case Fragment:
		return "FRAGMENT"
	case Hello:
		return "HELLO"
	case Disconnect:
		return "DISCONNECT"
	case Acknowledgement:
		return "ACKNOWLEDGEMENT"
	case Ping:
		return "PING"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// ErrTruncatedHeader signals a datagram whose header alone exceeds the
// body length, a fatal protocol error for the connection.
var ErrTruncatedHeader = errors.New("framer: truncated packet header")

// ErrIgnored marks datagrams the framer recognizes but must silently
// drop rather than treat as a protocol violation (FRAGMENT, unknown
// leading byte).
var ErrIgnored = errors.New("framer: packet type ignored")

// Record is a single Hazel message: a tag and its payload. Payload slices
// returned by Decode reference the original datagram buffer.
type Record struct {
	Tag     byte
	Payload []byte
}

// SizeOfRecords returns the wire size of the given records alone (no
// outer header).
func SizeOfRecords(records []Record) int {
	total := 0
	for _, r := range records {
		total += wire.SizeOfMessage(len(r.Payload))
	}
	return total
}

func writeRecords(buf []byte, off int, records []Record) (int, error) {
	for _, r := range records {
		n, err := wire.WriteMessage(buf, off, r.Tag, r.Payload)
		if err != nil {
			return off, err
		}
		off += n
	}
	return off, nil
}

func readRecords(buf []byte, off int) ([]Record, error) {
	var records []Record
	for off < len(buf) {
		tag, payload, consumed, err := wire.ReadMessage(buf, off)
		if err != nil {
			return nil, ErrTruncatedHeader
		}
		records = append(records, Record{Tag: tag, Payload: payload})
		off += consumed
	}
	return records, nil
}

// EncodeNormal composes [0x00][records...].
func EncodeNormal(records []Record) []byte {
	buf := make([]byte, 1+SizeOfRecords(records))
	buf[0] = byte(Normal)
	writeRecords(buf, 1, records)
	return buf
}

// EncodeReliable composes [0x01][nonce:u16 BE][records...].
func EncodeReliable(nonce uint16, records []Record) []byte {
	buf := make([]byte, 3+SizeOfRecords(records))
	buf[0] = byte(Reliable)
	wire.PutUint16(buf, 1, nonce)
	writeRecords(buf, 3, records)
	return buf
}

// EncodeHello composes [0x08][nonce:u16 BE][version:u8][payload...] for the
// client-issued HELLO.
func EncodeHello(nonce uint16, version uint8, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	buf[0] = byte(Hello)
	off := wire.PutUint16(buf, 1, nonce)
	off = wire.PutUint8(buf, off, version)
	copy(buf[off:], payload)
	return buf
}

// EncodePing composes [0x0C][nonce:u16 BE].
func EncodePing(nonce uint16) []byte {
	buf := make([]byte, 3)
	buf[0] = byte(Ping)
	wire.PutUint16(buf, 1, nonce)
	return buf
}

// EncodeAck composes [0x0A][nonce:u16 BE][missing_mask:u8].
func EncodeAck(nonce uint16, missingMask byte) []byte {
	buf := make([]byte, 4)
	buf[0] = byte(Acknowledgement)
	off := wire.PutUint16(buf, 1, nonce)
	wire.PutUint8(buf, off, missingMask)
	return buf
}

// DisconnectReason carries the optional reason record of a graceful
// DISCONNECT.
type DisconnectReason struct {
	Code    byte
	Message string
}

// EncodeDisconnect composes a DISCONNECT packet. The second byte is the
// "graceful" flag decodeDisconnect reads (Forced = !graceful): forced
// produces the minimal [0x09][graceful_flag:u8] form with no reason
// record and graceful_flag = 0. A non-nil reason always implies a
// graceful disconnect (graceful_flag = 1) and appends a tagged reason
// record of [reason:u8][optional length-prefixed string].
func EncodeDisconnect(forced bool, reason *DisconnectReason) []byte {
	if reason == nil {
		buf := make([]byte, 2)
		buf[0] = byte(Disconnect)
		wire.PutBool(buf, 1, !forced)
		return buf
	}

	payloadSize := 1
	if reason.Message != "" {
		payloadSize += wire.SizeOfString(reason.Message)
	}
	buf := make([]byte, 2+wire.SizeOfMessage(payloadSize))
	buf[0] = byte(Disconnect)
	off := wire.PutBool(buf, 1, true)

	reasonPayload := make([]byte, payloadSize)
	rOff := wire.PutUint8(reasonPayload, 0, reason.Code)
	if reason.Message != "" {
		wire.PutString(reasonPayload, rOff, reason.Message)
	}
	wire.WriteMessage(buf, off, 0, reasonPayload)
	return buf
}

// Frame is the decoded form of any packet.
type Frame struct {
	Type    PacketType
	Nonce   uint16 // RELIABLE, HELLO, PING, ACK
	Mask    byte   // ACK only
	Version uint8  // HELLO only
	Payload []byte // HELLO only: bytes following the version byte
	Records []Record

	// DISCONNECT fields.
	Forced bool
	Reason *DisconnectReason
}

// Decode classifies and parses a raw datagram. FRAGMENT and any
// unrecognized leading byte return ErrIgnored, which callers must treat
// as "silently drop", not as a protocol error.
func Decode(datagram []byte) (*Frame, error) {
	if len(datagram) < 1 {
		return nil, ErrTruncatedHeader
	}

	switch PacketType(datagram[0]) {
	case Normal:
		records, err := readRecords(datagram, 1)
		if err != nil {
			return nil, err
		}
		return &Frame{Type: Normal, Records: records}, nil

	case Reliable:
		if len(datagram) < 3 {
			return nil, ErrTruncatedHeader
		}
		nonce, _, _ := wire.Uint16(datagram, 1)
		records, err := readRecords(datagram, 3)
		if err != nil {
			return nil, err
		}
		return &Frame{Type: Reliable, Nonce: nonce, Records: records}, nil

	case Hello:
		if len(datagram) < 4 {
			return nil, ErrTruncatedHeader
		}
		nonce, off, _ := wire.Uint16(datagram, 1)
		version, off, _ := wire.Uint8(datagram, off)
		return &Frame{
			Type:    Hello,
			Nonce:   nonce,
			Version: version,
			Payload: datagram[off:],
		}, nil

	case Ping:
		if len(datagram) < 3 {
			return nil, ErrTruncatedHeader
		}
		nonce, _, _ := wire.Uint16(datagram, 1)
		return &Frame{Type: Ping, Nonce: nonce}, nil

	case Acknowledgement:
		if len(datagram) < 4 {
			return nil, ErrTruncatedHeader
		}
		nonce, off, _ := wire.Uint16(datagram, 1)
		mask, _, _ := wire.Uint8(datagram, off)
		return &Frame{Type: Acknowledgement, Nonce: nonce, Mask: mask}, nil

	case Disconnect:
		return decodeDisconnect(datagram)

	case Fragment:
		return nil, ErrIgnored

	default:
		return nil, ErrIgnored
	}
}

func decodeDisconnect(datagram []byte) (*Frame, error) {
	if len(datagram) == 1 {
		return &Frame{Type: Disconnect, Forced: true}, nil
	}
	graceful, off, err := wire.Bool(datagram, 1)
	if err != nil {
		return nil, ErrTruncatedHeader
	}
	f := &Frame{Type: Disconnect, Forced: !graceful}
	if off >= len(datagram) {
		return f, nil
	}

	_, payload, _, err := wire.ReadMessage(datagram, off)
	if err != nil {
		return nil, ErrTruncatedHeader
	}
	if len(payload) == 0 {
		return f, nil
	}

	reason := &DisconnectReason{Code: payload[0]}
	if len(payload) > 1 {
		msg, _, err := wire.String(payload, 1)
		if err == nil {
			reason.Message = msg
		}
	}
	f.Reason = reason
	return f, nil
}
