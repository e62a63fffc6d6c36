// Package packet implements the uTP wire format: a 20-byte fixed header,
// an optional chain of typed extensions, and a trailing payload. It mirrors
// the encode/decode shape of a RakNet-style datagram codec, adapted to
// uTP's big-endian, extension-chained header.
package packet

import (
	"encoding/binary"
	"errors"
)

// Type is the 4-bit wire packet type.
type Type uint8

const (
	Data  Type = 0
	Fin   Type = 1
	State Type = 2
	Reset Type = 3
	Syn   Type = 4
)

func (t Type) String() string {
	switch t {
	case Data:
		return "Data"
	case Fin:
		return "Fin"
	case State:
		return "State"
	case Reset:
		return "Reset"
	case Syn:
		return "Syn"
	default:
		return "Unknown"
	}
}

func (t Type) valid() bool {
	return t <= Syn
}

// ExtensionType identifies an entry in the extension chain.
type ExtensionType uint8

const (
	ExtNone         ExtensionType = 0
	ExtSelectiveAck ExtensionType = 1
)

// Version is the only protocol version this codec understands.
const Version uint8 = 1

// HeaderSize is the fixed size, in bytes, of the wire header.
const HeaderSize = 20

// ErrInvalidPacket is returned by Decode for any malformed input: too short,
// wrong version, unknown packet type, or a truncated/misframed extension.
var ErrInvalidPacket = errors.New("packet: invalid packet")

// Packet is the decoded, in-memory representation of a single uTP datagram.
type Packet struct {
	Type          Type
	ConnectionID  uint16
	Timestamp     uint32
	TimestampDiff uint32
	WndSize       uint32
	SeqNr         uint16
	AckNr         uint16

	// SelectiveAck holds the raw SACK bitmap when present, or nil.
	// Its length is always a multiple of 4 bytes.
	SelectiveAck []byte

	Payload []byte
}

// New returns a zero-value packet of the given type, ready to have its
// remaining fields filled in by the caller.
func New(t Type) *Packet {
	return &Packet{Type: t}
}

// Len returns the packet's wire length in bytes: header, extension framing
// and payload combined. This is the value the send window and congestion
// controller account bytes-in-flight against.
func (p *Packet) Len() int {
	n := HeaderSize + len(p.Payload)
	if p.SelectiveAck != nil {
		n += 2 + len(p.SelectiveAck)
	}
	return n
}

// Encode serializes the packet to its wire representation.
func (p *Packet) Encode() []byte {
	buf := make([]byte, 0, p.Len())

	extType := byte(ExtNone)
	if p.SelectiveAck != nil {
		extType = byte(ExtSelectiveAck)
	}

	header := make([]byte, HeaderSize)
	header[0] = byte(p.Type)<<4 | Version
	header[1] = extType
	binary.BigEndian.PutUint16(header[2:4], p.ConnectionID)
	binary.BigEndian.PutUint32(header[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(header[8:12], p.TimestampDiff)
	binary.BigEndian.PutUint32(header[12:16], p.WndSize)
	binary.BigEndian.PutUint16(header[16:18], p.SeqNr)
	binary.BigEndian.PutUint16(header[18:20], p.AckNr)
	buf = append(buf, header...)

	if p.SelectiveAck != nil {
		buf = append(buf, byte(ExtNone), byte(len(p.SelectiveAck)))
		buf = append(buf, p.SelectiveAck...)
	}

	buf = append(buf, p.Payload...)
	return buf
}

// Decode parses a wire-format datagram. Malformed input always yields
// ErrInvalidPacket; callers on the data path are expected to drop such
// packets silently (§7 of the design).
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, ErrInvalidPacket
	}

	version := data[0] & 0x0F
	if version != Version {
		return nil, ErrInvalidPacket
	}

	t := Type(data[0] >> 4)
	if !t.valid() {
		return nil, ErrInvalidPacket
	}

	p := &Packet{
		Type:          t,
		ConnectionID:  binary.BigEndian.Uint16(data[2:4]),
		Timestamp:     binary.BigEndian.Uint32(data[4:8]),
		TimestampDiff: binary.BigEndian.Uint32(data[8:12]),
		WndSize:       binary.BigEndian.Uint32(data[12:16]),
		SeqNr:         binary.BigEndian.Uint16(data[16:18]),
		AckNr:         binary.BigEndian.Uint16(data[18:20]),
	}

	offset := HeaderSize
	nextType := ExtensionType(data[1])

	for nextType != ExtNone {
		if offset+2 > len(data) {
			return nil, ErrInvalidPacket
		}
		thisNext := ExtensionType(data[offset])
		length := int(data[offset+1])
		offset += 2

		if offset+length > len(data) {
			return nil, ErrInvalidPacket
		}
		body := data[offset : offset+length]
		offset += length

		switch nextType {
		case ExtSelectiveAck:
			if length%4 != 0 {
				return nil, ErrInvalidPacket
			}
			sack := make([]byte, length)
			copy(sack, body)
			p.SelectiveAck = sack
		default:
			// Unknown extension type: already skipped by advancing offset.
		}

		nextType = thisNext
	}

	payload := make([]byte, len(data)-offset)
	copy(payload, data[offset:])
	p.Payload = payload

	return p, nil
}

// SackBit reports whether bit k of the selective-ack bitmap is set, meaning
// sequence number ackNr+2+k (wrapping) has been received. It is false for
// any k beyond the bitmap's length.
func SackBit(bitmap []byte, k int) bool {
	byteIdx := k / 8
	if byteIdx < 0 || byteIdx >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<uint(k%8)) != 0
}

// SackLen returns the number of sequence-number slots a bitmap of this
// length can represent.
func SackLen(bitmap []byte) int {
	return len(bitmap) * 8
}

// SackCountOnes counts the set bits in a selective-ack bitmap.
func SackCountOnes(bitmap []byte) int {
	count := 0
	for _, b := range bitmap {
		for b != 0 {
			count++
			b &= b - 1
		}
	}
	return count
}
