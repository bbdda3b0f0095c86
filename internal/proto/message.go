package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	ProtoVersion = "dv/1"

	HeaderSize     = 4
	MaxMessageSize = 1<<16 - 1
)

// Message types. Every message on a link starts with a Header.
const (
	TypeLinkHello    uint16 = 0x0001
	TypeDVData       uint16 = 0x0101
	TypeDVGossip     uint16 = 0x0102
	TypeDVDisconnect uint16 = 0x0103

	// TypeFirstApp is the lowest type available to payloads carried by DV_DATA.
	TypeFirstApp uint16 = 0x8000
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
	ErrTooLarge    = errors.New("message too large")
)

// Header is the self-describing prefix of every message: total size
// (header included) and type, both big endian.
type Header struct {
	Size uint16
	Type uint16
}

func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(b))
	}
	h := Header{
		Size: binary.BigEndian.Uint16(b[0:2]),
		Type: binary.BigEndian.Uint16(b[2:4]),
	}
	if h.Size < HeaderSize {
		return Header{}, fmt.Errorf("%w: declared size %d below header", ErrMalformed, h.Size)
	}
	return h, nil
}

func putHeader(b []byte, size int, typ uint16) {
	binary.BigEndian.PutUint16(b[0:2], uint16(size))
	binary.BigEndian.PutUint16(b[2:4], typ)
}

// IsDVType reports whether t is one of the DV control/encapsulation types,
// which must never appear as the payload of a DV_DATA message.
func IsDVType(t uint16) bool {
	switch t {
	case TypeDVData, TypeDVGossip, TypeDVDisconnect:
		return true
	}
	return false
}

func TypeName(t uint16) string {
	switch t {
	case TypeLinkHello:
		return "link_hello"
	case TypeDVData:
		return "dv_data"
	case TypeDVGossip:
		return "dv_gossip"
	case TypeDVDisconnect:
		return "dv_disconnect"
	}
	if t >= TypeFirstApp {
		return fmt.Sprintf("app_%#04x", t)
	}
	return fmt.Sprintf("type_%#04x", t)
}

// NewAppMessage wraps body in a header of the given application type.
func NewAppMessage(typ uint16, body []byte) ([]byte, error) {
	if typ < TypeFirstApp {
		return nil, fmt.Errorf("%w: app type %#04x below %#04x", ErrUnknownType, typ, TypeFirstApp)
	}
	size := HeaderSize + len(body)
	if size > MaxMessageSize-DataHeaderSize {
		return nil, ErrTooLarge
	}
	out := make([]byte, size)
	putHeader(out, size, typ)
	copy(out[HeaderSize:], body)
	return out, nil
}

// MessageBody returns the bytes after the header of a validated message.
func MessageBody(msg []byte) ([]byte, error) {
	h, err := ParseHeader(msg)
	if err != nil {
		return nil, err
	}
	if int(h.Size) != len(msg) {
		return nil, fmt.Errorf("%w: declared size %d, have %d", ErrMalformed, h.Size, len(msg))
	}
	return msg[HeaderSize:], nil
}
