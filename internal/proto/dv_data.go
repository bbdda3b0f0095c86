package proto

import (
	"encoding/binary"
	"fmt"
)

// DataHeaderSize is the outer header plus sender and recipient short ids.
const DataHeaderSize = HeaderSize + 8

// DataMsg is a DV_DATA message: an embedded message addressed by short ids.
// Sender is the id the transmitting hop uses for the origin (0 means the
// transmitting hop itself); Recipient is the id the receiving hop assigned
// to the destination (0 means the receiving hop itself).
type DataMsg struct {
	Sender    uint32
	Recipient uint32
	// Payload is the complete embedded message, header included. It is
	// carried opaquely and never modified.
	Payload []byte
}

// PayloadType returns the type of the embedded message.
func (m DataMsg) PayloadType() uint16 {
	if len(m.Payload) < HeaderSize {
		return 0
	}
	return binary.BigEndian.Uint16(m.Payload[2:4])
}

func EncodeData(m DataMsg) ([]byte, error) {
	inner, err := ParseHeader(m.Payload)
	if err != nil {
		return nil, err
	}
	if int(inner.Size) != len(m.Payload) {
		return nil, fmt.Errorf("%w: payload declares %d bytes, have %d", ErrMalformed, inner.Size, len(m.Payload))
	}
	size := DataHeaderSize + len(m.Payload)
	if size > MaxMessageSize {
		return nil, ErrTooLarge
	}
	out := make([]byte, size)
	putHeader(out, size, TypeDVData)
	binary.BigEndian.PutUint32(out[4:8], m.Sender)
	binary.BigEndian.PutUint32(out[8:12], m.Recipient)
	copy(out[DataHeaderSize:], m.Payload)
	return out, nil
}

// DecodeData validates the DV_DATA size invariants: the outer size matches
// the buffer and equals DataHeaderSize plus the embedded message's declared
// size. The returned Payload aliases raw.
func DecodeData(raw []byte) (DataMsg, error) {
	if len(raw) < DataHeaderSize+HeaderSize {
		return DataMsg{}, fmt.Errorf("%w: dv_data too short (%d bytes)", ErrMalformed, len(raw))
	}
	h, err := ParseHeader(raw)
	if err != nil {
		return DataMsg{}, err
	}
	if h.Type != TypeDVData {
		return DataMsg{}, fmt.Errorf("%w: got %s", ErrUnknownType, TypeName(h.Type))
	}
	if int(h.Size) != len(raw) {
		return DataMsg{}, fmt.Errorf("%w: dv_data declares %d bytes, have %d", ErrMalformed, h.Size, len(raw))
	}
	inner, err := ParseHeader(raw[DataHeaderSize:])
	if err != nil {
		return DataMsg{}, err
	}
	if DataHeaderSize+int(inner.Size) != len(raw) {
		return DataMsg{}, fmt.Errorf("%w: embedded size %d does not fill dv_data of %d", ErrMalformed, inner.Size, len(raw))
	}
	return DataMsg{
		Sender:    binary.BigEndian.Uint32(raw[4:8]),
		Recipient: binary.BigEndian.Uint32(raw[8:12]),
		Payload:   raw[DataHeaderSize:],
	}, nil
}
