package proto

import (
	"encoding/binary"
	"fmt"
)

const disconnectSize = HeaderSize + 4

// DisconnectMsg withdraws the route the sender advertised under ID.
type DisconnectMsg struct {
	ID uint32
}

func EncodeDisconnect(m DisconnectMsg) []byte {
	out := make([]byte, disconnectSize)
	putHeader(out, disconnectSize, TypeDVDisconnect)
	binary.BigEndian.PutUint32(out[4:8], m.ID)
	return out
}

func DecodeDisconnect(raw []byte) (DisconnectMsg, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return DisconnectMsg{}, err
	}
	if h.Type != TypeDVDisconnect {
		return DisconnectMsg{}, fmt.Errorf("%w: got %s", ErrUnknownType, TypeName(h.Type))
	}
	if int(h.Size) != len(raw) || len(raw) != disconnectSize {
		return DisconnectMsg{}, fmt.Errorf("%w: dv_disconnect size %d", ErrMalformed, len(raw))
	}
	return DisconnectMsg{ID: binary.BigEndian.Uint32(raw[4:8])}, nil
}
