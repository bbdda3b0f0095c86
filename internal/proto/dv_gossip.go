package proto

import (
	"encoding/binary"
	"fmt"

	"dvnet/internal/peer"
)

const (
	gossipFixedSize = HeaderSize + 4
	AdvertSize      = peer.IDSize + 8
	MaxAdverts      = (MaxMessageSize - gossipFixedSize) / AdvertSize
)

// Advert announces that the sender can reach Peer at Cost, and that the
// sender refers to Peer by the short id ID.
type Advert struct {
	Peer peer.ID
	Cost uint32
	ID   uint32
}

type GossipMsg struct {
	Adverts []Advert
}

func EncodeGossip(m GossipMsg) ([]byte, error) {
	if len(m.Adverts) == 0 {
		return nil, fmt.Errorf("%w: empty gossip", ErrMalformed)
	}
	if len(m.Adverts) > MaxAdverts {
		return nil, ErrTooLarge
	}
	size := gossipFixedSize + len(m.Adverts)*AdvertSize
	out := make([]byte, size)
	putHeader(out, size, TypeDVGossip)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(m.Adverts)))
	off := gossipFixedSize
	for _, a := range m.Adverts {
		copy(out[off:], a.Peer[:])
		binary.BigEndian.PutUint32(out[off+peer.IDSize:], a.Cost)
		binary.BigEndian.PutUint32(out[off+peer.IDSize+4:], a.ID)
		off += AdvertSize
	}
	return out, nil
}

func DecodeGossip(raw []byte) (GossipMsg, error) {
	if len(raw) < gossipFixedSize {
		return GossipMsg{}, fmt.Errorf("%w: dv_gossip too short", ErrMalformed)
	}
	h, err := ParseHeader(raw)
	if err != nil {
		return GossipMsg{}, err
	}
	if h.Type != TypeDVGossip {
		return GossipMsg{}, fmt.Errorf("%w: got %s", ErrUnknownType, TypeName(h.Type))
	}
	if int(h.Size) != len(raw) {
		return GossipMsg{}, fmt.Errorf("%w: dv_gossip declares %d bytes, have %d", ErrMalformed, h.Size, len(raw))
	}
	n := int(binary.BigEndian.Uint16(raw[4:6]))
	if n == 0 || gossipFixedSize+n*AdvertSize != len(raw) {
		return GossipMsg{}, fmt.Errorf("%w: dv_gossip count %d does not match size %d", ErrMalformed, n, len(raw))
	}
	out := GossipMsg{Adverts: make([]Advert, 0, n)}
	off := gossipFixedSize
	for i := 0; i < n; i++ {
		var a Advert
		copy(a.Peer[:], raw[off:off+peer.IDSize])
		a.Cost = binary.BigEndian.Uint32(raw[off+peer.IDSize:])
		a.ID = binary.BigEndian.Uint32(raw[off+peer.IDSize+4:])
		out.Adverts = append(out.Adverts, a)
		off += AdvertSize
	}
	return out, nil
}
