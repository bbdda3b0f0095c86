package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"

	"dvnet/internal/peer"
)

const (
	MsgTypeLinkHello = "link_hello"
	MaxLinkHelloSize = 4 << 10
)

// LinkHelloMsg is the first message on every link. It binds the QUIC
// connection to a peer identity; the signature covers HelloDigest.
type LinkHelloMsg struct {
	Type         string `json:"type"`
	ProtoVersion string `json:"proto_version"`
	PeerID       string `json:"peer_id"`
	PubKey       string `json:"pubkey"`
	ListenAddr   string `json:"listen_addr,omitempty"`
	Nonce        uint64 `json:"nonce"`
	Sig          string `json:"sig"`
}

func EncodeLinkHello(m LinkHelloMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeLinkHello
	}
	if m.ProtoVersion == "" {
		m.ProtoVersion = ProtoVersion
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	size := HeaderSize + len(body)
	if size > MaxLinkHelloSize {
		return nil, ErrTooLarge
	}
	out := make([]byte, size)
	putHeader(out, size, TypeLinkHello)
	copy(out[HeaderSize:], body)
	return out, nil
}

func DecodeLinkHello(raw []byte) (LinkHelloMsg, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return LinkHelloMsg{}, err
	}
	if h.Type != TypeLinkHello {
		return LinkHelloMsg{}, fmt.Errorf("%w: got %s", ErrUnknownType, TypeName(h.Type))
	}
	if int(h.Size) != len(raw) || len(raw) > MaxLinkHelloSize {
		return LinkHelloMsg{}, fmt.Errorf("%w: link_hello size %d", ErrMalformed, len(raw))
	}
	var m LinkHelloMsg
	if err := json.Unmarshal(raw[HeaderSize:], &m); err != nil {
		return LinkHelloMsg{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type != "" && m.Type != MsgTypeLinkHello {
		return LinkHelloMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.ProtoVersion != ProtoVersion {
		return LinkHelloMsg{}, fmt.Errorf("unsupported proto_version: %q", m.ProtoVersion)
	}
	return m, nil
}

func HelloDigest(id peer.ID, pub []byte, nonce uint64, listenAddr string) [32]byte {
	buf := make([]byte, 0, peer.IDSize+len(pub)+8+len(listenAddr))
	buf = append(buf, id[:]...)
	buf = append(buf, pub...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], nonce)
	buf = append(buf, tmp[:]...)
	buf = append(buf, listenAddr...)
	return sha3.Sum256(buf)
}
