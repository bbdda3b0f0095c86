package node

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dvnet/internal/crypto"
	"dvnet/internal/peer"
	"dvnet/internal/proto"
)

const peerIDLabel = "dvnet:peerid:v1"

const defaultAddrBook = "addrbook.jsonl"

var (
	ErrHelloID     = errors.New("hello peer id does not match pubkey")
	ErrHelloSig    = errors.New("hello signature invalid")
	ErrHelloReplay = errors.New("hello replayed")
	ErrHelloSelf   = errors.New("hello from self")
)

// Node is the local identity plus the persisted address book of peers we
// have held links with.
type Node struct {
	ID      peer.ID
	PubKey  []byte
	PrivKey []byte
	Home    string
	Book    *peer.AddrBook

	replay *replayGuard
}

type Options struct {
	AddrBookPath string
	AddrBookCap  int
	AddrBookTTL  time.Duration
	// Ephemeral skips key and address book persistence.
	Ephemeral bool
}

func NewNode(home string, opts Options) (*Node, error) {
	if opts.Ephemeral {
		pub, priv, err := crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		book, err := peer.NewAddrBook("", opts.AddrBookCap, opts.AddrBookTTL)
		if err != nil {
			return nil, err
		}
		return newNode(home, pub, priv, book), nil
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := crypto.LoadKeypair(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		pub, priv, err = crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(home, pub, priv); err != nil {
			return nil, err
		}
	}
	path := opts.AddrBookPath
	if path == "" {
		path = filepath.Join(home, defaultAddrBook)
	}
	book, err := peer.NewAddrBook(path, opts.AddrBookCap, opts.AddrBookTTL)
	if err != nil {
		return nil, err
	}
	return newNode(home, pub, priv, book), nil
}

func newNode(home string, pub, priv []byte, book *peer.AddrBook) *Node {
	return &Node{
		ID:      DeriveNodeID(pub),
		PubKey:  pub,
		PrivKey: priv,
		Home:    home,
		Book:    book,
		replay:  newReplayGuard(defaultReplayCap, defaultReplayTTL),
	}
}

func DeriveNodeID(pub []byte) peer.ID {
	var id peer.ID
	copy(id[:], crypto.KDF(peerIDLabel, pub))
	return id
}

// Hello builds a signed link hello advertising listenAddr.
func (n *Node) Hello(listenAddr string) (proto.LinkHelloMsg, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return proto.LinkHelloMsg{}, err
	}
	nonce := binary.BigEndian.Uint64(b[:])
	digest := proto.HelloDigest(n.ID, n.PubKey, nonce, listenAddr)
	sig, err := crypto.Sign(n.PrivKey, digest[:])
	if err != nil {
		return proto.LinkHelloMsg{}, err
	}
	return proto.LinkHelloMsg{
		Type:         proto.MsgTypeLinkHello,
		ProtoVersion: proto.ProtoVersion,
		PeerID:       n.ID.String(),
		PubKey:       hex.EncodeToString(n.PubKey),
		ListenAddr:   listenAddr,
		Nonce:        nonce,
		Sig:          hex.EncodeToString(sig),
	}, nil
}

// Remote is a verified link hello.
type Remote struct {
	ID         peer.ID
	PubKey     []byte
	ListenAddr string
}

// VerifyHello checks the id binding and signature of a hello. It does not
// track replays; see (*Node).AcceptHello.
func VerifyHello(m proto.LinkHelloMsg) (Remote, error) {
	id, err := peer.ParseID(m.PeerID)
	if err != nil {
		return Remote{}, fmt.Errorf("hello peer_id: %w", err)
	}
	pub, err := hex.DecodeString(m.PubKey)
	if err != nil || len(pub) != crypto.PubKeySize {
		return Remote{}, fmt.Errorf("hello pubkey: %w", crypto.ErrBadKeySize)
	}
	if DeriveNodeID(pub) != id {
		return Remote{}, ErrHelloID
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil {
		return Remote{}, ErrHelloSig
	}
	digest := proto.HelloDigest(id, pub, m.Nonce, m.ListenAddr)
	if !crypto.Verify(pub, digest[:], sig) {
		return Remote{}, ErrHelloSig
	}
	return Remote{ID: id, PubKey: pub, ListenAddr: m.ListenAddr}, nil
}

// AcceptHello verifies a hello received on a new link and rejects hellos
// from ourselves or ones already seen within the replay window.
func (n *Node) AcceptHello(m proto.LinkHelloMsg) (Remote, error) {
	r, err := VerifyHello(m)
	if err != nil {
		return Remote{}, err
	}
	if r.ID == n.ID {
		return Remote{}, ErrHelloSelf
	}
	if !n.replay.check(r.ID, m.Nonce) {
		return Remote{}, ErrHelloReplay
	}
	return r, nil
}
