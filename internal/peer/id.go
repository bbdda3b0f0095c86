package peer

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

const IDSize = 32

// ID is a 256-bit peer identity (hash of the peer's public key).
type ID [IDSize]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for logs.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func ParseID(s string) (ID, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return ID{}, fmt.Errorf("bad peer id: %w", err)
	}
	if len(raw) != IDSize {
		return ID{}, fmt.Errorf("bad peer id length %d", len(raw))
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

func Less(a, b ID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
