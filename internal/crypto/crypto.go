// internal/crypto/crypto.go
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// dvnet crypto
//
// - identity keys: ed25519 (sign only, used for the link hello)
// - hashing: SHA3-256 (peer ids, hello digests)
// -----------------------------------------------------------------------------

const (
	PubKeySize  = ed25519.PublicKeySize
	PrivKeySize = ed25519.PrivateKeySize
	SigSize     = ed25519.SignatureSize
)

const (
	pubFile  = "pub.hex"
	privFile = "priv.hex"
)

var (
	ErrEmptyKey   = errors.New("empty key")
	ErrBadKeySize = errors.New("bad key size")
)

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	h := sha3.New256()
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// -----------------------------------------------------------------------------
// ed25519 identity keys
// -----------------------------------------------------------------------------

func GenKeypair() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return []byte(pub), []byte(priv), nil
}

func Sign(priv []byte, msg []byte) ([]byte, error) {
	if len(priv) != PrivKeySize {
		return nil, fmt.Errorf("sign: %w: need %d", ErrBadKeySize, PrivKeySize)
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
}

func Verify(pub []byte, msg []byte, sig []byte) bool {
	if len(pub) != PubKeySize || len(sig) != SigSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func SaveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return ErrEmptyKey
	}
	if err := os.WriteFile(filepath.Join(dir, pubFile), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, privFile), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, pubFile))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, privFile))
	if err != nil {
		return nil, nil, err
	}
	pub, err := hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil || len(pub) != PubKeySize {
		return nil, nil, fmt.Errorf("bad %s", pubFile)
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil || len(priv) != PrivKeySize {
		return nil, nil, fmt.Errorf("bad %s", privFile)
	}
	return pub, priv, nil
}
