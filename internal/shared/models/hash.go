package models

import (
	"encoding/hex"
	"errors"
)

// Hash is a raw SHA-1 digest as carried by the protocol: the info-hash and
// the per-piece hashes are all exactly 20 bytes.
type Hash [20]byte

var ErrInvalidHash = errors.New("hash must be exactly 20 bytes")

func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, ErrInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}
