package p2p

import (
	"errors"
	"io"

	"github.com/seedbit/swarm/internal/decoder"
	"github.com/seedbit/swarm/internal/shared/models"
)

const protocolName = "BitTorrent protocol"

// handshakeLen is the fixed size of the pre-message exchange:
// 1 + 19 + 8 + 20 + 20 bytes.
const handshakeLen = 68

var (
	ErrInvalidHandshake   = errors.New("p2p: invalid handshake")
	ErrHandshakeMismatch  = errors.New("p2p: handshake info hash mismatch")
	errShortHandshakeRead = errors.New("p2p: short handshake read")
)

type Handshake struct {
	InfoHash models.Hash
	PeerID   string
}

func (h Handshake) Serialize() []byte {
	buf := make([]byte, 0, handshakeLen)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, []byte(protocolName)...)
	buf = append(buf, make([]byte, 8)...) // eight reserved bytes
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, []byte(h.PeerID)...)
	return buf
}

// ReadHandshake consumes and validates the 68-byte handshake. Callers are
// responsible for comparing the returned info hash against their own.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf, err := decoder.ReadBytes(r, handshakeLen)
	if err != nil {
		return Handshake{}, err
	}
	if len(buf) != handshakeLen {
		return Handshake{}, errShortHandshakeRead
	}

	if int(buf[0]) != len(protocolName) || string(buf[1:20]) != protocolName {
		return Handshake{}, ErrInvalidHandshake
	}

	infoHash, err := models.HashFromBytes(buf[28:48])
	if err != nil {
		return Handshake{}, err
	}

	return Handshake{
		InfoHash: infoHash,
		PeerID:   string(buf[48:handshakeLen]),
	}, nil
}
