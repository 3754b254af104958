package p2p

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedbit/swarm/internal/shared/models"
)

func TestHandshakeSerialize(t *testing.T) {
	h := Handshake{
		InfoHash: models.Hash{0x01, 0x02, 0x03},
		PeerID:   "-SW0001-abcdefghijkl",
	}

	buf := h.Serialize()

	require.Len(t, buf, 68)
	assert.Equal(t, byte(19), buf[0])
	assert.Equal(t, "BitTorrent protocol", string(buf[1:20]))
	assert.Equal(t, make([]byte, 8), buf[20:28])
	assert.Equal(t, h.InfoHash[:], buf[28:48])
	assert.Equal(t, h.PeerID, string(buf[48:68]))
}

func TestReadHandshake(t *testing.T) {
	var tests = []struct {
		name   string
		setup  func() []byte
		assert func(t *testing.T, actual Handshake, err error)
	}{
		{
			name: "round trips a valid handshake",
			setup: func() []byte {
				return Handshake{
					InfoHash: models.Hash{0xaa, 0xbb},
					PeerID:   "-SW0001-000000000001",
				}.Serialize()
			},
			assert: func(t *testing.T, actual Handshake, err error) {
				require.NoError(t, err)
				assert.Equal(t, models.Hash{0xaa, 0xbb}, actual.InfoHash)
				assert.Equal(t, "-SW0001-000000000001", actual.PeerID)
			},
		},
		{
			name: "rejects a wrong protocol string",
			setup: func() []byte {
				buf := Handshake{PeerID: "-SW0001-000000000001"}.Serialize()
				copy(buf[1:], "BitTorrent PROTOCOL")
				return buf
			},
			assert: func(t *testing.T, actual Handshake, err error) {
				assert.ErrorIs(t, err, ErrInvalidHandshake)
			},
		},
		{
			name: "rejects a wrong protocol length byte",
			setup: func() []byte {
				buf := Handshake{PeerID: "-SW0001-000000000001"}.Serialize()
				buf[0] = 20
				return buf
			},
			assert: func(t *testing.T, actual Handshake, err error) {
				assert.ErrorIs(t, err, ErrInvalidHandshake)
			},
		},
		{
			name: "fails on a truncated stream",
			setup: func() []byte {
				return Handshake{PeerID: "-SW0001-000000000001"}.Serialize()[:40]
			},
			assert: func(t *testing.T, actual Handshake, err error) {
				assert.Error(t, err)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			actual, err := ReadHandshake(bytes.NewReader(tt.setup()))
			tt.assert(t, actual, err)
		})
	}
}
