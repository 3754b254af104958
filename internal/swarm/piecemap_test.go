package swarm

import (
	"crypto/sha1"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedbit/swarm/internal/shared/models"
)

// testTorrent builds an in-memory torrent of numPieces pieces, two blocks per
// full piece, with the last piece truncated to lastPieceLength bytes. It
// returns the metafile and the per-piece content the hashes were computed
// over.
func testTorrent(t *testing.T, numPieces, lastPieceLength int) (models.Metafile, [][]byte) {
	t.Helper()

	pieceLength := 2 * BlockSize
	total := (numPieces-1)*pieceLength + lastPieceLength

	content := make([]byte, total)
	rand.New(rand.NewSource(42)).Read(content)

	meta := models.Metafile{
		Info: models.Info{
			Name:        "testdata.bin",
			Length:      total,
			PieceLength: pieceLength,
		},
	}

	pieces := make([][]byte, numPieces)
	for i := range pieces {
		begin := i * pieceLength
		end := min(begin+pieceLength, total)
		pieces[i] = content[begin:end]
		meta.Info.PiecesHashes = append(meta.Info.PiecesHashes, models.Hash(sha1.Sum(pieces[i])))
	}

	return meta, pieces
}

// deliverPiece feeds every block of one piece into the map on behalf of peer
// and returns the final receipt.
func deliverPiece(t *testing.T, pm *PieceMap, piece int, data []byte, peer string) Receipt {
	t.Helper()

	var receipt Receipt
	for offset := 0; offset < len(data); offset += BlockSize {
		end := min(offset+BlockSize, len(data))
		var err error
		receipt, err = pm.MarkReceived(piece, offset, data[offset:end], peer)
		require.NoError(t, err)
	}
	return receipt
}

func TestPieceMapVerification(t *testing.T) {
	t.Run("completing a piece with matching data verifies it", func(t *testing.T) {
		meta, pieces := testTorrent(t, 2, BlockSize)
		pm := NewPieceMap(meta, nil)

		receipt := deliverPiece(t, pm, 0, pieces[0], "peer-a")

		assert.True(t, receipt.Verified)
		assert.Equal(t, pieces[0], receipt.Data)
		assert.True(t, pm.HasPiece(0))
		assert.False(t, pm.HasPiece(1))
		assert.Equal(t, len(pieces[1]), pm.BytesLeft())
	})

	t.Run("verified pieces never revert", func(t *testing.T) {
		meta, pieces := testTorrent(t, 2, BlockSize)
		pm := NewPieceMap(meta, nil)
		deliverPiece(t, pm, 0, pieces[0], "peer-a")

		err := pm.MarkRequested(0, 0, "peer-b", time.Now())
		assert.ErrorIs(t, err, ErrAlreadyOwned)

		receipt, err := pm.MarkReceived(0, 0, pieces[0][:BlockSize], "peer-b")
		assert.NoError(t, err)
		assert.True(t, receipt.Duplicate)

		expired := pm.RequestTimeouts(time.Now().Add(time.Hour), time.Second)
		assert.Empty(t, expired)
		assert.True(t, pm.HasPiece(0))
		assert.NotContains(t, pm.RemainingPieces(), 0)
	})

	t.Run("hash mismatch resets exactly the corrupt piece", func(t *testing.T) {
		meta, pieces := testTorrent(t, 3, BlockSize)
		pm := NewPieceMap(meta, nil)
		deliverPiece(t, pm, 0, pieces[0], "peer-a")

		garbage := make([]byte, len(pieces[1]))
		receipt := deliverPiece(t, pm, 1, garbage, "peer-b")

		assert.True(t, receipt.Corrupt)
		assert.False(t, receipt.Verified)
		assert.Equal(t, []string{"peer-b"}, receipt.Suppliers)

		// Every block of the corrupt piece is requestable again.
		assert.Len(t, pm.NotRequestedBlocks(1), 2)
		// The verified piece and the untouched piece are unaffected.
		assert.True(t, pm.HasPiece(0))
		assert.Empty(t, pm.NotRequestedBlocks(0))
		assert.Len(t, pm.NotRequestedBlocks(2), 1)
	})

	t.Run("completion is reached when every piece verifies", func(t *testing.T) {
		meta, pieces := testTorrent(t, 2, BlockSize)
		pm := NewPieceMap(meta, nil)

		assert.False(t, pm.IsComplete())
		deliverPiece(t, pm, 0, pieces[0], "peer-a")
		deliverPiece(t, pm, 1, pieces[1], "peer-a")

		assert.True(t, pm.IsComplete())
		assert.Zero(t, pm.BytesLeft())
		assert.Empty(t, pm.RemainingPieces())
	})
}

func TestPieceMapDelivery(t *testing.T) {
	t.Run("first delivery wins over endgame duplicates", func(t *testing.T) {
		meta, pieces := testTorrent(t, 1, 2*BlockSize)
		pm := NewPieceMap(meta, nil)
		now := time.Now()

		require.NoError(t, pm.MarkRequested(0, 0, "peer-a", now))
		require.NoError(t, pm.MarkRequested(0, 0, "peer-b", now))

		receipt, err := pm.MarkReceived(0, 0, pieces[0][:BlockSize], "peer-a")
		require.NoError(t, err)
		assert.False(t, receipt.Duplicate)
		assert.Equal(t, []PendingRequest{{Piece: 0, Offset: 0, Length: BlockSize, Peer: "peer-b"}}, receipt.Cancels)
		assert.Zero(t, pm.Pending("peer-a"))
		assert.Zero(t, pm.Pending("peer-b"))

		// The loser's late delivery changes nothing.
		receipt, err = pm.MarkReceived(0, 0, pieces[0][:BlockSize], "peer-b")
		require.NoError(t, err)
		assert.True(t, receipt.Duplicate)
	})

	t.Run("wrong block size is rejected", func(t *testing.T) {
		meta, _ := testTorrent(t, 1, 2*BlockSize)
		pm := NewPieceMap(meta, nil)

		_, err := pm.MarkReceived(0, 0, make([]byte, BlockSize-1), "peer-a")
		assert.ErrorIs(t, err, ErrSizeMismatch)
	})

	t.Run("unknown piece or unaligned offset is rejected", func(t *testing.T) {
		meta, _ := testTorrent(t, 1, 2*BlockSize)
		pm := NewPieceMap(meta, nil)

		_, err := pm.MarkReceived(5, 0, make([]byte, BlockSize), "peer-a")
		assert.ErrorIs(t, err, ErrUnknownBlock)

		_, err = pm.MarkReceived(0, 100, make([]byte, BlockSize), "peer-a")
		assert.ErrorIs(t, err, ErrUnknownBlock)

		err = pm.MarkRequested(0, 4*BlockSize, "peer-a", time.Now())
		assert.ErrorIs(t, err, ErrUnknownBlock)
	})

	t.Run("truncated final piece sizes its last block correctly", func(t *testing.T) {
		lastLen := BlockSize + 100
		meta, pieces := testTorrent(t, 2, lastLen)
		pm := NewPieceMap(meta, nil)

		refs := pm.NotRequestedBlocks(1)
		require.Len(t, refs, 2)
		assert.Equal(t, BlockSize, refs[0].Length)
		assert.Equal(t, 100, refs[1].Length)

		receipt := deliverPiece(t, pm, 1, pieces[1], "peer-a")
		assert.True(t, receipt.Verified)
	})
}

func TestPieceMapTimeouts(t *testing.T) {
	t.Run("expired requests are returned and requeued in one step", func(t *testing.T) {
		meta, _ := testTorrent(t, 1, 2*BlockSize)
		pm := NewPieceMap(meta, nil)
		start := time.Now()

		require.NoError(t, pm.MarkRequested(0, 0, "peer-a", start))
		require.NoError(t, pm.MarkRequested(0, BlockSize, "peer-a", start.Add(20*time.Second)))

		// Nothing has aged past the threshold yet.
		assert.Empty(t, pm.RequestTimeouts(start.Add(30*time.Second), 30*time.Second))

		expired := pm.RequestTimeouts(start.Add(31*time.Second), 30*time.Second)
		require.Len(t, expired, 1)
		assert.Equal(t, PendingRequest{Piece: 0, Offset: 0, Length: BlockSize, Peer: "peer-a"}, expired[0])

		// The expired block is immediately eligible for reassignment, the
		// fresh one is not.
		assert.Equal(t, []BlockRef{{Piece: 0, Offset: 0, Length: BlockSize}}, pm.NotRequestedBlocks(0))
		assert.Equal(t, 1, pm.Pending("peer-a"))

		// A second poll does not report the same expiry twice.
		assert.Empty(t, pm.RequestTimeouts(start.Add(32*time.Second), 30*time.Second))
	})

	t.Run("re-request by the same peer refreshes the clock", func(t *testing.T) {
		meta, _ := testTorrent(t, 1, 2*BlockSize)
		pm := NewPieceMap(meta, nil)
		start := time.Now()

		require.NoError(t, pm.MarkRequested(0, 0, "peer-a", start))
		require.NoError(t, pm.MarkRequested(0, 0, "peer-a", start.Add(25*time.Second)))

		assert.Empty(t, pm.RequestTimeouts(start.Add(40*time.Second), 30*time.Second))
		assert.Equal(t, 1, pm.Pending("peer-a"))
	})
}

func TestPieceMapReleasePeer(t *testing.T) {
	meta, _ := testTorrent(t, 2, 2*BlockSize)
	pm := NewPieceMap(meta, nil)
	now := time.Now()

	require.NoError(t, pm.MarkRequested(0, 0, "peer-a", now))
	require.NoError(t, pm.MarkRequested(0, BlockSize, "peer-a", now))
	// Block shared with another requester must stay in flight for them.
	require.NoError(t, pm.MarkRequested(1, 0, "peer-a", now))
	require.NoError(t, pm.MarkRequested(1, 0, "peer-b", now))

	released := pm.ReleasePeer("peer-a")

	assert.Equal(t, 3, released)
	assert.Zero(t, pm.Pending("peer-a"))
	assert.Equal(t, 1, pm.Pending("peer-b"))
	assert.Len(t, pm.NotRequestedBlocks(0), 2)
	assert.Equal(t, []BlockRef{{Piece: 1, Offset: BlockSize, Length: BlockSize}}, pm.NotRequestedBlocks(1))
	assert.True(t, pm.HasRequested(1, 0, "peer-b"))
	assert.False(t, pm.HasRequested(1, 0, "peer-a"))
}

func TestPieceMapBitfield(t *testing.T) {
	meta, pieces := testTorrent(t, 3, BlockSize)
	pm := NewPieceMap(meta, nil)

	assert.Zero(t, pm.Bitfield().Count(3))

	deliverPiece(t, pm, 1, pieces[1], "peer-a")

	bf := pm.Bitfield()
	assert.False(t, bf.HasPiece(0))
	assert.True(t, bf.HasPiece(1))
	assert.False(t, bf.HasPiece(2))
}
