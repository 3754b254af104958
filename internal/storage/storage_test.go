package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedbit/swarm/internal/shared/models"
)

func multiFileMeta() models.Metafile {
	return models.Metafile{
		Info: models.Info{
			Name:        "album",
			PieceLength: 8,
			Files: []models.File{
				{Length: 10, Path: []string{"album", "one.bin"}},
				{Length: 6, Path: []string{"album", "sub", "two.bin"}},
			},
		},
	}
}

func TestFileStorage(t *testing.T) {
	t.Run("round trips a block within one file", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStorage(multiFileMeta(), dir)
		require.NoError(t, err)
		defer store.Close()

		data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
		require.NoError(t, store.WriteBlock(0, 0, data))

		got, err := store.ReadBlock(0, 0, len(data))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("splits a write across the file boundary", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStorage(multiFileMeta(), dir)
		require.NoError(t, err)
		defer store.Close()

		// Piece 1 covers bytes 8..15: the last two bytes of one.bin and the
		// first six of two.bin.
		data := []byte{10, 11, 12, 13, 14, 15, 16, 17}
		require.NoError(t, store.WriteBlock(1, 0, data))

		got, err := store.ReadBlock(1, 0, len(data))
		require.NoError(t, err)
		assert.Equal(t, data, got)

		one, err := os.ReadFile(filepath.Join(dir, "album", "one.bin"))
		require.NoError(t, err)
		require.Len(t, one, 10)
		assert.Equal(t, []byte{10, 11}, one[8:])

		two, err := os.ReadFile(filepath.Join(dir, "album", "sub", "two.bin"))
		require.NoError(t, err)
		assert.Equal(t, []byte{12, 13, 14, 15, 16, 17}, two)
	})

	t.Run("rejects access beyond the torrent length", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStorage(multiFileMeta(), dir)
		require.NoError(t, err)
		defer store.Close()

		assert.ErrorIs(t, store.WriteBlock(2, 0, []byte{1}), ErrOutOfBounds)
		_, err = store.ReadBlock(0, 10, 8)
		assert.ErrorIs(t, err, ErrOutOfBounds)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStorage(multiFileMeta(), dir)
		require.NoError(t, err)

		assert.NoError(t, store.Close())
		assert.NoError(t, store.Close())
	})
}
