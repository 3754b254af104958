package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsRotate(t *testing.T) {
	t.Run("rates average activity over the window", func(t *testing.T) {
		s := NewStats()
		s.AddDownload("a", 500)
		s.AddUpload("a", 100)

		rates := s.Rotate()

		require.Contains(t, rates, "a")
		assert.Equal(t, 50, rates["a"].DownloadRate)
		assert.Equal(t, 10, rates["a"].UploadRate)
	})

	t.Run("rates decay as idle slots rotate in", func(t *testing.T) {
		s := NewStats()
		s.AddDownload("a", 1000)
		s.Rotate()

		var rates map[string]PeerRates
		for i := 0; i < rateWindow; i++ {
			rates = s.Rotate()
		}

		assert.Zero(t, rates["a"].DownloadRate)
	})

	t.Run("totals survive peer removal", func(t *testing.T) {
		s := NewStats()
		s.AddDownload("a", 300)
		s.AddUpload("a", 40)
		s.RemovePeer("a")

		uploaded, downloaded := s.Totals()
		assert.Equal(t, 40, uploaded)
		assert.Equal(t, 300, downloaded)
		assert.NotContains(t, s.Rotate(), "a")
	})
}
