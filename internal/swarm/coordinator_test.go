package swarm

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedbit/swarm/internal/p2p"
	"github.com/seedbit/swarm/internal/shared/models"
	"github.com/seedbit/swarm/internal/tracker"
)

type nopStorage struct{}

func (nopStorage) WriteBlock(piece, offset int, data []byte) error     { return nil }
func (nopStorage) ReadBlock(piece, offset, length int) ([]byte, error) { return nil, nil }
func (nopStorage) Close() error                                        { return nil }

type staticTracker struct {
	peers []models.Addr
}

func (s staticTracker) Announce(req tracker.AnnounceRequest) (tracker.AnnounceResponse, error) {
	return tracker.AnnounceResponse{Interval: time.Minute, Peers: s.peers}, nil
}

func (s staticTracker) WithHTTPClient(client *http.Client) tracker.Tracker { return s }

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	meta, _ := testTorrent(t, 2, BlockSize)
	return NewCoordinator(meta, nopStorage{}, staticTracker{}, DefaultConfig(), rand.New(rand.NewSource(1)), nil)
}

func TestDropPeerBackoff(t *testing.T) {
	const id = "10.0.0.1:6881"

	t.Run("connection failures grow the backoff", func(t *testing.T) {
		c := testCoordinator(t)
		c.candidates[id] = &candidate{connected: true}

		c.dropPeer(&Peer{id: id}, errors.New("connection reset by peer"))

		cand := c.candidates[id]
		assert.False(t, cand.connected)
		assert.False(t, cand.banned)
		assert.Equal(t, 1, cand.failures)
		assert.True(t, cand.nextAttempt.After(time.Now()))
	})

	t.Run("handshake mismatch bans the address", func(t *testing.T) {
		c := testCoordinator(t)
		c.candidates[id] = &candidate{connected: true}

		c.dropPeer(&Peer{id: id}, fmt.Errorf("session: %w", p2p.ErrHandshakeMismatch))

		assert.True(t, c.candidates[id].banned)
	})

	t.Run("shutdown closes are not counted as failures", func(t *testing.T) {
		c := testCoordinator(t)
		c.candidates[id] = &candidate{connected: true}
		c.Stop()

		c.dropPeer(&Peer{id: id}, errors.New("use of closed network connection"))

		cand := c.candidates[id]
		assert.False(t, cand.connected)
		assert.Zero(t, cand.failures)
		assert.True(t, cand.nextAttempt.IsZero())
	})

	t.Run("closes after completion are not counted as failures", func(t *testing.T) {
		c := testCoordinator(t)
		c.candidates[id] = &candidate{connected: true}
		c.doneOnce.Do(func() { close(c.complete) })

		c.dropPeer(&Peer{id: id}, errors.New("use of closed network connection"))

		require.Contains(t, c.candidates, id)
		assert.Zero(t, c.candidates[id].failures)
	})

	t.Run("outstanding requests are released on every drop", func(t *testing.T) {
		c := testCoordinator(t)
		c.candidates[id] = &candidate{connected: true}
		require.NoError(t, c.pm.MarkRequested(0, 0, id, time.Now()))

		c.dropPeer(&Peer{id: id}, errors.New("connection reset by peer"))

		assert.Zero(t, c.pm.Pending(id))
	})
}
