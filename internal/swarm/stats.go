package swarm

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
)

// rateWindow is the number of choke intervals folded into the rolling
// transfer-rate average.
const rateWindow = 10

// PeerRates is a point-in-time view of one peer's averaged transfer rates,
// in bytes per window slot.
type PeerRates struct {
	UploadRate   int
	DownloadRate int
}

type peerStat struct {
	uploadRate       int
	downloadRate     int
	currentUpload    int
	currentDownload  int
	uploadActivity   [rateWindow]int
	downloadActivity [rateWindow]int
	i                int
}

// Stats accumulates per-peer and session-wide transfer counters. Owned by the
// coordinator; sessions report through AddUpload/AddDownload only.
type Stats struct {
	mu              sync.Mutex
	peers           map[string]*peerStat
	totalUploaded   int
	totalDownloaded int
}

func NewStats() *Stats {
	return &Stats{peers: make(map[string]*peerStat)}
}

// AddUpload records bytes we served to the peer.
func (s *Stats) AddUpload(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stat(id).currentUpload += n
	s.totalUploaded += n
}

// AddDownload records bytes the peer delivered to us.
func (s *Stats) AddDownload(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stat(id).currentDownload += n
	s.totalDownloaded += n
}

func (s *Stats) stat(id string) *peerStat {
	stat, ok := s.peers[id]
	if !ok {
		stat = &peerStat{}
		s.peers[id] = stat
	}
	return stat
}

func (s *Stats) RemovePeer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.peers, id)
}

func (s *Stats) Totals() (uploaded, downloaded int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.totalUploaded, s.totalDownloaded
}

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

// Rotate advances every peer's activity window by one slot and returns the
// refreshed averages. Call once per choke interval.
func (s *Stats) Rotate() map[string]PeerRates {
	s.mu.Lock()
	defer s.mu.Unlock()

	rates := make(map[string]PeerRates, len(s.peers))
	for id, stat := range s.peers {
		stat.uploadActivity[stat.i] = stat.currentUpload
		stat.downloadActivity[stat.i] = stat.currentDownload
		underscore.Chain(stat.uploadActivity[:]).Reduce(0, sumReduce).Value(&stat.uploadRate)
		stat.uploadRate /= rateWindow
		underscore.Chain(stat.downloadActivity[:]).Reduce(0, sumReduce).Value(&stat.downloadRate)
		stat.downloadRate /= rateWindow
		stat.i = (stat.i + 1) % rateWindow
		stat.currentUpload = 0
		stat.currentDownload = 0

		rates[id] = PeerRates{UploadRate: stat.uploadRate, DownloadRate: stat.downloadRate}
	}
	return rates
}
