package tracker

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/seedbit/swarm/internal/shared/models"
)

// AnnounceRequest carries everything a tracker wants to know about us and
// about this download's progress.
type AnnounceRequest struct {
	InfoHash   models.Hash
	PeerID     string
	Uploaded   int
	Downloaded int
	Left       int
	Port       int
	// Event is one of "started", "completed", "stopped", or empty for a
	// regular periodic announce.
	Event string
}

type AnnounceResponse struct {
	// Interval is how long the tracker wants us to wait before the next
	// announce.
	Interval time.Duration
	Peers    []models.Addr
}

// Tracker announces our presence for one torrent and returns candidate peer
// addresses.
type Tracker interface {
	Announce(req AnnounceRequest) (AnnounceResponse, error)
	WithHTTPClient(client *http.Client) Tracker
}

// Announcer is a protocol-specific backend bound to a single announce URL.
type Announcer interface {
	Announce(announce string, req AnnounceRequest) (AnnounceResponse, error)
}

type tracker struct {
	AnnounceURL string
	HTTPClient  Announcer
	UDPClient   Announcer
}

func NewTracker(announceURL string) Tracker {
	return &tracker{
		AnnounceURL: announceURL,
		HTTPClient:  NewHTTPAnnouncer(&http.Client{Timeout: 60 * time.Second}),
		UDPClient:   NewUDPAnnouncer(),
	}
}

func (t *tracker) WithHTTPClient(client *http.Client) Tracker {
	t.HTTPClient = NewHTTPAnnouncer(client)
	return t
}

func (t *tracker) Announce(req AnnounceRequest) (AnnounceResponse, error) {
	if t.AnnounceURL == "" {
		return AnnounceResponse{}, fmt.Errorf("announce url is empty")
	}
	switch {
	case strings.HasPrefix(t.AnnounceURL, "http"):
		return t.HTTPClient.Announce(t.AnnounceURL, req)
	case strings.HasPrefix(t.AnnounceURL, "udp"):
		return t.UDPClient.Announce(t.AnnounceURL, req)
	default:
		return AnnounceResponse{}, fmt.Errorf("unsupported protocol in %q", t.AnnounceURL)
	}
}

type multi struct {
	trackers []Tracker
}

// NewMulti fans one announce out to every tracker URL of the torrent and
// merges the replies. Individual tracker failures are tolerated as long as at
// least one answers.
func NewMulti(announceURLs []string) Tracker {
	trackers := make([]Tracker, 0, len(announceURLs))
	seen := make(map[string]struct{}, len(announceURLs))
	for _, u := range announceURLs {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		trackers = append(trackers, NewTracker(u))
	}
	return &multi{trackers: trackers}
}

var ErrAllTrackersFailed = errors.New("tracker: all announces failed")

func (m *multi) Announce(req AnnounceRequest) (AnnounceResponse, error) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	merged := AnnounceResponse{}
	errs := make([]error, 0)

	for _, t := range m.trackers {
		wg.Add(1)
		go func(t Tracker) {
			defer wg.Done()
			resp, err := t.Announce(req)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			merged.Peers = append(merged.Peers, resp.Peers...)
			if merged.Interval == 0 || (resp.Interval > 0 && resp.Interval < merged.Interval) {
				merged.Interval = resp.Interval
			}
		}(t)
	}
	wg.Wait()

	if len(errs) == len(m.trackers) {
		return AnnounceResponse{}, fmt.Errorf("%w: %v", ErrAllTrackersFailed, errors.Join(errs...))
	}
	return merged, nil
}

func (m *multi) WithHTTPClient(client *http.Client) Tracker {
	for i, t := range m.trackers {
		m.trackers[i] = t.WithHTTPClient(client)
	}
	return m
}
