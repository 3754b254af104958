package swarm

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/seedbit/swarm/internal/p2p"
	"github.com/seedbit/swarm/internal/shared/models"
	"github.com/seedbit/swarm/internal/storage"
	"github.com/seedbit/swarm/internal/tracker"
)

// Config collects the scheduler tunables. The defaults are conventional
// values, not protocol constants; adjust per deployment.
type Config struct {
	// PipelineDepth bounds concurrent outstanding requests per peer.
	PipelineDepth int
	// ChokeInterval is how often unchoke decisions are recomputed.
	ChokeInterval time.Duration
	// UnchokeSlots is how many reciprocating peers stay unchoked, excluding
	// the optimistic slot.
	UnchokeSlots int
	// EndgameThreshold is the number of remaining pieces at or below which
	// blocks are requested redundantly from every eligible peer.
	EndgameThreshold int
	// RequestTimeout is how long a block request may stay in flight before it
	// is re-queued.
	RequestTimeout time.Duration
	// TickInterval is the scheduling loop period.
	TickInterval time.Duration
	DialTimeout  time.Duration
	// Port is reported to trackers as our listening port.
	Port     int
	MaxPeers int
}

func DefaultConfig() Config {
	return Config{
		PipelineDepth:    5,
		ChokeInterval:    10 * time.Second,
		UnchokeSlots:     4,
		EndgameThreshold: 1,
		RequestTimeout:   30 * time.Second,
		TickInterval:     500 * time.Millisecond,
		DialTimeout:      3 * time.Second,
		Port:             6881,
		MaxPeers:         50,
	}
}

var ErrNoPeers = errors.New("swarm: tracker unreachable and no peer addresses known")

const (
	reconnectBackoffBase = 5 * time.Second
	reconnectBackoffCap  = 5 * time.Minute
	fallbackInterval     = 60 * time.Second
)

// candidate is a peer address we know about and may (re)connect to.
type candidate struct {
	addr        models.Addr
	failures    int
	nextAttempt time.Time
	banned      bool
	connected   bool
}

// Coordinator owns the PieceMap, the peer set, and the transfer counters. It
// drives the scheduling loop, applies choke decisions, verifies pieces, and
// signals completion. Peer sessions report in through onBlock and dropPeer;
// they never mutate shared state directly.
type Coordinator struct {
	cfg      Config
	log      *slog.Logger
	meta     models.Metafile
	peerID   string
	pm       *PieceMap
	store    storage.Storage
	trk      tracker.Tracker
	stats    *Stats
	selector *Selector
	choker   *ChokeManager
	rnd      *rand.Rand

	mu         sync.Mutex
	peers      map[string]*Peer
	candidates map[string]*candidate

	bar      *progressbar.ProgressBar
	quit     chan struct{}
	complete chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
}

func NewCoordinator(meta models.Metafile, store storage.Storage, trk tracker.Tracker, cfg Config, rnd *rand.Rand, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:        cfg,
		log:        logger,
		meta:       meta,
		peerID:     generateRandomPeerID(rnd),
		pm:         NewPieceMap(meta, logger),
		store:      store,
		trk:        trk,
		stats:      NewStats(),
		selector:   NewSelector(rnd, cfg.EndgameThreshold),
		choker:     NewChokeManager(cfg.UnchokeSlots, rnd),
		rnd:        rnd,
		peers:      make(map[string]*Peer),
		candidates: make(map[string]*candidate),
		quit:       make(chan struct{}),
		complete:   make(chan struct{}),
	}
}

func generateRandomPeerID(rnd *rand.Rand) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	peerID := make([]byte, 20)
	for i := range peerID {
		peerID[i] = charset[rnd.Intn(len(charset))]
	}
	return string(peerID)
}

// Run drives the download to completion. It blocks until every piece is
// verified, Stop is called, or the initial announce leaves us with no peers
// at all.
func (c *Coordinator) Run() error {
	c.log.Info("starting download",
		slog.String("name", c.meta.Info.Name),
		slog.Int("pieces", c.meta.NumPieces()),
		slog.Int("total_bytes", c.meta.TotalLength()))

	interval, err := c.announce("started")
	if err != nil {
		c.log.Warn("initial announce failed", slog.Any("error", err))
	}
	c.mu.Lock()
	known := len(c.candidates)
	c.mu.Unlock()
	if known == 0 {
		return fmt.Errorf("%w: %v", ErrNoPeers, err)
	}

	c.bar = progressbar.DefaultBytes(int64(c.meta.TotalLength()), "downloading")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.announceLoop(interval)
	}()
	go func() {
		defer wg.Done()
		c.chokeLoop()
	}()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-c.quit:
			runErr = errors.New("swarm: download stopped")
			break loop
		case <-c.complete:
			c.log.Info("download complete")
			if _, err := c.announce("completed"); err != nil {
				c.log.Warn("completed announce failed", slog.Any("error", err))
			}
			break loop
		case <-ticker.C:
			c.tick()
		}
	}

	c.shutdown()
	wg.Wait()
	return runErr
}

func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.quit) })
}

func (c *Coordinator) shutdown() {
	c.Stop()
	c.mu.Lock()
	peers := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

// announce reports progress to the tracker(s) and merges any returned
// addresses into the candidate pool, de-duplicated by address.
func (c *Coordinator) announce(event string) (time.Duration, error) {
	uploaded, downloaded := c.stats.Totals()
	resp, err := c.trk.Announce(tracker.AnnounceRequest{
		InfoHash:   c.meta.InfoHash,
		PeerID:     c.peerID,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       c.pm.BytesLeft(),
		Port:       c.cfg.Port,
		Event:      event,
	})
	if err != nil {
		return fallbackInterval, err
	}

	added := 0
	c.mu.Lock()
	for i := range resp.Peers {
		addr := resp.Peers[i]
		id := addr.String()
		if _, known := c.candidates[id]; known {
			continue
		}
		c.candidates[id] = &candidate{addr: addr}
		added++
	}
	c.mu.Unlock()

	c.log.Info("announce ok",
		slog.String("event", event),
		slog.Int("peers_returned", len(resp.Peers)),
		slog.Int("peers_new", added))

	if resp.Interval <= 0 {
		return fallbackInterval, nil
	}
	return resp.Interval, nil
}

func (c *Coordinator) announceLoop(interval time.Duration) {
	for {
		select {
		case <-c.quit:
			return
		case <-c.complete:
			return
		case <-time.After(interval):
			next, err := c.announce("")
			if err != nil {
				c.log.Warn("periodic announce failed", slog.Any("error", err))
			}
			interval = next
		}
	}
}

// chokeLoop recomputes reciprocity on a fixed interval, independent of
// message traffic.
func (c *Coordinator) chokeLoop() {
	ticker := time.NewTicker(c.cfg.ChokeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-c.complete:
			return
		case <-ticker.C:
			c.recomputeChokes()
		}
	}
}

func (c *Coordinator) recomputeChokes() {
	rates := c.stats.Rotate()

	c.mu.Lock()
	chokeCandidates := make([]ChokeCandidate, 0, len(c.peers))
	byID := make(map[string]*Peer, len(c.peers))
	for id, p := range c.peers {
		byID[id] = p
		chokeCandidates = append(chokeCandidates, ChokeCandidate{
			ID:           id,
			Interested:   p.Interested(),
			DownloadRate: rates[id].DownloadRate,
		})
	}
	c.mu.Unlock()

	decision := c.choker.Decide(chokeCandidates)
	for _, id := range decision.Unchoke {
		if p, ok := byID[id]; ok {
			if err := p.SendUnchoke(); err != nil {
				c.log.Debug("failed to send unchoke", slog.String("peer", id), slog.Any("error", err))
			}
		}
	}
	for _, id := range decision.Choke {
		if p, ok := byID[id]; ok {
			if err := p.SendChoke(); err != nil {
				c.log.Debug("failed to send choke", slog.String("peer", id), slog.Any("error", err))
			}
		}
	}
}

// tick is one pass of the scheduling loop: reclaim timed-out requests, top up
// connections, and hand out new block requests.
func (c *Coordinator) tick() {
	now := time.Now()

	expired := c.pm.RequestTimeouts(now, c.cfg.RequestTimeout)
	if len(expired) > 0 {
		c.log.Debug("requests timed out", slog.Int("count", len(expired)))
	}

	c.connectEligible(now)

	c.mu.Lock()
	neighbors := make([]Neighbor, 0, len(c.peers))
	byID := make(map[string]*Peer, len(c.peers))
	for id, p := range c.peers {
		neighbors = append(neighbors, p)
		byID[id] = p
	}
	c.mu.Unlock()

	for _, a := range c.selector.Pick(c.pm, neighbors) {
		p, ok := byID[a.Peer]
		if !ok {
			continue
		}
		if err := c.pm.MarkRequested(a.Piece, a.Offset, a.Peer, now); err != nil {
			// The block was satisfied between selection and dispatch.
			continue
		}
		if err := p.SendRequest(a); err != nil {
			c.log.Debug("failed to send request", slog.String("peer", a.Peer), slog.Any("error", err))
		}
	}
}

func (c *Coordinator) connectEligible(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, cand := range c.candidates {
		if len(c.peers) >= c.cfg.MaxPeers {
			return
		}
		if cand.connected || cand.banned || now.Before(cand.nextAttempt) {
			continue
		}

		conn := p2p.NewConn(c.cfg.DialTimeout)
		p := newPeer(cand.addr, conn, c)
		cand.connected = true
		c.peers[id] = p
		go p.run()
	}
}

// onBlock is the delivery path for every received block. Called from peer
// session goroutines.
func (c *Coordinator) onBlock(p *Peer, piece, offset int, data []byte) {
	c.stats.AddDownload(p.id, len(data))

	receipt, err := c.pm.MarkReceived(piece, offset, data, p.id)
	if err != nil {
		// Size mismatches and stray blocks are discarded; in-flight requests
		// for the block are reclaimed by the timeout poll.
		c.log.Warn("rejected block",
			slog.String("peer", p.id),
			slog.Int("piece", piece),
			slog.Int("offset", offset),
			slog.Any("error", err))
		return
	}
	if receipt.Duplicate {
		return
	}

	// Cancel duplicate endgame requests this delivery made obsolete.
	if len(receipt.Cancels) > 0 {
		c.mu.Lock()
		for _, cancel := range receipt.Cancels {
			if other, ok := c.peers[cancel.Peer]; ok {
				go other.SendCancel(cancel.Piece, cancel.Offset, cancel.Length)
			}
		}
		c.mu.Unlock()
	}

	if receipt.Corrupt {
		c.log.Warn("discarding corrupt piece",
			slog.Int("piece", piece),
			slog.Any("suppliers", receipt.Suppliers))
		return
	}

	if !receipt.Verified {
		return
	}

	if err := c.store.WriteBlock(piece, 0, receipt.Data); err != nil {
		c.log.Error("failed to persist piece", slog.Int("piece", piece), slog.Any("error", err))
		return
	}
	if c.bar != nil {
		c.bar.Add(len(receipt.Data))
	}
	c.log.Info("piece verified",
		slog.Int("piece", piece),
		slog.Int("remaining", len(c.pm.RemainingPieces())))

	c.broadcastHave(piece)

	if c.pm.IsComplete() {
		c.doneOnce.Do(func() { close(c.complete) })
	}
}

func (c *Coordinator) broadcastHave(piece int) {
	c.mu.Lock()
	peers := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	for _, p := range peers {
		if err := p.SendHave(piece); err != nil {
			c.log.Debug("failed to send have", slog.String("peer", p.id), slog.Any("error", err))
		}
	}
}

// dropPeer is the single disconnect path: it releases the peer's outstanding
// requests so other peers can serve them, and schedules a reconnection
// attempt with exponential backoff. Handshake mismatches are never retried.
func (c *Coordinator) dropPeer(p *Peer, cause error) {
	released := c.pm.ReleasePeer(p.id)
	c.stats.RemovePeer(p.id)

	c.mu.Lock()
	delete(c.peers, p.id)
	if cand, ok := c.candidates[p.id]; ok {
		cand.connected = false
		switch {
		case errors.Is(cause, p2p.ErrHandshakeMismatch):
			cand.failures++
			cand.banned = true
		case c.tearingDown():
			// Graceful close on shutdown or completion, not a peer failure.
		default:
			cand.failures++
			backoff := reconnectBackoffBase << uint(min(cand.failures, 6))
			if backoff > reconnectBackoffCap {
				backoff = reconnectBackoffCap
			}
			cand.nextAttempt = time.Now().Add(backoff)
		}
	}
	c.mu.Unlock()

	c.log.Debug("peer disconnected",
		slog.String("peer", p.id),
		slog.Int("requests_released", released),
		slog.Any("cause", cause))
}

// tearingDown reports whether the download has been stopped or completed.
func (c *Coordinator) tearingDown() bool {
	select {
	case <-c.quit:
		return true
	default:
	}
	select {
	case <-c.complete:
		return true
	default:
	}
	return false
}

// PeerID is the 20-byte identity generated for this run.
func (c *Coordinator) PeerID() string {
	return c.peerID
}

// Pieces exposes the piece map for observability.
func (c *Coordinator) Pieces() *PieceMap {
	return c.pm
}
