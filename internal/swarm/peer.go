package swarm

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seedbit/swarm/internal/p2p"
	"github.com/seedbit/swarm/internal/shared/models"
)

const keepAliveInterval = 90 * time.Second

type serveJob struct {
	index  int
	begin  int
	length int
}

func serveKey(index, begin, length int) string {
	return fmt.Sprintf("%d:%d:%d", index, begin, length)
}

// Peer is one remote peer session: the connection state machine, the remote's
// advertised bitfield, and the four choke/interest flags. All piece and block
// bookkeeping goes through the coordinator-owned PieceMap.
type Peer struct {
	id   string
	addr models.Addr
	conn p2p.Conn
	c    *Coordinator
	log  *slog.Logger

	mu              sync.Mutex
	remoteID        string
	bitfield        models.Bitfield
	amChoking       bool
	amInterested    bool
	peerChoking     bool
	peerInterested  bool
	dhtPort         int
	gotFirstMessage bool
	pendingServes   map[string]struct{}

	serveQueue chan serveJob
	quit       chan struct{}
	closeOnce  sync.Once
}

func newPeer(addr models.Addr, conn p2p.Conn, c *Coordinator) *Peer {
	id := addr.String()
	return &Peer{
		id:   id,
		addr: addr,
		conn: conn,
		c:    c,
		log:  c.log.With(slog.String("peer", id)),
		// Both sides start choked and uninterested.
		amChoking:     true,
		peerChoking:   true,
		pendingServes: make(map[string]struct{}),
		serveQueue:    make(chan serveJob, 64),
		quit:          make(chan struct{}),
	}
}

func (p *Peer) ID() string {
	return p.id
}

// HasPiece reports whether the remote advertises the piece.
func (p *Peer) HasPiece(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitfield.HasPiece(index)
}

// Choking reports whether the remote is choking us.
func (p *Peer) Choking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerChoking
}

// FreeSlots is the remaining pipeline capacity towards this peer.
func (p *Peer) FreeSlots() int {
	return p.c.cfg.PipelineDepth - p.c.pm.Pending(p.id)
}

func (p *Peer) Interested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerInterested
}

func (p *Peer) run() {
	err := p.session()
	p.close()
	p.c.dropPeer(p, err)
}

func (p *Peer) close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.conn.Close()
	})
}

func (p *Peer) session() error {
	if err := p.conn.Dial(p.addr); err != nil {
		return err
	}

	remoteID, err := p.conn.Handshake(p.c.meta.InfoHash, p.c.peerID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.remoteID = remoteID
	p.mu.Unlock()

	if err := p.conn.Activate(); err != nil {
		return err
	}
	p.log.Debug("peer session active")

	bf := p.c.pm.Bitfield()
	if err := p.conn.WriteMessage(&p2p.Message{ID: models.MessageIDBitfield, Payload: bf}); err != nil {
		return err
	}

	go p.serveLoop()
	go p.keepAliveLoop()

	for {
		msg, err := p.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msg == nil {
			// Keep-alive; the transport already reset the idle timer.
			continue
		}
		if err := p.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (p *Peer) handleMessage(msg *p2p.Message) error {
	p.mu.Lock()
	first := !p.gotFirstMessage
	p.gotFirstMessage = true
	p.mu.Unlock()

	switch msg.ID {
	case models.MessageIDChoke:
		p.mu.Lock()
		p.peerChoking = true
		p.mu.Unlock()
		released := p.c.pm.ReleasePeer(p.id)
		p.log.Debug("choked by peer", slog.Int("requests_released", released))

	case models.MessageIDUnchoke:
		p.mu.Lock()
		p.peerChoking = false
		p.mu.Unlock()
		p.log.Debug("unchoked by peer")

	case models.MessageIDInterested:
		p.mu.Lock()
		p.peerInterested = true
		p.mu.Unlock()

	case models.MessageIDNotInterested:
		p.mu.Lock()
		p.peerInterested = false
		p.mu.Unlock()

	case models.MessageIDHave:
		index, err := p2p.ParseHave(msg)
		if err != nil {
			return err
		}
		p.mu.Lock()
		if p.bitfield == nil {
			p.bitfield = models.NewBitfield(p.c.meta.NumPieces())
		}
		p.bitfield.SetPiece(index)
		p.mu.Unlock()
		return p.maybeInterested()

	case models.MessageIDBitfield:
		if !first {
			// Only legal as the first post-handshake message. Anomalous but
			// not worth tearing the session down over.
			p.log.Warn("bitfield received mid-session, ignoring")
			return nil
		}
		if len(msg.Payload) != len(models.NewBitfield(p.c.meta.NumPieces())) {
			return fmt.Errorf("%w: bitfield of %d bytes", p2p.ErrMalformedMessage, len(msg.Payload))
		}
		p.mu.Lock()
		p.bitfield = models.Bitfield(append([]byte(nil), msg.Payload...))
		p.mu.Unlock()
		return p.maybeInterested()

	case models.MessageIDRequest:
		index, begin, length, err := p2p.ParseRequest(msg)
		if err != nil {
			return err
		}
		if length > BlockSize {
			return fmt.Errorf("%w: requested %d bytes", p2p.ErrOversizedMessage, length)
		}
		p.enqueueServe(index, begin, length)

	case models.MessageIDPiece:
		index, begin, block, err := p2p.ParsePiece(msg)
		if err != nil {
			return err
		}
		p.c.onBlock(p, index, begin, block)

	case models.MessageIDCancel:
		index, begin, length, err := p2p.ParseRequest(msg)
		if err != nil {
			return err
		}
		// Idempotent: dropping an absent entry is a no-op.
		p.mu.Lock()
		delete(p.pendingServes, serveKey(index, begin, length))
		p.mu.Unlock()

	case models.MessageIDPort:
		port, err := p2p.ParsePort(msg)
		if err != nil {
			return err
		}
		// Recorded only; DHT is out of scope.
		p.mu.Lock()
		p.dhtPort = port
		p.mu.Unlock()

	default:
		return fmt.Errorf("%w: unknown message id %d", p2p.ErrMalformedMessage, msg.ID)
	}
	return nil
}

// maybeInterested declares interest as soon as the remote advertises at least
// one piece we still lack.
func (p *Peer) maybeInterested() error {
	p.mu.Lock()
	if p.amInterested {
		p.mu.Unlock()
		return nil
	}
	wanted := false
	for _, piece := range p.c.pm.RemainingPieces() {
		if p.bitfield.HasPiece(piece) {
			wanted = true
			break
		}
	}
	if !wanted {
		p.mu.Unlock()
		return nil
	}
	p.amInterested = true
	p.mu.Unlock()

	p.log.Debug("declaring interest")
	return p.conn.WriteMessage(&p2p.Message{ID: models.MessageIDInterested})
}

// enqueueServe queues a block upload if we are not choking the peer and own
// the piece. A cancel arriving before the serve dequeues it.
func (p *Peer) enqueueServe(index, begin, length int) {
	p.mu.Lock()
	choking := p.amChoking
	p.mu.Unlock()

	if choking || !p.c.pm.HasPiece(index) {
		p.log.Debug("dropping request",
			slog.Int("piece", index),
			slog.Bool("choking", choking))
		return
	}

	key := serveKey(index, begin, length)
	p.mu.Lock()
	p.pendingServes[key] = struct{}{}
	p.mu.Unlock()

	select {
	case p.serveQueue <- serveJob{index: index, begin: begin, length: length}:
	default:
		p.log.Warn("serve queue full, dropping request", slog.Int("piece", index))
		p.mu.Lock()
		delete(p.pendingServes, key)
		p.mu.Unlock()
	}
}

func (p *Peer) serveLoop() {
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.serveQueue:
			key := serveKey(job.index, job.begin, job.length)
			p.mu.Lock()
			_, wanted := p.pendingServes[key]
			delete(p.pendingServes, key)
			choking := p.amChoking
			p.mu.Unlock()
			if !wanted || choking {
				continue
			}

			data, err := p.c.store.ReadBlock(job.index, job.begin, job.length)
			if err != nil {
				p.log.Error("failed to read block for upload", slog.Any("error", err))
				continue
			}
			if err := p.conn.WriteMessage(p2p.FormatPiece(job.index, job.begin, data)); err != nil {
				return
			}
			p.c.stats.AddUpload(p.id, len(data))
		}
	}
}

func (p *Peer) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			if err := p.conn.WriteMessage(nil); err != nil {
				return
			}
		}
	}
}

func (p *Peer) SendRequest(a Assignment) error {
	return p.conn.WriteMessage(p2p.FormatRequest(a.Piece, a.Offset, a.Length))
}

func (p *Peer) SendCancel(piece, offset, length int) error {
	return p.conn.WriteMessage(p2p.FormatCancel(piece, offset, length))
}

func (p *Peer) SendHave(index int) error {
	return p.conn.WriteMessage(p2p.FormatHave(index))
}

// SendUnchoke flips our choke flag and notifies the peer. No-op when already
// unchoked.
func (p *Peer) SendUnchoke() error {
	p.mu.Lock()
	if !p.amChoking {
		p.mu.Unlock()
		return nil
	}
	p.amChoking = false
	p.mu.Unlock()
	return p.conn.WriteMessage(&p2p.Message{ID: models.MessageIDUnchoke})
}

func (p *Peer) SendChoke() error {
	p.mu.Lock()
	if p.amChoking {
		p.mu.Unlock()
		return nil
	}
	p.amChoking = true
	p.mu.Unlock()
	return p.conn.WriteMessage(&p2p.Message{ID: models.MessageIDChoke})
}
