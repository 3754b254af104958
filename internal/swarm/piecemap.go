package swarm

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/seedbit/swarm/internal/shared/models"
)

// BlockSize is the request granularity. All mainline clients use 16 KiB.
const BlockSize = 16 * 1024

var (
	ErrAlreadyOwned = errors.New("swarm: block already received")
	ErrSizeMismatch = errors.New("swarm: block size mismatch")
	ErrUnknownBlock = errors.New("swarm: unknown piece or block offset")
)

type PieceState int

const (
	PieceMissing PieceState = iota
	PieceInProgress
	PieceVerified
)

type BlockState int

const (
	BlockNotRequested BlockState = iota
	BlockRequested
	BlockReceived
)

// BlockRef identifies one block within the torrent.
type BlockRef struct {
	Piece  int
	Offset int
	Length int
}

// PendingRequest is an outstanding block request attributed to a peer.
type PendingRequest struct {
	Piece  int
	Offset int
	Length int
	Peer   string
}

// Receipt reports everything that happened as a consequence of one delivered
// block, so the caller can act without holding the map's lock.
type Receipt struct {
	// Duplicate is set when the block had already been received; the delivery
	// was a no-op.
	Duplicate bool
	// Verified is set when this block completed its piece and the piece
	// hashed correctly. Data then holds the assembled piece bytes.
	Verified bool
	Data     []byte
	// Corrupt is set when this block completed its piece but the hash did not
	// match; the piece's blocks were reset to not-requested. Suppliers names
	// the peers that contributed blocks, as a quality signal.
	Corrupt   bool
	Suppliers []string
	// Cancels lists duplicate in-flight requests for this block held by other
	// peers, made obsolete by this delivery (endgame).
	Cancels []PendingRequest
}

type blockInfo struct {
	state  BlockState
	length int
	data   []byte
	// requestedBy holds every peer with this block in flight, with the time
	// the request was recorded. Endgame duplicates mean there can be more
	// than one.
	requestedBy map[string]time.Time
}

type pieceInfo struct {
	state     PieceState
	hash      models.Hash
	length    int
	blocks    []blockInfo
	received  int
	suppliers mapset.Set[string]
}

// PieceMap tracks ownership and in-flight status of every piece and block.
// It is the single synchronization point for block state: peer sessions never
// touch its fields directly, only these methods.
type PieceMap struct {
	mu        sync.Mutex
	log       *slog.Logger
	pieces    []pieceInfo
	verified  int
	bytesLeft int
	// pending counts outstanding requests per peer, for pipeline bookkeeping.
	pending map[string]int
}

func NewPieceMap(meta models.Metafile, logger *slog.Logger) *PieceMap {
	if logger == nil {
		logger = slog.Default()
	}
	pm := &PieceMap{
		log:       logger,
		pieces:    make([]pieceInfo, meta.NumPieces()),
		bytesLeft: meta.TotalLength(),
		pending:   make(map[string]int),
	}

	for i := range pm.pieces {
		pieceLength := meta.PieceSize(i)
		numBlocks := (pieceLength + BlockSize - 1) / BlockSize
		blocks := make([]blockInfo, numBlocks)
		for b := range blocks {
			length := BlockSize
			if b == numBlocks-1 {
				length = pieceLength - b*BlockSize
			}
			blocks[b] = blockInfo{length: length, requestedBy: make(map[string]time.Time)}
		}
		pm.pieces[i] = pieceInfo{
			hash:      meta.Info.PiecesHashes[i],
			length:    pieceLength,
			blocks:    blocks,
			suppliers: mapset.NewSet[string](),
		}
	}

	return pm
}

func (pm *PieceMap) NumPieces() int {
	return len(pm.pieces)
}

func (pm *PieceMap) blockAt(piece, offset int) (*pieceInfo, *blockInfo, error) {
	if piece < 0 || piece >= len(pm.pieces) {
		return nil, nil, fmt.Errorf("%w: piece %d", ErrUnknownBlock, piece)
	}
	pi := &pm.pieces[piece]
	if offset%BlockSize != 0 {
		return nil, nil, fmt.Errorf("%w: offset %d not block aligned", ErrUnknownBlock, offset)
	}
	blockIndex := offset / BlockSize
	if blockIndex < 0 || blockIndex >= len(pi.blocks) {
		return nil, nil, fmt.Errorf("%w: piece %d offset %d", ErrUnknownBlock, piece, offset)
	}
	return pi, &pi.blocks[blockIndex], nil
}

// MarkRequested records that peer has the given block in flight. Requesting a
// block that was already received fails with ErrAlreadyOwned. Re-requesting
// by the same peer refreshes the timestamp; a second peer requesting the same
// block (endgame) is tracked alongside the first.
func (pm *PieceMap) MarkRequested(piece, offset int, peer string, now time.Time) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pi, block, err := pm.blockAt(piece, offset)
	if err != nil {
		return err
	}
	if block.state == BlockReceived {
		return fmt.Errorf("%w: piece %d offset %d", ErrAlreadyOwned, piece, offset)
	}

	if _, inFlight := block.requestedBy[peer]; !inFlight {
		pm.pending[peer]++
	}
	block.requestedBy[peer] = now
	block.state = BlockRequested
	if pi.state == PieceMissing {
		pi.state = PieceInProgress
	}
	return nil
}

// HasRequested reports whether peer already has this exact block in flight.
func (pm *PieceMap) HasRequested(piece, offset int, peer string) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	_, block, err := pm.blockAt(piece, offset)
	if err != nil {
		return false
	}
	_, ok := block.requestedBy[peer]
	return ok
}

// MarkReceived stores a delivered block. The first delivery wins; later
// duplicates are idempotent no-ops. When the delivery completes a piece, the
// assembled bytes are hashed: a match verifies the piece, a mismatch resets
// every block of that piece to not-requested and discards the buffered data.
func (pm *PieceMap) MarkReceived(piece, offset int, data []byte, peer string) (Receipt, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pi, block, err := pm.blockAt(piece, offset)
	if err != nil {
		return Receipt{}, err
	}

	if block.state == BlockReceived {
		return Receipt{Duplicate: true}, nil
	}
	if len(data) != block.length {
		return Receipt{}, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(data), block.length)
	}

	receipt := Receipt{}
	for requester := range block.requestedBy {
		pm.releasePendingLocked(requester)
		if requester != peer {
			receipt.Cancels = append(receipt.Cancels, PendingRequest{
				Piece:  piece,
				Offset: offset,
				Length: block.length,
				Peer:   requester,
			})
		}
	}
	clear(block.requestedBy)

	block.data = append([]byte(nil), data...)
	block.state = BlockReceived
	pi.received++
	pi.suppliers.Add(peer)
	if pi.state == PieceMissing {
		pi.state = PieceInProgress
	}

	if pi.received < len(pi.blocks) {
		return receipt, nil
	}

	assembled := make([]byte, 0, pi.length)
	for i := range pi.blocks {
		assembled = append(assembled, pi.blocks[i].data...)
	}

	checksum := sha1.Sum(assembled)
	if !bytes.Equal(checksum[:], pi.hash[:]) {
		receipt.Corrupt = true
		receipt.Suppliers = pi.suppliers.ToSlice()
		pm.resetPieceLocked(pi)
		pm.log.Warn("piece failed verification",
			slog.Int("piece", piece),
			slog.Any("suppliers", receipt.Suppliers))
		return receipt, nil
	}

	pi.state = PieceVerified
	pm.verified++
	pm.bytesLeft -= pi.length
	receipt.Verified = true
	receipt.Data = assembled
	// The buffered blocks are no longer needed once the piece is assembled.
	for i := range pi.blocks {
		pi.blocks[i].data = nil
	}
	return receipt, nil
}

func (pm *PieceMap) resetPieceLocked(pi *pieceInfo) {
	for i := range pi.blocks {
		block := &pi.blocks[i]
		for requester := range block.requestedBy {
			pm.releasePendingLocked(requester)
		}
		clear(block.requestedBy)
		block.state = BlockNotRequested
		block.data = nil
	}
	pi.state = PieceMissing
	pi.received = 0
	pi.suppliers.Clear()
}

func (pm *PieceMap) releasePendingLocked(peer string) {
	if pm.pending[peer] > 0 {
		pm.pending[peer]--
	}
	if pm.pending[peer] == 0 {
		delete(pm.pending, peer)
	}
}

func (pm *PieceMap) IsComplete() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.verified == len(pm.pieces)
}

func (pm *PieceMap) BytesLeft() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.bytesLeft
}

func (pm *PieceMap) HasPiece(index int) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if index < 0 || index >= len(pm.pieces) {
		return false
	}
	return pm.pieces[index].state == PieceVerified
}

// Bitfield renders the verified pieces in wire form.
func (pm *PieceMap) Bitfield() models.Bitfield {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	bf := models.NewBitfield(len(pm.pieces))
	for i := range pm.pieces {
		if pm.pieces[i].state == PieceVerified {
			bf.SetPiece(i)
		}
	}
	return bf
}

// RemainingPieces lists the indexes not yet verified.
func (pm *PieceMap) RemainingPieces() []int {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	remaining := make([]int, 0)
	for i := range pm.pieces {
		if pm.pieces[i].state != PieceVerified {
			remaining = append(remaining, i)
		}
	}
	return remaining
}

// NotRequestedBlocks lists the blocks of a piece that nobody has in flight,
// in ascending offset order.
func (pm *PieceMap) NotRequestedBlocks(piece int) []BlockRef {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if piece < 0 || piece >= len(pm.pieces) {
		return nil
	}
	pi := &pm.pieces[piece]
	refs := make([]BlockRef, 0)
	for i := range pi.blocks {
		if pi.blocks[i].state == BlockNotRequested {
			refs = append(refs, BlockRef{Piece: piece, Offset: i * BlockSize, Length: pi.blocks[i].length})
		}
	}
	return refs
}

// UnreceivedBlocks lists every block of a piece that has not arrived yet,
// whether or not a request is in flight. Used by the endgame to duplicate
// requests across peers.
func (pm *PieceMap) UnreceivedBlocks(piece int) []BlockRef {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if piece < 0 || piece >= len(pm.pieces) {
		return nil
	}
	pi := &pm.pieces[piece]
	refs := make([]BlockRef, 0)
	for i := range pi.blocks {
		if pi.blocks[i].state != BlockReceived {
			refs = append(refs, BlockRef{Piece: piece, Offset: i * BlockSize, Length: pi.blocks[i].length})
		}
	}
	return refs
}

// RequestTimeouts returns every in-flight request older than threshold and
// re-queues the affected blocks as not-requested in the same step. This
// explicit poll is the sole retry mechanism; there are no background timers.
func (pm *PieceMap) RequestTimeouts(now time.Time, threshold time.Duration) []PendingRequest {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	expired := make([]PendingRequest, 0)
	for p := range pm.pieces {
		pi := &pm.pieces[p]
		if pi.state == PieceVerified {
			continue
		}
		for b := range pi.blocks {
			block := &pi.blocks[b]
			if block.state != BlockRequested {
				continue
			}
			for requester, requestedAt := range block.requestedBy {
				if now.Sub(requestedAt) <= threshold {
					continue
				}
				expired = append(expired, PendingRequest{
					Piece:  p,
					Offset: b * BlockSize,
					Length: block.length,
					Peer:   requester,
				})
				delete(block.requestedBy, requester)
				pm.releasePendingLocked(requester)
			}
			if len(block.requestedBy) == 0 {
				block.state = BlockNotRequested
			}
		}
	}
	return expired
}

// ReleasePeer returns every request held by the peer to the not-requested
// pool. Mandatory cleanup on every disconnect path so other peers can pick
// the blocks up.
func (pm *PieceMap) ReleasePeer(peer string) int {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	released := 0
	for p := range pm.pieces {
		pi := &pm.pieces[p]
		if pi.state == PieceVerified {
			continue
		}
		for b := range pi.blocks {
			block := &pi.blocks[b]
			if _, ok := block.requestedBy[peer]; !ok {
				continue
			}
			delete(block.requestedBy, peer)
			released++
			if len(block.requestedBy) == 0 && block.state == BlockRequested {
				block.state = BlockNotRequested
			}
		}
	}
	delete(pm.pending, peer)
	return released
}

// Pending reports how many requests the peer currently has in flight.
func (pm *PieceMap) Pending(peer string) int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.pending[peer]
}
