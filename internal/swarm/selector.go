package swarm

import (
	"math/rand"
	"sort"
)

// Neighbor is the selector's view of one connected peer: what it advertises,
// whether it is choking us, and how many pipeline slots it has free.
type Neighbor interface {
	ID() string
	HasPiece(index int) bool
	Choking() bool
	FreeSlots() int
}

// Assignment instructs the coordinator to request one block from one peer.
type Assignment struct {
	Peer    string
	Piece   int
	Offset  int
	Length  int
	Endgame bool
}

// Selector implements rarest-first piece selection with a randomized
// tie-break, plus endgame duplication when only a handful of pieces remain.
// The random source is injected so tests can fix the seed.
type Selector struct {
	rnd              *rand.Rand
	endgameThreshold int
}

func NewSelector(rnd *rand.Rand, endgameThreshold int) *Selector {
	return &Selector{rnd: rnd, endgameThreshold: endgameThreshold}
}

// Pick produces up to one assignment per free pipeline slot across all peers.
// It never assigns to a peer that is choking us, does not advertise the
// piece, or has a full pipeline.
func (s *Selector) Pick(pm *PieceMap, peers []Neighbor) []Assignment {
	remaining := pm.RemainingPieces()
	if len(remaining) == 0 {
		return nil
	}

	slots := make(map[string]int, len(peers))
	totalSlots := 0
	for _, peer := range peers {
		free := peer.FreeSlots()
		slots[peer.ID()] = free
		if !peer.Choking() {
			totalSlots += free
		}
	}
	if totalSlots <= 0 {
		return nil
	}

	if len(remaining) <= s.endgameThreshold {
		return s.pickEndgame(pm, remaining, peers, slots)
	}

	// Availability of each remaining piece among peers not choking us.
	avail := make(map[int]int, len(remaining))
	candidates := make([]int, 0, len(remaining))
	for _, piece := range remaining {
		count := 0
		for _, peer := range peers {
			if !peer.Choking() && peer.HasPiece(piece) {
				count++
			}
		}
		if count > 0 {
			avail[piece] = count
			candidates = append(candidates, piece)
		}
	}

	queues := make(map[int][]BlockRef, len(candidates))
	assignments := make([]Assignment, 0)

	for totalSlots > 0 && len(candidates) > 0 {
		piece := s.rarest(candidates, avail)

		queue, ok := queues[piece]
		if !ok {
			queue = pm.NotRequestedBlocks(piece)
		}
		if len(queue) == 0 {
			candidates = remove(candidates, piece)
			continue
		}

		peer := pickPeer(peers, slots, piece)
		if peer == "" {
			// No eligible peer for this piece; skip it for this tick.
			candidates = remove(candidates, piece)
			continue
		}

		block := queue[0]
		queues[piece] = queue[1:]
		slots[peer]--
		totalSlots--
		assignments = append(assignments, Assignment{
			Peer:   peer,
			Piece:  block.Piece,
			Offset: block.Offset,
			Length: block.Length,
		})
	}

	return assignments
}

// rarest returns a uniformly random piece among those tied at the minimum
// availability. The randomization keeps many clients in a swarm from herding
// onto the same piece.
func (s *Selector) rarest(candidates []int, avail map[int]int) int {
	sorted := append([]int(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		return avail[sorted[i]] < avail[sorted[j]]
	})

	minAvail := avail[sorted[0]]
	ties := 1
	for ties < len(sorted) && avail[sorted[ties]] == minAvail {
		ties++
	}
	return sorted[s.rnd.Intn(ties)]
}

func pickPeer(peers []Neighbor, slots map[string]int, piece int) string {
	for _, peer := range peers {
		if peer.Choking() || !peer.HasPiece(piece) {
			continue
		}
		if slots[peer.ID()] <= 0 {
			continue
		}
		return peer.ID()
	}
	return ""
}

// pickEndgame duplicates every still-missing block across all eligible peers
// so a single slow peer cannot stall completion. The first delivery wins and
// the coordinator cancels the rest.
func (s *Selector) pickEndgame(pm *PieceMap, remaining []int, peers []Neighbor, slots map[string]int) []Assignment {
	assignments := make([]Assignment, 0)
	for _, piece := range remaining {
		for _, ref := range pm.UnreceivedBlocks(piece) {
			for _, peer := range peers {
				if peer.Choking() || !peer.HasPiece(piece) {
					continue
				}
				if slots[peer.ID()] <= 0 {
					continue
				}
				if pm.HasRequested(ref.Piece, ref.Offset, peer.ID()) {
					continue
				}
				slots[peer.ID()]--
				assignments = append(assignments, Assignment{
					Peer:    peer.ID(),
					Piece:   ref.Piece,
					Offset:  ref.Offset,
					Length:  ref.Length,
					Endgame: true,
				})
			}
		}
	}
	return assignments
}

func remove(pieces []int, piece int) []int {
	out := pieces[:0]
	for _, p := range pieces {
		if p != piece {
			out = append(out, p)
		}
	}
	return out
}
