package swarm

import (
	"math/rand"
	"sort"
)

// ChokeCandidate is one connected peer as the choke algorithm sees it.
type ChokeCandidate struct {
	ID string
	// Interested means the remote wants pieces from us.
	Interested bool
	// DownloadRate is the averaged rate at which this peer has been feeding
	// us, in bytes per window slot.
	DownloadRate int
}

// ChokeDecision partitions every candidate into the peers to unchoke and the
// peers to choke. Applying it is the caller's job; the decision itself has no
// side effects.
type ChokeDecision struct {
	Unchoke []string
	Choke   []string
}

// ChokeManager implements tit-for-tat reciprocity: the K interested peers
// that upload to us fastest get unchoked, plus one random interested peer
// held for an interval (the optimistic unchoke) to probe for better partners.
// The random source is injected so tests can fix the seed.
type ChokeManager struct {
	k   int
	rnd *rand.Rand
}

func NewChokeManager(k int, rnd *rand.Rand) *ChokeManager {
	return &ChokeManager{k: k, rnd: rnd}
}

func (cm *ChokeManager) Decide(candidates []ChokeCandidate) ChokeDecision {
	interested := make([]ChokeCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Interested {
			interested = append(interested, c)
		}
	}

	// Descending by the rate they give us; ties broken by ID to keep the
	// ranking stable between intervals.
	sort.Slice(interested, func(i, j int) bool {
		if interested[i].DownloadRate != interested[j].DownloadRate {
			return interested[i].DownloadRate > interested[j].DownloadRate
		}
		return interested[i].ID < interested[j].ID
	})

	unchoked := make(map[string]struct{}, cm.k+1)
	for i := 0; i < len(interested) && i < cm.k; i++ {
		unchoked[interested[i].ID] = struct{}{}
	}

	if rest := interested[min(cm.k, len(interested)):]; len(rest) > 0 {
		optimistic := rest[cm.rnd.Intn(len(rest))]
		unchoked[optimistic.ID] = struct{}{}
	}

	decision := ChokeDecision{}
	for _, c := range candidates {
		if _, ok := unchoked[c.ID]; ok {
			decision.Unchoke = append(decision.Unchoke, c.ID)
		} else {
			decision.Choke = append(decision.Choke, c.ID)
		}
	}
	return decision
}
