// Package ranker orders candidates by distance to the requester.
//
// Order: distance ascending, then the most recently available first, then id
// ascending. The order is total, so equal inputs always rank identically.
package ranker

import (
	"container/heap"
	"iter"

	"github.com/example/proximity-matching/internal/geo"
	"github.com/example/proximity-matching/internal/models"
)

type Ranked struct {
	Participant    models.Participant
	DistanceMeters float64
	Score          float64
}

// Score maps a distance to (0, 1]; 1 at the requester's position, 0.5 at one kilometer.
func Score(distanceMeters float64) float64 {
	return 1 / (1 + distanceMeters/1000)
}

// Sequence is a lazily sorted view over a candidate set. Iterating it again
// restarts from the best candidate.
type Sequence struct {
	items []Ranked
}

// Rank scores candidates against the requester's position. Sorting is deferred
// to iteration, so taking a prefix of k costs O(n + k log n).
func Rank(requester models.Participant, candidates []models.Participant) Sequence {
	items := make([]Ranked, len(candidates))
	for i, c := range candidates {
		d := geo.Distance(requester.Loc, c.Loc)
		items[i] = Ranked{Participant: c, DistanceMeters: d, Score: Score(d)}
	}
	return Sequence{items: items}
}

func (s Sequence) Len() int { return len(s.items) }

func (s Sequence) All() iter.Seq[Ranked] {
	return func(yield func(Ranked) bool) {
		h := make(rankHeap, len(s.items))
		copy(h, s.items)
		heap.Init(&h)
		for h.Len() > 0 {
			if !yield(heap.Pop(&h).(Ranked)) {
				return
			}
		}
	}
}

// Take returns at most n leading elements. n <= 0 takes everything.
func (s Sequence) Take(n int) []Ranked {
	if n <= 0 || n > len(s.items) {
		n = len(s.items)
	}
	out := make([]Ranked, 0, n)
	for r := range s.All() {
		if len(out) == n {
			break
		}
		out = append(out, r)
	}
	return out
}

// Less is the ranking order.
func Less(a, b Ranked) bool {
	if a.DistanceMeters != b.DistanceMeters {
		return a.DistanceMeters < b.DistanceMeters
	}
	if !a.Participant.AvailableSince.Equal(b.Participant.AvailableSince) {
		return a.Participant.AvailableSince.After(b.Participant.AvailableSince)
	}
	return a.Participant.ID < b.Participant.ID
}

type rankHeap []Ranked

func (h rankHeap) Len() int           { return len(h) }
func (h rankHeap) Less(i, j int) bool { return Less(h[i], h[j]) }
func (h rankHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *rankHeap) Push(x any)        { *h = append(*h, x.(Ranked)) }
func (h *rankHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
