package stats

import (
	"sort"

	"github.com/m-lab/tsn-verify/pkg/tsn/model"
)

// Batch is the output of the Reconstructor for one record.
type Batch struct {
	// Deltas is the non-negative count increase per class.
	Deltas map[int]uint64
	// Events are synthetic arrivals sorted by time.
	Events []model.DeltaEvent
}

// Reconstructor turns cumulative per-class counters into synthetic
// single-packet events. Its output is for visualization only.
type Reconstructor struct {
	// MaxEventsPerClass bounds the events synthesized per class and record.
	// Zero means no bound. Deltas are never bounded.
	MaxEventsPerClass int

	// last and lastMs start at zero: capture start, nothing counted.
	last   map[int]uint64
	lastMs int64
}

// NewReconstructor returns an empty Reconstructor.
func NewReconstructor() *Reconstructor {
	return &Reconstructor{last: map[int]uint64{}}
}

// Apply computes the deltas since the previous record, or since capture
// start for the first one. A class whose count decreases produces no delta
// and keeps its previous baseline.
func (r *Reconstructor) Apply(elapsedMs int64, counts map[int]uint64) Batch {
	b := Batch{Deltas: map[int]uint64{}}
	span := float64(elapsedMs - r.lastMs)
	if span < 0 {
		span = 0
	}
	for c, n := range counts {
		prev := r.last[c]
		if n <= prev {
			if n == prev {
				b.Deltas[c] = 0
			}
			continue
		}
		d := n - prev
		r.last[c] = n
		b.Deltas[c] = d

		events := d
		if r.MaxEventsPerClass > 0 && events > uint64(r.MaxEventsPerClass) {
			events = uint64(r.MaxEventsPerClass)
		}
		step := span / float64(events)
		for i := uint64(1); i <= events; i++ {
			b.Events = append(b.Events, model.DeltaEvent{
				Class:     c,
				ElapsedMs: float64(r.lastMs) + step*float64(i),
			})
		}
	}
	if elapsedMs > r.lastMs {
		r.lastMs = elapsedMs
	}
	sort.SliceStable(b.Events, func(i, j int) bool {
		if b.Events[i].ElapsedMs != b.Events[j].ElapsedMs {
			return b.Events[i].ElapsedMs < b.Events[j].ElapsedMs
		}
		return b.Events[i].Class < b.Events[j].Class
	})
	return b
}
