package analysis

import (
	"time"

	"github.com/m-lab/tsn-verify/pkg/tsn/model"
)

const (
	// cycleBins is the histogram resolution used to score candidate cycles.
	cycleBins = 100
	// minWindowBins and maxWindowBins bound the histogram resolution used to
	// find gate windows.
	minWindowBins = 20
	maxWindowBins = 2000
	// minCyclePackets is the number of arrivals a class needs to take part
	// in cycle detection.
	minCyclePackets = 100
	// minCycleScore is the normalized histogram variance below which no
	// cycle is reported.
	minCycleScore = 0.25
	// windowThreshold is the fraction of the mean bin occupancy a bin needs
	// to be part of a window.
	windowThreshold = 0.3
)

// CandidateCycles are the TAS cycle times tried by DetectCycle.
var CandidateCycles = []time.Duration{
	100 * time.Microsecond,
	500 * time.Microsecond,
	1 * time.Millisecond,
	2 * time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	20 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
}

// Histogram folds arrivals into bins over one cycle, relative to the first
// arrival.
func Histogram(arrivals []Arrival, cycle time.Duration, bins int) []int {
	h := make([]int, bins)
	if len(arrivals) == 0 || cycle <= 0 || bins <= 0 {
		return h
	}
	width := cycle / time.Duration(bins)
	if width == 0 {
		width = 1
	}
	first := arrivals[0].At
	for _, a := range arrivals {
		offset := (a.At - first) % cycle
		h[int(offset/width)%bins]++
	}
	return h
}

// score is the histogram variance normalized by the squared mean. Periodic
// traffic concentrates in few bins and scores high.
func score(h []int, packets int) float64 {
	mean := float64(packets) / float64(len(h))
	var variance float64
	for _, n := range h {
		d := float64(n) - mean
		variance += d * d
	}
	variance /= float64(len(h))
	return variance / (mean*mean + 0.001)
}

// DetectCycle returns the candidate cycle with the highest average score
// over all classes with enough arrivals, or zero if no candidate is
// periodic enough.
func DetectCycle(series []Series) time.Duration {
	var best time.Duration
	bestScore := minCycleScore
	for _, cycle := range CandidateCycles {
		var total float64
		var n int
		for i := range series {
			s := &series[i]
			if len(s.Arrivals) < minCyclePackets {
				continue
			}
			total += score(Histogram(s.Arrivals, cycle, cycleBins), len(s.Arrivals))
			n++
		}
		if n == 0 {
			return 0
		}
		if avg := total / float64(n); avg > bestScore {
			bestScore = avg
			best = cycle
		}
	}
	return best
}

// WindowResolution returns a histogram size giving about one bin per
// arrival within a cycle, so that sparse traffic does not fragment into
// single-bin windows.
func WindowResolution(arrivals []Arrival, cycle time.Duration) int {
	if len(arrivals) < 2 || cycle <= 0 {
		return minWindowBins
	}
	cycles := int((arrivals[len(arrivals)-1].At - arrivals[0].At) / cycle)
	if cycles < 1 {
		cycles = 1
	}
	bins := len(arrivals) / cycles
	if bins < minWindowBins {
		return minWindowBins
	}
	if bins > maxWindowBins {
		return maxWindowBins
	}
	return bins
}

// DetectWindows returns the gate-open windows of a class within cycle. A
// window that ends at the cycle boundary and one that starts at offset zero
// are merged into a single window wrapping around the boundary.
func DetectWindows(arrivals []Arrival, cycle time.Duration, bins int) []model.GateWindow {
	if len(arrivals) < minPackets || cycle <= 0 {
		return nil
	}
	h := Histogram(arrivals, cycle, bins)
	threshold := int(float64(len(arrivals)) * 2 / float64(bins) * windowThreshold)
	if threshold < 1 {
		threshold = 1
	}
	width := cycle / time.Duration(bins)

	type span struct{ start, end int }
	var spans []span
	start := -1
	for i := 0; i <= bins; i++ {
		open := i < bins && h[i] >= threshold
		switch {
		case open && start < 0:
			start = i
		case !open && start >= 0:
			spans = append(spans, span{start, i})
			start = -1
		}
	}
	if n := len(spans); n > 1 && spans[0].start == 0 && spans[n-1].end == bins {
		spans[0].start = spans[n-1].start - bins
		spans = spans[:n-1]
	}

	windows := make([]model.GateWindow, 0, len(spans))
	for _, s := range spans {
		startBin := s.start
		if startBin < 0 {
			startBin += bins
		}
		windows = append(windows, model.GateWindow{
			StartUs:    micros(time.Duration(startBin) * width),
			DurationUs: micros(time.Duration(s.end-s.start) * width),
		})
	}
	return windows
}
