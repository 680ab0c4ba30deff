// Package analysis derives per-class timing properties from captured
// arrival times: bursts, inter-arrival statistics, TAS cycle and gate
// windows.
package analysis

import (
	"time"

	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
	"github.com/montanaflynn/stats"
)

const (
	// minPackets is the number of arrivals below which a class is not
	// analyzed.
	minPackets = 10
	// minShapedGap is the average inter-burst gap above which traffic may be
	// considered shaped.
	minShapedGap = 100 * time.Microsecond
	// maxShapedRatio is the burst ratio below which traffic may be considered
	// shaped.
	maxShapedRatio = 0.85
	// minShapedBursts is the number of bursts above which traffic may be
	// considered shaped.
	minShapedBursts = 3
	// maxInterval excludes idle periods from the interval statistics.
	maxInterval = time.Second
)

// Arrival is a captured frame of a given class.
type Arrival struct {
	// At is the arrival time relative to the start of the capture.
	At  time.Duration
	Len int
}

// Series holds the arrivals of one class. Only the first spec.MaxTimestamps
// arrivals are retained; Packets and Bytes count all of them.
type Series struct {
	Arrivals []Arrival
	Packets  int
	Bytes    uint64
}

func (s *Series) add(a Arrival) {
	s.Packets++
	s.Bytes += uint64(a.Len)
	if len(s.Arrivals) < spec.MaxTimestamps {
		s.Arrivals = append(s.Arrivals, a)
	}
}

// Analyzer accumulates arrivals for all classes. It is not safe for
// concurrent use.
type Analyzer struct {
	series [spec.MaxClasses]Series
	// cycle is the expected TAS cycle; zero enables detection.
	cycle time.Duration
}

// New returns an Analyzer. A non-zero cycle disables cycle detection.
func New(cycle time.Duration) *Analyzer {
	return &Analyzer{cycle: cycle}
}

// Add records an arrival for class. Out-of-range classes are ignored.
func (a *Analyzer) Add(class int, at time.Duration, length int) {
	if class < 0 || class >= spec.MaxClasses {
		return
	}
	a.series[class].add(Arrival{At: at, Len: length})
}

// Result analyzes every class with enough arrivals.
func (a *Analyzer) Result() *model.Analysis {
	res := &model.Analysis{Classes: map[int]model.ClassAnalysis{}}
	cycle := a.cycle
	if cycle == 0 {
		cycle = DetectCycle(a.series[:])
	}
	res.CycleNs = cycle.Nanoseconds()

	for class := range a.series {
		s := &a.series[class]
		if s.Packets < minPackets {
			continue
		}
		ca := Class(s)
		if cycle > 0 {
			ca.Windows = DetectWindows(s.Arrivals, cycle, WindowResolution(s.Arrivals, cycle))
		}
		res.Classes[class] = ca
	}
	return res
}

// Class returns the burst and interval analysis of a series.
func Class(s *Series) model.ClassAnalysis {
	ca := model.ClassAnalysis{
		Packets: s.Packets,
		Bytes:   s.Bytes,
	}
	if len(s.Arrivals) < 2 {
		return ca
	}
	first, last := s.Arrivals[0].At, s.Arrivals[len(s.Arrivals)-1].At
	span := last - first
	ca.DurationMs = float64(span) / float64(time.Millisecond)
	if span <= 0 {
		return ca
	}
	var retained uint64
	for _, a := range s.Arrivals {
		retained += uint64(a.Len)
	}
	ca.MeasuredKbps = float64(retained) * 8 / span.Seconds() / 1000

	bursts := DetectBursts(s.Arrivals, spec.BurstGap)
	ca.Bursts = len(bursts)
	var burstTime, gapTime time.Duration
	for i, b := range bursts {
		burstTime += b.End - b.Start
		if b.Bytes > ca.MaxBurstBytes {
			ca.MaxBurstBytes = b.Bytes
		}
		if i+1 < len(bursts) {
			gapTime += bursts[i+1].Start - b.End
		}
	}
	ca.AvgBurstUs = micros(burstTime) / float64(len(bursts))
	if len(bursts) > 1 {
		ca.AvgGapUs = micros(gapTime) / float64(len(bursts)-1)
	}
	ca.BurstRatio = float64(burstTime) / float64(span)
	ca.Shaped = ca.AvgGapUs > micros(minShapedGap) &&
		ca.Bursts > minShapedBursts &&
		ca.BurstRatio < maxShapedRatio

	ca.IntervalUs, ca.JitterUs = Intervals(s.Arrivals)
	return ca
}

// Burst is a run of arrivals separated by gaps no longer than the burst
// gap.
type Burst struct {
	Start   time.Duration
	End     time.Duration
	Packets int
	Bytes   uint64
}

// DetectBursts splits arrivals into bursts. A gap strictly longer than gap
// starts a new burst.
func DetectBursts(arrivals []Arrival, gap time.Duration) []Burst {
	if len(arrivals) == 0 {
		return nil
	}
	bursts := []Burst{{Start: arrivals[0].At}}
	b := &bursts[0]
	for i, a := range arrivals {
		if i > 0 && a.At-arrivals[i-1].At > gap {
			b.End = arrivals[i-1].At
			bursts = append(bursts, Burst{Start: a.At})
			b = &bursts[len(bursts)-1]
		}
		b.Packets++
		b.Bytes += uint64(a.Len)
	}
	b.End = arrivals[len(arrivals)-1].At
	return bursts
}

// Intervals returns the mean and standard deviation of the inter-arrival
// times in microseconds. Gaps of a second or more are ignored.
func Intervals(arrivals []Arrival) (mean, stddev float64) {
	if len(arrivals) < 3 {
		return 0, 0
	}
	data := make(stats.Float64Data, 0, len(arrivals)-1)
	for i := 1; i < len(arrivals); i++ {
		d := arrivals[i].At - arrivals[i-1].At
		if d < maxInterval {
			data = append(data, micros(d))
		}
	}
	// Both only fail on empty input.
	mean, err := stats.Mean(data)
	if err != nil {
		return 0, 0
	}
	stddev, _ = stats.StandardDeviationPopulation(data)
	return mean, stddev
}

func micros(d time.Duration) float64 {
	return float64(d) / float64(time.Microsecond)
}
