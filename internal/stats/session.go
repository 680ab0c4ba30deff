package stats

import (
	"errors"
	"math"

	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
	"github.com/montanaflynn/stats"
)

// ErrTerminal is returned when a record is applied to a finished session.
var ErrTerminal = errors.New("capture session is terminal")

// Session is the state of one capture, keyed by interface. It is not safe
// for concurrent use; the process registry serializes access.
type Session struct {
	iface  string
	header *model.Header
	snap   model.Snapshot
	rec    *Reconstructor

	// prev holds the effective cumulative class counts of the last record.
	prev map[int]uint64
	// series holds each class's window throughput, kb/s.
	series map[int][]float64
}

// NewSession returns an empty session for iface.
func NewSession(iface string) *Session {
	return &Session{
		iface: iface,
		snap: model.Snapshot{
			Iface:   iface,
			Classes: map[int]model.ClassStats{},
		},
		rec:    NewReconstructor(),
		prev:   map[int]uint64{},
		series: map[int][]float64{},
	}
}

// Iface returns the interface the session belongs to.
func (s *Session) Iface() string {
	return s.iface
}

// Reconstructor returns the session's delta reconstructor.
func (s *Session) Reconstructor() *Reconstructor {
	return s.rec
}

// SetHeader records the capture header.
func (s *Session) SetHeader(h *model.Header) {
	s.header = h
}

// Header returns the capture header, nil if none was received.
func (s *Session) Header() *model.Header {
	return s.header
}

// Final reports whether the session is terminal.
func (s *Session) Final() bool {
	return s.snap.Final
}

// Terminate marks the session terminal, e.g. when the capture process exited
// without a final record.
func (s *Session) Terminate() {
	s.snap.Final = true
}

// Apply updates the session with a record, in emission order, and returns
// the new snapshot and the reconstructed arrivals since the previous record.
//
// Per-class throughput is the window bit rate apportioned by each class's
// share of the packets counted in the window. This is an approximation: the
// bit rate is not measured per class. When no class could be observed but
// packets were captured, all traffic is attributed to class 0 and the
// snapshot is flagged with spec.UnclassifiedNote.
func (s *Session) Apply(r *model.Record) (*model.Snapshot, Batch, error) {
	if s.snap.Final {
		return nil, Batch{}, ErrTerminal
	}

	counts := r.Classes
	note := ""
	var classified uint64
	for _, n := range counts {
		classified += n
	}
	if classified == 0 && r.Packets > 0 {
		counts = map[int]uint64{0: r.Packets}
		note = spec.UnclassifiedNote
	}

	window := map[int]uint64{}
	var windowTotal uint64
	for c, n := range counts {
		if p := s.prev[c]; n > p {
			window[c] = n - p
			windowTotal += n - p
		}
	}

	kbps := r.BPS / 1000
	classes := make(map[int]model.ClassStats, len(counts))
	for c, n := range counts {
		cs := model.ClassStats{Count: n}
		if windowTotal > 0 {
			cs.Throughput = kbps * float64(window[c]) / float64(windowTotal)
		}
		if l, ok := r.Latency[c]; ok {
			cs.AvgLatency = l.Avg
		}
		classes[c] = cs
		s.series[c] = append(s.series[c], cs.Throughput)
		if n > s.prev[c] {
			s.prev[c] = n
		}
	}

	s.snap.ElapsedMs = r.ElapsedMs
	s.snap.Total = r.Packets
	s.snap.Bytes = r.Bytes
	s.snap.TotalPPS = r.PPS
	s.snap.TotalThroughput = kbps
	s.snap.Drops = r.Drops
	s.snap.Classes = classes
	s.snap.Note = note
	if lat := aggregateLatency(r.Latency); lat != nil {
		s.snap.Latency = lat
	}
	if r.Analysis != nil {
		s.snap.Analysis = r.Analysis
	}
	s.snap.Jitter, s.snap.MeanThroughput = s.variability()
	if r.Type == spec.RecordFinal {
		s.snap.Final = true
	}

	batch := s.rec.Apply(r.ElapsedMs, counts)
	return s.Snapshot(), batch, nil
}

// Snapshot returns a copy of the current snapshot.
func (s *Session) Snapshot() *model.Snapshot {
	snap := s.snap
	snap.Classes = make(map[int]model.ClassStats, len(s.snap.Classes))
	for c, cs := range s.snap.Classes {
		snap.Classes[c] = cs
	}
	snap.Jitter = copyMap(s.snap.Jitter)
	snap.MeanThroughput = copyMap(s.snap.MeanThroughput)
	if s.snap.Latency != nil {
		l := *s.snap.Latency
		snap.Latency = &l
	}
	return &snap
}

// variability returns each class's standard deviation and mean of window
// throughput. Idle windows before the first and after the last active one
// are excluded, so capture slack does not count as jitter.
func (s *Session) variability() (map[int]float64, map[int]float64) {
	jitter := map[int]float64{}
	mean := map[int]float64{}
	for c, series := range s.series {
		active := trimIdle(series)
		if len(active) == 0 {
			continue
		}
		m, err := stats.Mean(active)
		if err != nil {
			continue
		}
		sd, err := stats.StandardDeviationPopulation(active)
		if err != nil {
			continue
		}
		mean[c] = m
		jitter[c] = sd
	}
	return jitter, mean
}

// trimIdle drops leading and trailing zero windows.
func trimIdle(series []float64) stats.Float64Data {
	start, end := 0, len(series)
	for start < end && series[start] == 0 {
		start++
	}
	for end > start && series[end-1] == 0 {
		end--
	}
	return stats.Float64Data(series[start:end])
}

func aggregateLatency(m map[int]model.Latency) *model.Latency {
	if len(m) == 0 {
		return nil
	}
	l := &model.Latency{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, v := range m {
		l.Min = math.Min(l.Min, v.Min)
		l.Max = math.Max(l.Max, v.Max)
		l.Avg += v.Avg
	}
	l.Avg /= float64(len(m))
	return l
}

func copyMap(m map[int]float64) map[int]float64 {
	if m == nil {
		return nil
	}
	out := make(map[int]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
