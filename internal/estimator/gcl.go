package estimator

import (
	"sort"

	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

type gateEvent struct {
	at    uint64
	class int
	open  bool
}

// BuildGCL converts per-class gate windows within a cycle into a gate
// control list. Entries cover the whole cycle and consecutive entries with
// the same gate state are merged.
func BuildGCL(cycleNs uint64, windows map[int][]model.GateWindow) []model.GCLEntry {
	if cycleNs == 0 {
		return nil
	}
	var gates uint8
	var events []gateEvent
	for class, ws := range windows {
		if class < 0 || class >= spec.MaxClasses {
			continue
		}
		for _, w := range ws {
			if w.DurationUs <= 0 {
				continue
			}
			start := uint64(w.StartUs*1000) % cycleNs
			end := start + uint64(w.DurationUs*1000)
			wraps := end > cycleNs
			if end >= cycleNs {
				end -= cycleNs
			}
			if start == 0 || wraps {
				gates |= 1 << class
			}
			events = append(events, gateEvent{at: start, class: class, open: true})
			if end != 0 {
				events = append(events, gateEvent{at: end, class: class, open: false})
			}
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].at < events[j].at
	})

	var gcl []model.GCLEntry
	var last uint64
	for _, e := range events {
		if e.at > last {
			gcl = append(gcl, entry(gates, e.at-last))
			last = e.at
		}
		if e.open {
			gates |= 1 << e.class
		} else {
			gates &^= 1 << e.class
		}
	}
	if last < cycleNs {
		gcl = append(gcl, entry(gates, cycleNs-last))
	}

	merged := gcl[:0]
	for _, g := range gcl {
		if n := len(merged); n > 0 && merged[n-1].Value == g.Value {
			merged[n-1].TimeNs += g.TimeNs
			continue
		}
		merged = append(merged, g)
	}
	return merged
}

func entry(gates uint8, d uint64) model.GCLEntry {
	return model.GCLEntry{Gates: GateString(gates), Value: gates, TimeNs: d}
}

// GateString renders a gate mask MSB first, TC7 to TC0.
func GateString(gates uint8) string {
	b := make([]byte, spec.MaxClasses)
	for i := range b {
		if gates&(1<<(spec.MaxClasses-1-i)) != 0 {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
	}
	return string(b)
}
