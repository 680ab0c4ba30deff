// Package estimator infers shaper parameters from a finished capture.
//
// The results are estimates: the idle slope is derived from measured
// throughput with a fixed margin, not read back from the device, and the
// per-class throughput it starts from is itself apportioned by packet
// share.
package estimator

import (
	"sort"

	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

// creditMargin is applied to the largest observed burst to recommend
// hiCredit.
const creditMargin = 1.5

// Options configures Estimate.
type Options struct {
	// Margin is the factor applied to measured throughput. Zero selects
	// spec.MarginFactor.
	Margin float64
	// LinkSpeed in b/s is used for the CBS send slope. Zero selects
	// spec.DefaultLinkSpeed.
	LinkSpeed float64
}

// Confidence returns the confidence bucket for a jitter value: the
// population stddev, in kb/s, of a class's per-window throughput. The
// thresholds are absolute. One frame more or less in a window moves the
// window throughput by frame bits / interval, so at 1000-byte frames and
// 500ms windows a single-frame wobble is already 16 kb/s and the bucket is
// low. Runs meant to reach high confidence need frame counts per window
// that are steady to the frame, or longer windows.
func Confidence(jitter float64) model.Confidence {
	switch {
	case jitter < spec.HighConfidenceJitter:
		return model.ConfidenceHigh
	case jitter < spec.MediumConfidenceJitter:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

// Estimate computes a per-class estimate for each class under test. With no
// classes, every class present in the snapshot is estimated. When the
// snapshot carries capture-side analysis, CBS recommendations and, if a
// cycle was detected, a TAS gate control list are added.
func Estimate(snap *model.Snapshot, classes []int, opts Options) *model.Estimation {
	if opts.Margin == 0 {
		opts.Margin = spec.MarginFactor
	}
	if opts.LinkSpeed == 0 {
		opts.LinkSpeed = spec.DefaultLinkSpeed
	}
	if len(classes) == 0 {
		classes = observedClasses(snap)
	}

	est := &model.Estimation{
		Iface:   snap.Iface,
		Classes: map[int]model.ClassEstimate{},
	}
	for _, c := range classes {
		est.Classes[c] = estimateClass(snap, c, opts.Margin)
	}

	if snap.Analysis == nil {
		return est
	}
	for _, c := range classes {
		ca, ok := snap.Analysis.Classes[c]
		if !ok {
			continue
		}
		est.CBS = append(est.CBS, recommendCBS(c, ca, est.Classes[c], opts.LinkSpeed))
	}
	if snap.Analysis.CycleNs > 0 {
		windows := map[int][]model.GateWindow{}
		for c, ca := range snap.Analysis.Classes {
			if len(ca.Windows) > 0 {
				windows[c] = ca.Windows
			}
		}
		if len(windows) > 0 {
			est.TAS = &model.TASConfig{
				CycleNs: snap.Analysis.CycleNs,
				GCL:     BuildGCL(uint64(snap.Analysis.CycleNs), windows),
			}
		}
	}
	return est
}

// measured returns a class's throughput in kb/s, preferring the mean over
// active windows to the last window's value.
func measured(snap *model.Snapshot, class int) (float64, bool) {
	if m, ok := snap.MeanThroughput[class]; ok {
		return m, true
	}
	if snap.Analysis != nil {
		if ca, ok := snap.Analysis.Classes[class]; ok && ca.MeasuredKbps > 0 {
			return ca.MeasuredKbps, true
		}
	}
	cs, ok := snap.Classes[class]
	return cs.Throughput, ok
}

func estimateClass(snap *model.Snapshot, class int, margin float64) model.ClassEstimate {
	m, ok := measured(snap, class)
	if !ok {
		return model.ClassEstimate{Confidence: model.ConfidenceLow, Missing: true}
	}
	jitter := snap.Jitter[class]
	return model.ClassEstimate{
		Measured:   m,
		Estimated:  m * margin,
		Variance:   jitter * jitter,
		Jitter:     jitter,
		Confidence: Confidence(jitter),
	}
}

func recommendCBS(class int, ca model.ClassAnalysis, ce model.ClassEstimate, link float64) model.CBSConfig {
	idle := ce.Estimated * 1000
	hi := float64(ca.MaxBurstBytes) * creditMargin
	cfg := model.CBSConfig{
		Class:      class,
		IdleSlope:  idle,
		SendSlope:  idle - link,
		HiCredit:   hi,
		LoCredit:   -hi,
		Shaped:     ca.Shaped,
		Confidence: ce.Confidence,
	}
	if !ca.Shaped {
		cfg.Confidence = model.ConfidenceLow
	}
	return cfg
}

func observedClasses(snap *model.Snapshot) []int {
	var classes []int
	for c := range snap.Classes {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	return classes
}
