package model

import (
	"time"

	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

// ClassStats is the decoded per-class part of a Snapshot.
type ClassStats struct {
	// Count is the cumulative packet count.
	Count uint64 `json:"count"`
	// Throughput is the class's share of the window bit rate, in kb/s. It is
	// apportioned by packet count and is an approximation.
	Throughput float64 `json:"throughput"`
	// AvgLatency is in microseconds, zero when not reported.
	AvgLatency float64 `json:"avg_latency"`
}

// Snapshot is the decoded state of a capture session after a record.
type Snapshot struct {
	Iface     string  `json:"iface"`
	ElapsedMs int64   `json:"elapsed_ms"`
	Total     uint64  `json:"total"`
	Bytes     uint64  `json:"bytes"`
	TotalPPS  float64 `json:"total_pps"`
	// TotalThroughput is in kb/s.
	TotalThroughput float64            `json:"total_throughput"`
	Drops           uint64             `json:"drops"`
	Classes         map[int]ClassStats `json:"tc"`
	// Jitter is the per-class standard deviation of window throughput, kb/s.
	Jitter map[int]float64 `json:"jitter,omitempty"`
	// MeanThroughput is the per-class mean window throughput, kb/s, over the
	// windows in which the class was active.
	MeanThroughput map[int]float64 `json:"mean_throughput,omitempty"`
	Latency        *Latency        `json:"latency,omitempty"`
	Analysis       *Analysis       `json:"analysis,omitempty"`
	Final          bool            `json:"final"`
	// Note is set to spec.UnclassifiedNote when no class markers were seen.
	Note string `json:"note,omitempty"`
}

// DeltaEvent is a synthetic single-packet arrival reconstructed from
// cumulative counters. It is for visualization only.
type DeltaEvent struct {
	Class     int     `json:"tc"`
	ElapsedMs float64 `json:"t"`
}

// GateWindow is a detected gate-open window within a TAS cycle.
type GateWindow struct {
	StartUs    float64 `json:"start_us"`
	DurationUs float64 `json:"duration_us"`
}

// ClassAnalysis is the capture-side timing analysis for one class.
type ClassAnalysis struct {
	Packets       int          `json:"packets"`
	Bytes         uint64       `json:"bytes"`
	DurationMs    float64      `json:"duration_ms"`
	MeasuredKbps  float64      `json:"measured_kbps"`
	Bursts        int          `json:"bursts"`
	AvgBurstUs    float64      `json:"avg_burst_us"`
	AvgGapUs      float64      `json:"avg_gap_us"`
	MaxBurstBytes uint64       `json:"max_burst_bytes"`
	BurstRatio    float64      `json:"burst_ratio"`
	Shaped        bool         `json:"shaped"`
	IntervalUs    float64      `json:"interval_us"`
	JitterUs      float64      `json:"jitter_us"`
	Windows       []GateWindow `json:"windows,omitempty"`
}

// Analysis is attached to the final capture record.
type Analysis struct {
	// CycleNs is the detected TAS cycle, zero when none was detected.
	CycleNs int64                 `json:"cycle_ns"`
	Classes map[int]ClassAnalysis `json:"tc"`
}

// Confidence is the confidence bucket of an estimate.
type Confidence string

const (
	ConfidenceHigh   = Confidence("high")
	ConfidenceMedium = Confidence("medium")
	ConfidenceLow    = Confidence("low")
)

// ClassEstimate is the shaping estimate for one class. All rates are kb/s.
type ClassEstimate struct {
	Measured   float64    `json:"measured"`
	Estimated  float64    `json:"estimated"`
	Variance   float64    `json:"variance"`
	Jitter     float64    `json:"jitter"`
	Confidence Confidence `json:"confidence"`
	// Missing is true when the class was under test but never observed.
	Missing bool `json:"missing,omitempty"`
}

// CBSConfig is a recommended credit-based shaper configuration.
type CBSConfig struct {
	Class      int        `json:"tc"`
	IdleSlope  float64    `json:"idle_slope_bps"`
	SendSlope  float64    `json:"send_slope_bps"`
	HiCredit   float64    `json:"hi_credit_bytes"`
	LoCredit   float64    `json:"lo_credit_bytes"`
	Shaped     bool       `json:"shaped"`
	Confidence Confidence `json:"confidence"`
}

// GCLEntry is one gate control list entry.
type GCLEntry struct {
	// Gates renders the gate mask MSB first, TC7 to TC0.
	Gates  string `json:"gate_states"`
	Value  uint8  `json:"gate_value"`
	TimeNs uint64 `json:"time_ns"`
}

// TASConfig is an estimated time-aware shaper configuration.
type TASConfig struct {
	CycleNs int64      `json:"cycle_ns"`
	GCL     []GCLEntry `json:"gcl"`
}

// Estimation is the output of the shaping estimator.
type Estimation struct {
	Iface   string                `json:"iface"`
	Classes map[int]ClassEstimate `json:"tc"`
	CBS     []CBSConfig           `json:"cbs,omitempty"`
	TAS     *TASConfig            `json:"tas,omitempty"`
}

// EventKind is the kind of a lifecycle Event.
type EventKind string

const (
	// EventStats carries a periodic capture snapshot.
	EventStats = EventKind("stats")
	// EventStopped is the terminal event of a subprocess.
	EventStopped = EventKind("stopped")
)

// Event is emitted by the process lifecycle manager.
type Event struct {
	Kind  EventKind `json:"kind"`
	Role  spec.Role `json:"role"`
	Iface string    `json:"iface"`
	// PID identifies the run that produced the event.
	PID     int          `json:"pid"`
	Stats   *Snapshot    `json:"stats,omitempty"`
	Deltas  []DeltaEvent `json:"deltas,omitempty"`
	Summary *TxSummary   `json:"summary,omitempty"`
	// ExitCode is set on EventStopped. Negative values are signals.
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// Status is the answer to a status query.
type Status struct {
	Role      spec.Role  `json:"role"`
	Iface     string     `json:"iface"`
	Active    bool       `json:"active"`
	PID       int        `json:"pid,omitempty"`
	StartTime time.Time  `json:"start_time,omitempty"`
	Stats     *Snapshot  `json:"stats,omitempty"`
	Summary   *TxSummary `json:"summary,omitempty"`
	// Config is the SendRequest or CaptureRequest the process was started
	// with.
	Config any `json:"config,omitempty"`
}

// ArchivalData is the archival format of a finished test.
type ArchivalData struct {
	GitShortCommit string
	Version        string
	ID             string
	StartTime      time.Time
	EndTime        time.Time
	Request        TestRequest
	Summary        *TxSummary
	Capture        *Snapshot
	Estimation     *Estimation
	// Errors lists abnormal subprocess exits observed during the test.
	Errors []string `json:",omitempty"`
}
