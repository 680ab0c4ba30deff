package model

import (
	"time"

	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

// Header is the first line written by a subprocess.
type Header struct {
	Type       spec.RecordType `json:"type"`
	Role       spec.Role       `json:"role"`
	Iface      string          `json:"iface"`
	Version    string          `json:"version"`
	StartTime  time.Time       `json:"start_time"`
	IntervalMs int64           `json:"interval_ms,omitempty"`
	VLAN       int             `json:"vlan,omitempty"`
	Classes    []int           `json:"classes,omitempty"`
}

// Record is a capture measurement record as written on the wire. Counters
// are cumulative since the start of the capture; rates refer to the last
// sampling window.
type Record struct {
	Type      spec.RecordType `json:"type"`
	ElapsedMs int64           `json:"elapsed_ms"`
	// Packets and Bytes count every captured test frame, classified or not.
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	// PPS and BPS are the aggregate packet and bit rates over the window.
	PPS float64 `json:"pps"`
	BPS float64 `json:"bps"`
	// Drops is the number of frames dropped by the kernel.
	Drops uint64 `json:"drops"`
	// Classes maps a traffic class to its cumulative packet count.
	Classes map[int]uint64 `json:"tc"`
	// Latency is optional per-class latency, in microseconds. tsn-capture
	// does not set it.
	Latency map[int]Latency `json:"latency,omitempty"`
	// Analysis is only present in the final record.
	Analysis *Analysis `json:"analysis,omitempty"`
}

// Latency is a min/avg/max triple in microseconds.
type Latency struct {
	Min float64 `json:"min"`
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
}

// ClassTx is the per-class part of a TxSummary.
type ClassTx struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	// Throughput is in Mb/s.
	Throughput float64 `json:"throughput"`
}

// TxSummary is the generator's result, written once when the run ends.
type TxSummary struct {
	Type    spec.RecordType `json:"type"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	// Duration is the measured wall-clock duration in seconds.
	Duration float64 `json:"duration"`
	Total    uint64  `json:"total"`
	// PPS is the achieved aggregate rate.
	PPS    float64         `json:"pps"`
	Errors uint64          `json:"errors"`
	Sent   map[int]ClassTx `json:"sent"`
}
