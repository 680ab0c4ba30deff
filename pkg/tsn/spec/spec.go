// Package spec contains constants for the tsn-verify tools and their line
// protocol.
package spec

import "time"

const (
	// MaxClasses is the number of traffic classes (802.1Q PCP values).
	MaxClasses = 8

	// MinFrameSize is the smallest frame the generator will build, in bytes.
	MinFrameSize = 64
	// MaxFrameSize is the largest VLAN-tagged frame the generator will build.
	MaxFrameSize = 1518
	// DefaultFrameSize gives ~8Mb/s per class at 1000 pps.
	DefaultFrameSize = 1000

	// DefaultVLAN is the VLAN used when the caller does not provide one.
	DefaultVLAN = 100

	// SrcPortBase and DstPortBase are offset by the traffic class.
	SrcPortBase = 10000
	DstPortBase = 20000

	// SampleInterval is the capture-side sampling period.
	SampleInterval = 500 * time.Millisecond

	// GracePeriod is how long a subprocess has to exit after SIGTERM before
	// it is killed.
	GracePeriod = 2 * time.Second

	// MaxDuration bounds the duration of a single generator or capture run.
	MaxDuration = 10 * time.Minute

	// MarginFactor is applied to measured throughput to estimate the idle
	// slope of a credit-based shaper.
	MarginFactor = 1.1

	// HighConfidenceJitter and MediumConfidenceJitter are the jitter
	// thresholds (kb/s of per-window stddev) for the confidence buckets.
	HighConfidenceJitter   = 5.0
	MediumConfidenceJitter = 10.0

	// BurstGap separates two bursts of the same class.
	BurstGap = 500 * time.Microsecond

	// MaxTimestamps bounds the per-class arrival timestamps kept for analysis.
	MaxTimestamps = 100000

	// DefaultLinkSpeed is the link speed assumed for CBS recommendations, in b/s.
	DefaultLinkSpeed = 100e6
)

// Payload marker written at the start of every generated payload. The third
// byte is '0' + traffic class.
var Marker = [2]byte{'T', 'C'}

// HTTP API paths of tsn-server.
const (
	SenderPath   = "/tsn/v1/sender"
	CapturePath  = "/tsn/v1/capture"
	TestPath     = "/tsn/v1/test"
	StopPath     = "/tsn/v1/stop"
	StatusPath   = "/tsn/v1/status"
	EstimatePath = "/tsn/v1/estimate"
	EventsPath   = "/tsn/v1/events"
	ResultPath   = "/tsn/v1/result"
)

// Role is the role of a supervised subprocess.
type Role string

const (
	// RoleSender is the traffic generator.
	RoleSender = Role("sender")
	// RoleCapture is the capture process.
	RoleCapture = Role("capture")
)

// RecordType is the value of the "type" field of a line protocol record.
type RecordType string

const (
	// RecordHeader is the first line written by every subprocess.
	RecordHeader = RecordType("header")
	// RecordStats is a periodic capture record.
	RecordStats = RecordType("stats")
	// RecordFinal is the last capture record.
	RecordFinal = RecordType("final")
	// RecordSummary is the generator's only result line.
	RecordSummary = RecordType("summary")
)

// UnclassifiedNote flags records where no class could be observed and all
// traffic was attributed to class 0.
const UnclassifiedNote = "unclassified"
