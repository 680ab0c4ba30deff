package model

import (
	"strconv"
	"strings"
)

// SendRequest is the input of a generator run.
type SendRequest struct {
	// Iface is the transmitting interface.
	Iface string `json:"iface" yaml:"iface"`
	// Dst and Src are the destination and source MAC addresses.
	Dst string `json:"dst" yaml:"dst"`
	Src string `json:"src" yaml:"src"`
	// VLAN is the 802.1Q VLAN identifier.
	VLAN int `json:"vlan" yaml:"vlan"`
	// Classes is the list of traffic classes to send, in round-robin order.
	Classes []int `json:"classes" yaml:"classes"`
	// PPS is the aggregate packets-per-second target across all classes.
	PPS int `json:"pps" yaml:"pps"`
	// Duration is the run duration in seconds.
	Duration int `json:"duration" yaml:"duration"`
	// FrameSize is the total frame length in bytes.
	FrameSize int `json:"frame_size" yaml:"frame_size"`
	// Pacer selects the pacing strategy ("spin" or "hybrid").
	Pacer string `json:"pacer,omitempty" yaml:"pacer,omitempty"`
}

// CaptureRequest is the input of a capture run.
type CaptureRequest struct {
	// Iface is the receiving interface.
	Iface string `json:"iface" yaml:"iface"`
	// Duration is the capture duration in seconds.
	Duration int `json:"duration" yaml:"duration"`
	// VLAN is advisory: frames on other VLANs are ignored when the tag is
	// visible, but classification may fall back to payload markers.
	VLAN int `json:"vlan" yaml:"vlan"`
	// Src optionally restricts capture to frames from this MAC address.
	Src string `json:"src,omitempty" yaml:"src,omitempty"`
	// IntervalMs is the sampling interval. Zero selects the default.
	IntervalMs int `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`
}

// TestRequest starts a capture on RxIface followed by a generator run on the
// Send interface.
type TestRequest struct {
	// Profile names a preset loaded by the server. Fields set explicitly in
	// the request override the profile.
	Profile string      `json:"profile,omitempty" yaml:"-"`
	RxIface string      `json:"rx_iface" yaml:"rx_iface"`
	Send    SendRequest `json:"send" yaml:"send"`
	// CaptureSlack is added to the capture duration so the tail of the
	// transmission is observed, in seconds.
	CaptureSlack int `json:"capture_slack,omitempty" yaml:"capture_slack,omitempty"`
}

// FormatClasses renders a class list as "6,7".
func FormatClasses(classes []int) string {
	s := make([]string, len(classes))
	for i, c := range classes {
		s[i] = strconv.Itoa(c)
	}
	return strings.Join(s, ",")
}

// ParseClasses parses a class list such as "6,7". Empty elements are skipped.
func ParseClasses(s string) ([]int, error) {
	var classes []int
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		c, err := strconv.Atoi(tok)
		if err != nil {
			return nil, err
		}
		classes = append(classes, c)
	}
	return classes, nil
}

// Response is the body of tsn-server API replies other than status, estimate
// and result queries.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	// ID is the test ID assigned by a test request.
	ID string `json:"id,omitempty"`
	// Keys lists the affected "role:iface" process keys.
	Keys []string `json:"keys,omitempty"`
}
