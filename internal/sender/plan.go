package sender

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/m-lab/tsn-verify/internal/frame"
	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

var (
	// ErrNoClasses is returned when a plan selects no traffic class.
	ErrNoClasses = errors.New("at least one traffic class must be selected")
	// ErrInvalidRate is returned when the aggregate rate is not positive.
	ErrInvalidRate = errors.New("aggregate rate must be positive")
	// ErrInvalidDuration is returned for non-positive or excessive durations.
	ErrInvalidDuration = errors.New("invalid duration")
)

// Plan is an immutable description of a generator run.
type Plan struct {
	// Classes are sent round-robin in this order. Repeating a class gives it
	// a proportionally larger share.
	Classes []int
	// Rate is the aggregate packets-per-second target.
	Rate      int
	FrameSize int
	Duration  time.Duration
	Dst       net.HardwareAddr
	Src       net.HardwareAddr
	VLAN      int
}

// NewPlan converts and validates a SendRequest.
func NewPlan(req model.SendRequest) (*Plan, error) {
	dst, err := frame.ParseMAC(req.Dst)
	if err != nil {
		return nil, err
	}
	src, err := frame.ParseMAC(req.Src)
	if err != nil {
		return nil, err
	}
	size := req.FrameSize
	if size == 0 {
		size = spec.DefaultFrameSize
	}
	p := &Plan{
		Classes:   append([]int(nil), req.Classes...),
		Rate:      req.PPS,
		FrameSize: frame.ClampSize(size),
		Duration:  time.Duration(req.Duration) * time.Second,
		Dst:       dst,
		Src:       src,
		VLAN:      req.VLAN,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the plan invariants.
func (p *Plan) Validate() error {
	if len(p.Classes) == 0 {
		return ErrNoClasses
	}
	for _, c := range p.Classes {
		if c < 0 || c >= spec.MaxClasses {
			return fmt.Errorf("%w: %d", frame.ErrInvalidClass, c)
		}
	}
	if p.Rate <= 0 {
		return ErrInvalidRate
	}
	if p.Duration <= 0 || p.Duration > spec.MaxDuration {
		return fmt.Errorf("%w: %s", ErrInvalidDuration, p.Duration)
	}
	if p.VLAN < 0 || p.VLAN > 4094 {
		return frame.ErrInvalidVLAN
	}
	return nil
}

// Interval is the fixed spacing between two send slots.
func (p *Plan) Interval() time.Duration {
	return time.Second / time.Duration(p.Rate)
}

// PerClassRate is each class's share of the aggregate rate, rounded down.
func (p *Plan) PerClassRate() int {
	return p.Rate / len(p.Classes)
}

// FrameParams returns the frame builder inputs common to all classes.
func (p *Plan) FrameParams() frame.Params {
	return frame.Params{
		Dst:  p.Dst,
		Src:  p.Src,
		VLAN: p.VLAN,
		Size: p.FrameSize,
	}
}
