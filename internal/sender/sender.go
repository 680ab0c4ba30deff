// Package sender implements the transmission scheduler: it paces prebuilt
// frames across the selected traffic classes at a fixed aggregate rate.
package sender

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/tsn-verify/internal/frame"
	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

// Transmitter sends a single frame. netx.PacketConn implements it.
type Transmitter interface {
	Send(frame []byte) (int, error)
}

// counters are owned by the send loop and never shared while it runs.
type counters struct {
	packets [spec.MaxClasses]uint64
	bytes   [spec.MaxClasses]uint64
	total   uint64
	errors  uint64
}

// Run sends frames until the plan's duration has elapsed since the first
// slot or ctx is canceled, then returns the TX summary.
//
// Slots are scheduled at start + n*interval regardless of how long previous
// sends took: a late slot is sent as soon as possible and the following
// targets are not shifted. Slots still pending when the duration has
// elapsed are not sent. A failed send skips its slot. Errors are only
// returned for setup failures, before any frame is sent.
func Run(ctx context.Context, plan *Plan, tx Transmitter, pacer Pacer) (*model.TxSummary, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	templates, err := frame.BuildTemplates(plan.FrameParams(), plan.Classes)
	if err != nil {
		return nil, err
	}

	interval := plan.Interval()
	n := len(plan.Classes)
	log.Info("Starting transmission", "classes", model.FormatClasses(plan.Classes),
		"pps", plan.Rate, "per_class_pps", plan.PerClassRate(),
		"interval", interval, "frame_size", plan.FrameSize, "duration", plan.Duration)

	var c counters
	done := ctx.Done()
	start := time.Now()
	next := time.Duration(0)
	for i := 0; next < plan.Duration && time.Since(start) < plan.Duration; i++ {
		select {
		case <-done:
			log.Info("Transmission canceled", "sent", c.total)
			return summarize(plan, &c, time.Since(start)), nil
		default:
		}

		pacer.WaitUntil(start, next)
		class := plan.Classes[i%n]
		sent, err := tx.Send(templates[class])
		if err != nil || sent <= 0 {
			c.errors++
		} else {
			c.packets[class]++
			c.bytes[class] += uint64(sent)
			c.total++
		}
		next += interval
	}
	elapsed := time.Since(start)
	if c.errors > 0 {
		log.Warn("Some frames could not be sent", "errors", c.errors)
	}
	return summarize(plan, &c, elapsed), nil
}

func summarize(plan *Plan, c *counters, elapsed time.Duration) *model.TxSummary {
	secs := elapsed.Seconds()
	s := &model.TxSummary{
		Type:     spec.RecordSummary,
		Success:  true,
		Duration: secs,
		Total:    c.total,
		Errors:   c.errors,
		Sent:     map[int]model.ClassTx{},
	}
	if secs > 0 {
		s.PPS = float64(c.total) / secs
	}
	for _, class := range plan.Classes {
		ct := model.ClassTx{
			Packets: c.packets[class],
			Bytes:   c.bytes[class],
		}
		if secs > 0 {
			ct.Throughput = float64(ct.Bytes) * 8 / (secs * 1e6)
		}
		s.Sent[class] = ct
	}
	return s
}
