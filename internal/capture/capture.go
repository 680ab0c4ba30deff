// Package capture counts received test frames per traffic class and
// reports cumulative counters at a fixed sampling interval.
package capture

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/tsn-verify/internal/analysis"
	"github.com/m-lab/tsn-verify/internal/netx"
	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

// maxRecvErrors is the number of consecutive receive errors after which the
// capture ends.
const maxRecvErrors = 100

// Source delivers captured frames. Recv must return netx.ErrTimeout
// periodically when idle so that samples are emitted on time.
// netx.PacketConn implements it.
type Source interface {
	Recv(buf []byte) (int, netx.AuxData, error)
	Drops() (uint64, error)
}

// Config configures a capture.
type Config struct {
	VLAN int
	// Src restricts the capture to frames from this address when not nil.
	Src net.HardwareAddr
	// Interval is the sampling interval. Zero selects spec.SampleInterval.
	Interval time.Duration
	// Duration ends the capture. Zero captures until the context is done.
	Duration time.Duration
	// Cycle is the expected TAS cycle. Zero enables cycle detection.
	Cycle time.Duration
}

type capturer struct {
	src      Source
	cfg      Config
	cls      *Classifier
	analyzer *analysis.Analyzer
	buf      []byte

	start      time.Time
	packets    uint64
	bytes      uint64
	classes    [spec.MaxClasses]uint64
	drops      uint64
	lastSample time.Duration
	lastPkts   uint64
	lastBytes  uint64

	dst chan model.Record
}

// Start starts a capture goroutine that reads frames from src and sends a
// stats Record every sampling interval over the returned channel. When the
// duration elapses or ctx is done, a final Record carrying the timing
// analysis is sent and the channel is closed. Callers must drain the
// channel.
func Start(ctx context.Context, src Source, cfg Config) (<-chan model.Record, error) {
	if cfg.Interval == 0 {
		cfg.Interval = spec.SampleInterval
	}
	// The ticker outlives ctx so that its channel is never closed while the
	// final record is being produced.
	tctx, cancel := context.WithCancel(context.Background())
	t, err := memoryless.NewTicker(tctx, memoryless.Config{
		Min:      cfg.Interval,
		Expected: cfg.Interval,
		Max:      cfg.Interval,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	c := &capturer{
		src:      src,
		cfg:      cfg,
		cls:      NewClassifier(cfg.VLAN, cfg.Src),
		analyzer: analysis.New(cfg.Cycle),
		buf:      make([]byte, 65536),
		// Same sizing as a measurement channel: ~50s of samples.
		dst: make(chan model.Record, 100),
	}
	go func() {
		defer cancel()
		defer t.Stop()
		c.start = time.Now()
		c.loop(ctx, t.C)
	}()
	return c.dst, nil
}

func (c *capturer) loop(ctx context.Context, tick <-chan time.Time) {
	defer close(c.dst)
	log.Info("Capture started", "vlan", c.cfg.VLAN, "interval", c.cfg.Interval,
		"duration", c.cfg.Duration)

	var deadline <-chan time.Time
	if c.cfg.Duration > 0 {
		timer := time.NewTimer(c.cfg.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	errs := 0
	for {
		select {
		case <-ctx.Done():
			c.finish()
			return
		case <-deadline:
			c.finish()
			return
		case <-tick:
			c.dst <- c.sample(spec.RecordStats)
		default:
		}

		n, aux, err := c.src.Recv(c.buf)
		if errors.Is(err, netx.ErrTimeout) {
			continue
		}
		if err != nil {
			errs++
			if errs >= maxRecvErrors {
				log.Error("Too many receive errors, stopping capture", "err", err)
				c.finish()
				return
			}
			continue
		}
		errs = 0
		c.count(c.buf[:n], aux)
	}
}

func (c *capturer) count(b []byte, aux netx.AuxData) {
	class, ok := c.cls.Classify(b, aux)
	if !ok {
		return
	}
	l := wireLen(len(b), aux)
	c.packets++
	c.bytes += uint64(l)
	if class == Unclassified {
		return
	}
	c.classes[class]++
	c.analyzer.Add(class, time.Since(c.start), l)
}

// sample returns a record with the cumulative counters and the rates since
// the previous sample.
func (c *capturer) sample(typ spec.RecordType) model.Record {
	now := time.Since(c.start)
	if d, err := c.src.Drops(); err == nil {
		c.drops += d
	}
	r := model.Record{
		Type:      typ,
		ElapsedMs: now.Milliseconds(),
		Packets:   c.packets,
		Bytes:     c.bytes,
		Drops:     c.drops,
		Classes:   map[int]uint64{},
	}
	if window := (now - c.lastSample).Seconds(); window > 0 {
		r.PPS = float64(c.packets-c.lastPkts) / window
		r.BPS = float64(c.bytes-c.lastBytes) * 8 / window
	}
	for class, n := range c.classes {
		if n > 0 {
			r.Classes[class] = n
		}
	}
	c.lastSample, c.lastPkts, c.lastBytes = now, c.packets, c.bytes
	return r
}

func (c *capturer) finish() {
	r := c.sample(spec.RecordFinal)
	r.Analysis = c.analyzer.Result()
	log.Info("Capture finished", "packets", c.packets, "drops", c.drops,
		"cycle_ns", r.Analysis.CycleNs)
	c.dst <- r
}
