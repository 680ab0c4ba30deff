// tsn-capture counts test frames per traffic class on an interface and
// writes a header line, a stats record per sampling interval and a final
// record with the timing analysis to stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/tsn-verify/internal/capture"
	"github.com/m-lab/tsn-verify/internal/frame"
	"github.com/m-lab/tsn-verify/internal/netx"
	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
	"github.com/m-lab/tsn-verify/pkg/version"
)

// readTimeout bounds how late a sample can be on an idle link.
const readTimeout = 50 * time.Millisecond

var (
	flagIface    = flag.String("iface", "", "Interface to capture on")
	flagVLAN     = flag.Int("vlan", spec.DefaultVLAN, "VLAN ID of the test traffic (0 accepts any VLAN)")
	flagSrc      = flag.String("src", "", "Only count frames from this MAC address")
	flagDuration = flag.Int("duration", 10, "Capture duration in seconds (0 runs until terminated)")
	flagInterval = flag.Duration("interval", spec.SampleInterval, "Sampling interval")
	flagCycle    = flag.Duration("cycle", 0, "Expected TAS cycle (0 detects it)")
	flagDebug    = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not get args from environment")

	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	var src net.HardwareAddr
	if *flagSrc != "" {
		var err error
		src, err = frame.ParseMAC(*flagSrc)
		rtx.Must(err, "invalid source address")
	}

	conn, err := netx.Listen(*flagIface)
	rtx.Must(err, "cannot open interface %q", *flagIface)
	defer conn.Close()
	rtx.Must(conn.SetReadTimeout(readTimeout), "cannot set read timeout")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	rtx.Must(enc.Encode(&model.Header{
		Type:       spec.RecordHeader,
		Role:       spec.RoleCapture,
		Iface:      *flagIface,
		Version:    version.Version,
		StartTime:  time.Now(),
		IntervalMs: flagInterval.Milliseconds(),
		VLAN:       *flagVLAN,
	}), "cannot write header")

	records, err := capture.Start(ctx, conn, capture.Config{
		VLAN:     *flagVLAN,
		Src:      src,
		Interval: *flagInterval,
		Duration: time.Duration(*flagDuration) * time.Second,
		Cycle:    *flagCycle,
	})
	rtx.Must(err, "cannot start capture")

	for r := range records {
		// A closed stdout means the supervisor is gone; keep draining so the
		// capture goroutine can finish.
		if err := enc.Encode(&r); err != nil {
			log.Debug("Cannot write record", "error", err)
		}
	}
}
