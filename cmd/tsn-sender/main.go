// tsn-sender transmits VLAN-tagged test frames round-robin across a set of
// traffic classes at a fixed aggregate rate. It writes a header line and a
// summary line to stdout; logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/tsn-verify/internal/netx"
	"github.com/m-lab/tsn-verify/internal/report"
	"github.com/m-lab/tsn-verify/internal/sender"
	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
	"github.com/m-lab/tsn-verify/pkg/version"
)

var (
	flagIface    = flag.String("iface", "", "Interface to send on")
	flagDst      = flag.String("dst", "", "Destination MAC address")
	flagSrc      = flag.String("src", "", "Source MAC address")
	flagVLAN     = flag.Int("vlan", spec.DefaultVLAN, "VLAN ID")
	flagClasses  = flag.String("classes", "0", "Comma-separated traffic classes to send, round-robin")
	flagPPS      = flag.Int("pps", 1000, "Aggregate packets per second across all classes")
	flagDuration = flag.Int("duration", 10, "Duration of the run in seconds")
	flagSize     = flag.Int("size", spec.DefaultFrameSize, "Total frame length in bytes")
	flagPacer    = flagx.Enum{
		Options: []string{sender.PacerSpin, sender.PacerHybrid},
		Value:   sender.PacerSpin,
	}
	flagFormat = flagx.Enum{
		Options: []string{"json", "table"},
		Value:   "json",
	}
	flagDebug = flag.Bool("debug", false, "Enable debug logging")
)

func init() {
	flag.Var(&flagPacer, "pacer", "Pacing strategy (spin|hybrid)")
	flag.Var(&flagFormat, "format", "Output format (json|table)")
}

// fail reports a setup error as an unsuccessful summary and exits.
func fail(enc *json.Encoder, err error, msg string) {
	log.Error(msg, "error", err)
	if flagFormat.Value == "json" {
		enc.Encode(&model.TxSummary{Type: spec.RecordSummary, Error: err.Error()})
	}
	os.Exit(1)
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not get args from environment")

	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	enc := json.NewEncoder(os.Stdout)
	classes, err := model.ParseClasses(*flagClasses)
	if err != nil {
		fail(enc, err, "Invalid class list")
	}
	req := model.SendRequest{
		Iface:     *flagIface,
		Dst:       *flagDst,
		Src:       *flagSrc,
		VLAN:      *flagVLAN,
		Classes:   classes,
		PPS:       *flagPPS,
		Duration:  *flagDuration,
		FrameSize: *flagSize,
		Pacer:     flagPacer.Value,
	}
	plan, err := sender.NewPlan(req)
	if err != nil {
		fail(enc, err, "Invalid transmission plan")
	}
	pacer, err := sender.NewPacer(req.Pacer)
	if err != nil {
		fail(enc, err, "Invalid pacer")
	}

	conn, err := netx.Listen(*flagIface)
	if err != nil {
		fail(enc, err, "Cannot open interface")
	}
	defer conn.Close()

	if err := netx.RequestRealtime(); err != nil {
		log.Warn("Real-time scheduling not available", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	if flagFormat.Value == "json" {
		rtx.Must(enc.Encode(&model.Header{
			Type:      spec.RecordHeader,
			Role:      spec.RoleSender,
			Iface:     *flagIface,
			Version:   version.Version,
			StartTime: time.Now(),
			VLAN:      plan.VLAN,
			Classes:   plan.Classes,
		}), "cannot write header")
	}

	log.Info("Sending", "iface", *flagIface, "classes", plan.Classes, "pps", plan.Rate,
		"per_class", plan.PerClassRate(), "size", plan.FrameSize, "duration", plan.Duration,
		"pacer", req.Pacer)
	summary, err := sender.Run(ctx, plan, conn, pacer)
	if err != nil {
		fail(enc, err, "Cannot run transmission plan")
	}
	log.Info("Done", "total", summary.Total, "pps", summary.PPS, "errors", summary.Errors)

	switch flagFormat.Value {
	case "table":
		report.WriteSummary(os.Stdout, summary)
	default:
		rtx.Must(enc.Encode(summary), "cannot write summary")
	}
}
