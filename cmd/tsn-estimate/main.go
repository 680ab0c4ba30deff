// tsn-estimate reads the output of tsn-capture from a file or stdin and
// prints the per-class capture statistics and a shaping estimate.
//
// The estimate is a heuristic derived from measured throughput and jitter;
// it is not read back from the device.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/tsn-verify/internal/estimator"
	"github.com/m-lab/tsn-verify/internal/report"
	"github.com/m-lab/tsn-verify/internal/stats"
	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

var (
	flagInput     = flag.String("input", "-", "Capture output to read (- for stdin)")
	flagClasses   = flag.String("classes", "", "Comma-separated classes under test (empty: every observed class)")
	flagMargin    = flag.Float64("margin", spec.MarginFactor, "Margin factor applied to measured throughput")
	flagLinkSpeed = flag.Float64("link-speed", spec.DefaultLinkSpeed, "Link speed in b/s used for CBS recommendations")
	flagFormat    = flagx.Enum{
		Options: []string{"table", "json"},
		Value:   "table",
	}
)

func init() {
	flag.Var(&flagFormat, "format", "Output format (table|json)")
}

// decode feeds r through a line decoder into a capture session.
func decode(r io.Reader) (*stats.Session, error) {
	dec := stats.NewDecoder()
	var session *stats.Session
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		for _, m := range dec.Feed(buf[:n]) {
			switch {
			case m.Header != nil:
				session = stats.NewSession(m.Header.Iface)
				session.SetHeader(m.Header)
			case m.Record != nil && session != nil:
				if _, _, err := session.Apply(m.Record); err != nil {
					log.Warn("Ignoring record", "error", err)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	dec.Close()
	if dec.Skipped > 0 {
		log.Warn("Skipped unparseable lines", "count", dec.Skipped, "last", dec.LastErr)
	}
	return session, nil
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not get args from environment")

	classes, err := model.ParseClasses(*flagClasses)
	rtx.Must(err, "invalid class list")

	in := io.Reader(os.Stdin)
	if *flagInput != "-" {
		f, err := os.Open(*flagInput)
		rtx.Must(err, "cannot open %s", *flagInput)
		defer f.Close()
		in = f
	}
	session, err := decode(bufio.NewReader(in))
	rtx.Must(err, "cannot read capture output")
	if session == nil {
		log.Fatal("No capture header found in input")
	}
	if !session.Final() {
		log.Warn("Capture output has no final record, estimating from the last sample")
	}
	session.Terminate()

	snap := session.Snapshot()
	est := estimator.Estimate(snap, classes, estimator.Options{
		Margin:    *flagMargin,
		LinkSpeed: *flagLinkSpeed,
	})

	switch flagFormat.Value {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		rtx.Must(enc.Encode(struct {
			Capture    *model.Snapshot   `json:"capture"`
			Estimation *model.Estimation `json:"estimation"`
		}{snap, est}), "cannot write output")
	default:
		report.WriteSnapshot(os.Stdout, snap)
		report.WriteEstimation(os.Stdout, est)
	}
}
