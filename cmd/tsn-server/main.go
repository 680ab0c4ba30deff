// tsn-server exposes the generator and capture tools over an HTTP API. It
// supervises one tsn-sender and one tsn-capture subprocess per interface,
// streams their progress over WebSocket and estimates shaper parameters from
// finished captures.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/tsn-verify/internal/estimator"
	"github.com/m-lab/tsn-verify/internal/handler"
	"github.com/m-lab/tsn-verify/internal/process"
	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
	"github.com/m-lab/tsn-verify/pkg/version"
)

var (
	flagAddr         = flag.String("addr", ":8080", "Listen address/port for the API")
	flagSenderBin    = flag.String("sender", "tsn-sender", "Path of the tsn-sender binary")
	flagCaptureBin   = flag.String("capture", "tsn-capture", "Path of the tsn-capture binary")
	flagDataDir      = flag.String("datadir", "", "Directory to archive finished tests in (empty disables archival)")
	flagProfiles     = flag.String("profiles", "", "YAML file with named test profiles")
	flagGrace        = flag.Duration("grace", spec.GracePeriod, "Time a subprocess has to exit after SIGTERM")
	flagResultTTL    = flag.Duration("result.ttl", 10*time.Minute, "How long finished test results are kept in memory")
	flagMargin       = flag.Float64("margin", spec.MarginFactor, "Margin factor applied to measured throughput")
	flagLinkSpeed    = flag.Float64("link-speed", spec.DefaultLinkSpeed, "Link speed in b/s used for CBS recommendations")
	flagMaxDeltas    = flag.Int("max-events-per-class", 1000, "Maximum synthetic arrivals per class in a stats event (0 for no limit)")
	flagShutdownWait = flag.Duration("shutdown-timeout", 5*time.Second, "Time to wait for HTTP connections on shutdown")
	flagDebug        = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "could not get args from environment")

	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
	}

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	var profiles map[string]model.TestRequest
	if *flagProfiles != "" {
		var err error
		profiles, err = handler.LoadProfiles(*flagProfiles)
		rtx.Must(err, "cannot load profiles from %s", *flagProfiles)
		log.Info("Loaded test profiles", "file", *flagProfiles, "count", len(profiles))
	}

	reg := process.New(process.Config{
		Command: process.Commands{
			Sender:  *flagSenderBin,
			Capture: *flagCaptureBin,
		}.Command,
		Grace:             *flagGrace,
		MaxEventsPerClass: *flagMaxDeltas,
	})
	h := handler.New(reg, handler.Config{
		DataDir:   *flagDataDir,
		Profiles:  profiles,
		ResultTTL: *flagResultTTL,
		Estimator: estimator.Options{
			Margin:    *flagMargin,
			LinkSpeed: *flagLinkSpeed,
		},
	})
	go h.Run(reg.Events())

	srv := &http.Server{
		Addr:    *flagAddr,
		Handler: h.Mux(),
		// The events endpoint is long-lived, so only the request read is
		// bounded.
		ReadTimeout: time.Minute,
	}
	go func() {
		log.Info("About to listen for API requests", "endpoint", *flagAddr, "version", version.Version)
		err := srv.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			rtx.Must(err, "could not start API server")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	<-ctx.Done()

	// Every subprocess is terminated and its stopped event queued before
	// the handler drains the events and archives the results.
	log.Info("Shutting down", "live", len(reg.Keys()))
	reg.Close()
	h.Close()
	sctx, cancel := context.WithTimeout(context.Background(), *flagShutdownWait)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
}
