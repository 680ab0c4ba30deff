// Package process supervises tsn-sender and tsn-capture subprocesses: at
// most one live process per role and interface, bounded termination, and a
// stream of stats and lifecycle events.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	pkgerrors "github.com/pkg/errors"

	"github.com/m-lab/tsn-verify/internal/metrics"
	"github.com/m-lab/tsn-verify/internal/stats"
	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

// eventBuffer is the size of the events channel.
const eventBuffer = 256

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("registry is closed")

// Key identifies a process record.
type Key struct {
	Role  spec.Role
	Iface string
}

func (k Key) String() string {
	return string(k.Role) + ":" + k.Iface
}

// Config configures a Registry.
type Config struct {
	// Command builds subprocess commands.
	Command CommandFunc
	// Grace is how long a process has to exit after SIGTERM. Zero selects
	// spec.GracePeriod.
	Grace time.Duration
	// MaxEventsPerClass bounds the synthetic arrivals per class in a stats
	// event. Zero means no bound.
	MaxEventsPerClass int
	// Stderr receives the subprocesses' stderr. Nil selects os.Stderr.
	Stderr io.Writer
}

// Registry owns the live process records. The zero value is not usable;
// create one with New.
type Registry struct {
	cfg Config

	// startMu serializes Start so that replacing a record is atomic.
	startMu sync.Mutex

	mu      sync.Mutex
	records map[Key]*record
	last    map[Key]*model.Status
	closed  bool

	events chan model.Event
	done   chan struct{}
}

// New returns an empty Registry.
func New(cfg Config) *Registry {
	if cfg.Grace == 0 {
		cfg.Grace = spec.GracePeriod
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Registry{
		cfg:     cfg,
		records: map[Key]*record{},
		last:    map[Key]*model.Status{},
		events:  make(chan model.Event, eventBuffer),
		done:    make(chan struct{}),
	}
}

// Events returns the event stream. Stats events are dropped when the
// consumer falls behind; stopped events are never dropped before Close.
func (r *Registry) Events() <-chan model.Event {
	return r.events
}

// Done is closed by Close.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Start replaces any live process for key with a new one running config.
// It returns once the new process has been spawned. Errors are setup
// errors: the process could not be started and no record exists for key.
func (r *Registry) Start(key Key, config any) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	r.mu.Lock()
	closed := r.closed
	old := r.records[key]
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if old != nil {
		log.Info("Replacing live process", "key", key, "pid", old.pid)
		r.stop(old)
	}

	cmd, err := r.cfg.Command(key, config)
	if err != nil {
		return err
	}
	// Run in a separate process group so the whole group can be signaled.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = r.cfg.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return pkgerrors.Wrapf(err, "cannot create stdout pipe for %s", key)
	}
	if err := cmd.Start(); err != nil {
		return pkgerrors.Wrapf(err, "cannot start %s", key)
	}

	rec := newRecord(key, config, cmd, r.cfg.MaxEventsPerClass)
	r.mu.Lock()
	r.records[key] = rec
	r.mu.Unlock()
	metrics.ProcessesStarted.WithLabelValues(string(key.Role)).Inc()
	metrics.LiveProcesses.WithLabelValues(string(key.Role)).Inc()
	log.Info("Started process", "key", key, "pid", rec.pid, "cmd", cmd.Path)

	go r.supervise(rec, stdout)
	return nil
}

// Stop terminates the process for key, waiting at most the grace period
// before killing it. Stopping an absent key is a no-op.
func (r *Registry) Stop(key Key) {
	r.mu.Lock()
	rec := r.records[key]
	r.mu.Unlock()
	if rec == nil {
		return
	}
	r.stop(rec)
}

// StopAll stops every live process concurrently. It is idempotent.
func (r *Registry) StopAll() {
	r.mu.Lock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(rec *record) {
			defer wg.Done()
			r.stop(rec)
		}(rec)
	}
	wg.Wait()
}

// Close stops every process and releases blocked event senders. Start
// fails after Close.
func (r *Registry) Close() {
	// Wait for an in-flight Start so its record is seen by StopAll.
	r.startMu.Lock()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.startMu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.startMu.Unlock()
	r.StopAll()
	close(r.done)
}

// Keys returns the keys of all live records.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.records))
	for k := range r.records {
		keys = append(keys, k)
	}
	return keys
}

// Status returns the state of key. For an absent key it returns the final
// state of the previous run, if any.
func (r *Registry) Status(key Key) model.Status {
	r.mu.Lock()
	rec := r.records[key]
	last := r.last[key]
	r.mu.Unlock()
	if rec != nil {
		return rec.status(true)
	}
	if last != nil {
		return *last
	}
	return model.Status{Role: key.Role, Iface: key.Iface}
}

// Session returns a snapshot of the live or last capture session for iface.
func (r *Registry) Session(iface string) *model.Snapshot {
	return r.Status(Key{Role: spec.RoleCapture, Iface: iface}).Stats
}

// stop signals the process group and waits for the supervisor to observe
// the exit. The record is removed in all cases.
func (r *Registry) stop(rec *record) {
	defer r.remove(rec)
	if rec.signal(syscall.SIGTERM) {
		select {
		case <-rec.exited:
			return
		case <-time.After(r.cfg.Grace):
		}
		log.Warn("Process did not exit in time, killing", "key", rec.key, "pid", rec.pid)
		metrics.ForcedKills.WithLabelValues(string(rec.key.Role)).Inc()
		rec.signal(syscall.SIGKILL)
	}
	select {
	case <-rec.exited:
	case <-time.After(r.cfg.Grace):
		log.Error("Process still running after SIGKILL", "key", rec.key, "pid", rec.pid)
	}
}

// remove deletes rec if it is still the current record for its key.
func (r *Registry) remove(rec *record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.records[rec.key] != rec {
		return false
	}
	delete(r.records, rec.key)
	metrics.LiveProcesses.WithLabelValues(string(rec.key.Role)).Dec()
	return true
}

// supervise decodes the process output until EOF, then reaps the process
// and reports the terminal event.
func (r *Registry) supervise(rec *record, stdout io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, ev := range rec.feed(buf[:n]) {
				r.emitStats(ev)
			}
		}
		if err != nil {
			break
		}
	}
	waitErr := rec.cmd.Wait()

	ev := rec.finish(waitErr)
	r.mu.Lock()
	st := rec.status(false)
	r.last[rec.key] = &st
	r.mu.Unlock()
	r.remove(rec)
	// The stopped event is queued before stop observes the exit.
	defer close(rec.exited)

	outcome := "ok"
	switch {
	case ev.ExitCode < 0:
		outcome = "signal"
	case ev.ExitCode > 0:
		outcome = "error"
	}
	metrics.ProcessesStopped.WithLabelValues(string(rec.key.Role), outcome).Inc()
	log.Info("Process exited", "key", rec.key, "pid", rec.pid, "code", ev.ExitCode)

	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (r *Registry) emitStats(ev model.Event) {
	select {
	case r.events <- ev:
	default:
		metrics.EventsDropped.Inc()
	}
}

// record is a live process. mu protects the decoded state, which is written
// by the supervisor and read by Status.
type record struct {
	key    Key
	config any
	cmd    *exec.Cmd
	pid    int
	start  time.Time
	exited chan struct{}

	mu       sync.Mutex
	decoder  *stats.Decoder
	session  *stats.Session
	summary  *model.TxSummary
	exitCode int
	done     bool
}

func newRecord(key Key, config any, cmd *exec.Cmd, maxEvents int) *record {
	rec := &record{
		key:     key,
		config:  config,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		start:   time.Now(),
		exited:  make(chan struct{}),
		decoder: stats.NewDecoder(),
	}
	if key.Role == spec.RoleCapture {
		rec.session = stats.NewSession(key.Iface)
		rec.session.Reconstructor().MaxEventsPerClass = maxEvents
	}
	return rec
}

// signal sends sig to the process group. It returns false if the process is
// already gone.
func (rec *record) signal(sig syscall.Signal) bool {
	select {
	case <-rec.exited:
		return false
	default:
	}
	err := syscall.Kill(-rec.pid, sig)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Warn("Cannot signal process group", "key", rec.key, "pid", rec.pid, "err", err)
	}
	return err == nil
}

// feed decodes a chunk of output and returns the resulting stats events.
func (rec *record) feed(chunk []byte) []model.Event {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	skipped := rec.decoder.Skipped
	msgs := rec.decoder.Feed(chunk)
	if d := rec.decoder.Skipped - skipped; d > 0 {
		metrics.LinesDecoded.WithLabelValues("skipped").Add(float64(d))
		log.Debug("Skipped output lines", "key", rec.key, "count", d, "err", rec.decoder.LastErr)
	}
	metrics.LinesDecoded.WithLabelValues("ok").Add(float64(len(msgs)))

	var events []model.Event
	for _, m := range msgs {
		switch {
		case m.Header != nil && rec.session != nil:
			rec.session.SetHeader(m.Header)
		case m.Record != nil && rec.session != nil:
			snap, batch, err := rec.session.Apply(m.Record)
			if err != nil {
				continue
			}
			if snap.Final {
				// The terminal event carries the final snapshot.
				continue
			}
			events = append(events, model.Event{
				Kind:   model.EventStats,
				Role:   rec.key.Role,
				Iface:  rec.key.Iface,
				PID:    rec.pid,
				Stats:  snap,
				Deltas: batch.Events,
			})
		case m.Summary != nil:
			rec.summary = m.Summary
		}
	}
	return events
}

// finish records the exit and returns the terminal event.
func (rec *record) finish(waitErr error) model.Event {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.decoder.Close()
	rec.exitCode = exitCode(rec.cmd.ProcessState)
	rec.done = true

	ev := model.Event{
		Kind:     model.EventStopped,
		Role:     rec.key.Role,
		Iface:    rec.key.Iface,
		PID:      rec.pid,
		Summary:  rec.summary,
		ExitCode: rec.exitCode,
	}
	if rec.session != nil {
		rec.session.Terminate()
		ev.Stats = rec.session.Snapshot()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		ev.Error = waitErr.Error()
	} else if rec.exitCode != 0 {
		ev.Error = describeExit(rec.exitCode)
		if rec.summary != nil && rec.summary.Error != "" {
			ev.Error = rec.summary.Error
		}
	}
	return ev
}

// status returns the record's state. active is reported as given.
func (rec *record) status(active bool) model.Status {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	st := model.Status{
		Role:      rec.key.Role,
		Iface:     rec.key.Iface,
		Active:    active && !rec.done,
		PID:       rec.pid,
		StartTime: rec.start,
		Summary:   rec.summary,
		Config:    rec.config,
	}
	if rec.session != nil {
		st.Stats = rec.session.Snapshot()
	}
	return st
}

// exitCode follows the shell convention for signals, negated: a process
// killed by SIGKILL has code -9.
func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}

func describeExit(code int) string {
	if code < 0 {
		return fmt.Sprintf("killed by signal %d", -code)
	}
	return fmt.Sprintf("exit status %d", code)
}
