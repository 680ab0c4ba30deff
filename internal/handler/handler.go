// Package handler implements the tsn-server HTTP API: starting and stopping
// generator and capture subprocesses, orchestrated tests, status and
// estimate queries, and a WebSocket stream of lifecycle events.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/go/prometheusx"
	"github.com/tidwall/gjson"

	"github.com/m-lab/tsn-verify/internal/estimator"
	"github.com/m-lab/tsn-verify/internal/frame"
	"github.com/m-lab/tsn-verify/internal/metrics"
	"github.com/m-lab/tsn-verify/internal/persistence"
	"github.com/m-lab/tsn-verify/internal/process"
	"github.com/m-lab/tsn-verify/internal/sender"
	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
	"github.com/m-lab/tsn-verify/pkg/version"
)

const (
	// maxBodySize limits request bodies.
	maxBodySize = 1 << 16
	// defaultCaptureSlack is added to the capture duration of a test, in
	// seconds.
	defaultCaptureSlack = 2
	// defaultResultTTL is how long finished test results are kept in memory.
	defaultResultTTL = 10 * time.Minute
	// maxUnmatched bounds the stopped events kept for tests not yet
	// registered.
	maxUnmatched = 16
)

var (
	errNoIface        = errors.New("missing interface")
	errInvalidRole    = errors.New("invalid role")
	errUnknownProfile = errors.New("unknown profile")
	errNoCapture      = errors.New("no capture data for interface")
)

// Registry is the subset of *process.Registry used by the handler.
type Registry interface {
	Start(key process.Key, config any) error
	Stop(key process.Key)
	StopAll()
	Status(key process.Key) model.Status
	Keys() []process.Key
}

// Config configures a Handler.
type Config struct {
	// DataDir is where finished tests are archived. Empty disables
	// archival.
	DataDir string
	// Profiles are named test presets.
	Profiles map[string]model.TestRequest
	// ResultTTL is how long finished test results are kept. Results are
	// archived when they expire.
	ResultTTL time.Duration
	// Estimator configures the estimates computed for finished tests and
	// estimate requests.
	Estimator estimator.Options
}

// pendingTest is a test whose subprocesses have not both exited yet.
type pendingTest struct {
	data        *model.ArchivalData
	rx, tx      string
	capturePID  int
	senderPID   int
	captureDone bool
	senderDone  bool
}

// Handler serves the tsn-server API.
type Handler struct {
	cfg Config
	reg Registry
	hub *hub

	ctx    context.Context
	cancel context.CancelFunc

	results     *ttlcache.Cache[string, *model.ArchivalData]
	unsubscribe func()
	closeOnce   sync.Once

	// runDone is closed when Run returns.
	runDone chan struct{}

	mu      sync.Mutex
	pending map[string]*pendingTest
	// unmatched holds recent stopped events that matched no pending test.
	// A subprocess can exit before its test is registered.
	unmatched []model.Event
	// latest maps a capture interface to the ID of its latest finished test.
	latest map[string]string
}

// New returns a Handler controlling reg. The handler's background
// goroutines run until Close.
func New(reg Registry, cfg Config) *Handler {
	if cfg.ResultTTL == 0 {
		cfg.ResultTTL = defaultResultTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		cfg:    cfg,
		reg:    reg,
		hub:    newHub(),
		ctx:    ctx,
		cancel: cancel,
		results: ttlcache.New(
			ttlcache.WithTTL[string, *model.ArchivalData](cfg.ResultTTL),
			ttlcache.WithDisableTouchOnHit[string, *model.ArchivalData](),
		),
		pending: map[string]*pendingTest{},
		latest:  map[string]string{},
	}
	h.unsubscribe = h.results.OnEviction(func(ctx context.Context,
		er ttlcache.EvictionReason,
		i *ttlcache.Item[string, *model.ArchivalData]) {
		log.Debug("Result expired", "id", i.Key(), "reason", er)
		h.archive(i.Key(), i.Value())
	})
	go h.results.Start()
	go h.hub.run(ctx)
	return h
}

// Close stops the background goroutines and archives every result still in
// memory, including unfinished tests.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.mu.Lock()
		done := h.runDone
		h.mu.Unlock()
		if done != nil {
			<-done
		}
		h.mu.Lock()
		for id, p := range h.pending {
			h.finalizeLocked(id, p)
		}
		h.mu.Unlock()
		h.results.Stop()
		h.unsubscribe()
		for id, item := range h.results.Items() {
			h.archive(id, item.Value())
		}
	})
}

// archive writes a finished test to the data directory, if configured.
func (h *Handler) archive(id string, data *model.ArchivalData) {
	if h.cfg.DataDir == "" {
		return
	}
	_, err := persistence.WriteDataFile(h.cfg.DataDir, "tsn", "test", id, data)
	if err != nil {
		log.Error("Failed to write test result", "id", id, "error", err)
	}
}

// Run consumes lifecycle events until events is closed or the handler is
// closed. Every event is forwarded to the event stream clients.
func (h *Handler) Run(events <-chan model.Event) {
	done := make(chan struct{})
	h.mu.Lock()
	h.runDone = done
	h.mu.Unlock()
	defer close(done)
	for {
		select {
		case <-h.ctx.Done():
			h.drain(events)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.hub.publish(ev)
			if ev.Kind == model.EventStopped {
				h.stopped(ev)
			}
		}
	}
}

// Mux returns the API routes.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(spec.SenderPath, instrument(spec.SenderPath, post(h.Sender)))
	mux.Handle(spec.CapturePath, instrument(spec.CapturePath, post(h.Capture)))
	mux.Handle(spec.TestPath, instrument(spec.TestPath, post(h.Test)))
	mux.Handle(spec.StopPath, instrument(spec.StopPath, post(h.Stop)))
	mux.Handle(spec.StatusPath, instrument(spec.StatusPath, http.HandlerFunc(h.Status)))
	mux.Handle(spec.EstimatePath, instrument(spec.EstimatePath, http.HandlerFunc(h.Estimate)))
	mux.Handle(spec.ResultPath, instrument(spec.ResultPath, http.HandlerFunc(h.Result)))
	mux.HandleFunc(spec.EventsPath, h.Events)
	return mux
}

// Sender starts a generator run.
func (h *Handler) Sender(rw http.ResponseWriter, req *http.Request) {
	var sr model.SendRequest
	if err := decodeBody(req, &sr); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	if err := validateSend(sr); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	key := process.Key{Role: spec.RoleSender, Iface: sr.Iface}
	if err := h.reg.Start(key, sr); err != nil {
		log.Error("Cannot start sender", "key", key, "error", err)
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, model.Response{Success: true, Keys: []string{key.String()}})
}

// Capture starts a capture run.
func (h *Handler) Capture(rw http.ResponseWriter, req *http.Request) {
	var cr model.CaptureRequest
	if err := decodeBody(req, &cr); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	if err := validateCapture(cr); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	key := process.Key{Role: spec.RoleCapture, Iface: cr.Iface}
	if err := h.reg.Start(key, cr); err != nil {
		log.Error("Cannot start capture", "key", key, "error", err)
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, model.Response{Success: true, Keys: []string{key.String()}})
}

// Test starts a capture on the receiving interface, then a generator run.
// The capture outlasts the transmission by the capture slack. When both
// have exited, the result and its estimate are available from the result
// endpoint.
func (h *Handler) Test(rw http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize))
	if err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	tr, err := h.testRequest(body)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	cr := captureFor(tr)
	if err := validateCapture(cr); err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}

	captureKey := process.Key{Role: spec.RoleCapture, Iface: tr.RxIface}
	senderKey := process.Key{Role: spec.RoleSender, Iface: tr.Send.Iface}
	if err := h.reg.Start(captureKey, cr); err != nil {
		log.Error("Cannot start capture", "key", captureKey, "error", err)
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	if err := h.reg.Start(senderKey, tr.Send); err != nil {
		log.Error("Cannot start sender", "key", senderKey, "error", err)
		h.reg.Stop(captureKey)
		writeError(rw, http.StatusInternalServerError, err)
		return
	}

	id := uuid.NewString()
	p := &pendingTest{
		data: &model.ArchivalData{
			GitShortCommit: prometheusx.GitShortCommit,
			Version:        version.Version,
			ID:             id,
			StartTime:      time.Now(),
			Request:        tr,
		},
		rx:         tr.RxIface,
		tx:         tr.Send.Iface,
		capturePID: h.reg.Status(captureKey).PID,
		senderPID:  h.reg.Status(senderKey).PID,
	}
	h.mu.Lock()
	for oldID, old := range h.pending {
		if old.rx == p.rx || old.tx == p.tx {
			log.Info("Test superseded", "id", oldID, "by", id)
			h.finalizeLocked(oldID, old)
		}
	}
	h.registerLocked(id, p)
	h.mu.Unlock()

	log.Info("Test started", "id", id, "rx", tr.RxIface, "tx", tr.Send.Iface,
		"classes", tr.Send.Classes, "pps", tr.Send.PPS)
	writeJSON(rw, http.StatusOK, model.Response{
		Success: true,
		ID:      id,
		Keys:    []string{captureKey.String(), senderKey.String()},
	})
}

// testRequest builds a TestRequest from a request body. When the body names
// a profile, the body's fields override the profile's.
func (h *Handler) testRequest(body []byte) (model.TestRequest, error) {
	var tr model.TestRequest
	if !gjson.ValidBytes(body) {
		return tr, errors.New("invalid JSON body")
	}
	if name := gjson.GetBytes(body, "profile").String(); name != "" {
		p, ok := h.cfg.Profiles[name]
		if !ok {
			return tr, fmt.Errorf("%w: %q", errUnknownProfile, name)
		}
		tr = p
		// Unmarshal reuses slice storage; do not write into the profile.
		tr.Send.Classes = append([]int(nil), p.Send.Classes...)
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return tr, err
	}
	if tr.RxIface == "" {
		return tr, errNoIface
	}
	if tr.CaptureSlack <= 0 {
		tr.CaptureSlack = defaultCaptureSlack
	}
	return tr, validateSend(tr.Send)
}

func captureFor(tr model.TestRequest) model.CaptureRequest {
	return model.CaptureRequest{
		Iface:    tr.RxIface,
		Duration: tr.Send.Duration + tr.CaptureSlack,
		VLAN:     tr.Send.VLAN,
		Src:      tr.Send.Src,
	}
}

// Stop stops processes. With role and iface it stops one process, with only
// one of them every matching process, and with neither every process.
// Stopping an absent process succeeds.
func (h *Handler) Stop(rw http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	role, iface := query.Get("role"), query.Get("iface")
	if role == "" && iface == "" {
		keys := h.reg.Keys()
		h.reg.StopAll()
		writeJSON(rw, http.StatusOK, model.Response{Success: true, Keys: keyStrings(keys)})
		return
	}
	roles, err := parseRoles(role)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}

	var keys []process.Key
	if iface != "" {
		for _, r := range roles {
			keys = append(keys, process.Key{Role: r, Iface: iface})
		}
	} else {
		for _, k := range h.reg.Keys() {
			if k.Role == roles[0] {
				keys = append(keys, k)
			}
		}
	}
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k process.Key) {
			defer wg.Done()
			h.reg.Stop(k)
		}(k)
	}
	wg.Wait()
	writeJSON(rw, http.StatusOK, model.Response{Success: true, Keys: keyStrings(keys)})
}

// Status returns the status of one process when role and iface are given,
// otherwise the status of every live process matching the given filter.
func (h *Handler) Status(rw http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	role, iface := query.Get("role"), query.Get("iface")
	if role != "" && iface != "" {
		roles, err := parseRoles(role)
		if err != nil {
			writeError(rw, http.StatusBadRequest, err)
			return
		}
		writeJSON(rw, http.StatusOK, h.reg.Status(process.Key{Role: roles[0], Iface: iface}))
		return
	}
	list := []model.Status{}
	for _, k := range h.reg.Keys() {
		if (role == "" || string(k.Role) == role) && (iface == "" || k.Iface == iface) {
			list = append(list, h.reg.Status(k))
		}
	}
	writeJSON(rw, http.StatusOK, list)
}

// Estimate computes a shaping estimate from the live or last capture session
// on iface. The optional classes parameter lists the classes under test.
func (h *Handler) Estimate(rw http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	iface := query.Get("iface")
	if iface == "" {
		writeError(rw, http.StatusBadRequest, errNoIface)
		return
	}
	classes, err := model.ParseClasses(query.Get("classes"))
	if err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	snap := h.reg.Status(process.Key{Role: spec.RoleCapture, Iface: iface}).Stats
	if snap == nil {
		writeError(rw, http.StatusNotFound, errNoCapture)
		return
	}
	writeJSON(rw, http.StatusOK, h.estimate(snap, classes))
}

// Result returns a finished test by id, or the latest finished test on a
// capture interface.
func (h *Handler) Result(rw http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	id := query.Get("id")
	if id == "" {
		iface := query.Get("iface")
		if iface == "" {
			writeError(rw, http.StatusBadRequest, errors.New("missing id or iface"))
			return
		}
		h.mu.Lock()
		id = h.latest[iface]
		h.mu.Unlock()
	}
	item := h.results.Get(id)
	if item == nil {
		writeError(rw, http.StatusNotFound, errors.New("no such result"))
		return
	}
	writeJSON(rw, http.StatusOK, item.Value())
}

// Events upgrades the connection to WebSocket and streams lifecycle events.
func (h *Handler) Events(rw http.ResponseWriter, req *http.Request) {
	h.hub.serve(h.ctx, rw, req)
}

func (h *Handler) estimate(snap *model.Snapshot, classes []int) *model.Estimation {
	est := estimator.Estimate(snap, classes, h.cfg.Estimator)
	for _, ce := range est.Classes {
		metrics.Estimates.WithLabelValues(string(ce.Confidence)).Inc()
	}
	return est
}

// stopped attributes a terminal event to the pending test that started the
// process, finalizing the test once both of its processes have exited.
// drain applies the stopped events already queued on events, so that tests
// whose processes exited during shutdown keep their final data.
func (h *Handler) drain(events <-chan model.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == model.EventStopped {
				h.stopped(ev)
			}
		default:
			return
		}
	}
}

func (h *Handler) stopped(ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, p := range h.pending {
		if h.applyLocked(id, p, ev) {
			return
		}
	}
	h.unmatched = append(h.unmatched, ev)
	if len(h.unmatched) > maxUnmatched {
		h.unmatched = h.unmatched[len(h.unmatched)-maxUnmatched:]
	}
}

// applyLocked records ev on p if it comes from one of p's processes, and
// finalizes p once both have exited.
func (h *Handler) applyLocked(id string, p *pendingTest, ev model.Event) bool {
	switch {
	case ev.Role == spec.RoleCapture && ev.Iface == p.rx && ev.PID == p.capturePID && !p.captureDone:
		p.data.Capture = ev.Stats
		p.captureDone = true
	case ev.Role == spec.RoleSender && ev.Iface == p.tx && ev.PID == p.senderPID && !p.senderDone:
		p.data.Summary = ev.Summary
		p.senderDone = true
	default:
		return false
	}
	if ev.Error != "" {
		p.data.Errors = append(p.data.Errors, fmt.Sprintf("%s:%s: %s", ev.Role, ev.Iface, ev.Error))
	}
	if p.captureDone && p.senderDone {
		h.finalizeLocked(id, p)
	}
	return true
}

// registerLocked adds p and applies the stopped events of its processes
// that arrived before it.
func (h *Handler) registerLocked(id string, p *pendingTest) {
	h.pending[id] = p
	kept := h.unmatched[:0]
	for _, ev := range h.unmatched {
		if !h.applyLocked(id, p, ev) {
			kept = append(kept, ev)
		}
	}
	h.unmatched = kept
}

// finalizeLocked moves a pending test to the results cache. h.mu must be
// held.
func (h *Handler) finalizeLocked(id string, p *pendingTest) {
	delete(h.pending, id)
	p.data.EndTime = time.Now()
	if p.data.Capture != nil {
		p.data.Estimation = h.estimate(p.data.Capture, p.data.Request.Send.Classes)
	}
	h.results.Set(id, p.data, ttlcache.DefaultTTL)
	h.latest[p.rx] = id
	log.Info("Test finished", "id", id, "rx", p.rx, "errors", len(p.data.Errors))
}

func validateSend(sr model.SendRequest) error {
	if sr.Iface == "" {
		return errNoIface
	}
	if _, err := sender.NewPlan(sr); err != nil {
		return err
	}
	_, err := sender.NewPacer(sr.Pacer)
	return err
}

func validateCapture(cr model.CaptureRequest) error {
	if cr.Iface == "" {
		return errNoIface
	}
	if cr.Duration <= 0 {
		return sender.ErrInvalidDuration
	}
	if cr.VLAN < 0 || cr.VLAN > 4094 {
		return frame.ErrInvalidVLAN
	}
	if cr.IntervalMs < 0 {
		return errors.New("invalid interval")
	}
	if cr.Src != "" {
		if _, err := frame.ParseMAC(cr.Src); err != nil {
			return err
		}
	}
	return nil
}

// parseRoles parses a role parameter. An empty role selects both roles.
func parseRoles(s string) ([]spec.Role, error) {
	switch spec.Role(s) {
	case "":
		return []spec.Role{spec.RoleCapture, spec.RoleSender}, nil
	case spec.RoleSender, spec.RoleCapture:
		return []spec.Role{spec.Role(s)}, nil
	}
	return nil, fmt.Errorf("%w: %q", errInvalidRole, s)
}

func keyStrings(keys []process.Key) []string {
	s := make([]string, len(keys))
	for i, k := range keys {
		s[i] = k.String()
	}
	return s
}

func decodeBody(req *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	rw.Write(b)
}

func writeError(rw http.ResponseWriter, status int, err error) {
	writeJSON(rw, status, model.Response{Error: err.Error()})
}

// post rejects requests with a method other than POST.
func post(f http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			rw.Header().Set("Allow", http.MethodPost)
			writeError(rw, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		f(rw, req)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument counts requests by path and status code.
func instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		metrics.RequestsTotal.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()
		log.Debug("Request", "path", path, "source", remoteHost(req), "status", rec.status)
	})
}

func remoteHost(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
