package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/testingx"

	"github.com/m-lab/tsn-verify/internal/process"
	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

type fakeRegistry struct {
	mu       sync.Mutex
	configs  map[process.Key]any
	live     map[process.Key]model.Status
	stopped  []process.Key
	stopAll  int
	startErr map[spec.Role]error
	pid      int
	// started is called after a successful Start, outside the lock.
	started func(key process.Key, pid int)
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		configs:  map[process.Key]any{},
		live:     map[process.Key]model.Status{},
		startErr: map[spec.Role]error{},
	}
}

func (f *fakeRegistry) Start(key process.Key, config any) error {
	f.mu.Lock()
	if err := f.startErr[key.Role]; err != nil {
		f.mu.Unlock()
		return err
	}
	f.pid++
	pid := f.pid
	f.configs[key] = config
	f.live[key] = model.Status{Role: key.Role, Iface: key.Iface, Active: true, PID: pid, Config: config}
	started := f.started
	f.mu.Unlock()
	if started != nil {
		started(key, pid)
	}
	return nil
}

func (f *fakeRegistry) Stop(key process.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, key)
	f.stopped = append(f.stopped, key)
}

func (f *fakeRegistry) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = map[process.Key]model.Status{}
	f.stopAll++
}

func (f *fakeRegistry) Status(key process.Key) model.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.live[key]; ok {
		return st
	}
	return model.Status{Role: key.Role, Iface: key.Iface}
}

func (f *fakeRegistry) Keys() []process.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []process.Key
	for k := range f.live {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (f *fakeRegistry) setStats(iface string, snap *model.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := process.Key{Role: spec.RoleCapture, Iface: iface}
	st := f.live[key]
	st.Role, st.Iface, st.Stats = key.Role, iface, snap
	f.live[key] = st
}

const validSend = `{"iface":"eth0","dst":"fa:ae:c9:26:a4:08","src":"00:e0:4c:68:13:36",
	"vlan":100,"classes":[1,2],"pps":1000,"duration":5,"frame_size":1000}`

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, model.Response) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	var resp model.Response
	json.Unmarshal(rw.Body.Bytes(), &resp)
	return rw, resp
}

func newTestHandler(t *testing.T, cfg Config) (*Handler, *fakeRegistry) {
	reg := newFakeRegistry()
	h := New(reg, cfg)
	t.Cleanup(h.Close)
	return h, reg
}

func TestHandler_Sender(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{name: "valid", method: http.MethodPost, body: validSend, status: http.StatusOK},
		{name: "get", method: http.MethodGet, body: validSend, status: http.StatusMethodNotAllowed},
		{name: "bad-json", method: http.MethodPost, body: `{"iface":`, status: http.StatusBadRequest},
		{name: "unknown-field", method: http.MethodPost, body: `{"iface":"eth0","rate":1}`, status: http.StatusBadRequest},
		{name: "bad-mac", method: http.MethodPost,
			body:   `{"iface":"eth0","dst":"zz","src":"00:e0:4c:68:13:36","classes":[1],"pps":10,"duration":1}`,
			status: http.StatusBadRequest},
		{name: "no-classes", method: http.MethodPost,
			body:   `{"iface":"eth0","dst":"fa:ae:c9:26:a4:08","src":"00:e0:4c:68:13:36","pps":10,"duration":1}`,
			status: http.StatusBadRequest},
		{name: "no-iface", method: http.MethodPost,
			body:   `{"dst":"fa:ae:c9:26:a4:08","src":"00:e0:4c:68:13:36","classes":[1],"pps":10,"duration":1}`,
			status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, reg := newTestHandler(t, Config{})
			rw, resp := do(t, h.Mux(), tt.method, spec.SenderPath, tt.body)
			if rw.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rw.Code, tt.status, rw.Body.String())
			}
			started := len(reg.Keys()) > 0
			if started != (tt.status == http.StatusOK) {
				t.Errorf("started = %v with status %d", started, rw.Code)
			}
			if tt.status == http.StatusOK && (!resp.Success || resp.Keys[0] != "sender:eth0") {
				t.Errorf("unexpected response %+v", resp)
			}
			if tt.status != http.StatusOK && resp.Error == "" {
				t.Errorf("error response without a reason")
			}
		})
	}
}

func TestHandler_Sender_startError(t *testing.T) {
	h, reg := newTestHandler(t, Config{})
	reg.startErr[spec.RoleSender] = errors.New("no such interface")
	rw, resp := do(t, h.Mux(), http.MethodPost, spec.SenderPath, validSend)
	if rw.Code != http.StatusInternalServerError || resp.Success ||
		!strings.Contains(resp.Error, "no such interface") {
		t.Errorf("unexpected reply %d %+v", rw.Code, resp)
	}
}

func TestHandler_Capture(t *testing.T) {
	h, reg := newTestHandler(t, Config{})
	rw, _ := do(t, h.Mux(), http.MethodPost, spec.CapturePath, `{"iface":"eth1","duration":5,"vlan":100}`)
	if rw.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rw.Code, rw.Body.String())
	}
	key := process.Key{Role: spec.RoleCapture, Iface: "eth1"}
	want := model.CaptureRequest{Iface: "eth1", Duration: 5, VLAN: 100}
	if got := reg.configs[key]; !reflect.DeepEqual(got, want) {
		t.Errorf("capture config = %+v, want %+v", got, want)
	}

	for _, body := range []string{
		`{"duration":5}`,
		`{"iface":"eth1","duration":0}`,
		`{"iface":"eth1","duration":5,"vlan":5000}`,
		`{"iface":"eth1","duration":5,"src":"nope"}`,
	} {
		if rw, _ := do(t, h.Mux(), http.MethodPost, spec.CapturePath, body); rw.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rw.Code)
		}
	}
}

func testProfiles() map[string]model.TestRequest {
	return map[string]model.TestRequest{
		"cbs": {
			RxIface: "eth1",
			Send: model.SendRequest{
				Iface: "eth0", Dst: "fa:ae:c9:26:a4:08", Src: "00:e0:4c:68:13:36",
				VLAN: 100, Classes: []int{6, 7}, PPS: 2000, Duration: 5,
			},
		},
	}
}

// waitResult polls the result endpoint until it answers 200.
func waitResult(t *testing.T, h *Handler, iface string) *model.ArchivalData {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rw, _ := do(t, h.Mux(), http.MethodGet, spec.ResultPath+"?iface="+iface, "")
		if rw.Code == http.StatusOK {
			var data model.ArchivalData
			testingx.Must(t, json.Unmarshal(rw.Body.Bytes(), &data), "cannot decode result")
			return &data
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no result for %s", iface)
	return nil
}

func TestHandler_Test(t *testing.T) {
	profiles := testProfiles()
	h, reg := newTestHandler(t, Config{Profiles: profiles})
	rw, resp := do(t, h.Mux(), http.MethodPost, spec.TestPath,
		`{"profile":"cbs","send":{"pps":1000,"classes":[7]}}`)
	if rw.Code != http.StatusOK || resp.ID == "" {
		t.Fatalf("status = %d (%s)", rw.Code, rw.Body.String())
	}
	if len(resp.Keys) != 2 || resp.Keys[0] != "capture:eth1" || resp.Keys[1] != "sender:eth0" {
		t.Errorf("keys = %v", resp.Keys)
	}

	captureKey := process.Key{Role: spec.RoleCapture, Iface: "eth1"}
	senderKey := process.Key{Role: spec.RoleSender, Iface: "eth0"}
	cr := reg.configs[captureKey].(model.CaptureRequest)
	if cr.Duration != 5+defaultCaptureSlack || cr.VLAN != 100 || cr.Src != "00:e0:4c:68:13:36" {
		t.Errorf("capture request = %+v", cr)
	}
	sr := reg.configs[senderKey].(model.SendRequest)
	if sr.PPS != 1000 || !reflect.DeepEqual(sr.Classes, []int{7}) || sr.Dst != "fa:ae:c9:26:a4:08" {
		t.Errorf("send request = %+v", sr)
	}
	if !reflect.DeepEqual(profiles["cbs"].Send.Classes, []int{6, 7}) {
		t.Errorf("profile was modified: %v", profiles["cbs"].Send.Classes)
	}

	events := make(chan model.Event)
	go h.Run(events)
	// An event from an older run on the same key is ignored.
	events <- model.Event{Kind: model.EventStopped, Role: spec.RoleCapture, Iface: "eth1", PID: 999}
	events <- model.Event{
		Kind: model.EventStopped, Role: spec.RoleSender, Iface: "eth0",
		PID:     reg.Status(senderKey).PID,
		Summary: &model.TxSummary{Success: true, Total: 5000},
	}
	events <- model.Event{
		Kind: model.EventStopped, Role: spec.RoleCapture, Iface: "eth1",
		PID: reg.Status(captureKey).PID,
		Stats: &model.Snapshot{
			Iface: "eth1", Final: true,
			Classes: map[int]model.ClassStats{7: {Count: 5000, Throughput: 800}},
			Jitter:  map[int]float64{7: 3},
		},
		ExitCode: -15, Error: "killed by signal 15",
	}

	data := waitResult(t, h, "eth1")
	if data.ID != resp.ID || data.Summary == nil || data.Capture == nil || data.Estimation == nil {
		t.Fatalf("incomplete result %+v", data)
	}
	ce := data.Estimation.Classes[7]
	if ce.Confidence != model.ConfidenceHigh || ce.Estimated < 879.9 || ce.Estimated > 880.1 {
		t.Errorf("estimate = %+v", ce)
	}
	if len(data.Errors) != 1 {
		t.Errorf("errors = %v, want one", data.Errors)
	}
}

func TestHandler_Test_senderExitsBeforeRegistration(t *testing.T) {
	h, reg := newTestHandler(t, Config{Profiles: testProfiles()})
	var senderPID int
	reg.started = func(key process.Key, pid int) {
		if key.Role != spec.RoleSender {
			return
		}
		// The sender fails setup and its stopped event is handled before
		// the Test handler returns.
		senderPID = pid
		h.stopped(model.Event{
			Kind: model.EventStopped, Role: spec.RoleSender, Iface: key.Iface, PID: pid,
			Summary:  &model.TxSummary{Error: "no such network interface"},
			ExitCode: 1, Error: "no such network interface",
		})
	}
	rw, resp := do(t, h.Mux(), http.MethodPost, spec.TestPath, `{"profile":"cbs"}`)
	if rw.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rw.Code, rw.Body.String())
	}
	if senderPID == 0 {
		t.Fatalf("sender was not started")
	}
	captureKey := process.Key{Role: spec.RoleCapture, Iface: "eth1"}
	h.stopped(model.Event{
		Kind: model.EventStopped, Role: spec.RoleCapture, Iface: "eth1",
		PID:   reg.Status(captureKey).PID,
		Stats: &model.Snapshot{Iface: "eth1", Final: true},
	})

	data := waitResult(t, h, "eth1")
	if data.ID != resp.ID || data.Summary == nil || data.Summary.Error == "" {
		t.Errorf("result = %+v, want the failed sender summary", data)
	}
	if len(data.Errors) != 1 || !strings.Contains(data.Errors[0], "no such network interface") {
		t.Errorf("errors = %v", data.Errors)
	}
}

func TestHandler_Close_drainsEvents(t *testing.T) {
	h, reg := newTestHandler(t, Config{Profiles: testProfiles()})
	rw, resp := do(t, h.Mux(), http.MethodPost, spec.TestPath, `{"profile":"cbs"}`)
	if rw.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rw.Code, rw.Body.String())
	}
	events := make(chan model.Event, 2)
	events <- model.Event{
		Kind: model.EventStopped, Role: spec.RoleSender, Iface: "eth0",
		PID:     reg.Status(process.Key{Role: spec.RoleSender, Iface: "eth0"}).PID,
		Summary: &model.TxSummary{Success: true, Total: 100},
	}
	events <- model.Event{
		Kind: model.EventStopped, Role: spec.RoleCapture, Iface: "eth1",
		PID: reg.Status(process.Key{Role: spec.RoleCapture, Iface: "eth1"}).PID,
		Stats: &model.Snapshot{
			Iface: "eth1", Final: true,
			Classes: map[int]model.ClassStats{7: {Count: 100, Throughput: 800}},
		},
	}
	// Shutdown has begun: Run must still apply what is queued.
	h.cancel()
	h.Run(events)
	h.Close()

	item := h.results.Get(resp.ID)
	if item == nil {
		t.Fatalf("no result for %s", resp.ID)
	}
	data := item.Value()
	if data.Capture == nil || data.Capture.Classes[7].Count != 100 || data.Summary == nil {
		t.Errorf("result = %+v, want the final capture snapshot and summary", data)
	}
}

func TestHandler_Test_errors(t *testing.T) {
	h, reg := newTestHandler(t, Config{Profiles: testProfiles()})
	for _, body := range []string{
		`{"profile":"missing"}`,
		`{"rx_iface":"eth1"}`,
		`{"profile":"cbs","rx_iface":""}`,
		`not json`,
	} {
		if rw, _ := do(t, h.Mux(), http.MethodPost, spec.TestPath, body); rw.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rw.Code)
		}
	}
	if len(reg.Keys()) != 0 {
		t.Errorf("processes started on invalid requests: %v", reg.Keys())
	}

	// A sender failure tears the capture down.
	reg.startErr[spec.RoleSender] = errors.New("boom")
	rw, _ := do(t, h.Mux(), http.MethodPost, spec.TestPath, `{"profile":"cbs"}`)
	if rw.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rw.Code)
	}
	if len(reg.Keys()) != 0 || len(reg.stopped) != 1 || reg.stopped[0].Role != spec.RoleCapture {
		t.Errorf("capture not stopped: live %v stopped %v", reg.Keys(), reg.stopped)
	}
}

func TestHandler_Stop(t *testing.T) {
	h, reg := newTestHandler(t, Config{})
	start := func() {
		for _, k := range []process.Key{
			{Role: spec.RoleSender, Iface: "eth0"},
			{Role: spec.RoleCapture, Iface: "eth1"},
			{Role: spec.RoleCapture, Iface: "eth2"},
		} {
			testingx.Must(t, reg.Start(k, nil), "cannot start")
		}
	}

	start()
	rw, resp := do(t, h.Mux(), http.MethodPost, spec.StopPath+"?role=capture", "")
	if rw.Code != http.StatusOK || len(resp.Keys) != 2 {
		t.Errorf("stop role: %d %+v", rw.Code, resp)
	}
	if keys := reg.Keys(); len(keys) != 1 || keys[0].Role != spec.RoleSender {
		t.Errorf("live keys = %v", keys)
	}

	// Both roles on an interface; absent records are not an error.
	rw, resp = do(t, h.Mux(), http.MethodPost, spec.StopPath+"?iface=eth0", "")
	if rw.Code != http.StatusOK || !resp.Success || len(reg.Keys()) != 0 {
		t.Errorf("stop iface: %d %+v, live %v", rw.Code, resp, reg.Keys())
	}
	rw, _ = do(t, h.Mux(), http.MethodPost, spec.StopPath+"?iface=eth0&role=sender", "")
	if rw.Code != http.StatusOK {
		t.Errorf("stop absent: %d", rw.Code)
	}

	start()
	rw, resp = do(t, h.Mux(), http.MethodPost, spec.StopPath, "")
	if rw.Code != http.StatusOK || reg.stopAll != 1 || len(resp.Keys) != 3 {
		t.Errorf("stop all: %d %+v", rw.Code, resp)
	}

	if rw, _ := do(t, h.Mux(), http.MethodPost, spec.StopPath+"?role=bogus", ""); rw.Code != http.StatusBadRequest {
		t.Errorf("invalid role: status = %d, want 400", rw.Code)
	}
}

func TestHandler_Status(t *testing.T) {
	h, reg := newTestHandler(t, Config{})
	testingx.Must(t, reg.Start(process.Key{Role: spec.RoleSender, Iface: "eth0"}, nil), "cannot start")
	testingx.Must(t, reg.Start(process.Key{Role: spec.RoleCapture, Iface: "eth1"}, nil), "cannot start")

	rw, _ := do(t, h.Mux(), http.MethodGet, spec.StatusPath+"?role=sender&iface=eth0", "")
	var st model.Status
	testingx.Must(t, json.Unmarshal(rw.Body.Bytes(), &st), "cannot decode status")
	if !st.Active || st.Role != spec.RoleSender {
		t.Errorf("status = %+v", st)
	}

	rw, _ = do(t, h.Mux(), http.MethodGet, spec.StatusPath+"?role=sender&iface=eth9", "")
	st = model.Status{}
	testingx.Must(t, json.Unmarshal(rw.Body.Bytes(), &st), "cannot decode status")
	if st.Active {
		t.Errorf("absent process reported active")
	}

	rw, _ = do(t, h.Mux(), http.MethodGet, spec.StatusPath+"?role=capture", "")
	var list []model.Status
	testingx.Must(t, json.Unmarshal(rw.Body.Bytes(), &list), "cannot decode status list")
	if len(list) != 1 || list[0].Iface != "eth1" {
		t.Errorf("status list = %+v", list)
	}
}

func TestHandler_Estimate(t *testing.T) {
	h, reg := newTestHandler(t, Config{})
	if rw, _ := do(t, h.Mux(), http.MethodGet, spec.EstimatePath, ""); rw.Code != http.StatusBadRequest {
		t.Errorf("missing iface: status = %d", rw.Code)
	}
	if rw, _ := do(t, h.Mux(), http.MethodGet, spec.EstimatePath+"?iface=eth1", ""); rw.Code != http.StatusNotFound {
		t.Errorf("no capture: status = %d", rw.Code)
	}

	reg.setStats("eth1", &model.Snapshot{
		Iface:   "eth1",
		Classes: map[int]model.ClassStats{6: {Count: 100, Throughput: 800}},
		Jitter:  map[int]float64{6: 12},
	})
	rw, _ := do(t, h.Mux(), http.MethodGet, spec.EstimatePath+"?iface=eth1&classes=6,7", "")
	if rw.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rw.Code, rw.Body.String())
	}
	var est model.Estimation
	testingx.Must(t, json.Unmarshal(rw.Body.Bytes(), &est), "cannot decode estimate")
	if est.Classes[6].Confidence != model.ConfidenceLow || !est.Classes[7].Missing {
		t.Errorf("estimate = %+v", est)
	}

	if rw, _ := do(t, h.Mux(), http.MethodGet, spec.EstimatePath+"?iface=eth1&classes=x", ""); rw.Code != http.StatusBadRequest {
		t.Errorf("bad classes: status = %d", rw.Code)
	}
}

func TestHandler_Events(t *testing.T) {
	h, _ := newTestHandler(t, Config{})
	srv := httptest.NewServer(h.Mux())
	defer srv.Close()

	events := make(chan model.Event)
	go h.Run(events)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + spec.EventsPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	testingx.Must(t, err, "cannot dial events")
	defer conn.Close()

	// Registration is asynchronous: publish until the client sees an event.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case events <- model.Event{Kind: model.EventStats, Role: spec.RoleCapture, Iface: "eth1"}:
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev model.Event
	testingx.Must(t, conn.ReadJSON(&ev), "cannot read event")
	if ev.Kind != model.EventStats || ev.Iface != "eth1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHandler_Close_archives(t *testing.T) {
	dir := t.TempDir()
	reg := newFakeRegistry()
	h := New(reg, Config{DataDir: dir, Profiles: testProfiles()})
	rw, _ := do(t, h.Mux(), http.MethodPost, spec.TestPath, `{"profile":"cbs"}`)
	if rw.Code != http.StatusOK {
		t.Fatalf("status = %d", rw.Code)
	}
	// The test never finishes: Close archives it as it is.
	h.Close()
	h.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "tsn", "*", "*", "*", "tsn-test-*.json.gz"))
	testingx.Must(t, err, "bad glob")
	if len(matches) != 1 {
		t.Fatalf("archived files = %v, want 1", matches)
	}
	if fi, err := os.Stat(matches[0]); err != nil || fi.Size() == 0 {
		t.Errorf("archive is empty: %v", err)
	}
}

func TestParseProfiles(t *testing.T) {
	b := []byte(`
profiles:
  cbs:
    rx_iface: eth1
    capture_slack: 3
    send:
      iface: eth0
      dst: fa:ae:c9:26:a4:08
      src: 00:e0:4c:68:13:36
      vlan: 100
      classes: [6, 7]
      pps: 2000
      duration: 5
`)
	profiles, err := ParseProfiles(b)
	testingx.Must(t, err, "cannot parse profiles")
	p := profiles["cbs"]
	if p.RxIface != "eth1" || p.CaptureSlack != 3 || p.Send.PPS != 2000 ||
		!reflect.DeepEqual(p.Send.Classes, []int{6, 7}) {
		t.Errorf("profile = %+v", p)
	}

	if _, err := ParseProfiles([]byte("profiles:\n  x:\n    send:\n      classes: [9]\n")); err == nil {
		t.Errorf("ParseProfiles() accepted class 9")
	}
	if _, err := ParseProfiles([]byte("profiles:\n  x:\n    bogus: 1\n")); err == nil {
		t.Errorf("ParseProfiles() accepted an unknown field")
	}
}
