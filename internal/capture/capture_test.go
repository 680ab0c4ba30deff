package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"
	"github.com/m-lab/tsn-verify/internal/frame"
	"github.com/m-lab/tsn-verify/internal/netx"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

func buildFrame(t *testing.T, class, vlan, size int) []byte {
	dst, err := frame.ParseMAC("fa:ae:c9:26:a4:08")
	testingx.Must(t, err, "cannot parse dst")
	src, err := frame.ParseMAC("00:e0:4c:68:13:36")
	testingx.Must(t, err, "cannot parse src")
	f, err := frame.Build(frame.Params{Dst: dst, Src: src, VLAN: vlan, Class: class, Size: size})
	testingx.Must(t, err, "cannot build frame")
	return f
}

// strip removes the 802.1Q tag, as a NIC with VLAN offload does.
func strip(f []byte) []byte {
	return append(append([]byte{}, f[:12]...), f[16:]...)
}

func stripped(tci uint16) netx.AuxData {
	return netx.AuxData{VLANValid: true, VLANTCI: tci}
}

func TestClassifier_Classify(t *testing.T) {
	tagged := buildFrame(t, 5, 100, 200)
	mangled := strip(buildFrame(t, 3, 100, 200))
	// Overwrite the payload marker.
	copy(mangled[42:], "XX")
	otherPort := strip(buildFrame(t, 3, 100, 200))
	copy(otherPort[42:], "XX")
	otherPort[36] = 0x01 // UDP destination port, high byte

	tests := []struct {
		name      string
		frame     []byte
		aux       netx.AuxData
		vlan      int
		wantClass int
		wantOK    bool
	}{
		{name: "in-band-tag", frame: tagged, vlan: 100, wantClass: 5, wantOK: true},
		{name: "any-vlan", frame: buildFrame(t, 2, 7, 200), vlan: 0, wantClass: 2, wantOK: true},
		{name: "other-vlan", frame: buildFrame(t, 2, 7, 200), vlan: 100, wantOK: false},
		{
			name:      "stripped-tag",
			frame:     strip(buildFrame(t, 6, 100, 200)),
			aux:       stripped(6<<13 | 100),
			vlan:      100,
			wantClass: 6,
			wantOK:    true,
		},
		{
			name:   "stripped-other-vlan",
			frame:  strip(buildFrame(t, 6, 100, 200)),
			aux:    stripped(6<<13 | 200),
			vlan:   100,
			wantOK: false,
		},
		{name: "marker-only", frame: strip(buildFrame(t, 4, 100, 200)), vlan: 100, wantClass: 4, wantOK: true},
		{name: "unclassified", frame: mangled, vlan: 100, wantClass: Unclassified, wantOK: true},
		{name: "not-test-traffic", frame: otherPort, vlan: 100, wantOK: false},
		{name: "runt", frame: tagged[:10], vlan: 100, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(tt.vlan, nil)
			class, ok := c.Classify(tt.frame, tt.aux)
			if ok != tt.wantOK {
				t.Fatalf("Classify() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && class != tt.wantClass {
				t.Errorf("Classify() class = %d, want %d", class, tt.wantClass)
			}
		})
	}
}

func TestClassifier_source(t *testing.T) {
	f := buildFrame(t, 1, 100, 100)
	other, err := frame.ParseMAC("02:00:00:00:00:01")
	testingx.Must(t, err, "cannot parse MAC")
	if _, ok := NewClassifier(100, other).Classify(f, netx.AuxData{}); ok {
		t.Errorf("Classify() accepted a frame from another source")
	}
	own, err := frame.ParseMAC("00:e0:4c:68:13:36")
	testingx.Must(t, err, "cannot parse MAC")
	if _, ok := NewClassifier(100, own).Classify(f, netx.AuxData{}); !ok {
		t.Errorf("Classify() rejected a frame from the configured source")
	}
}

func TestWireLen(t *testing.T) {
	if got := wireLen(996, stripped(0)); got != 1000 {
		t.Errorf("wireLen() stripped = %d, want 1000", got)
	}
	if got := wireLen(1000, netx.AuxData{Len: 1000}); got != 1000 {
		t.Errorf("wireLen() = %d, want 1000", got)
	}
}

type pkt struct {
	b   []byte
	aux netx.AuxData
}

type fakeSource struct {
	mu    sync.Mutex
	pkts  []pkt
	drops uint64
	err   error
}

func (s *fakeSource) Recv(buf []byte) (int, netx.AuxData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, netx.AuxData{}, s.err
	}
	if len(s.pkts) == 0 {
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
		s.mu.Lock()
		return 0, netx.AuxData{}, netx.ErrTimeout
	}
	p := s.pkts[0]
	s.pkts = s.pkts[1:]
	return copy(buf, p.b), p.aux, nil
}

func (s *fakeSource) Drops() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.drops
	s.drops = 0
	return d, nil
}

func TestStart(t *testing.T) {
	src := &fakeSource{drops: 3}
	for i := 0; i < 50; i++ {
		src.pkts = append(src.pkts,
			pkt{b: buildFrame(t, 1, 100, 1000)},
			pkt{b: strip(buildFrame(t, 2, 100, 1000)), aux: stripped(2<<13 | 100)},
			pkt{b: buildFrame(t, 3, 999, 1000)},
		)
	}
	records, err := Start(context.Background(), src, Config{
		VLAN:     100,
		Interval: 20 * time.Millisecond,
		Duration: 200 * time.Millisecond,
	})
	testingx.Must(t, err, "Start failed")

	var n int
	var last uint64
	var final bool
	for r := range records {
		n++
		if final {
			t.Fatalf("record received after the final record")
		}
		if r.Packets < last {
			t.Errorf("cumulative packets decreased: %d < %d", r.Packets, last)
		}
		last = r.Packets
		if r.Type == spec.RecordFinal {
			final = true
			if r.Packets != 100 || r.Classes[1] != 50 || r.Classes[2] != 50 {
				t.Errorf("final record = %+v", r)
			}
			if _, ok := r.Classes[3]; ok {
				t.Errorf("frames from another VLAN were counted")
			}
			if r.Bytes != 100*1000 {
				t.Errorf("final bytes = %d, want %d", r.Bytes, 100*1000)
			}
			if r.Drops != 3 {
				t.Errorf("final drops = %d, want 3", r.Drops)
			}
			if r.Analysis == nil || r.Analysis.Classes[1].Packets != 50 {
				t.Errorf("final analysis = %+v", r.Analysis)
			}
		} else if r.Type != spec.RecordStats {
			t.Errorf("unexpected record type %q", r.Type)
		}
	}
	if !final {
		t.Fatalf("no final record")
	}
	if n < 3 {
		t.Errorf("got %d records, want periodic samples", n)
	}
}

func TestStart_canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	records, err := Start(ctx, &fakeSource{}, Config{Interval: 10 * time.Millisecond})
	testingx.Must(t, err, "Start failed")
	time.AfterFunc(50*time.Millisecond, cancel)

	var final bool
	timeout := time.After(5 * time.Second)
	for !final {
		select {
		case r, ok := <-records:
			if !ok {
				t.Fatalf("channel closed without a final record")
			}
			final = r.Type == spec.RecordFinal
		case <-timeout:
			t.Fatalf("capture did not stop on cancel")
		}
	}
}

func TestStart_recvErrors(t *testing.T) {
	src := &fakeSource{err: errors.New("network is down")}
	records, err := Start(context.Background(), src, Config{Interval: time.Second})
	testingx.Must(t, err, "Start failed")
	var got []string
	for r := range records {
		got = append(got, string(r.Type))
	}
	if len(got) != 1 || got[0] != string(spec.RecordFinal) {
		t.Errorf("records = %v, want only a final record", got)
	}
}
