package stats

import (
	"strings"
	"testing"

	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
)

const (
	headerLine  = `{"type":"header","role":"capture","iface":"eth1","interval_ms":500}`
	statsLine   = `{"type":"stats","elapsed_ms":500,"packets":10,"bps":80000,"tc":{"3":10}}`
	finalLine   = `{"type":"final","elapsed_ms":1000,"packets":25,"tc":{"3":25}}`
	summaryLine = `{"type":"summary","success":true,"total":5000,"sent":{"1":{"packets":2500}}}`
)

func TestDecoder_Feed(t *testing.T) {
	stream := strings.Join([]string{headerLine, statsLine, finalLine}, "\n") + "\n"
	tests := []struct {
		name   string
		chunks []string
	}{
		{name: "single-chunk", chunks: []string{stream}},
		{name: "split-inside-lines", chunks: []string{stream[:10], stream[10:80], stream[80:81], stream[81:]}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			var got []Message
			for _, c := range tt.chunks {
				got = append(got, d.Feed([]byte(c))...)
			}
			if len(got) != 3 {
				t.Fatalf("Feed() returned %d messages, want 3", len(got))
			}
			if got[0].Header == nil || got[0].Header.Iface != "eth1" {
				t.Errorf("first message = %+v, want header", got[0])
			}
			if got[1].Record == nil || got[1].Record.Classes[3] != 10 {
				t.Errorf("second message = %+v, want stats", got[1])
			}
			if got[2].Type != spec.RecordFinal || got[2].Record.Classes[3] != 25 {
				t.Errorf("third message = %+v, want final", got[2])
			}
			if d.State() != Terminal {
				t.Errorf("State() = %s, want terminal", d.State())
			}
		})
	}
}

func TestDecoder_partialLine(t *testing.T) {
	d := NewDecoder()
	if got := d.Feed([]byte(headerLine[:20])); len(got) != 0 {
		t.Fatalf("Feed() parsed a fragment: %+v", got)
	}
	if d.State() != AwaitingHeader {
		t.Errorf("State() = %s, want awaiting-header", d.State())
	}
	if got := d.Feed([]byte(headerLine[20:] + "\n" + statsLine[:5])); len(got) != 1 {
		t.Fatalf("Feed() = %d messages, want 1", len(got))
	}
	if d.State() != AwaitingData {
		t.Errorf("State() = %s, want awaiting-data", d.State())
	}
	d.Close()
	if d.Skipped != 1 || d.State() != Terminal {
		t.Errorf("Close() skipped = %d state = %s", d.Skipped, d.State())
	}
}

func TestDecoder_skips(t *testing.T) {
	d := NewDecoder()
	input := strings.Join([]string{
		statsLine, // before the header
		headerLine,
		"not json",
		`{"type":"stats","packets":"many"}`,
		`{"type":"bogus"}`,
		"",
		statsLine,
		summaryLine,
		statsLine, // after the terminal line
	}, "\n") + "\n"
	got := d.Feed([]byte(input))
	if len(got) != 3 {
		t.Fatalf("Feed() = %d messages, want 3: %+v", len(got), got)
	}
	if got[2].Summary == nil || got[2].Summary.Total != 5000 || got[2].Summary.Sent[1].Packets != 2500 {
		t.Errorf("summary = %+v", got[2].Summary)
	}
	if d.Skipped != 5 {
		t.Errorf("Skipped = %d, want 5", d.Skipped)
	}
}

func TestDecoder_longLine(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte(headerLine + "\n"))
	d.Feed([]byte(strings.Repeat("x", MaxLineSize+1)))
	// The tail of the discarded line is not valid JSON either.
	got := d.Feed([]byte("xxx\n" + statsLine + "\n"))
	if len(got) != 1 || got[0].Record == nil {
		t.Errorf("Feed() after long line = %+v", got)
	}
	if d.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", d.Skipped)
	}
}

func TestDecoder_setupFailure(t *testing.T) {
	d := NewDecoder()
	got := d.Feed([]byte(`{"type":"summary","success":false,"error":"route ip+net: no such network interface"}` + "\n" + headerLine + "\n"))
	if len(got) != 1 || got[0].Summary == nil {
		t.Fatalf("Feed() = %+v, want one summary", got)
	}
	if got[0].Summary.Success || !strings.Contains(got[0].Summary.Error, "no such network interface") {
		t.Errorf("summary = %+v, want the setup error", got[0].Summary)
	}
	if d.State() != Terminal {
		t.Errorf("State() = %s, want terminal", d.State())
	}
	if d.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", d.Skipped)
	}
}
