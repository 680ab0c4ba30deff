// Package stats decodes the line protocol written by the tsn-capture and
// tsn-sender subprocesses and turns capture records into per-class
// snapshots and synthetic arrival timelines.
package stats

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/m-lab/tsn-verify/pkg/tsn/model"
	"github.com/m-lab/tsn-verify/pkg/tsn/spec"
	"github.com/tidwall/gjson"
)

// MaxLineSize bounds the length of a single protocol line. Longer lines are
// discarded.
const MaxLineSize = 1 << 20

// State is the state of a Decoder.
type State int

const (
	// AwaitingHeader is the initial state. A header line is accepted, or a
	// summary line reporting a setup failure, which ends the stream.
	AwaitingHeader State = iota
	// AwaitingData accepts stats lines until a final or summary line.
	AwaitingData
	// Terminal ignores all further input.
	Terminal
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting-header"
	case AwaitingData:
		return "awaiting-data"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// ErrUnexpected is recorded for well-formed lines that are not valid in the
// current state.
var ErrUnexpected = errors.New("unexpected record")

// Message is a decoded protocol line. Exactly one of Header, Record and
// Summary is set.
type Message struct {
	Type    spec.RecordType
	Header  *model.Header
	Record  *model.Record
	Summary *model.TxSummary
}

// Decoder is a state machine fed with raw output chunks. Partial lines are
// buffered until their newline arrives; messages are returned in input
// order. Lines that cannot be decoded are skipped and counted.
type Decoder struct {
	state   State
	pending []byte
	// Skipped counts discarded lines.
	Skipped int
	// LastErr is the reason the last line was skipped.
	LastErr error
}

// NewDecoder returns a Decoder in the AwaitingHeader state.
func NewDecoder() *Decoder {
	return &Decoder{state: AwaitingHeader}
}

// State returns the current state.
func (d *Decoder) State() State {
	return d.state
}

// Feed consumes a chunk and returns the messages completed by it.
func (d *Decoder) Feed(chunk []byte) []Message {
	var msgs []Message
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if len(d.pending)+len(chunk) > MaxLineSize {
				d.skip(errors.New("line too long"))
				d.pending = d.pending[:0]
				return msgs
			}
			d.pending = append(d.pending, chunk...)
			return msgs
		}
		line := chunk[:i]
		if len(d.pending) > 0 {
			d.pending = append(d.pending, line...)
			line = d.pending
		}
		if m, ok := d.line(bytes.TrimSpace(line)); ok {
			msgs = append(msgs, m)
		}
		d.pending = d.pending[:0]
		chunk = chunk[i+1:]
	}
	return msgs
}

// Close discards any unterminated line and moves to Terminal.
func (d *Decoder) Close() {
	if len(bytes.TrimSpace(d.pending)) > 0 {
		d.skip(errors.New("unterminated line"))
	}
	d.pending = nil
	d.state = Terminal
}

func (d *Decoder) skip(err error) {
	d.Skipped++
	d.LastErr = err
}

func (d *Decoder) line(line []byte) (Message, bool) {
	if len(line) == 0 {
		return Message{}, false
	}
	if d.state == Terminal {
		d.skip(ErrUnexpected)
		return Message{}, false
	}
	if !gjson.ValidBytes(line) {
		d.skip(errors.New("invalid JSON"))
		return Message{}, false
	}
	typ := spec.RecordType(gjson.GetBytes(line, "type").String())

	switch {
	case d.state == AwaitingHeader && typ == spec.RecordHeader:
		h := &model.Header{}
		if err := json.Unmarshal(line, h); err != nil {
			d.skip(err)
			return Message{}, false
		}
		d.state = AwaitingData
		return Message{Type: typ, Header: h}, true

	case d.state == AwaitingData && (typ == spec.RecordStats || typ == spec.RecordFinal):
		r := &model.Record{}
		if err := json.Unmarshal(line, r); err != nil {
			d.skip(err)
			return Message{}, false
		}
		if typ == spec.RecordFinal {
			d.state = Terminal
		}
		return Message{Type: typ, Record: r}, true

	case typ == spec.RecordSummary:
		s := &model.TxSummary{}
		if err := json.Unmarshal(line, s); err != nil {
			d.skip(err)
			return Message{}, false
		}
		d.state = Terminal
		return Message{Type: typ, Summary: s}, true
	}
	d.skip(ErrUnexpected)
	return Message{}, false
}
