package journal

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/vproc/event"
	"github.com/chazu/vproc/process"
)

// cborEncMode uses canonical encoding so equal records encode to equal
// bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("journal: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Record is the journaled state of an event source at publish time.
type Record struct {
	Kind       event.Kind        `cbor:"1,keyasint"`
	Label      string            `cbor:"2,keyasint"`
	State      string            `cbor:"3,keyasint,omitempty"`
	Attributes map[string]string `cbor:"4,keyasint,omitempty"`
	Threads    int               `cbor:"5,keyasint,omitempty"`
	Steps      int               `cbor:"6,keyasint,omitempty"`
	StdoutLen  int               `cbor:"7,keyasint,omitempty"`
	StderrLen  int               `cbor:"8,keyasint,omitempty"`
	ExitValue  int               `cbor:"9,keyasint"`
	Failure    string            `cbor:"10,keyasint,omitempty"`
	UnixNano   int64             `cbor:"11,keyasint"`
}

// Time returns the publish time.
func (r *Record) Time() time.Time {
	return time.Unix(0, r.UnixNano)
}

// snapshotter is implemented by *process.VirtualProcess.
type snapshotter interface {
	Snapshot() process.Snapshot
}

// newRecord captures source. Sources that cannot snapshot themselves are
// recorded by label or type name only.
func newRecord(source any, kind event.Kind, at time.Time) *Record {
	r := &Record{Kind: kind, UnixNano: at.UnixNano()}
	switch s := source.(type) {
	case snapshotter:
		snap := s.Snapshot()
		r.Label = snap.Label
		r.State = snap.State.String()
		r.Attributes = snap.Attributes
		r.Threads = snap.Threads
		r.Steps = snap.Steps
		r.StdoutLen = snap.StdoutLen
		r.StderrLen = snap.StderrLen
		r.ExitValue = snap.ExitValue
		r.Failure = snap.Failure
	case interface{ Label() string }:
		r.Label = s.Label()
	default:
		r.Label = fmt.Sprintf("%T", source)
	}
	return r
}

// MarshalRecord serializes a Record to CBOR bytes.
func MarshalRecord(r *Record) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalRecord deserializes a Record from CBOR bytes.
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("journal: unmarshal record: %w", err)
	}
	return &r, nil
}
