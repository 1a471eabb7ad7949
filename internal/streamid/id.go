// Package streamid implements parsing, comparison, and auto-generation of
// stream entry IDs: pairs of (ms, seq) serialized as "<ms>-<seq>".
package streamid

import (
	"strconv"
	"strings"

	"github.com/ryz-labs/glimmerdb/internal/domainerr"
)

// ID is a stream entry identifier. Ordering is lexicographic on (Ms, Seq).
type ID struct {
	Ms  uint64
	Seq uint64
}

// Zero is the sentinel ID no entry may use.
var Zero = ID{0, 0}

// Max is the largest representable ID, used as the "+" range sentinel.
var Max = ID{Ms: ^uint64(0), Seq: ^uint64(0)}

var (
	ErrMalformed    = domainerr.New("Invalid stream ID specified as stream command argument")
	ErrNotAboveZero = domainerr.New("The ID specified in XADD must be greater than 0-0")
	ErrNotAboveLast = domainerr.New("The ID specified in XADD is equal or smaller than the target stream top item")
)

func (id ID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Compare returns -1, 0, or 1 as id is less than, equal to, or greater than other.
func (id ID) Compare(other ID) int {
	switch {
	case id.Ms < other.Ms:
		return -1
	case id.Ms > other.Ms:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

func (id ID) Less(other ID) bool    { return id.Compare(other) < 0 }
func (id ID) LessEq(other ID) bool  { return id.Compare(other) <= 0 }
func (id ID) Greater(other ID) bool { return id.Compare(other) > 0 }

// Parse parses a literal "<ms>-<seq>" or "<ms>" id string. A missing
// sequence component defaults to 0, matching the range-normalization rule
// used for XRANGE start/end.
func Parse(s string) (ID, error) {
	parts := strings.SplitN(s, "-", 2)
	ms, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return ID{}, ErrMalformed
	}
	if len(parts) == 1 {
		return ID{Ms: ms, Seq: 0}, nil
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return ID{}, ErrMalformed
	}
	return ID{Ms: ms, Seq: seq}, nil
}

// ParseRangeBound parses one endpoint of an XRANGE/XREVRANGE argument,
// honoring the "-" and "+" sentinels.
func ParseRangeBound(s string, isStart bool) (ID, error) {
	switch s {
	case "-":
		return Zero, nil
	case "+":
		return Max, nil
	default:
		return Parse(s)
	}
}

// Spec describes an id_spec argument to XADD: one of "*", "<ms>-*", or a
// literal "<ms>-<seq>".
type Spec struct {
	Ms      uint64
	Seq     uint64
	AutoMs  bool
	AutoSeq bool
}

// ParseSpec parses the id_spec grammar accepted by XADD.
func ParseSpec(s string) (Spec, error) {
	if s == "*" {
		return Spec{AutoMs: true, AutoSeq: true}, nil
	}

	parts := strings.SplitN(s, "-", 2)
	ms, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Spec{}, ErrMalformed
	}
	if len(parts) == 1 {
		return Spec{Ms: ms}, nil
	}
	if parts[1] == "*" {
		return Spec{Ms: ms, AutoSeq: true}, nil
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Spec{}, ErrMalformed
	}
	return Spec{Ms: ms, Seq: seq}, nil
}

// NextSeq implements the sequence-assignment rule for an explicit or
// wall-clock ms component: reuse maxSeqForMs+1 if the stream already has an
// entry at that ms, else 1 if ms==0, else 0.
func NextSeq(ms uint64, maxSeqForMs func(ms uint64) (uint64, bool)) uint64 {
	if seq, ok := maxSeqForMs(ms); ok {
		return seq + 1
	}
	if ms == 0 {
		return 1
	}
	return 0
}

// Validate checks the monotonicity invariants an assigned/literal ID must
// satisfy against the stream's current last ID.
func Validate(id ID, lastID ID, hasLast bool) error {
	if id == Zero {
		return ErrNotAboveZero
	}
	if hasLast && id.LessEq(lastID) {
		return ErrNotAboveLast
	}
	return nil
}

// InRange reports whether id falls within the inclusive [start, end] bound.
func InRange(id, start, end ID) bool {
	return id.Compare(start) >= 0 && id.Compare(end) <= 0
}
