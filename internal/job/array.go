package job

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrBadRange is returned for a malformed subjob index range.
var ErrBadRange = errors.New("malformed subjob index range")

// Subjob is one entry of an array job's tracking table.
type Subjob struct {
	State int  // tracked job state of the index
	Job   *Job // live record, nil until the subjob materializes
}

// ArrayTracker is the subjob table of an array parent. Offsets are stable
// for the life of the array.
type ArrayTracker struct {
	Start, End, Step int
	// DeletedCount is the number of subjobs deleted from the array.
	DeletedCount int

	entries []Subjob
}

// NewArrayTracker builds the table for indices start..end by step, every
// entry queued and not materialized.
func NewArrayTracker(start, end, step int) (*ArrayTracker, error) {
	if step < 1 || end < start || start < 0 {
		return nil, errors.Errorf("invalid array numbering %d-%d:%d", start, end, step)
	}
	t := &ArrayTracker{Start: start, End: end, Step: step}
	t.entries = make([]Subjob, (end-start)/step+1)
	for i := range t.entries {
		t.entries[i].State = StateQueued
	}
	return t, nil
}

// RestoreArrayTracker rebuilds a table from saved per-offset states.
func RestoreArrayTracker(start, end, step, deleted int, states []int) (*ArrayTracker, error) {
	t, err := NewArrayTracker(start, end, step)
	if err != nil {
		return nil, err
	}
	if len(states) != len(t.entries) {
		return nil, errors.Errorf("array %d-%d:%d has %d entries, saved %d",
			start, end, step, len(t.entries), len(states))
	}
	for i, st := range states {
		t.entries[i].State = st
	}
	t.DeletedCount = deleted
	return t, nil
}

// Count is the number of tracked indices.
func (t *ArrayTracker) Count() int {
	return len(t.entries)
}

// OffsetForIndex maps a subjob index to its table offset.
func (t *ArrayTracker) OffsetForIndex(idx int) (int, bool) {
	if idx < t.Start || idx > t.End || (idx-t.Start)%t.Step != 0 {
		return -1, false
	}
	off := (idx - t.Start) / t.Step
	if off >= len(t.entries) {
		return -1, false
	}
	return off, true
}

// StateAt is the tracked state at off, or -1 for an invalid offset.
func (t *ArrayTracker) StateAt(off int) int {
	if off < 0 || off >= len(t.entries) {
		return -1
	}
	return t.entries[off].State
}

// JobAt is the live subjob at off, nil if it never materialized.
func (t *ArrayTracker) JobAt(off int) *Job {
	if off < 0 || off >= len(t.entries) {
		return nil
	}
	return t.entries[off].Job
}

// SetTableState records the tracked state of an index.
func (t *ArrayTracker) SetTableState(off, state int) bool {
	if off < 0 || off >= len(t.entries) {
		return false
	}
	t.entries[off].State = state
	return true
}

// CountState is the number of indices tracked in state.
func (t *ArrayTracker) CountState(state int) int {
	n := 0
	for _, e := range t.entries {
		if e.State == state {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the tracked states, by offset.
func (t *ArrayTracker) Snapshot() []int {
	out := make([]int, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.State
	}
	return out
}

func (t *ArrayTracker) attach(off int, j *Job) {
	t.entries[off].Job = j
	t.entries[off].State = j.State
}

func (t *ArrayTracker) detach(off, state int) {
	if off < 0 || off >= len(t.entries) {
		return
	}
	t.entries[off].Job = nil
	t.entries[off].State = state
}

// Range is one low-high:step term of a subjob index range.
type Range struct {
	Low, High, Step int
	// Count is the number of indices the term covers.
	Count int
}

// RangeIter walks the terms of a range expression such as "1-7:2,10".
type RangeIter struct {
	rest string
	done bool
}

// ParseRange returns an iterator over spec. Terms are parsed lazily; a
// malformed term is reported by Next when it is reached.
func ParseRange(spec string) *RangeIter {
	return &RangeIter{rest: spec}
}

// Next returns the next term. ok is false once the expression is exhausted.
func (it *RangeIter) Next() (r Range, ok bool, err error) {
	if it.done {
		return Range{}, false, nil
	}
	term := it.rest
	if i := strings.IndexByte(it.rest, ','); i >= 0 {
		term, it.rest = it.rest[:i], it.rest[i+1:]
	} else {
		it.rest, it.done = "", true
	}
	r, err = parseTerm(strings.TrimSpace(term))
	if err != nil {
		it.done = true
		return Range{}, false, err
	}
	return r, true, nil
}

func parseTerm(term string) (Range, error) {
	if term == "" {
		return Range{}, errors.Wrap(ErrBadRange, "empty term")
	}
	r := Range{Step: 1}
	bounds, step, hasStep := strings.Cut(term, ":")
	lo, hi, hasHigh := strings.Cut(bounds, "-")

	var err error
	if r.Low, err = parseIndex(lo); err != nil {
		return Range{}, errors.Wrapf(ErrBadRange, "term %q", term)
	}
	r.High = r.Low
	if hasHigh {
		if r.High, err = parseIndex(hi); err != nil {
			return Range{}, errors.Wrapf(ErrBadRange, "term %q", term)
		}
	}
	if hasStep {
		if !hasHigh {
			return Range{}, errors.Wrapf(ErrBadRange, "step without upper bound in %q", term)
		}
		if r.Step, err = parseIndex(step); err != nil || r.Step < 1 {
			return Range{}, errors.Wrapf(ErrBadRange, "term %q", term)
		}
	}
	if r.High < r.Low {
		return Range{}, errors.Wrapf(ErrBadRange, "descending term %q", term)
	}
	r.Count = (r.High-r.Low)/r.Step + 1
	return r, nil
}

func parseIndex(s string) (int, error) {
	if s == "" {
		return 0, ErrBadRange
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, ErrBadRange
		}
	}
	return strconv.Atoi(s)
}

// splitID breaks an id into sequence, bracketed index text and the
// ".server" suffix. array is false when the id has no brackets.
func splitID(id string) (seq, index, suffix string, array bool) {
	open := strings.IndexByte(id, '[')
	if open < 0 {
		return id, "", "", false
	}
	end := strings.IndexByte(id[open:], ']')
	if end < 0 {
		return id, "", "", false
	}
	end += open
	return id[:open], id[open+1 : end], id[end+1:], true
}

// IndexFromID returns the text between the brackets of an array id.
func IndexFromID(id string) string {
	_, idx, _, _ := splitID(id)
	return idx
}

// ParentID returns the array parent id for any array or subjob id.
func ParentID(id string) string {
	seq, _, suffix, array := splitID(id)
	if !array {
		return id
	}
	return seq + "[]" + suffix
}

// SubjobID returns the id of index idx of the array parentID.
func SubjobID(parentID string, idx int) string {
	seq, _, suffix, _ := splitID(parentID)
	return seq + "[" + strconv.Itoa(idx) + "]" + suffix
}
