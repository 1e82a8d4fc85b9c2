// Package resc keeps resources_assigned: the running total of consumable
// resources handed out to jobs, at server and queue level.
package resc

import (
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Op is the direction of a ledger adjustment.
type Op int

const (
	Incr Op = iota // resources handed to a job
	Decr           // resources given back
)

// nonConsumable resources describe placement, not an amount.
var nonConsumable = map[string]bool{
	"walltime": true,
	"cput":     true,
	"nodes":    true,
	"select":   true,
	"place":    true,
	"arch":     true,
	"host":     true,
}

// Ledger is a resources_assigned attribute. Size resources are kept in
// bytes, everything else as a plain count.
type Ledger struct {
	mu      sync.Mutex
	amounts map[string]int64
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{amounts: make(map[string]int64)}
}

// Adjust adds (Incr) or subtracts (Decr) every consumable entry of resc.
// Amounts never go below zero. Values that do not parse are skipped and
// reported in the returned error after the rest were applied.
func (l *Ledger) Adjust(resc map[string]string, op Op) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var bad []string
	for name, raw := range resc {
		if nonConsumable[name] {
			continue
		}
		v, err := ParseAmount(raw)
		if err != nil {
			bad = append(bad, name+"="+raw)
			continue
		}
		if op == Decr {
			v = -v
		}
		n := l.amounts[name] + v
		if n < 0 {
			n = 0
		}
		l.amounts[name] = n
	}
	if len(bad) > 0 {
		return errors.Errorf("unparsable resource values: %s", strings.Join(bad, ", "))
	}
	return nil
}

// Get returns the assigned amount of a resource.
func (l *Ledger) Get(name string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.amounts[name]
}

// Snapshot copies the non-zero amounts.
func (l *Ledger) Snapshot() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.amounts))
	for k, v := range l.amounts {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

// ParseAmount parses a resource value: a plain integer ("4") or a PBS
// size ("512mb", "2gb", "100kb", "1024b"). PBS sizes are binary.
func ParseAmount(raw string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, errors.New("empty resource value")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	b, err := humanize.ParseBytes(binarySuffix(s))
	if err != nil {
		return 0, errors.Wrapf(err, "resource value %q", raw)
	}
	return int64(b), nil
}

// binarySuffix rewrites PBS suffixes in the IEC form humanize reads
// ("kb" -> "kib"). A word is 8 bytes.
func binarySuffix(s string) string {
	for _, p := range []string{"k", "m", "g", "t", "p"} {
		if strings.HasSuffix(s, p+"b") {
			return strings.TrimSuffix(s, p+"b") + p + "ib"
		}
		if strings.HasSuffix(s, p+"w") {
			n, err := strconv.ParseUint(strings.TrimSuffix(s, p+"w"), 10, 64)
			if err != nil {
				return s
			}
			return strconv.FormatUint(n*8, 10) + p + "ib"
		}
	}
	return s
}
