package monitor

import (
	"time"

	"github.com/warden-sec/warden/internal/audit"
)

// record is the trimmed view of an audit event a window keeps.
type record struct {
	at        time.Time
	eventType audit.EventType
	operation string
	decision  string
}

// window is a bounded, time-pruned event buffer for one subject. Appends
// beyond capacity overwrite the oldest entry, so a hot subject cannot grow
// memory without bound even inside the retention period.
type window struct {
	buf   []record
	head  int
	count int
}

const windowCapacity = 1024

func newWindow() *window {
	return &window{buf: make([]record, windowCapacity)}
}

func (w *window) append(r record) {
	idx := (w.head + w.count) % len(w.buf)
	w.buf[idx] = r
	if w.count < len(w.buf) {
		w.count++
	} else {
		w.head = (w.head + 1) % len(w.buf)
	}
}

// prune drops records older than cutoff.
func (w *window) prune(cutoff time.Time) {
	for w.count > 0 && w.buf[w.head].at.Before(cutoff) {
		w.head = (w.head + 1) % len(w.buf)
		w.count--
	}
}

// each visits records oldest first.
func (w *window) each(fn func(record)) {
	for i := 0; i < w.count; i++ {
		fn(w.buf[(w.head+i)%len(w.buf)])
	}
}

// countSince counts records at or after cutoff matching the filter.
func (w *window) countSince(cutoff time.Time, match func(record) bool) int {
	n := 0
	w.each(func(r record) {
		if !r.at.Before(cutoff) && match(r) {
			n++
		}
	})
	return n
}

// timestampsSince returns the timestamps of matching records, oldest first.
func (w *window) timestampsSince(cutoff time.Time, match func(record) bool) []time.Time {
	var out []time.Time
	w.each(func(r record) {
		if !r.at.Before(cutoff) && match(r) {
			out = append(out, r.at)
		}
	})
	return out
}

func (w *window) len() int {
	return w.count
}
