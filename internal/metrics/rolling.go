package metrics

import (
	"sync"
	"time"
)

// RollingStats is a point-in-time snapshot of the ingest window counters.
type RollingStats struct {
	WindowSeconds int   `json:"window_seconds"`
	Accepted      int64 `json:"accepted"`
	Rejected      int64 `json:"rejected"`
	Duplicates    int64 `json:"duplicates"`
	Failures      int64 `json:"failures"`
}

type rollingEvent struct {
	at   time.Time
	kind rollingKind
}

type rollingKind int

const (
	kindAccepted rollingKind = iota
	kindRejected
	kindDuplicate
	kindFailure
)

// RollingWindow counts ingest outcomes over a trailing window. Expired
// events are pruned lazily on both record and snapshot.
type RollingWindow struct {
	mu     sync.Mutex
	window time.Duration
	events []rollingEvent
	now    func() time.Time
}

func NewRollingWindow(window time.Duration) *RollingWindow {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &RollingWindow{window: window, now: time.Now}
}

func (w *RollingWindow) Accepted()  { w.record(kindAccepted) }
func (w *RollingWindow) Rejected()  { w.record(kindRejected) }
func (w *RollingWindow) Duplicate() { w.record(kindDuplicate) }
func (w *RollingWindow) Failure()   { w.record(kindFailure) }

func (w *RollingWindow) record(kind rollingKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.prune(now)
	w.events = append(w.events, rollingEvent{at: now, kind: kind})
}

func (w *RollingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for ; i < len(w.events); i++ {
		if w.events[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// Snapshot returns the current counts inside the window.
func (w *RollingWindow) Snapshot() RollingStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())

	stats := RollingStats{WindowSeconds: int(w.window.Seconds())}
	for _, e := range w.events {
		switch e.kind {
		case kindAccepted:
			stats.Accepted++
		case kindRejected:
			stats.Rejected++
		case kindDuplicate:
			stats.Duplicates++
		case kindFailure:
			stats.Failures++
		}
	}
	return stats
}
