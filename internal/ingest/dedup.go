package ingest

import (
	"strings"
	"sync"
	"time"
)

// dedupIndex remembers payload hashes and venue-assigned message keys
// inside a trailing window. A hit only marks the envelope as a duplicate
// suspect; it never blocks storage.
type dedupIndex struct {
	mu        sync.Mutex
	byHash    map[string]time.Time
	byMsgKey  map[string]time.Time
	lastPrune time.Time
	maxWindow time.Duration
	now       func() time.Time
}

func newDedupIndex() *dedupIndex {
	return &dedupIndex{
		byHash:   make(map[string]time.Time),
		byMsgKey: make(map[string]time.Time),
		now:      time.Now,
	}
}

func msgKey(venueID, marketID, sourceMsgKey string) string {
	return strings.Join([]string{venueID, marketID, sourceMsgKey}, "\x1f")
}

// Check records the envelope's identity and reports whether either the
// payload hash or the (venue, market, source_msg_key) tuple was already
// seen inside the window.
func (d *dedupIndex) Check(payloadHash, venueID, marketID, sourceMsgKey string, window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if window > d.maxWindow {
		d.maxWindow = window
	}
	// Pruning uses the largest window seen so a short-window venue never
	// evicts entries another venue still needs.
	if now.Sub(d.lastPrune) > d.maxWindow {
		d.pruneLocked(now, d.maxWindow)
	}

	cutoff := now.Add(-window)
	suspect := false

	if seen, ok := d.byHash[payloadHash]; ok && seen.After(cutoff) {
		suspect = true
	}
	d.byHash[payloadHash] = now

	if sourceMsgKey != "" {
		key := msgKey(venueID, marketID, sourceMsgKey)
		if seen, ok := d.byMsgKey[key]; ok && seen.After(cutoff) {
			suspect = true
		}
		d.byMsgKey[key] = now
	}
	return suspect
}

func (d *dedupIndex) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	for k, seen := range d.byHash {
		if !seen.After(cutoff) {
			delete(d.byHash, k)
		}
	}
	for k, seen := range d.byMsgKey {
		if !seen.After(cutoff) {
			delete(d.byMsgKey, k)
		}
	}
	d.lastPrune = now
}
