// Package book reconstructs order-book state from snapshots and deltas.
// One engine exists per (venue, market); every mutation and BBO
// derivation happens under that engine's lock.
package book

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketlake/internal/model"
)

// Level is one price level.
type Level struct {
	Px string
	Sz string
}

// Update is a classified order-book payload.
type Update struct {
	IsSnapshot bool
	Bids       []Level
	Asks       []Level
	Sequence   *int64
	EventTS    *time.Time
}

// Anomaly is a condition the engine records instead of raising.
type Anomaly struct {
	Reason string
	Detail string
}

// Result is the outcome of applying one update.
type Result struct {
	// BBA is the derived top of book, nil when the book is empty, the
	// quote is crossed, or the update was rejected pending resync.
	BBA *model.BestBidAsk
	// State is the post-apply persistent snapshot of the book.
	State model.OrderBookState
	// Anomalies lists gap, crossed-book and missing-sequence events.
	Anomalies []Anomaly
	// ResyncNeeded asks the caller to refetch a snapshot. Deltas are
	// rejected until one arrives.
	ResyncNeeded bool
	// Applied reports whether the update mutated the book.
	Applied bool
}

// Engine holds the in-memory book for one (venue, market).
type Engine struct {
	mu       sync.Mutex
	venueID  string
	marketID string

	bids map[string]string // price text -> size text
	asks map[string]string

	lastSeq      int64 // 0 means unknown
	degraded     bool
	degradedSeen string
	awaitingSnap bool

	now func() time.Time
}

func NewEngine(venueID, marketID string) *Engine {
	return &Engine{
		venueID:  venueID,
		marketID: marketID,
		bids:     make(map[string]string),
		asks:     make(map[string]string),
		now:      time.Now,
	}
}

// Seed warm-starts the engine from a persisted state row. A row older
// than staleAfter marks the book degraded until the next snapshot; the
// stale top of book is still retained for degraded reads.
func (e *Engine) Seed(st *model.OrderBookState, staleAfter time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeq = st.LastSequence
	if st.BidPx != "" {
		e.bids[st.BidPx] = st.BidSz
	}
	if st.AskPx != "" {
		e.asks[st.AskPx] = st.AskSz
	}
	if e.now().Sub(st.AsOf) > staleAfter {
		e.degraded = true
		e.degradedSeen = model.ReasonOrderbookStateStale
		e.awaitingSnap = true
	} else {
		e.degraded = st.Degraded
		e.degradedSeen = st.DegradedReason
	}
}

// Degraded reports the current health flag and reason.
func (e *Engine) Degraded() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded, e.degradedSeen
}

// Apply runs one update through gap detection, state mutation and BBO
// derivation, all under the engine lock.
func (e *Engine) Apply(u *Update) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := Result{}

	if u.IsSnapshot {
		e.applySnapshotLocked(u)
		res.Applied = true
	} else {
		res = e.applyDeltaLocked(u)
	}

	e.deriveBBOLocked(u, &res)
	res.State = e.stateLocked(u)
	return res
}

func (e *Engine) applySnapshotLocked(u *Update) {
	e.bids = make(map[string]string, len(u.Bids))
	e.asks = make(map[string]string, len(u.Asks))
	for _, lv := range u.Bids {
		e.bids[lv.Px] = lv.Sz
	}
	for _, lv := range u.Asks {
		e.asks[lv.Px] = lv.Sz
	}
	if u.Sequence != nil {
		e.lastSeq = *u.Sequence
	}
	// A snapshot resolves any pending resync and clears degradation.
	e.awaitingSnap = false
	e.degraded = false
	e.degradedSeen = ""
}

func (e *Engine) applyDeltaLocked(u *Update) Result {
	res := Result{}

	if u.Sequence == nil {
		res.Anomalies = append(res.Anomalies, Anomaly{
			Reason: model.ReasonOrderbookSeqMissing,
			Detail: "delta without sequence number",
		})
		e.degraded = true
		e.degradedSeen = model.ReasonOrderbookSeqMissing
	}

	if e.awaitingSnap {
		// Deltas are dropped until the requested snapshot lands;
		// applying them would compound the gap.
		res.ResyncNeeded = true
		return res
	}

	if u.Sequence != nil && e.lastSeq != 0 && *u.Sequence != e.lastSeq+1 {
		res.Anomalies = append(res.Anomalies, Anomaly{
			Reason: model.ReasonOrderbookGap,
			Detail: fmt.Sprintf("expected seq %d, got %d", e.lastSeq+1, *u.Sequence),
		})
		e.degraded = true
		e.degradedSeen = model.ReasonOrderbookGap
		e.awaitingSnap = true
		res.ResyncNeeded = true
		return res
	}

	for _, lv := range u.Bids {
		e.upsertLevelLocked(e.bids, lv)
	}
	for _, lv := range u.Asks {
		e.upsertLevelLocked(e.asks, lv)
	}
	if u.Sequence != nil {
		e.lastSeq = *u.Sequence
	}
	res.Applied = true
	return res
}

func (e *Engine) upsertLevelLocked(side map[string]string, lv Level) {
	sz, err := decimal.NewFromString(lv.Sz)
	if err != nil {
		return
	}
	if sz.IsZero() {
		delete(side, lv.Px)
		return
	}
	side[lv.Px] = lv.Sz
}

// deriveBBOLocked computes best bid (max price) and best ask (min
// price). A crossed result suppresses the quote and degrades the book
// while still recording the anomaly.
func (e *Engine) deriveBBOLocked(u *Update, res *Result) {
	bidPx, bidSz, okBid := extreme(e.bids, true)
	askPx, askSz, okAsk := extreme(e.asks, false)
	if !okBid || !okAsk {
		return
	}
	bid, err1 := decimal.NewFromString(bidPx)
	ask, err2 := decimal.NewFromString(askPx)
	if err1 != nil || err2 != nil {
		return
	}
	if bid.GreaterThanOrEqual(ask) {
		res.BBA = nil
		res.Anomalies = append(res.Anomalies, Anomaly{
			Reason: model.ReasonDataInvalid,
			Detail: fmt.Sprintf("%s: bid=%s ask=%s", model.ReasonCrossedBook, bidPx, askPx),
		})
		e.degraded = true
		e.degradedSeen = model.ReasonDataInvalid
		return
	}
	var seq *int64
	if e.lastSeq != 0 {
		s := e.lastSeq
		seq = &s
	}
	res.BBA = &model.BestBidAsk{
		VenueID:    e.venueID,
		MarketID:   e.marketID,
		BidPx:      bidPx,
		BidSz:      bidSz,
		AskPx:      askPx,
		AskSz:      askSz,
		Sequence:   seq,
		EventTS:    u.EventTS,
		ReceivedTS: e.now(),
	}
}

func (e *Engine) stateLocked(u *Update) model.OrderBookState {
	bidPx, bidSz, _ := extreme(e.bids, true)
	askPx, askSz, _ := extreme(e.asks, false)
	asOf := e.now()
	if u != nil && u.EventTS != nil {
		asOf = *u.EventTS
	}
	return model.OrderBookState{
		VenueID:        e.venueID,
		MarketID:       e.marketID,
		BidPx:          bidPx,
		BidSz:          bidSz,
		AskPx:          askPx,
		AskSz:          askSz,
		LastSequence:   e.lastSeq,
		Degraded:       e.degraded,
		DegradedReason: e.degradedSeen,
		AsOf:           asOf,
	}
}

// State returns the current persistent snapshot.
func (e *Engine) State() model.OrderBookState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(nil)
}

// extreme scans one side for its best level. max=true picks the highest
// price (bids), max=false the lowest (asks).
func extreme(side map[string]string, max bool) (px, sz string, ok bool) {
	var best decimal.Decimal
	for p, s := range side {
		d, err := decimal.NewFromString(p)
		if err != nil {
			continue
		}
		if !ok || (max && d.GreaterThan(best)) || (!max && d.LessThan(best)) {
			best, px, sz, ok = d, p, s, true
		}
	}
	return px, sz, ok
}

// Manager hands out one engine per (venue, market).
type Manager struct {
	mu      sync.Mutex
	engines map[string]*Engine
}

func NewManager() *Manager {
	return &Manager{engines: make(map[string]*Engine)}
}

func (m *Manager) Get(venueID, marketID string) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := venueID + "\x1f" + marketID
	if e, ok := m.engines[key]; ok {
		return e
	}
	e := NewEngine(venueID, marketID)
	m.engines[key] = e
	return e
}

// Lookup returns the engine for (venue, market) without creating one,
// so read-path queries for unknown keys cannot grow the engine map.
func (m *Manager) Lookup(venueID, marketID string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[venueID+"\x1f"+marketID]
	return e, ok
}

// All returns every live engine, for health reporting.
func (m *Manager) All() []*Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		out = append(out, e)
	}
	return out
}
