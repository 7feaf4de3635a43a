package silver

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"marketlake/internal/model"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("silver: row not found")

// Store persists typed rows. Upserts are keyed on the natural dedup key
// and report whether a new row was written; a duplicate is a no-op, not
// an error. Batch reads return rows newest-first for first-seen-wins
// materialization.
type Store interface {
	UpsertTrade(ctx context.Context, t *model.Trade) (bool, error)
	UpsertBar(ctx context.Context, b *model.OHLCVBar) (bool, error)
	UpsertBBA(ctx context.Context, q *model.BestBidAsk) (bool, error)
	InsertEvent(ctx context.Context, e *model.GenericEvent) error

	SaveBookState(ctx context.Context, s *model.OrderBookState) error
	BookState(ctx context.Context, venueID, marketID string) (*model.OrderBookState, error)
	BookStates(ctx context.Context) ([]model.OrderBookState, error)

	LatestBBA(ctx context.Context, venueID, marketID string) (*model.BestBidAsk, error)
	TradesUpTo(ctx context.Context, watermark time.Time) ([]model.Trade, error)
	BBAsUpTo(ctx context.Context, watermark time.Time) ([]model.BestBidAsk, error)
	BarsUpTo(ctx context.Context, watermark time.Time) ([]model.OHLCVBar, error)
	EventsByReason(ctx context.Context, reason string, limit int) ([]model.GenericEvent, error)
}

// MemoryStore is the map-backed store used when no database is
// configured and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	trades map[string]model.Trade
	bars   map[string]model.OHLCVBar
	bbas   map[string]model.BestBidAsk
	events []model.GenericEvent
	books  map[string]model.OrderBookState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: make(map[string]model.Trade),
		bars:   make(map[string]model.OHLCVBar),
		bbas:   make(map[string]model.BestBidAsk),
		books:  make(map[string]model.OrderBookState),
	}
}

func (s *MemoryStore) UpsertTrade(ctx context.Context, t *model.Trade) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[t.DedupKey]; ok {
		return false, nil
	}
	s.trades[t.DedupKey] = *t
	return true, nil
}

func (s *MemoryStore) UpsertBar(ctx context.Context, b *model.OHLCVBar) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bars[b.DedupKey]; ok {
		return false, nil
	}
	s.bars[b.DedupKey] = *b
	return true, nil
}

func (s *MemoryStore) UpsertBBA(ctx context.Context, q *model.BestBidAsk) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bbas[q.DedupKey]; ok {
		return false, nil
	}
	s.bbas[q.DedupKey] = *q
	return true, nil
}

func (s *MemoryStore) InsertEvent(ctx context.Context, e *model.GenericEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func bookKey(venueID, marketID string) string { return venueID + "\x1f" + marketID }

func (s *MemoryStore) SaveBookState(ctx context.Context, st *model.OrderBookState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[bookKey(st.VenueID, st.MarketID)] = *st
	return nil
}

func (s *MemoryStore) BookState(ctx context.Context, venueID, marketID string) (*model.OrderBookState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.books[bookKey(venueID, marketID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

func (s *MemoryStore) BookStates(ctx context.Context) ([]model.OrderBookState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.OrderBookState, 0, len(s.books))
	for _, st := range s.books {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VenueID != out[j].VenueID {
			return out[i].VenueID < out[j].VenueID
		}
		return out[i].MarketID < out[j].MarketID
	})
	return out, nil
}

func (s *MemoryStore) LatestBBA(ctx context.Context, venueID, marketID string) (*model.BestBidAsk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.BestBidAsk
	for key := range s.bbas {
		q := s.bbas[key]
		if q.VenueID != venueID || q.MarketID != marketID {
			continue
		}
		if best == nil || q.ReceivedTS.After(best.ReceivedTS) {
			cp := q
			best = &cp
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *MemoryStore) TradesUpTo(ctx context.Context, watermark time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Trade
	for key := range s.trades {
		t := s.trades[key]
		if !t.ReceivedTS.After(watermark) {
			out = append(out, t)
		}
	}
	sortNewestFirst(out, func(t model.Trade) (time.Time, string) { return t.ReceivedTS, t.RawMsgID })
	return out, nil
}

func (s *MemoryStore) BBAsUpTo(ctx context.Context, watermark time.Time) ([]model.BestBidAsk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.BestBidAsk
	for key := range s.bbas {
		q := s.bbas[key]
		if !q.ReceivedTS.After(watermark) {
			out = append(out, q)
		}
	}
	sortNewestFirst(out, func(q model.BestBidAsk) (time.Time, string) { return q.ReceivedTS, q.RawMsgID })
	return out, nil
}

func (s *MemoryStore) BarsUpTo(ctx context.Context, watermark time.Time) ([]model.OHLCVBar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.OHLCVBar
	for key := range s.bars {
		b := s.bars[key]
		if !b.ReceivedTS.After(watermark) {
			out = append(out, b)
		}
	}
	sortNewestFirst(out, func(b model.OHLCVBar) (time.Time, string) { return b.ReceivedTS, b.RawMsgID })
	return out, nil
}

func (s *MemoryStore) EventsByReason(ctx context.Context, reason string, limit int) ([]model.GenericEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.GenericEvent
	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if reason == "" || s.events[i].Reason == reason {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

// Events returns every recorded generic event, oldest first. Test helper.
func (s *MemoryStore) Events() []model.GenericEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.GenericEvent, len(s.events))
	copy(out, s.events)
	return out
}

// sortNewestFirst orders rows by received_ts descending with raw_msg_id
// as the deterministic tiebreak.
func sortNewestFirst[T any](rows []T, key func(T) (time.Time, string)) {
	sort.Slice(rows, func(i, j int) bool {
		ti, idi := key(rows[i])
		tj, idj := key(rows[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return idi > idj
	})
}
