package gold

import (
	"context"
	"sort"
	"strings"
	"sync"

	"gorm.io/gorm/clause"

	"marketlake/internal/model"
	"marketlake/internal/silver"
)

// MemorySink keeps gold rows in maps, for database-less deployments and
// tests. Reads are served through the accessor methods.
type MemorySink struct {
	mu      sync.RWMutex
	tickers map[string]model.TickerLatest
	quotes  map[string]model.BestBidAskLatest
	ohlcv   map[string]model.OHLCV1m
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		tickers: make(map[string]model.TickerLatest),
		quotes:  make(map[string]model.BestBidAskLatest),
		ohlcv:   make(map[string]model.OHLCV1m),
	}
}

func (s *MemorySink) UpsertTicker(ctx context.Context, row *model.TickerLatest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers[tickerKey(*row)] = *row
	return nil
}

func (s *MemorySink) UpsertBBALatest(ctx context.Context, row *model.BestBidAskLatest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[bbaKey(*row)] = *row
	return nil
}

func (s *MemorySink) UpsertOHLCV(ctx context.Context, row *model.OHLCV1m) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ohlcv[ohlcvKey(*row)+"\x1f"+row.Bucket.UTC().String()] = *row
	return nil
}

// Ticker returns the latest ticker for one instrument.
func (s *MemorySink) Ticker(venueID, marketID, instrumentID string) (model.TickerLatest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.tickers[venueID+"\x1f"+marketID+"\x1f"+instrumentID]
	return row, ok
}

// Quote returns the latest top-of-book for one instrument.
func (s *MemorySink) Quote(venueID, marketID, instrumentID string) (model.BestBidAskLatest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.quotes[venueID+"\x1f"+marketID+"\x1f"+instrumentID]
	return row, ok
}

// OHLCV returns up to limit 1m buckets for one instrument, newest first.
func (s *MemorySink) OHLCV(venueID, marketID, instrumentID string, limit int) []model.OHLCV1m {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := venueID + "\x1f" + marketID + "\x1f" + instrumentID + "\x1f"
	var rows []model.OHLCV1m
	for key, row := range s.ohlcv {
		if strings.HasPrefix(key, prefix) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Bucket.After(rows[j].Bucket) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// Len reports row counts per table.
func (s *MemorySink) Len() (tickers, quotes, ohlcv int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tickers), len(s.quotes), len(s.ohlcv)
}

// GormSink upserts gold rows through the relational store, overwriting
// on the instrument primary key.
type GormSink struct {
	store *silver.GormStore
}

func NewGormSink(store *silver.GormStore) *GormSink {
	return &GormSink{store: store}
}

func (s *GormSink) UpsertTicker(ctx context.Context, row *model.TickerLatest) error {
	return s.store.DB().WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func (s *GormSink) UpsertBBALatest(ctx context.Context, row *model.BestBidAskLatest) error {
	return s.store.DB().WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func (s *GormSink) UpsertOHLCV(ctx context.Context, row *model.OHLCV1m) error {
	return s.store.DB().WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}
