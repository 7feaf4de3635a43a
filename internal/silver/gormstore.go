package silver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"marketlake/internal/model"
	"marketlake/logger"
)

// GormStore is the relational store. Dedup-keyed rows insert with
// ON CONFLICT DO NOTHING so re-ingestion is a no-op at the database
// level, which keeps the idempotency invariant even across multiple
// writer processes.
type GormStore struct {
	db *gorm.DB
}

func OpenGormStore(dsn string, log *logger.Log) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(
		&model.Trade{},
		&model.OHLCVBar{},
		&model.BestBidAsk{},
		&model.GenericEvent{},
		&model.OrderBookState{},
		&model.TickerLatest{},
		&model.BestBidAskLatest{},
		&model.OHLCV1m{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	log.WithComponent("silver_store").WithFields(logger.Fields{"dsn": dsn}).Info("database ready")
	return &GormStore{db: db}, nil
}

// DB exposes the underlying handle for the Gold materializer's upserts.
func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) insertIgnoring(ctx context.Context, row interface{}) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) UpsertTrade(ctx context.Context, t *model.Trade) (bool, error) {
	return s.insertIgnoring(ctx, t)
}

func (s *GormStore) UpsertBar(ctx context.Context, b *model.OHLCVBar) (bool, error) {
	return s.insertIgnoring(ctx, b)
}

func (s *GormStore) UpsertBBA(ctx context.Context, q *model.BestBidAsk) (bool, error) {
	return s.insertIgnoring(ctx, q)
}

func (s *GormStore) InsertEvent(ctx context.Context, e *model.GenericEvent) error {
	_, err := s.insertIgnoring(ctx, e)
	return err
}

func (s *GormStore) SaveBookState(ctx context.Context, st *model.OrderBookState) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(st).Error
}

func (s *GormStore) BookState(ctx context.Context, venueID, marketID string) (*model.OrderBookState, error) {
	var st model.OrderBookState
	err := s.db.WithContext(ctx).
		Where("venue_id = ? AND market_id = ?", venueID, marketID).
		First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *GormStore) BookStates(ctx context.Context) ([]model.OrderBookState, error) {
	var states []model.OrderBookState
	err := s.db.WithContext(ctx).
		Order("venue_id, market_id").
		Find(&states).Error
	return states, err
}

func (s *GormStore) LatestBBA(ctx context.Context, venueID, marketID string) (*model.BestBidAsk, error) {
	var q model.BestBidAsk
	err := s.db.WithContext(ctx).
		Where("venue_id = ? AND market_id = ?", venueID, marketID).
		Order("received_ts DESC, raw_msg_id DESC").
		First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *GormStore) TradesUpTo(ctx context.Context, watermark time.Time) ([]model.Trade, error) {
	var rows []model.Trade
	err := s.db.WithContext(ctx).
		Where("received_ts <= ?", watermark).
		Order("received_ts DESC, raw_msg_id DESC").
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) BBAsUpTo(ctx context.Context, watermark time.Time) ([]model.BestBidAsk, error) {
	var rows []model.BestBidAsk
	err := s.db.WithContext(ctx).
		Where("received_ts <= ?", watermark).
		Order("received_ts DESC, raw_msg_id DESC").
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) BarsUpTo(ctx context.Context, watermark time.Time) ([]model.OHLCVBar, error) {
	var rows []model.OHLCVBar
	err := s.db.WithContext(ctx).
		Where("received_ts <= ?", watermark).
		Order("received_ts DESC, raw_msg_id DESC").
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) EventsByReason(ctx context.Context, reason string, limit int) ([]model.GenericEvent, error) {
	q := s.db.WithContext(ctx).Order("received_ts DESC")
	if reason != "" {
		q = q.Where("reason = ?", reason)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.GenericEvent
	err := q.Find(&rows).Error
	return rows, err
}
