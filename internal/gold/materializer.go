// Package gold derives the serving tables from silver rows. The
// materializer is a pure batch job: it only reads committed silver state
// and overwrites gold rows keyed per instrument, so it can run
// concurrently with live ingestion and is always safe to re-run.
package gold

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"marketlake/internal/model"
	"marketlake/internal/silver"
	"marketlake/logger"
)

// Result is the row set produced by one Materialize run.
type Result struct {
	TickerRows []model.TickerLatest
	BBARows    []model.BestBidAskLatest
	OHLCVRows  []model.OHLCV1m
}

// ContentHash returns a digest over the sorted row set. Two runs against
// unchanged silver data at the same watermark must produce equal hashes.
func (r Result) ContentHash() string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, row := range r.TickerRows {
		enc.Encode(row)
	}
	for _, row := range r.BBARows {
		enc.Encode(row)
	}
	for _, row := range r.OHLCVRows {
		enc.Encode(row)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Sink receives the materialized rows.
type Sink interface {
	UpsertTicker(ctx context.Context, row *model.TickerLatest) error
	UpsertBBALatest(ctx context.Context, row *model.BestBidAskLatest) error
	UpsertOHLCV(ctx context.Context, row *model.OHLCV1m) error
}

// Materializer scans silver and upserts the gold serving tables.
type Materializer struct {
	source silver.Store
	sink   Sink
	log    *logger.Log
	now    func() time.Time
}

func NewMaterializer(source silver.Store, sink Sink, log *logger.Log) *Materializer {
	return &Materializer{source: source, sink: sink, log: log, now: time.Now}
}

type instrumentKey struct {
	venue      string
	market     string
	instrument string
}

// Materialize derives gold rows at-or-before the watermark. A nil
// watermark means "now". Silver reads come back newest-first, so the
// first row seen per instrument is the winner.
func (m *Materializer) Materialize(ctx context.Context, watermark *time.Time) (Result, error) {
	at := m.now()
	if watermark != nil {
		at = *watermark
	}

	var res Result

	trades, err := m.source.TradesUpTo(ctx, at)
	if err != nil {
		return res, fmt.Errorf("scan trades: %w", err)
	}
	seenTickers := make(map[instrumentKey]bool)
	for i := range trades {
		t := trades[i]
		key := instrumentKey{t.VenueID, t.MarketID, t.InstrumentID}
		if seenTickers[key] {
			continue
		}
		seenTickers[key] = true
		row := model.TickerLatest{
			VenueID:      t.VenueID,
			MarketID:     t.MarketID,
			InstrumentID: t.InstrumentID,
			Price:        t.Price,
			Qty:          t.Qty,
			AsOf:         at,
			RawRefs:      model.RawRefs{t.RawMsgID}.String(),
		}
		if t.EventTS != nil {
			row.EventTS = *t.EventTS
		} else {
			row.EventTS = t.ReceivedTS
		}
		res.TickerRows = append(res.TickerRows, row)
	}

	quotes, err := m.source.BBAsUpTo(ctx, at)
	if err != nil {
		return res, fmt.Errorf("scan quotes: %w", err)
	}
	seenQuotes := make(map[instrumentKey]bool)
	for i := range quotes {
		q := quotes[i]
		key := instrumentKey{q.VenueID, q.MarketID, q.InstrumentID}
		if seenQuotes[key] {
			continue
		}
		seenQuotes[key] = true
		row := model.BestBidAskLatest{
			VenueID:      q.VenueID,
			MarketID:     q.MarketID,
			InstrumentID: q.InstrumentID,
			BidPx:        q.BidPx,
			BidSz:        q.BidSz,
			AskPx:        q.AskPx,
			AskSz:        q.AskSz,
			AsOf:         at,
			RawRefs:      model.RawRefs{q.RawMsgID}.String(),
		}
		if q.EventTS != nil {
			row.EventTS = *q.EventTS
		} else {
			row.EventTS = q.ReceivedTS
		}
		res.BBARows = append(res.BBARows, row)
	}

	bars, err := m.source.BarsUpTo(ctx, at)
	if err != nil {
		return res, fmt.Errorf("scan bars: %w", err)
	}
	res.OHLCVRows = m.bucketBars(bars, at)

	sortResult(&res)

	for i := range res.TickerRows {
		if err := m.sink.UpsertTicker(ctx, &res.TickerRows[i]); err != nil {
			return res, fmt.Errorf("upsert ticker: %w", err)
		}
	}
	for i := range res.BBARows {
		if err := m.sink.UpsertBBALatest(ctx, &res.BBARows[i]); err != nil {
			return res, fmt.Errorf("upsert quote: %w", err)
		}
	}
	for i := range res.OHLCVRows {
		if err := m.sink.UpsertOHLCV(ctx, &res.OHLCVRows[i]); err != nil {
			return res, fmt.Errorf("upsert ohlcv: %w", err)
		}
	}

	m.log.WithComponent("gold_materializer").WithFields(logger.Fields{
		"watermark": at.Format(time.RFC3339),
		"tickers":   len(res.TickerRows),
		"quotes":    len(res.BBARows),
		"buckets":   len(res.OHLCVRows),
	}).Info("materialization complete")
	return res, nil
}

type bucketKey struct {
	instrumentKey
	bucket time.Time
}

// bucketBars keeps the newest bar per minute bucket and accumulates the
// lineage of every bar that contributed to the bucket.
func (m *Materializer) bucketBars(bars []model.OHLCVBar, at time.Time) []model.OHLCV1m {
	rows := make(map[bucketKey]*model.OHLCV1m)
	refs := make(map[bucketKey]model.RawRefs)
	var order []bucketKey

	for i := range bars {
		b := bars[i]
		if b.Timeframe != "1m" {
			continue
		}
		key := bucketKey{
			instrumentKey: instrumentKey{b.VenueID, b.MarketID, b.InstrumentID},
			bucket:        b.OpenTS.Truncate(time.Minute),
		}
		refs[key] = append(refs[key], b.RawMsgID)
		if _, ok := rows[key]; ok {
			continue
		}
		order = append(order, key)
		rows[key] = &model.OHLCV1m{
			VenueID:      b.VenueID,
			MarketID:     b.MarketID,
			InstrumentID: b.InstrumentID,
			Bucket:       key.bucket,
			Open:         b.Open,
			High:         b.High,
			Low:          b.Low,
			Close:        b.Close,
			Volume:       b.Volume,
			AsOf:         at,
		}
	}

	out := make([]model.OHLCV1m, 0, len(order))
	for _, key := range order {
		row := rows[key]
		lineage := refs[key]
		sort.Strings(lineage)
		row.RawRefs = lineage.String()
		out = append(out, *row)
	}
	return out
}

// sortResult orders rows deterministically so content hashes are stable.
func sortResult(res *Result) {
	sort.Slice(res.TickerRows, func(i, j int) bool {
		return tickerKey(res.TickerRows[i]) < tickerKey(res.TickerRows[j])
	})
	sort.Slice(res.BBARows, func(i, j int) bool {
		return bbaKey(res.BBARows[i]) < bbaKey(res.BBARows[j])
	})
	sort.Slice(res.OHLCVRows, func(i, j int) bool {
		a, b := res.OHLCVRows[i], res.OHLCVRows[j]
		if ka, kb := ohlcvKey(a), ohlcvKey(b); ka != kb {
			return ka < kb
		}
		return a.Bucket.Before(b.Bucket)
	})
}

func tickerKey(r model.TickerLatest) string {
	return r.VenueID + "\x1f" + r.MarketID + "\x1f" + r.InstrumentID
}

func bbaKey(r model.BestBidAskLatest) string {
	return r.VenueID + "\x1f" + r.MarketID + "\x1f" + r.InstrumentID
}

func ohlcvKey(r model.OHLCV1m) string {
	return r.VenueID + "\x1f" + r.MarketID + "\x1f" + r.InstrumentID
}
