package silver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketlake/internal/model"
	"marketlake/logger"
)

func envelope(payload map[string]interface{}) *model.Envelope {
	return &model.Envelope{
		RawMsgID:     model.NewRawMsgID(),
		TenantID:     "default",
		SourceType:   "ws",
		VenueID:      "binance",
		MarketID:     "btcusdt",
		InstrumentID: "BTC-USDT",
		StreamName:   "trades",
		ReceivedTS:   time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Payload:      payload,
	}
}

func seqEnvelope(payload map[string]interface{}, seq int64) *model.Envelope {
	env := envelope(payload)
	env.Sequence = &seq
	return env
}

func TestClassifyTrade(t *testing.T) {
	c := Classify(envelope(map[string]interface{}{
		"price": "42000.5", "qty": "0.25", "trade_id": "t-991", "side": "buy",
	}))
	require.Equal(t, model.TargetTrade, c.Target)
	assert.Equal(t, "42000.5", c.Trade.Price)
	assert.Equal(t, "0.25", c.Trade.Qty)
	assert.Equal(t, "t-991", c.Trade.TradeID)
	assert.Equal(t, "buy", c.Trade.Side)
	assert.NotEmpty(t, c.Trade.DedupKey)
}

func TestClassifyTradeBinanceShape(t *testing.T) {
	c := Classify(envelope(map[string]interface{}{
		"p": "42000.5", "q": "0.25", "m": true,
	}))
	require.Equal(t, model.TargetTrade, c.Target)
	assert.Equal(t, "sell", c.Trade.Side)
}

func TestClassifyOHLCV(t *testing.T) {
	c := Classify(envelope(map[string]interface{}{
		"open": "100", "high": "110", "low": "95", "close": "105",
		"volume": "12.5", "interval": "1m", "open_ts": float64(1773478800000),
	}))
	require.Equal(t, model.TargetOHLCV, c.Target)
	assert.Equal(t, "1m", c.Bar.Timeframe)
	assert.Equal(t, "110", c.Bar.High)
	assert.Equal(t, time.UnixMilli(1773478800000).UTC(), c.Bar.OpenTS)
}

func TestClassifyBestBidAsk(t *testing.T) {
	c := Classify(envelope(map[string]interface{}{
		"bid_px": "100.1", "bid_sz": "3", "ask_px": "100.2", "ask_sz": "1",
	}))
	require.Equal(t, model.TargetBestBidAsk, c.Target)
	assert.Equal(t, "100.1", c.BBA.BidPx)
	assert.Equal(t, "100.2", c.BBA.AskPx)
}

func TestClassifyOrderBookPairArrays(t *testing.T) {
	c := Classify(envelope(map[string]interface{}{
		"lastUpdateId": float64(77),
		"bids":         []interface{}{[]interface{}{"100", "1"}, []interface{}{"99", "2"}},
		"asks":         []interface{}{[]interface{}{"101", "1"}},
	}))
	require.Equal(t, model.TargetOrderBook, c.Target)
	require.NotNil(t, c.Book.Sequence)
	assert.Equal(t, int64(77), *c.Book.Sequence)
	assert.True(t, c.Book.IsSnapshot)
	assert.Len(t, c.Book.Bids, 2)
}

func TestClassifyOrderBookDelta(t *testing.T) {
	c := Classify(envelope(map[string]interface{}{
		"e": "depthUpdate", "u": float64(78),
		"b": []interface{}{[]interface{}{"100", "0"}},
		"a": []interface{}{},
	}))
	require.Equal(t, model.TargetOrderBook, c.Target)
	assert.False(t, c.Book.IsSnapshot)
}

func TestClassifyFallbackNeverDrops(t *testing.T) {
	c := Classify(envelope(map[string]interface{}{
		"listenKey": "abc", "status": "ok",
	}))
	require.Equal(t, model.TargetGenericEvent, c.Target)
	require.NotNil(t, c.Generic)
	assert.Contains(t, c.Generic.Payload, "listenKey")
}

func TestTradeDedupKeyStableUnderReordering(t *testing.T) {
	payload := map[string]interface{}{"price": "100", "qty": "1", "trade_id": "t-1"}
	a := Classify(envelope(payload))
	b := Classify(envelope(payload))
	// Different raw_msg_id and arrival order, same natural key.
	assert.Equal(t, a.Trade.DedupKey, b.Trade.DedupKey)

	other := Classify(envelope(map[string]interface{}{"price": "100", "qty": "1", "trade_id": "t-2"}))
	assert.NotEqual(t, a.Trade.DedupKey, other.Trade.DedupKey)
}

func TestQualityGateNegativePrice(t *testing.T) {
	a := CheckTrade(&model.Trade{Price: "-1", Qty: "2"})
	require.NotNil(t, a)
	assert.Equal(t, model.ReasonNegativePrice, a.Reason)
}

func TestQualityGateOHLCVRange(t *testing.T) {
	a := CheckBar(&model.OHLCVBar{Open: "100", High: "99", Low: "90", Close: "95", Volume: "1"})
	require.NotNil(t, a)
	assert.Equal(t, model.ReasonOHLCVRange, a.Reason)

	a = CheckBar(&model.OHLCVBar{Open: "100", High: "110", Low: "101", Close: "105", Volume: "1"})
	require.NotNil(t, a)
	assert.Equal(t, model.ReasonOHLCVRange, a.Reason)

	assert.Nil(t, CheckBar(&model.OHLCVBar{Open: "100", High: "110", Low: "95", Close: "105", Volume: "1"}))
}

func TestQualityGateCrossedQuote(t *testing.T) {
	a := CheckBBA(&model.BestBidAsk{BidPx: "101", AskPx: "100"})
	require.NotNil(t, a)
	assert.Equal(t, model.ReasonCrossedBook, a.Reason)
}

func TestNormalizeIdempotentReIngest(t *testing.T) {
	store := NewMemoryStore()
	n := NewNormalizer(store, time.Minute, logger.New())
	ctx := context.Background()

	payload := map[string]interface{}{"price": "100", "qty": "1", "trade_id": "t-1"}

	target, event, err := n.Normalize(ctx, envelope(payload), false)
	require.NoError(t, err)
	assert.Equal(t, model.TargetTrade, target)
	assert.Equal(t, EventInserted, event)

	// Equivalent envelope again: no second row, reported as duplicate.
	_, event, err = n.Normalize(ctx, envelope(payload), true)
	require.NoError(t, err)
	assert.Equal(t, EventDuplicate, event)

	rows, err := store.TradesUpTo(ctx, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestNormalizeAnomalyBecomesEvent(t *testing.T) {
	store := NewMemoryStore()
	n := NewNormalizer(store, time.Minute, logger.New())
	ctx := context.Background()

	target, event, err := n.Normalize(ctx, envelope(map[string]interface{}{
		"price": "-5", "qty": "1",
	}), false)
	require.NoError(t, err)
	assert.Equal(t, model.TargetTrade, target)
	assert.Equal(t, EventAnomaly, event)

	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.ReasonDataAnomaly, events[0].Reason)
	assert.Contains(t, events[0].Detail, model.ReasonNegativePrice)

	rows, err := store.TradesUpTo(ctx, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, rows, "gated rows never reach the trade table")
}

func TestNormalizeBookGapRequestsResync(t *testing.T) {
	store := NewMemoryStore()
	n := NewNormalizer(store, time.Minute, logger.New())
	ctx := context.Background()

	var resyncs []string
	n.SetResync(func(ctx context.Context, venueID, marketID string) {
		resyncs = append(resyncs, venueID+"/"+marketID)
	})

	snapshot := map[string]interface{}{
		"lastUpdateId": float64(1),
		"bids":         []interface{}{[]interface{}{"100", "1"}},
		"asks":         []interface{}{[]interface{}{"101", "1"}},
	}
	_, event, err := n.Normalize(ctx, envelope(snapshot), false)
	require.NoError(t, err)
	assert.Equal(t, EventBookUpdate, event)

	// Delta skips sequence 2.
	gapped := map[string]interface{}{
		"e": "depthUpdate", "u": float64(3),
		"b": []interface{}{[]interface{}{"100", "5"}},
	}
	_, event, err = n.Normalize(ctx, envelope(gapped), false)
	require.NoError(t, err)
	assert.Equal(t, EventResync, event)
	assert.Equal(t, []string{"binance/btcusdt"}, resyncs)

	events, err := store.EventsByReason(ctx, model.ReasonOrderbookGap, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Persisted state is degraded until the refetched snapshot lands.
	st, err := store.BookState(ctx, "binance", "btcusdt")
	require.NoError(t, err)
	assert.True(t, st.Degraded)
	assert.Equal(t, model.ReasonOrderbookGap, st.DegradedReason)
}

func TestWarmStartSeedsEngines(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveBookState(ctx, &model.OrderBookState{
		VenueID:      "binance",
		MarketID:     "btcusdt",
		BidPx:        "100",
		BidSz:        "1",
		AskPx:        "101",
		AskSz:        "1",
		LastSequence: 9,
		AsOf:         time.Now().Add(-time.Hour),
	}))

	n := NewNormalizer(store, 5*time.Minute, logger.New())
	require.NoError(t, n.WarmStart(ctx))

	engine := n.Books().Get("binance", "btcusdt")
	degraded, reason := engine.Degraded()
	assert.True(t, degraded)
	assert.Equal(t, model.ReasonOrderbookStateStale, reason)
}
