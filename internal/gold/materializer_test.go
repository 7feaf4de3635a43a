package gold

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketlake/internal/model"
	"marketlake/internal/silver"
	"marketlake/logger"
)

func ts(min, sec int) time.Time {
	return time.Date(2026, 3, 14, 9, min, sec, 0, time.UTC)
}

func seedSilver(t *testing.T) *silver.MemoryStore {
	t.Helper()
	store := silver.NewMemoryStore()
	ctx := context.Background()

	trades := []model.Trade{
		{DedupKey: "t1", VenueID: "binance", MarketID: "btcusdt", InstrumentID: "BTC-USDT",
			Price: "100", Qty: "1", ReceivedTS: ts(0, 10), RawMsgID: "m1"},
		{DedupKey: "t2", VenueID: "binance", MarketID: "btcusdt", InstrumentID: "BTC-USDT",
			Price: "101", Qty: "2", ReceivedTS: ts(0, 20), RawMsgID: "m2"},
		{DedupKey: "t3", VenueID: "binance", MarketID: "ethusdt", InstrumentID: "ETH-USDT",
			Price: "50", Qty: "3", ReceivedTS: ts(0, 15), RawMsgID: "m3"},
	}
	for i := range trades {
		_, err := store.UpsertTrade(ctx, &trades[i])
		require.NoError(t, err)
	}

	quotes := []model.BestBidAsk{
		{DedupKey: "q1", VenueID: "binance", MarketID: "btcusdt", InstrumentID: "BTC-USDT",
			BidPx: "99", BidSz: "1", AskPx: "100", AskSz: "1", ReceivedTS: ts(0, 12), RawMsgID: "m4"},
		{DedupKey: "q2", VenueID: "binance", MarketID: "btcusdt", InstrumentID: "BTC-USDT",
			BidPx: "100", BidSz: "2", AskPx: "101", AskSz: "2", ReceivedTS: ts(0, 25), RawMsgID: "m5"},
	}
	for i := range quotes {
		_, err := store.UpsertBBA(ctx, &quotes[i])
		require.NoError(t, err)
	}

	bars := []model.OHLCVBar{
		{DedupKey: "b1", VenueID: "binance", MarketID: "btcusdt", InstrumentID: "BTC-USDT",
			Timeframe: "1m", OpenTS: ts(0, 0), Open: "100", High: "102", Low: "99", Close: "101",
			Volume: "10", ReceivedTS: ts(0, 30), RawMsgID: "m6"},
		// Later update of the same forming candle.
		{DedupKey: "b2", VenueID: "binance", MarketID: "btcusdt", InstrumentID: "BTC-USDT",
			Timeframe: "1m", OpenTS: ts(0, 0), Open: "100", High: "103", Low: "99", Close: "102",
			Volume: "12", ReceivedTS: ts(0, 55), RawMsgID: "m7"},
		{DedupKey: "b3", VenueID: "binance", MarketID: "btcusdt", InstrumentID: "BTC-USDT",
			Timeframe: "1m", OpenTS: ts(1, 0), Open: "102", High: "104", Low: "101", Close: "103",
			Volume: "8", ReceivedTS: ts(1, 58), RawMsgID: "m8"},
	}
	for i := range bars {
		_, err := store.UpsertBar(ctx, &bars[i])
		require.NoError(t, err)
	}
	return store
}

func TestMaterializeNewestRowWinsPerInstrument(t *testing.T) {
	store := seedSilver(t)
	sink := NewMemorySink()
	m := NewMaterializer(store, sink, logger.New())
	watermark := ts(5, 0)

	res, err := m.Materialize(context.Background(), &watermark)
	require.NoError(t, err)

	require.Len(t, res.TickerRows, 2)
	ticker, ok := sink.Ticker("binance", "btcusdt", "BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, "101", ticker.Price, "the newest trade wins")
	assert.Equal(t, `["m2"]`, ticker.RawRefs)

	quote, ok := sink.Quote("binance", "btcusdt", "BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, "100", quote.BidPx)
	assert.Equal(t, `["m5"]`, quote.RawRefs)
}

func TestMaterializeRespectsWatermark(t *testing.T) {
	store := seedSilver(t)
	sink := NewMemorySink()
	m := NewMaterializer(store, sink, logger.New())

	// A watermark before the second trade sees only the first.
	watermark := ts(0, 15)
	res, err := m.Materialize(context.Background(), &watermark)
	require.NoError(t, err)

	var btc *model.TickerLatest
	for i := range res.TickerRows {
		if res.TickerRows[i].MarketID == "btcusdt" {
			btc = &res.TickerRows[i]
		}
	}
	require.NotNil(t, btc)
	assert.Equal(t, "100", btc.Price)
}

func TestMaterializeBucketsAndMergesLineage(t *testing.T) {
	store := seedSilver(t)
	sink := NewMemorySink()
	m := NewMaterializer(store, sink, logger.New())
	watermark := ts(5, 0)

	res, err := m.Materialize(context.Background(), &watermark)
	require.NoError(t, err)

	require.Len(t, res.OHLCVRows, 2)
	first := res.OHLCVRows[0]
	assert.Equal(t, ts(0, 0), first.Bucket)
	assert.Equal(t, "103", first.High, "the newest candle update wins")
	assert.Equal(t, "12", first.Volume)
	refs := model.ParseRawRefs(first.RawRefs)
	assert.ElementsMatch(t, []string{"m6", "m7"}, refs, "lineage keeps every contributing bar")
}

func TestMaterializeIdempotentContentHash(t *testing.T) {
	store := seedSilver(t)
	m := NewMaterializer(store, NewMemorySink(), logger.New())
	watermark := ts(5, 0)

	first, err := m.Materialize(context.Background(), &watermark)
	require.NoError(t, err)
	second, err := m.Materialize(context.Background(), &watermark)
	require.NoError(t, err)

	assert.Equal(t, first.ContentHash(), second.ContentHash())
	assert.NotEmpty(t, first.ContentHash())
}

func TestMaterializeChangedSilverChangesHash(t *testing.T) {
	store := seedSilver(t)
	m := NewMaterializer(store, NewMemorySink(), logger.New())
	watermark := ts(5, 0)

	first, err := m.Materialize(context.Background(), &watermark)
	require.NoError(t, err)

	_, err = store.UpsertTrade(context.Background(), &model.Trade{
		DedupKey: "t9", VenueID: "binance", MarketID: "btcusdt", InstrumentID: "BTC-USDT",
		Price: "200", Qty: "1", ReceivedTS: ts(2, 0), RawMsgID: "m9",
	})
	require.NoError(t, err)

	second, err := m.Materialize(context.Background(), &watermark)
	require.NoError(t, err)
	assert.NotEqual(t, first.ContentHash(), second.ContentHash())
}
