package api

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketlake/internal/gold"
	"marketlake/internal/model"
	"marketlake/logger"
)

// TestPipelineEndToEnd pushes a mixed stream through the HTTP ingest
// endpoint and checks the full path: bronze storage, silver rows and
// events, order book reconstruction, gold materialization and the read
// endpoints. The stream includes a replayed message, an out-of-sequence
// book delta and a malformed payload.
func TestPipelineEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	send := func(body map[string]interface{}) map[string]interface{} {
		rec, resp := h.do(t, http.MethodPost, "/v1/ingest", body)
		require.Equal(t, http.StatusOK, rec.Code, "ingest rejected: %v", resp)
		return resp
	}

	envelope := func(stream string, ts time.Time, seq int64, payload map[string]interface{}) map[string]interface{} {
		body := map[string]interface{}{
			"source_type":   "ws",
			"venue_id":      "binance",
			"market_id":     "btcusdt",
			"instrument_id": "BTC-USDT",
			"stream_name":   stream,
			"event_ts":      ts.Format(time.RFC3339Nano),
			"received_ts":   ts.Add(5 * time.Millisecond).Format(time.RFC3339Nano),
			"payload":       payload,
		}
		if seq > 0 {
			body["sequence"] = seq
		}
		return body
	}

	// Trades, one of them delivered twice.
	for i := 0; i < 20; i++ {
		body := envelope("trades", base.Add(time.Duration(i)*time.Second), 0, map[string]interface{}{
			"price": fmt.Sprintf("%d.5", 42000+i), "qty": "0.25",
			"trade_id": fmt.Sprintf("t-%d", i),
		})
		resp := send(body)
		if i == 7 {
			replayed := send(body)
			assert.Equal(t, true, replayed["dup_suspect"])
			assert.Equal(t, "duplicate", replayed["normalized_event_type"])
			assert.NotEqual(t, resp["raw_msg_id"], replayed["raw_msg_id"])
		}
	}

	// Book snapshot, in-sequence deltas, then a gap.
	send(envelope("depth_snapshot", base, 100, map[string]interface{}{
		"type": "snapshot",
		"bids": [][]string{{"42000", "3"}, {"41999", "1"}},
		"asks": [][]string{{"42001", "2"}},
	}))
	for i := int64(1); i <= 5; i++ {
		send(envelope("depth", base.Add(time.Duration(i)*time.Second), 100+i, map[string]interface{}{
			"e":    "depthUpdate",
			"bids": [][]string{{"42000", fmt.Sprintf("%d", 3+i)}},
			"asks": [][]string{},
		}))
	}
	resp := send(envelope("depth", base.Add(time.Minute), 110, map[string]interface{}{
		"e":    "depthUpdate",
		"bids": [][]string{{"42000", "9"}},
		"asks": [][]string{},
	}))
	assert.Equal(t, "resync_requested", resp["normalized_event_type"])

	// Recovery snapshot clears the degradation.
	resp = send(envelope("depth_snapshot", base.Add(time.Minute+time.Second), 120, map[string]interface{}{
		"type": "snapshot",
		"bids": [][]string{{"42002", "4"}},
		"asks": [][]string{{"42003", "1"}},
	}))
	assert.Equal(t, "book_update", resp["normalized_event_type"])

	// Closed candles plus two revisions of the same forming candle.
	for i := 0; i < 3; i++ {
		send(envelope("klines", base.Add(time.Duration(i)*time.Minute), 0, map[string]interface{}{
			"o": "42000", "h": "42100", "l": "41900", "c": "42050", "v": "10",
			"open_ts": base.Add(time.Duration(i) * time.Minute).UnixMilli(),
		}))
	}

	// Malformed payload lands as a generic event, never dropped.
	resp = send(envelope("trades", base.Add(time.Hour), 0, map[string]interface{}{
		"garbled": true, "partial": "frame",
	}))
	assert.Equal(t, "generic", resp["normalized_event_type"])

	// Negative price is gated into a quality event.
	resp = send(envelope("trades", base.Add(time.Hour+time.Second), 0, map[string]interface{}{
		"price": "-1", "qty": "1", "trade_id": "t-neg",
	}))
	assert.Equal(t, "anomaly", resp["normalized_event_type"])

	// Silver: exactly one row per distinct trade despite the replay,
	// and the gap left exactly one ORDERBOOK_GAP event.
	trades, err := h.silver.TradesUpTo(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, trades, 20)

	gaps, err := h.silver.EventsByReason(ctx, model.ReasonOrderbookGap, 0)
	require.NoError(t, err)
	assert.Len(t, gaps, 1)

	st, err := h.silver.BookState(ctx, "binance", "btcusdt")
	require.NoError(t, err)
	assert.False(t, st.Degraded)
	assert.Equal(t, "42002", st.BidPx)

	// Gold: serving rows materialize and the run is idempotent.
	materializer := gold.NewMaterializer(h.silver, h.sink, logger.New())
	watermark := base.Add(2 * time.Hour)
	res1, err := materializer.Materialize(ctx, &watermark)
	require.NoError(t, err)
	res2, err := materializer.Materialize(ctx, &watermark)
	require.NoError(t, err)
	assert.Equal(t, res1.ContentHash(), res2.ContentHash())

	ticker, ok := h.sink.Ticker("binance", "btcusdt", "BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, "42019.5", ticker.Price)

	// Read path serves the materialized row.
	rec, body := h.do(t, http.MethodGet, "/v1/ticker/binance/btcusdt/BTC-USDT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["found"])

	// Health reflects a fully healthy stack after the recovery snapshot.
	rec, body = h.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	// Bronze holds every delivery, duplicates included.
	require.NoError(t, h.gate.CloseWriter())
	keys, err := h.store.List(ctx, "bronze/")
	require.NoError(t, err)
	require.NotEmpty(t, keys)
	total := 0
	for _, key := range keys {
		data, err := h.store.Get(ctx, key)
		require.NoError(t, err)
		total += countLines(data)
	}
	assert.Equal(t, 34, total)
}

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}
