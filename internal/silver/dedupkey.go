package silver

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"marketlake/internal/model"
)

// Dedup keys are natural keys: structurally equivalent rows from
// re-delivered or re-ingested envelopes must map to the same key no
// matter the arrival order, so persistence can treat duplicates as
// no-op upserts.

func hashKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func fmtSeq(seq *int64) string {
	if seq == nil {
		return ""
	}
	return strconv.FormatInt(*seq, 10)
}

func fmtTS(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return strconv.FormatInt(ts.UnixMilli(), 10)
}

// TradeDedupKey prefers the venue-assigned trade identifier. Without one
// it falls back to a composite over the fields that define the trade.
func TradeDedupKey(env *model.Envelope, t *model.Trade) string {
	if t.TradeID != "" {
		return hashKey("trade", t.VenueID, t.MarketID, t.TradeID)
	}
	if env.SourceMsgKey != "" {
		return hashKey("trade", t.VenueID, t.MarketID, env.SourceMsgKey)
	}
	return hashKey("trade", t.VenueID, t.MarketID, t.InstrumentID,
		fmtTS(t.EventTS), t.Price, t.Qty, t.Side, fmtSeq(t.Sequence))
}

// BarDedupKey keys a candle on its market, timeframe and open time. A
// re-delivered bar for the same bucket replaces nothing.
func BarDedupKey(env *model.Envelope, b *model.OHLCVBar) string {
	return hashKey("ohlcv", b.VenueID, b.MarketID, b.InstrumentID,
		b.Timeframe, strconv.FormatInt(b.OpenTS.UnixMilli(), 10))
}

// BBADedupKey keys a top-of-book observation on sequence when the venue
// provides one, else on event time and the quote itself.
func BBADedupKey(env *model.Envelope, q *model.BestBidAsk) string {
	if q.Sequence != nil {
		return hashKey("bba", q.VenueID, q.MarketID, fmtSeq(q.Sequence))
	}
	if env.SourceMsgKey != "" {
		return hashKey("bba", q.VenueID, q.MarketID, env.SourceMsgKey)
	}
	return hashKey("bba", q.VenueID, q.MarketID, q.InstrumentID,
		fmtTS(q.EventTS), q.BidPx, q.BidSz, q.AskPx, q.AskSz)
}
