// Package silver turns raw envelopes into typed rows. Classification is
// structural over the payload field set, quality gates run before any
// persistence, and unrecognized shapes land in GenericEvent so nothing is
// ever silently dropped.
package silver

import (
	"encoding/json"
	"strconv"
	"time"

	"marketlake/internal/model"
	"marketlake/internal/silver/book"
)

// Classification is the exhaustive outcome of classifying one envelope.
// Exactly one of the value fields matching Target is set; Target is
// never empty because GenericEvent is the fallback.
type Classification struct {
	Target  model.Target
	Trade   *model.Trade
	Bar     *model.OHLCVBar
	BBA     *model.BestBidAsk
	Book    *book.Update
	Generic *model.GenericEvent
}

// Classify decides the normalization target for an envelope by
// inspecting which field sets its payload carries. The function is pure;
// it never persists and never errors, anything unrecognized becomes a
// GenericEvent.
func Classify(env *model.Envelope) Classification {
	p := env.Payload
	if p == nil {
		return genericFallback(env, "empty payload")
	}

	switch {
	case hasOrderBookShape(p):
		return classifyBook(env, p)
	case hasOHLCVShape(p):
		return classifyBar(env, p)
	case hasBestBidAskShape(p):
		return classifyBBA(env, p)
	case hasTradeShape(p):
		return classifyTrade(env, p)
	default:
		return genericFallback(env, "unrecognized field set")
	}
}

func hasOrderBookShape(p map[string]interface{}) bool {
	_, bids := firstKey(p, "bids", "b")
	_, asks := firstKey(p, "asks", "a")
	if !bids && !asks {
		return false
	}
	// Scalar b/a fields mean top-of-book, not depth.
	if v, ok := firstKey(p, "bids", "b"); ok {
		if _, isList := v.([]interface{}); isList {
			return true
		}
	}
	if v, ok := firstKey(p, "asks", "a"); ok {
		if _, isList := v.([]interface{}); isList {
			return true
		}
	}
	return false
}

func hasOHLCVShape(p map[string]interface{}) bool {
	_, o := firstKey(p, "open", "o")
	_, h := firstKey(p, "high", "h")
	_, l := firstKey(p, "low", "l")
	_, c := firstKey(p, "close", "c")
	return o && h && l && c
}

func hasBestBidAskShape(p map[string]interface{}) bool {
	bid, hasBid := firstKey(p, "bid_px", "bidPrice", "bid", "b")
	ask, hasAsk := firstKey(p, "ask_px", "askPrice", "ask", "a")
	if !hasBid || !hasAsk {
		return false
	}
	_, bidList := bid.([]interface{})
	_, askList := ask.([]interface{})
	return !bidList && !askList
}

func hasTradeShape(p map[string]interface{}) bool {
	_, price := firstKey(p, "price", "p")
	_, qty := firstKey(p, "qty", "q", "amount", "size")
	return price && qty
}

func classifyTrade(env *model.Envelope, p map[string]interface{}) Classification {
	price, okP := numericField(p, "price", "p")
	qty, okQ := numericField(p, "qty", "q", "amount", "size")
	if !okP || !okQ {
		return genericFallback(env, "trade fields not numeric")
	}
	t := &model.Trade{
		VenueID:      env.VenueID,
		MarketID:     env.MarketID,
		InstrumentID: env.InstrumentID,
		Price:        price,
		Qty:          qty,
		Sequence:     env.Sequence,
		EventTS:      env.EventTS,
		ReceivedTS:   env.ReceivedTS,
		RawMsgID:     env.RawMsgID,
	}
	if id, ok := stringField(p, "trade_id", "tradeId", "t", "id"); ok {
		t.TradeID = id
	}
	if side, ok := stringField(p, "side", "S"); ok {
		t.Side = side
	} else if maker, ok := p["m"].(bool); ok {
		// Binance convention: m=true means the buyer is the maker, so
		// the aggressor sold.
		if maker {
			t.Side = "sell"
		} else {
			t.Side = "buy"
		}
	}
	t.DedupKey = TradeDedupKey(env, t)
	return Classification{Target: model.TargetTrade, Trade: t}
}

func classifyBar(env *model.Envelope, p map[string]interface{}) Classification {
	open, ok1 := numericField(p, "open", "o")
	high, ok2 := numericField(p, "high", "h")
	low, ok3 := numericField(p, "low", "l")
	closePx, ok4 := numericField(p, "close", "c")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return genericFallback(env, "ohlcv fields not numeric")
	}
	volume, _ := numericField(p, "volume", "v")
	if volume == "" {
		volume = "0"
	}
	bar := &model.OHLCVBar{
		VenueID:      env.VenueID,
		MarketID:     env.MarketID,
		InstrumentID: env.InstrumentID,
		Timeframe:    "1m",
		Open:         open,
		High:         high,
		Low:          low,
		Close:        closePx,
		Volume:       volume,
		ReceivedTS:   env.ReceivedTS,
		RawMsgID:     env.RawMsgID,
	}
	if tf, ok := stringField(p, "timeframe", "interval", "i"); ok {
		bar.Timeframe = tf
	}
	if ts, ok := timeField(p, "open_ts", "open_time", "t"); ok {
		bar.OpenTS = ts
	} else if env.EventTS != nil {
		bar.OpenTS = env.EventTS.Truncate(time.Minute)
	} else {
		bar.OpenTS = env.ReceivedTS.Truncate(time.Minute)
	}
	bar.DedupKey = BarDedupKey(env, bar)
	return Classification{Target: model.TargetOHLCV, Bar: bar}
}

func classifyBBA(env *model.Envelope, p map[string]interface{}) Classification {
	bidPx, okB := numericField(p, "bid_px", "bidPrice", "bid", "b")
	askPx, okA := numericField(p, "ask_px", "askPrice", "ask", "a")
	if !okB || !okA {
		return genericFallback(env, "top-of-book fields not numeric")
	}
	bidSz, _ := numericField(p, "bid_sz", "bidQty", "B")
	askSz, _ := numericField(p, "ask_sz", "askQty", "A")
	bba := &model.BestBidAsk{
		VenueID:      env.VenueID,
		MarketID:     env.MarketID,
		InstrumentID: env.InstrumentID,
		BidPx:        bidPx,
		BidSz:        bidSz,
		AskPx:        askPx,
		AskSz:        askSz,
		Sequence:     env.Sequence,
		EventTS:      env.EventTS,
		ReceivedTS:   env.ReceivedTS,
		RawMsgID:     env.RawMsgID,
	}
	bba.DedupKey = BBADedupKey(env, bba)
	return Classification{Target: model.TargetBestBidAsk, BBA: bba}
}

func classifyBook(env *model.Envelope, p map[string]interface{}) Classification {
	update := &book.Update{
		Sequence: env.Sequence,
		EventTS:  env.EventTS,
	}
	if seq, ok := intField(p, "sequence", "lastUpdateId", "u", "seq"); ok {
		update.Sequence = &seq
	}
	if v, ok := firstKey(p, "bids", "b"); ok {
		update.Bids = parseLevels(v)
	}
	if v, ok := firstKey(p, "asks", "a"); ok {
		update.Asks = parseLevels(v)
	}
	if kind, ok := stringField(p, "type", "e", "action"); ok {
		update.IsSnapshot = kind == "snapshot" || kind == "depthSnapshot" || kind == "partial"
	} else {
		// A full lastUpdateId listing with no event type is the REST
		// snapshot shape.
		_, hasEvent := firstKey(p, "e", "type", "action")
		update.IsSnapshot = !hasEvent
	}
	return Classification{Target: model.TargetOrderBook, Book: update}
}

func genericFallback(env *model.Envelope, detail string) Classification {
	payload := ""
	if env.Payload != nil {
		if data, err := json.Marshal(env.Payload); err == nil {
			payload = string(data)
		}
	}
	return Classification{
		Target: model.TargetGenericEvent,
		Generic: &model.GenericEvent{
			EventID:    env.RawMsgID,
			VenueID:    env.VenueID,
			MarketID:   env.MarketID,
			StreamName: env.StreamName,
			Detail:     detail,
			Payload:    payload,
			ReceivedTS: env.ReceivedTS,
			RawMsgID:   env.RawMsgID,
		},
	}
}

// firstKey returns the first present key from the candidate list.
func firstKey(p map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := p[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// numericField extracts a number-like value as decimal text. Venues send
// numbers as JSON strings or floats interchangeably.
func numericField(p map[string]interface{}, keys ...string) (string, bool) {
	v, ok := firstKey(p, keys...)
	if !ok {
		return "", false
	}
	return numericValue(v)
}

func numericValue(v interface{}) (string, bool) {
	switch n := v.(type) {
	case string:
		if _, err := strconv.ParseFloat(n, 64); err != nil {
			return "", false
		}
		return n, true
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), true
	case int:
		return strconv.Itoa(n), true
	case int64:
		return strconv.FormatInt(n, 10), true
	case json.Number:
		return n.String(), true
	default:
		return "", false
	}
}

func stringField(p map[string]interface{}, keys ...string) (string, bool) {
	v, ok := firstKey(p, keys...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func intField(p map[string]interface{}, keys ...string) (int64, bool) {
	v, ok := firstKey(p, keys...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// timeField reads a millisecond epoch or RFC3339 timestamp.
func timeField(p map[string]interface{}, keys ...string) (time.Time, bool) {
	v, ok := firstKey(p, keys...)
	if !ok {
		return time.Time{}, false
	}
	switch n := v.(type) {
	case float64:
		return time.UnixMilli(int64(n)).UTC(), true
	case int64:
		return time.UnixMilli(n).UTC(), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return time.UnixMilli(i).UTC(), true
		}
	case string:
		if ts, err := time.Parse(time.RFC3339, n); err == nil {
			return ts.UTC(), true
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return time.UnixMilli(i).UTC(), true
		}
	}
	return time.Time{}, false
}

// parseLevels accepts both [["price","size"],...] pair arrays and
// [{"price":..,"size":..},...] object arrays.
func parseLevels(v interface{}) []book.Level {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	levels := make([]book.Level, 0, len(list))
	for _, item := range list {
		switch entry := item.(type) {
		case []interface{}:
			if len(entry) < 2 {
				continue
			}
			px, okP := numericValue(entry[0])
			sz, okS := numericValue(entry[1])
			if okP && okS {
				levels = append(levels, book.Level{Px: px, Sz: sz})
			}
		case map[string]interface{}:
			px, okP := numericField(entry, "price", "px", "p")
			sz, okS := numericField(entry, "size", "sz", "qty", "q")
			if okP && okS {
				levels = append(levels, book.Level{Px: px, Sz: sz})
			}
		}
	}
	return levels
}
