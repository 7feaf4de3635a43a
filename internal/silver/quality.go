package silver

import (
	"fmt"

	"github.com/shopspring/decimal"

	"marketlake/internal/model"
)

// Quality gates run before persistence and return the row's fate as a
// value. A failed gate means the row becomes a DATA_ANOMALY GenericEvent
// carrying the specific reason; nothing here ever panics on bad data.

// Anomaly is one quality-gate failure.
type Anomaly struct {
	Reason string
	Detail string
}

func parseDec(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	return d, err == nil
}

// CheckTrade validates price and quantity sign.
func CheckTrade(t *model.Trade) *Anomaly {
	if px, ok := parseDec(t.Price); !ok || px.IsNegative() {
		return &Anomaly{Reason: model.ReasonNegativePrice, Detail: fmt.Sprintf("price=%q", t.Price)}
	}
	if qty, ok := parseDec(t.Qty); !ok || qty.IsNegative() {
		return &Anomaly{Reason: model.ReasonNegativeQty, Detail: fmt.Sprintf("qty=%q", t.Qty)}
	}
	return nil
}

// CheckBar validates sign and the high/low range envelope.
func CheckBar(b *model.OHLCVBar) *Anomaly {
	open, okO := parseDec(b.Open)
	high, okH := parseDec(b.High)
	low, okL := parseDec(b.Low)
	closePx, okC := parseDec(b.Close)
	if !okO || !okH || !okL || !okC {
		return &Anomaly{Reason: model.ReasonDataInvalid, Detail: "non-numeric ohlcv field"}
	}
	for _, d := range []decimal.Decimal{open, high, low, closePx} {
		if d.IsNegative() {
			return &Anomaly{Reason: model.ReasonNegativePrice, Detail: fmt.Sprintf("o=%s h=%s l=%s c=%s", b.Open, b.High, b.Low, b.Close)}
		}
	}
	if vol, ok := parseDec(b.Volume); !ok || vol.IsNegative() {
		return &Anomaly{Reason: model.ReasonNegativeQty, Detail: fmt.Sprintf("volume=%q", b.Volume)}
	}
	maxOC := open
	if closePx.GreaterThan(maxOC) {
		maxOC = closePx
	}
	minOC := open
	if closePx.LessThan(minOC) {
		minOC = closePx
	}
	if high.LessThan(maxOC) || low.GreaterThan(minOC) {
		return &Anomaly{Reason: model.ReasonOHLCVRange, Detail: fmt.Sprintf("o=%s h=%s l=%s c=%s", b.Open, b.High, b.Low, b.Close)}
	}
	return nil
}

// CheckBBA validates sign and rejects a crossed quote (bid >= ask).
func CheckBBA(q *model.BestBidAsk) *Anomaly {
	bid, okB := parseDec(q.BidPx)
	ask, okA := parseDec(q.AskPx)
	if !okB || !okA {
		return &Anomaly{Reason: model.ReasonDataInvalid, Detail: "non-numeric quote"}
	}
	if bid.IsNegative() || ask.IsNegative() {
		return &Anomaly{Reason: model.ReasonNegativePrice, Detail: fmt.Sprintf("bid=%s ask=%s", q.BidPx, q.AskPx)}
	}
	for _, sz := range []string{q.BidSz, q.AskSz} {
		if sz == "" {
			continue
		}
		if d, ok := parseDec(sz); !ok || d.IsNegative() {
			return &Anomaly{Reason: model.ReasonNegativeSize, Detail: fmt.Sprintf("size=%q", sz)}
		}
	}
	if bid.GreaterThanOrEqual(ask) {
		return &Anomaly{Reason: model.ReasonCrossedBook, Detail: fmt.Sprintf("bid=%s ask=%s", q.BidPx, q.AskPx)}
	}
	return nil
}

// AnomalyEvent wraps a gated-out row into the GenericEvent that records
// it. The top-level reason is always DATA_ANOMALY; the specific gate
// code travels in the detail so dashboards can split by cause.
func AnomalyEvent(env *model.Envelope, a *Anomaly) *model.GenericEvent {
	return &model.GenericEvent{
		EventID:    env.RawMsgID,
		VenueID:    env.VenueID,
		MarketID:   env.MarketID,
		StreamName: env.StreamName,
		Reason:     model.ReasonDataAnomaly,
		Detail:     fmt.Sprintf("%s: %s", a.Reason, a.Detail),
		ReceivedTS: env.ReceivedTS,
		RawMsgID:   env.RawMsgID,
	}
}
