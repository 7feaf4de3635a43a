package model

import "time"

// Normalization targets. GenericEvent is the fallback; nothing is ever
// silently dropped.
type Target string

const (
	TargetTrade        Target = "trade"
	TargetOHLCV        Target = "ohlcv"
	TargetBestBidAsk   Target = "best_bid_ask"
	TargetOrderBook    Target = "orderbook"
	TargetGenericEvent Target = "generic_event"
)

// Trade is one executed trade. Prices and quantities are decimal text to
// avoid float drift across venues.
type Trade struct {
	DedupKey     string     `gorm:"primaryKey;size:128" json:"dedup_key"`
	VenueID      string     `gorm:"index:idx_trade_vmi;size:64" json:"venue_id"`
	MarketID     string     `gorm:"index:idx_trade_vmi;size:64" json:"market_id"`
	InstrumentID string     `gorm:"index:idx_trade_vmi;size:64" json:"instrument_id"`
	TradeID      string     `gorm:"size:128" json:"trade_id,omitempty"`
	Price        string     `gorm:"size:64" json:"price"`
	Qty          string     `gorm:"size:64" json:"qty"`
	Side         string     `gorm:"size:8" json:"side,omitempty"`
	Sequence     *int64     `json:"sequence,omitempty"`
	EventTS      *time.Time `json:"event_ts,omitempty"`
	ReceivedTS   time.Time  `gorm:"index" json:"received_ts"`
	RawMsgID     string     `gorm:"size:64" json:"raw_msg_id"`
}

// OHLCVBar is one candle.
type OHLCVBar struct {
	DedupKey     string    `gorm:"primaryKey;size:128" json:"dedup_key"`
	VenueID      string    `gorm:"index:idx_ohlcv_vmi;size:64" json:"venue_id"`
	MarketID     string    `gorm:"index:idx_ohlcv_vmi;size:64" json:"market_id"`
	InstrumentID string    `gorm:"index:idx_ohlcv_vmi;size:64" json:"instrument_id"`
	Timeframe    string    `gorm:"size:16" json:"timeframe"`
	OpenTS       time.Time `gorm:"index" json:"open_ts"`
	Open         string    `gorm:"size:64" json:"open"`
	High         string    `gorm:"size:64" json:"high"`
	Low          string    `gorm:"size:64" json:"low"`
	Close        string    `gorm:"size:64" json:"close"`
	Volume       string    `gorm:"size:64" json:"volume"`
	ReceivedTS   time.Time `gorm:"index" json:"received_ts"`
	RawMsgID     string    `gorm:"size:64" json:"raw_msg_id"`
}

// BestBidAsk is a top-of-book observation.
type BestBidAsk struct {
	DedupKey     string     `gorm:"primaryKey;size:128" json:"dedup_key"`
	VenueID      string     `gorm:"index:idx_bba_vmi;size:64" json:"venue_id"`
	MarketID     string     `gorm:"index:idx_bba_vmi;size:64" json:"market_id"`
	InstrumentID string     `gorm:"index:idx_bba_vmi;size:64" json:"instrument_id"`
	BidPx        string     `gorm:"size:64" json:"bid_px"`
	BidSz        string     `gorm:"size:64" json:"bid_sz"`
	AskPx        string     `gorm:"size:64" json:"ask_px"`
	AskSz        string     `gorm:"size:64" json:"ask_sz"`
	Sequence     *int64     `json:"sequence,omitempty"`
	EventTS      *time.Time `json:"event_ts,omitempty"`
	ReceivedTS   time.Time  `gorm:"index" json:"received_ts"`
	RawMsgID     string     `gorm:"size:64" json:"raw_msg_id"`
}

// GenericEvent catches everything that does not classify cleanly, plus
// quality-gate anomalies with a machine-readable reason code.
type GenericEvent struct {
	EventID    string    `gorm:"primaryKey;size:64" json:"event_id"`
	VenueID    string    `gorm:"index;size:64" json:"venue_id"`
	MarketID   string    `gorm:"size:64" json:"market_id"`
	StreamName string    `gorm:"size:128" json:"stream_name,omitempty"`
	Reason     string    `gorm:"index;size:64" json:"reason,omitempty"`
	Detail     string    `gorm:"size:512" json:"detail,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	ReceivedTS time.Time `gorm:"index" json:"received_ts"`
	RawMsgID   string    `gorm:"size:64" json:"raw_msg_id"`
}

// OrderBookState is the live read model for one (venue, market) book and
// the warm-start seed after restart. Mutated only by the book engine.
type OrderBookState struct {
	VenueID        string    `gorm:"primaryKey;size:64" json:"venue_id"`
	MarketID       string    `gorm:"primaryKey;size:64" json:"market_id"`
	BidPx          string    `gorm:"size:64" json:"bid_px"`
	BidSz          string    `gorm:"size:64" json:"bid_sz"`
	AskPx          string    `gorm:"size:64" json:"ask_px"`
	AskSz          string    `gorm:"size:64" json:"ask_sz"`
	LastSequence   int64     `json:"last_sequence"`
	Degraded       bool      `json:"degraded"`
	DegradedReason string    `gorm:"size:64" json:"degraded_reason,omitempty"`
	AsOf           time.Time `json:"as_of"`
}
