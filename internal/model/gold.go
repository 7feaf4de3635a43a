package model

import (
	"encoding/json"
	"time"
)

// RawRefs is a lineage array of raw_msg_id references, stored as JSON
// text so every Gold row can be traced back to its Bronze envelopes.
type RawRefs []string

func (r RawRefs) String() string {
	if len(r) == 0 {
		return "[]"
	}
	b, err := json.Marshal([]string(r))
	if err != nil {
		return "[]"
	}
	return string(b)
}

// ParseRawRefs decodes a lineage column back into references.
func ParseRawRefs(s string) RawRefs {
	var refs []string
	if err := json.Unmarshal([]byte(s), &refs); err != nil {
		return nil
	}
	return refs
}

// TickerLatest is the most recent trade-derived tick per instrument.
// Derived, never hand-edited; safe to drop and rebuild from Silver.
type TickerLatest struct {
	VenueID      string    `gorm:"primaryKey;size:64" json:"venue_id"`
	MarketID     string    `gorm:"primaryKey;size:64" json:"market_id"`
	InstrumentID string    `gorm:"primaryKey;size:64" json:"instrument_id"`
	Price        string    `gorm:"size:64" json:"price"`
	Qty          string    `gorm:"size:64" json:"qty"`
	EventTS      time.Time `json:"event_ts"`
	AsOf         time.Time `json:"as_of"`
	RawRefs      string    `json:"raw_refs"`
}

// BestBidAskLatest is the most recent top-of-book per instrument.
type BestBidAskLatest struct {
	VenueID      string    `gorm:"primaryKey;size:64" json:"venue_id"`
	MarketID     string    `gorm:"primaryKey;size:64" json:"market_id"`
	InstrumentID string    `gorm:"primaryKey;size:64" json:"instrument_id"`
	BidPx        string    `gorm:"size:64" json:"bid_px"`
	BidSz        string    `gorm:"size:64" json:"bid_sz"`
	AskPx        string    `gorm:"size:64" json:"ask_px"`
	AskSz        string    `gorm:"size:64" json:"ask_sz"`
	EventTS      time.Time `json:"event_ts"`
	AsOf         time.Time `json:"as_of"`
	RawRefs      string    `json:"raw_refs"`
}

// OHLCV1m is the minute-bucketed aggregate table.
type OHLCV1m struct {
	VenueID      string    `gorm:"primaryKey;size:64" json:"venue_id"`
	MarketID     string    `gorm:"primaryKey;size:64" json:"market_id"`
	InstrumentID string    `gorm:"primaryKey;size:64" json:"instrument_id"`
	Bucket       time.Time `gorm:"primaryKey" json:"bucket"`
	Open         string    `gorm:"size:64" json:"open"`
	High         string    `gorm:"size:64" json:"high"`
	Low          string    `gorm:"size:64" json:"low"`
	Close        string    `gorm:"size:64" json:"close"`
	Volume       string    `gorm:"size:64" json:"volume"`
	AsOf         time.Time `json:"as_of"`
	RawRefs      string    `json:"raw_refs"`
}
