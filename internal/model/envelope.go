// Package model holds the shared row types of the Bronze/Silver/Gold
// layers and the canonical payload hashing used for dedup.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Source types for an envelope.
const (
	SourceREST  = "rest"
	SourceWS    = "ws"
	SourceOther = "other"
)

// Envelope is one raw inbound market-data message plus ingest metadata.
// Immutable once stored; retained forever in the Bronze layer.
type Envelope struct {
	RawMsgID     string                 `json:"raw_msg_id"`
	TenantID     string                 `json:"tenant_id,omitempty"`
	SourceType   string                 `json:"source_type"`
	VenueID      string                 `json:"venue_id"`
	MarketID     string                 `json:"market_id"`
	InstrumentID string                 `json:"instrument_id,omitempty"`
	StreamName   string                 `json:"stream_name,omitempty"`
	EventTS      *time.Time             `json:"event_ts,omitempty"`
	ReceivedTS   time.Time              `json:"received_ts"`
	Sequence     *int64                 `json:"sequence,omitempty"`
	SourceMsgKey string                 `json:"source_msg_key,omitempty"`
	Payload      map[string]interface{} `json:"payload"`
	PayloadHash  string                 `json:"payload_hash"`
}

// NewRawMsgID returns a 128-bit identifier whose high bits carry a
// millisecond timestamp, so IDs sort lexicographically by arrival time
// without a central counter. Falls back to a random ID if the clock-based
// generator fails.
func NewRawMsgID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// HasSequence reports whether the venue supplied a sequence number.
func (e *Envelope) HasSequence() bool { return e.Sequence != nil }
