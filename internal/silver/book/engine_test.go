package book

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketlake/internal/model"
)

func seqPtr(v int64) *int64 { return &v }

func snapshot(seq int64, bids, asks []Level) *Update {
	return &Update{IsSnapshot: true, Sequence: seqPtr(seq), Bids: bids, Asks: asks}
}

func delta(seq int64, bids, asks []Level) *Update {
	return &Update{Sequence: seqPtr(seq), Bids: bids, Asks: asks}
}

func TestSnapshotReplacesState(t *testing.T) {
	e := NewEngine("binance", "btcusdt")

	e.Apply(snapshot(1,
		[]Level{{Px: "100", Sz: "1"}},
		[]Level{{Px: "101", Sz: "1"}}))

	res := e.Apply(snapshot(5,
		[]Level{{Px: "200", Sz: "2"}},
		[]Level{{Px: "201", Sz: "3"}}))

	require.NotNil(t, res.BBA)
	assert.Equal(t, "200", res.BBA.BidPx)
	assert.Equal(t, "201", res.BBA.AskPx)
	assert.Equal(t, int64(5), res.State.LastSequence)
	assert.False(t, res.State.Degraded)
}

func TestDeltaUpsertsAndRemovesLevels(t *testing.T) {
	e := NewEngine("binance", "btcusdt")
	e.Apply(snapshot(1,
		[]Level{{Px: "100", Sz: "1"}, {Px: "99", Sz: "2"}},
		[]Level{{Px: "101", Sz: "1"}}))

	// Remove the best bid, add a better ask.
	res := e.Apply(delta(2,
		[]Level{{Px: "100", Sz: "0"}},
		[]Level{{Px: "100.5", Sz: "4"}}))

	require.True(t, res.Applied)
	require.NotNil(t, res.BBA)
	assert.Equal(t, "99", res.BBA.BidPx)
	assert.Equal(t, "100.5", res.BBA.AskPx)
	assert.Equal(t, "4", res.BBA.AskSz)
}

func TestGapTriggersExactlyOneResync(t *testing.T) {
	e := NewEngine("binance", "btcusdt")
	e.Apply(snapshot(1,
		[]Level{{Px: "100", Sz: "1"}},
		[]Level{{Px: "101", Sz: "1"}}))

	// Sequence 2 is skipped.
	res := e.Apply(delta(3, []Level{{Px: "100", Sz: "5"}}, nil))
	require.True(t, res.ResyncNeeded)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, model.ReasonOrderbookGap, res.Anomalies[0].Reason)
	assert.False(t, res.Applied, "the gapped delta must not mutate the book")
	assert.True(t, res.State.Degraded)

	// Further deltas are rejected but do not raise a second gap event.
	res = e.Apply(delta(4, []Level{{Px: "100", Sz: "9"}}, nil))
	assert.True(t, res.ResyncNeeded)
	assert.Empty(t, res.Anomalies)
	assert.False(t, res.Applied)

	// The resync snapshot heals the book; state reflects the snapshot,
	// not the skipped deltas.
	res = e.Apply(snapshot(10,
		[]Level{{Px: "102", Sz: "7"}},
		[]Level{{Px: "103", Sz: "1"}}))
	require.NotNil(t, res.BBA)
	assert.Equal(t, "102", res.BBA.BidPx)
	assert.Equal(t, "7", res.BBA.BidSz)
	assert.False(t, res.State.Degraded)
	assert.Equal(t, int64(10), res.State.LastSequence)
}

func TestCrossedBookSuppressesQuote(t *testing.T) {
	e := NewEngine("binance", "btcusdt")

	res := e.Apply(snapshot(1,
		[]Level{{Px: "105", Sz: "1"}},
		[]Level{{Px: "101", Sz: "1"}}))

	assert.Nil(t, res.BBA, "crossed quote must be suppressed")
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, model.ReasonDataInvalid, res.Anomalies[0].Reason)
	assert.True(t, res.State.Degraded)
	assert.Equal(t, model.ReasonDataInvalid, res.State.DegradedReason)
}

func TestMissingSequenceIsRecordedNotIgnored(t *testing.T) {
	e := NewEngine("binance", "btcusdt")
	e.Apply(snapshot(1,
		[]Level{{Px: "100", Sz: "1"}},
		[]Level{{Px: "101", Sz: "1"}}))

	res := e.Apply(&Update{Bids: []Level{{Px: "100", Sz: "2"}}})
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, model.ReasonOrderbookSeqMissing, res.Anomalies[0].Reason)
	assert.True(t, res.State.Degraded)
	assert.True(t, res.Applied, "the delta still applies, degradation is advisory")
}

func TestWarmStartStaleStateDegrades(t *testing.T) {
	e := NewEngine("binance", "btcusdt")
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	e.Seed(&model.OrderBookState{
		VenueID:      "binance",
		MarketID:     "btcusdt",
		BidPx:        "100",
		BidSz:        "1",
		AskPx:        "101",
		AskSz:        "1",
		LastSequence: 40,
		AsOf:         now.Add(-10 * time.Minute),
	}, 5*time.Minute)

	degraded, reason := e.Degraded()
	assert.True(t, degraded)
	assert.Equal(t, model.ReasonOrderbookStateStale, reason)

	// The next snapshot clears staleness.
	res := e.Apply(snapshot(50,
		[]Level{{Px: "100", Sz: "1"}},
		[]Level{{Px: "101", Sz: "1"}}))
	assert.False(t, res.State.Degraded)
	assert.Equal(t, int64(50), res.State.LastSequence)
}

func TestWarmStartFreshStateStaysHealthy(t *testing.T) {
	e := NewEngine("binance", "btcusdt")
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	e.Seed(&model.OrderBookState{
		VenueID:      "binance",
		MarketID:     "btcusdt",
		BidPx:        "100",
		BidSz:        "1",
		AskPx:        "101",
		AskSz:        "1",
		LastSequence: 40,
		AsOf:         now.Add(-time.Minute),
	}, 5*time.Minute)

	degraded, _ := e.Degraded()
	assert.False(t, degraded)

	// Deltas resume from the seeded sequence.
	res := e.Apply(delta(41, []Level{{Px: "100", Sz: "3"}}, nil))
	assert.True(t, res.Applied)
	assert.Empty(t, res.Anomalies)
}

func TestManagerReturnsSameEnginePerKey(t *testing.T) {
	m := NewManager()
	a := m.Get("binance", "btcusdt")
	b := m.Get("binance", "btcusdt")
	c := m.Get("binance", "ethusdt")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Len(t, m.All(), 2)
}

func TestManagerLookupDoesNotCreate(t *testing.T) {
	m := NewManager()

	_, ok := m.Lookup("binance", "btcusdt")
	assert.False(t, ok)
	assert.Empty(t, m.All())

	// Repeated lookups for unknown keys never grow the map.
	for i := 0; i < 100; i++ {
		m.Lookup("binance", "nosuchmarket")
	}
	assert.Empty(t, m.All())

	created := m.Get("binance", "btcusdt")
	found, ok := m.Lookup("binance", "btcusdt")
	assert.True(t, ok)
	assert.Same(t, created, found)
	assert.Len(t, m.All(), 1)
}
