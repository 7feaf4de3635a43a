package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketlake/config"
	"marketlake/internal/channel"
	"marketlake/internal/transport"
	"marketlake/logger"
)

// fakeConn plays back scripted frames, then blocks until closed.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	written  [][]byte
	closed   chan struct{}
	closeOne sync.Once
}

func newFakeConn(frames ...string) *fakeConn {
	c := &fakeConn{closed: make(chan struct{})}
	for _, f := range frames {
		c.frames = append(c.frames, []byte(f))
	}
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if len(c.frames) > 0 {
		frame := c.frames[0]
		c.frames = c.frames[1:]
		c.mu.Unlock()
		return 1, frame, nil
	}
	c.mu.Unlock()
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	c.written = append(c.written, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOne.Do(func() { close(c.closed) })
	return nil
}

func TestWebsocketReaderForwardsEnvelopes(t *testing.T) {
	log := logger.New()
	channels := channel.NewChannels(16, log)
	conn := newFakeConn(
		`{"price":"100","qty":"1"}`,
		`{"price":"101","qty":"2"}`,
	)

	r := NewWebsocketReader(config.WebsocketFeedConfig{
		Venue:     "binance",
		Market:    "btcusdt",
		URL:       "ws://example/stream",
		Streams:   []string{"trades"},
		Subscribe: `{"method":"SUBSCRIBE"}`,
	}, channels, log)
	r.dial = func(ctx context.Context, url string) (wsConn, error) { return conn, nil }

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	env := <-channels.Raw
	assert.Equal(t, "ws", env.SourceType)
	assert.Equal(t, "binance", env.VenueID)
	assert.Equal(t, "trades", env.StreamName)
	assert.Equal(t, "100", env.Payload["price"])

	env = <-channels.Raw
	assert.Equal(t, "101", env.Payload["price"])

	conn.mu.Lock()
	subscribed := len(conn.written) > 0 && strings.Contains(string(conn.written[0]), "SUBSCRIBE")
	conn.mu.Unlock()
	assert.True(t, subscribed, "subscribe message sent before reading")
}

func TestWebsocketReaderStopsCooperatively(t *testing.T) {
	log := logger.New()
	channels := channel.NewChannels(16, log)
	conn := newFakeConn()

	r := NewWebsocketReader(config.WebsocketFeedConfig{
		Venue: "binance", Market: "btcusdt", URL: "ws://example/stream",
	}, channels, log)
	r.dial = func(ctx context.Context, url string) (wsConn, error) { return conn, nil }

	require.NoError(t, r.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop")
	}
}

func TestWebsocketReaderNonJSONFrameStillForwarded(t *testing.T) {
	log := logger.New()
	channels := channel.NewChannels(16, log)
	conn := newFakeConn("pong")

	r := NewWebsocketReader(config.WebsocketFeedConfig{
		Venue: "binance", Market: "btcusdt", URL: "ws://example/stream",
	}, channels, log)
	r.dial = func(ctx context.Context, url string) (wsConn, error) { return conn, nil }

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	env := <-channels.Raw
	assert.Equal(t, "pong", env.Payload["raw"])
}

func TestBinancePollerSnapshotAndResync(t *testing.T) {
	log := logger.New()
	channels := channel.NewChannels(16, log)

	var mu sync.Mutex
	var fetches []string

	p := NewBinancePoller(config.PollerFeedConfig{
		Venue:    "binance",
		Symbols:  []string{"BTCUSDT"},
		Interval: time.Hour, // only the startup fetch fires
		Depth:    50,
	}, channels, nil, log)
	p.fetch = func(ctx context.Context, symbol string, limit int) (*futures.DepthResponse, error) {
		mu.Lock()
		fetches = append(fetches, symbol)
		mu.Unlock()
		return &futures.DepthResponse{
			LastUpdateID: 42,
			Bids:         []futures.Bid{{Price: "100", Quantity: "1"}},
			Asks:         []futures.Ask{{Price: "101", Quantity: "2"}},
		}, nil
	}

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	env := <-channels.Raw
	assert.Equal(t, "rest", env.SourceType)
	assert.Equal(t, "btcusdt", env.MarketID)
	assert.Equal(t, "depth_snapshot", env.StreamName)
	assert.Equal(t, int64(42), env.Payload["lastUpdateId"])

	// A resync request triggers an out-of-cycle snapshot.
	p.Resync(context.Background(), "binance", "btcusdt")
	env = <-channels.Raw
	assert.Equal(t, "depth_snapshot", env.StreamName)

	mu.Lock()
	count := len(fetches)
	mu.Unlock()
	assert.Equal(t, 2, count)

	// Requests for a different venue are ignored.
	p.Resync(context.Background(), "kraken", "btcusdt")
	select {
	case <-channels.Raw:
		t.Fatal("unexpected snapshot for foreign venue")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBinancePollerFetchRetriesThroughTransport(t *testing.T) {
	log := logger.New()
	channels := channel.NewChannels(16, log)

	client := transport.NewClient("binance", config.TransportConfig{
		Timeout: time.Second,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		},
		RateLimit: config.RateLimitConfig{CostPerSecond: 100, Burst: 100},
	}, log)

	var mu sync.Mutex
	calls := 0

	p := NewBinancePoller(config.PollerFeedConfig{
		Venue:    "binance",
		Symbols:  []string{"BTCUSDT"},
		Interval: time.Hour,
	}, channels, client, log)
	p.fetch = func(ctx context.Context, symbol string, limit int) (*futures.DepthResponse, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("read tcp: connection reset by peer")
		}
		return &futures.DepthResponse{
			LastUpdateID: 7,
			Bids:         []futures.Bid{{Price: "100", Quantity: "1"}},
			Asks:         []futures.Ask{{Price: "101", Quantity: "2"}},
		}, nil
	}

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	env := <-channels.Raw
	assert.Equal(t, int64(7), env.Payload["lastUpdateId"])

	mu.Lock()
	count := calls
	mu.Unlock()
	assert.Equal(t, 3, count)
}
