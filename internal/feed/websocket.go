// Package feed runs the live market-data readers. Each websocket
// connection and each REST poll loop is one worker goroutine; all of
// them forward raw envelopes through the shared channel and stop
// cooperatively on context cancellation.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketlake/config"
	"marketlake/internal/channel"
	"marketlake/internal/model"
	"marketlake/logger"
)

// WebsocketReader consumes one venue websocket and forwards every
// message as a raw envelope.
type WebsocketReader struct {
	cfg      config.WebsocketFeedConfig
	channels *channel.Channels
	log      *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	// dial is swappable in tests.
	dial func(ctx context.Context, url string) (wsConn, error)
}

// wsConn is the subset of the websocket connection the reader uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

func NewWebsocketReader(cfg config.WebsocketFeedConfig, channels *channel.Channels, log *logger.Log) *WebsocketReader {
	return &WebsocketReader{
		cfg:      cfg,
		channels: channels,
		log:      log,
		dial: func(ctx context.Context, url string) (wsConn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

func (r *WebsocketReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("websocket reader already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.consumeLoop()

	r.log.WithComponent("ws_reader").WithFields(logger.Fields{
		"venue":  r.cfg.Venue,
		"market": r.cfg.Market,
		"url":    r.cfg.URL,
	}).Info("websocket reader started")
	return nil
}

func (r *WebsocketReader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.log.WithComponent("ws_reader").WithFields(logger.Fields{
		"venue":  r.cfg.Venue,
		"market": r.cfg.Market,
	}).Info("websocket reader stopped")
}

// consumeLoop maintains the connection for the reader's lifetime,
// reconnecting with a capped backoff after failures.
func (r *WebsocketReader) consumeLoop() {
	defer r.wg.Done()
	log := r.log.WithComponent("ws_reader").WithFields(logger.Fields{
		"venue":  r.cfg.Venue,
		"market": r.cfg.Market,
	})

	backoff := time.Second
	for {
		if r.ctx.Err() != nil {
			return
		}
		if err := r.consumeOnce(log); err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("websocket connection lost, reconnecting")
			select {
			case <-time.After(backoff):
			case <-r.ctx.Done():
				return
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second
	}
}

func (r *WebsocketReader) consumeOnce(log *logger.Entry) error {
	conn, err := r.dial(r.ctx, r.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", r.cfg.URL, err)
	}
	defer conn.Close()

	if r.cfg.Subscribe != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(r.cfg.Subscribe)); err != nil {
			return fmt.Errorf("send subscribe: %w", err)
		}
	}

	stopPing := make(chan struct{})
	defer close(stopPing)
	if r.cfg.PingPeriod > 0 {
		go r.pingLoop(conn, stopPing)
	}

	// Close the connection when the context ends so ReadMessage wakes
	// up; the stop signal is checked between messages.
	go func() {
		select {
		case <-r.ctx.Done():
			conn.Close()
		case <-stopPing:
		}
	}()

	for {
		if r.ctx.Err() != nil {
			return nil
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		r.forward(log, data)
	}
}

func (r *WebsocketReader) pingLoop(conn wsConn, stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *WebsocketReader) forward(log *logger.Entry, data []byte) {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		// Non-JSON frames still travel as generic payloads; nothing is
		// silently discarded.
		payload = map[string]interface{}{"raw": string(data)}
	}

	env := model.Envelope{
		SourceType: "ws",
		VenueID:    r.cfg.Venue,
		MarketID:   r.cfg.Market,
		StreamName: streamName(r.cfg.Streams),
		ReceivedTS: time.Now().UTC(),
		Payload:    payload,
	}
	if !r.channels.SendRaw(r.ctx, env) && r.ctx.Err() == nil {
		log.Warn("raw channel full, envelope dropped")
	}
}

func streamName(streams []string) string {
	if len(streams) == 0 {
		return ""
	}
	return streams[0]
}
