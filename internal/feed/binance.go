package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"marketlake/config"
	"marketlake/internal/channel"
	"marketlake/internal/model"
	"marketlake/internal/transport"
	"marketlake/logger"
)

// depthFetcher fetches one order book snapshot. Swappable in tests.
type depthFetcher func(ctx context.Context, symbol string, limit int) (*futures.DepthResponse, error)

// BinancePoller polls futures depth snapshots over REST. It also serves
// as the resync service for the book engine: a resync request is an
// immediate out-of-cycle snapshot fetch. Every fetch goes through the
// venue transport client, so snapshots share the venue's rate budget and
// back off with its breaker.
type BinancePoller struct {
	cfg       config.PollerFeedConfig
	channels  *channel.Channels
	log       *logger.Log
	transport *transport.Client
	fetch     depthFetcher

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	resyncCh chan string
}

func NewBinancePoller(cfg config.PollerFeedConfig, channels *channel.Channels, client *transport.Client, log *logger.Log) *BinancePoller {
	if client == nil {
		client = transport.NewClient(cfg.Venue, config.TransportConfig{}, log)
	}
	binance := futures.NewClient("", "")
	return &BinancePoller{
		cfg:       cfg,
		channels:  channels,
		log:       log,
		transport: client,
		fetch: func(ctx context.Context, symbol string, limit int) (*futures.DepthResponse, error) {
			svc := binance.NewDepthService().Symbol(symbol)
			if limit > 0 {
				svc = svc.Limit(limit)
			}
			return svc.Do(ctx)
		},
		resyncCh: make(chan string, 16),
	}
}

func (p *BinancePoller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("binance poller already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	interval := p.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for _, symbol := range p.cfg.Symbols {
		p.wg.Add(1)
		go p.pollSymbol(symbol, interval)
	}
	p.wg.Add(1)
	go p.resyncWorker()

	p.log.WithComponent("binance_poller").WithFields(logger.Fields{
		"symbols":  p.cfg.Symbols,
		"interval": interval.String(),
	}).Info("binance poller started")
	return nil
}

func (p *BinancePoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.log.WithComponent("binance_poller").Info("binance poller stopped")
}

// Resync satisfies the normalizer's resync hook. Requests for markets
// this poller does not serve are ignored.
func (p *BinancePoller) Resync(ctx context.Context, venueID, marketID string) {
	if !strings.EqualFold(venueID, p.cfg.Venue) {
		return
	}
	select {
	case p.resyncCh <- strings.ToUpper(marketID):
	default:
		// A pending resync for this poller is already queued.
	}
}

func (p *BinancePoller) pollSymbol(symbol string, interval time.Duration) {
	defer p.wg.Done()
	log := p.log.WithComponent("binance_poller").WithFields(logger.Fields{"symbol": symbol})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Fetch once at startup so books are seeded before the first tick.
	p.snapshot(log, symbol)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.snapshot(log, symbol)
		}
	}
}

func (p *BinancePoller) resyncWorker() {
	defer p.wg.Done()
	log := p.log.WithComponent("binance_poller").WithFields(logger.Fields{"worker": "resync"})
	for {
		select {
		case <-p.ctx.Done():
			return
		case symbol := <-p.resyncCh:
			log.WithFields(logger.Fields{"symbol": symbol}).Info("resync snapshot requested")
			p.snapshot(log, symbol)
		}
	}
}

func (p *BinancePoller) snapshot(log *logger.Entry, symbol string) {
	var depth *futures.DepthResponse
	err := p.transport.Execute(p.ctx, "fetch_orderbook", 1, func(ctx context.Context) error {
		var ferr error
		depth, ferr = p.fetch(ctx, symbol, p.cfg.Depth)
		return ferr
	})
	if err != nil {
		log.WithError(err).Warn("depth snapshot fetch failed")
		return
	}

	bids := make([]interface{}, 0, len(depth.Bids))
	for _, lv := range depth.Bids {
		bids = append(bids, []interface{}{lv.Price, lv.Quantity})
	}
	asks := make([]interface{}, 0, len(depth.Asks))
	for _, lv := range depth.Asks {
		asks = append(asks, []interface{}{lv.Price, lv.Quantity})
	}

	env := model.Envelope{
		SourceType: "rest",
		VenueID:    strings.ToLower(p.cfg.Venue),
		MarketID:   strings.ToLower(symbol),
		StreamName: "depth_snapshot",
		ReceivedTS: time.Now().UTC(),
		Payload: map[string]interface{}{
			"lastUpdateId": depth.LastUpdateID,
			"bids":         bids,
			"asks":         asks,
		},
	}
	if !p.channels.SendRaw(p.ctx, env) && p.ctx.Err() == nil {
		log.Warn("raw channel full, snapshot dropped")
	}
}
