package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketlake/internal/channel"
	"marketlake/logger"
)

// Worker drains the raw envelope channel into the gate. One pool serves
// every feed; per-envelope work is independent so workers scale flat.
type Worker struct {
	gate     *Gate
	channels *channel.Channels
	workers  int
	log      *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

func NewWorker(gate *Gate, channels *channel.Channels, workers int, log *logger.Log) *Worker {
	if workers <= 0 {
		workers = 4
	}
	return &Worker{gate: gate, channels: channels, workers: workers, log: log}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("ingest worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run(i)
	}
	w.wg.Add(1)
	go w.metricsReporter()

	w.log.WithComponent("ingest_worker").WithFields(logger.Fields{
		"workers": w.workers,
	}).Info("ingest workers started")
	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	w.log.WithComponent("ingest_worker").Info("ingest workers stopped")
}

func (w *Worker) run(id int) {
	defer w.wg.Done()
	log := w.log.WithComponent("ingest_worker").WithFields(logger.Fields{"worker": id})

	for {
		select {
		case <-w.ctx.Done():
			return
		case env, ok := <-w.channels.Raw:
			if !ok {
				return
			}
			res, err := w.gate.Ingest(w.ctx, &env)
			if err != nil {
				log.WithFields(logger.Fields{
					"venue":  env.VenueID,
					"market": env.MarketID,
				}).WithError(err).Error("ingest failed")
				continue
			}
			if res.Status == StatusRejected {
				log.WithFields(logger.Fields{
					"venue":  env.VenueID,
					"reason": res.Reason,
				}).Warn("envelope rejected")
			}
		}
	}
}

func (w *Worker) metricsReporter() {
	defer w.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			stats := w.gate.Stats()
			chanStats := w.channels.Stats()
			w.log.LogMetric("ingest_worker", "window_accepted", stats.Accepted, "gauge", logger.Fields{})
			w.log.LogMetric("ingest_worker", "window_duplicates", stats.Duplicates, "gauge", logger.Fields{})
			w.log.LogMetric("ingest_worker", "window_rejected", stats.Rejected, "gauge", logger.Fields{})
			w.log.LogMetric("ingest_worker", "channel_dropped", chanStats.Dropped, "gauge", logger.Fields{})
		}
	}
}
