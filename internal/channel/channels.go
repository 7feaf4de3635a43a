// Package channel carries raw envelopes from the feed readers to the
// ingest workers. Sends never block a reader: when the buffer is full
// the envelope is dropped and counted, which is visible in metrics.
package channel

import (
	"context"
	"sync"

	"marketlake/internal/model"
	"marketlake/logger"
)

type Stats struct {
	Sent    int64
	Dropped int64
}

type Channels struct {
	Raw chan model.Envelope

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(rawBufferSize int, log *logger.Log) *Channels {
	c := &Channels{
		Raw: make(chan model.Envelope, rawBufferSize),
		log: log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size": rawBufferSize,
	}).Info("raw envelope channel initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Raw)
	c.log.WithComponent("channels").Info("raw envelope channel closed")
}

// SendRaw enqueues an envelope without blocking. Returns false when the
// buffer is full or the context is done.
func (c *Channels) SendRaw(ctx context.Context, env model.Envelope) bool {
	select {
	case c.Raw <- env:
		c.statsMutex.Lock()
		c.stats.Sent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.Dropped++
		c.statsMutex.Unlock()
		c.log.LogMetric("channels", "raw_dropped", int64(1), "counter", logger.Fields{})
		return false
	}
}

func (c *Channels) Stats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
