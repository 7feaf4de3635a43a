// Package bronze appends raw envelopes to partitioned, rotated,
// immutable object-store files. One partition is open per writer at a
// time; files only become visible under their final name once sealed.
package bronze

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"marketlake/config"
	"marketlake/internal/model"
	"marketlake/internal/objectstore"
	"marketlake/logger"
)

var unsafeKeyChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// sanitizeSegment lower-cases a partition segment and collapses anything
// outside the safe character set.
func sanitizeSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = unsafeKeyChars.ReplaceAllString(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

// PartitionKey derives the partition prefix for an envelope from its
// source, venue, market and arrival time.
func PartitionKey(prefix string, env *model.Envelope) string {
	return path.Join(
		prefix,
		sanitizeSegment(env.SourceType),
		sanitizeSegment(env.VenueID),
		sanitizeSegment(env.MarketID),
		env.ReceivedTS.UTC().Format("2006-01-02"),
		env.ReceivedTS.UTC().Format("15"),
	)
}

var partFilePattern = regexp.MustCompile(`part-(\d{4})\.jsonl(\.gz)?$`)

// pendingPart is a sealed-but-unwritten part retried until the backend
// recovers.
type pendingPart struct {
	key   string
	raw   []byte
	lines int
}

// Writer buffers newline-delimited JSON for the currently open partition
// and seals part files on size, age or partition switch.
type Writer struct {
	store  objectstore.Store
	prefix string

	maxBytes int
	maxAge   time.Duration
	gzip     bool
	log      *logger.Log

	mu             sync.Mutex
	openPartition  string
	buf            bytes.Buffer
	bufLines       int
	openedAt       time.Time
	partSeq        map[string]int
	pending        []pendingPart
	degraded       bool
	degradedReason string
	now            func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	// Metrics
	appendCount int64
	sealCount   int64
	sealErrors  int64
}

func NewWriter(store objectstore.Store, cfg config.BronzeConfig, log *logger.Log) *Writer {
	w := &Writer{
		store:    store,
		prefix:   cfg.Prefix,
		maxBytes: cfg.MaxBytes,
		maxAge:   cfg.MaxSeconds,
		gzip:     cfg.Gzip,
		log:      log,
		partSeq:  make(map[string]int),
		now:      time.Now,
	}
	if w.prefix == "" {
		w.prefix = "bronze"
	}
	if w.maxBytes <= 0 {
		w.maxBytes = 5 * 1024 * 1024
	}
	if w.maxAge <= 0 {
		w.maxAge = 30 * time.Second
	}
	return w
}

// Start launches the time-based rotation loop.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("bronze writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.rotationLoop()

	w.log.WithComponent("bronze_writer").WithFields(logger.Fields{
		"max_bytes":   w.maxBytes,
		"max_seconds": w.maxAge.String(),
		"gzip":        w.gzip,
	}).Info("bronze writer started")
	return nil
}

// Stop flushes the open buffer and joins the rotation loop.
func (w *Writer) Stop() {
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
	if err := w.Close(context.Background()); err != nil {
		w.log.WithComponent("bronze_writer").WithError(err).Error("unflushed bronze data at shutdown")
	}
	w.log.WithComponent("bronze_writer").Info("bronze writer stopped")
}

func (w *Writer) rotationLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.retryPending(w.ctx)
			w.RotateIfNeeded(w.ctx)
		}
	}
}

// Append buffers one envelope and returns the object key of the part
// file it will be sealed into.
func (w *Writer) Append(ctx context.Context, env *model.Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	partition := PartitionKey(w.prefix, env)

	w.mu.Lock()
	defer w.mu.Unlock()

	// Switching partitions seals the previous one first, so memory is
	// bounded by one open buffer.
	if w.openPartition != "" && w.openPartition != partition {
		w.sealLocked(ctx)
	}
	if w.openPartition == "" {
		w.openPartition = partition
		w.openedAt = w.now()
	}

	w.buf.Write(data)
	w.buf.WriteByte('\n')
	w.bufLines++
	atomic.AddInt64(&w.appendCount, 1)

	key := w.partKey(partition, w.nextSeqLocked(ctx, partition))

	if w.buf.Len() >= w.maxBytes {
		w.sealLocked(ctx)
	}
	return key, nil
}

// RotateIfNeeded seals the open partition when it has been open longer
// than the configured age. Returns true when a seal happened.
func (w *Writer) RotateIfNeeded(ctx context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.openPartition == "" || w.buf.Len() == 0 {
		return false
	}
	if w.now().Sub(w.openedAt) < w.maxAge {
		return false
	}
	return w.sealLocked(ctx)
}

// Close seals whatever is buffered and retries pending parts. Returns an
// error when data remains unwritten.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.sealLocked(ctx)
	w.retryPendingLocked(ctx)
	remaining := len(w.pending)
	w.mu.Unlock()

	if remaining > 0 {
		return fmt.Errorf("bronze writer: %d part(s) still unwritten, store unavailable", remaining)
	}
	return nil
}

// Degraded reports the writer's health flag and reason.
func (w *Writer) Degraded() (bool, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded, w.degradedReason
}

// Counters returns append/seal/error totals for health reporting.
func (w *Writer) Counters() (appends, seals, errors int64) {
	return atomic.LoadInt64(&w.appendCount), atomic.LoadInt64(&w.sealCount), atomic.LoadInt64(&w.sealErrors)
}

func (w *Writer) partKey(partition string, seq int) string {
	name := fmt.Sprintf("part-%04d.jsonl", seq)
	if w.gzip {
		name += ".gz"
	}
	return path.Join(partition, name)
}

// nextSeqLocked determines the next part number for a partition. On the
// first touch after a restart it resumes from the highest sealed part so
// numbering stays monotonic across process lifetimes.
func (w *Writer) nextSeqLocked(ctx context.Context, partition string) int {
	if seq, ok := w.partSeq[partition]; ok {
		return seq + 1
	}
	maxSeq := 0
	if keys, err := w.store.List(ctx, partition+"/"); err == nil {
		for _, key := range keys {
			m := partFilePattern.FindStringSubmatch(key)
			if m == nil {
				continue
			}
			if n, err := strconv.Atoi(m[1]); err == nil && n > maxSeq {
				maxSeq = n
			}
		}
	}
	w.partSeq[partition] = maxSeq
	return maxSeq + 1
}

// sealLocked claims the next part number and hands the buffered lines to
// the store. On backend failure the part moves to the pending list and
// the degraded flag flips; appends keep working so ingestion continues,
// with loss bounded by the buffer limits. Returns true on a clean seal.
func (w *Writer) sealLocked(ctx context.Context) bool {
	if w.openPartition == "" || w.buf.Len() == 0 {
		return false
	}
	partition := w.openPartition
	seq := w.nextSeqLocked(ctx, partition)
	key := w.partKey(partition, seq)
	// The number is claimed even if the write fails so a retried part
	// never collides with the next seal.
	w.partSeq[partition] = seq

	raw := make([]byte, w.buf.Len())
	copy(raw, w.buf.Bytes())
	lines := w.bufLines
	w.buf.Reset()
	w.bufLines = 0
	w.openPartition = ""

	if err := w.putPart(ctx, key, raw); err != nil {
		atomic.AddInt64(&w.sealErrors, 1)
		w.pending = append(w.pending, pendingPart{key: key, raw: raw, lines: lines})
		w.degraded = true
		w.degradedReason = model.ReasonStoreUnavailable
		w.log.WithComponent("bronze_writer").WithFields(logger.Fields{
			"object_key":    key,
			"pending_parts": len(w.pending),
		}).WithError(err).Error("failed to seal bronze part, will retry")
		return false
	}

	atomic.AddInt64(&w.sealCount, 1)
	w.log.WithComponent("bronze_writer").WithFields(logger.Fields{
		"object_key": key,
		"lines":      lines,
	}).Debug("sealed bronze part")
	w.log.LogMetric("bronze_writer", "parts_sealed", int64(1), "counter", logger.Fields{})
	return true
}

func (w *Writer) putPart(ctx context.Context, key string, raw []byte) error {
	data := raw
	if w.gzip {
		var gz bytes.Buffer
		zw := gzip.NewWriter(&gz)
		if _, err := zw.Write(raw); err != nil {
			return fmt.Errorf("gzip part: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("gzip part: %w", err)
		}
		data = gz.Bytes()
	}
	return w.store.Put(ctx, key, data)
}

func (w *Writer) retryPending(ctx context.Context) {
	w.mu.Lock()
	w.retryPendingLocked(ctx)
	w.mu.Unlock()
}

func (w *Writer) retryPendingLocked(ctx context.Context) {
	if len(w.pending) == 0 {
		return
	}
	var still []pendingPart
	for _, p := range w.pending {
		if err := w.putPart(ctx, p.key, p.raw); err != nil {
			still = append(still, p)
			continue
		}
		atomic.AddInt64(&w.sealCount, 1)
		w.log.WithComponent("bronze_writer").WithFields(logger.Fields{
			"object_key": p.key,
			"lines":      p.lines,
		}).Info("recovered pending bronze part")
	}
	w.pending = still
	if len(w.pending) == 0 {
		w.degraded = false
		w.degradedReason = ""
	}
}
