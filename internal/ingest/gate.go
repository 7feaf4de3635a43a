// Package ingest is the single entry point for raw envelopes. The gate
// validates, hashes, dedup-checks and hands envelopes to the bronze
// writer, then optionally routes them through the silver normalizer.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketlake/config"
	"marketlake/internal/bronze"
	"marketlake/internal/metrics"
	"marketlake/internal/model"
	"marketlake/internal/silver"
	"marketlake/logger"
)

// Statuses returned by Ingest.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Result is the outcome of ingesting one envelope.
type Result struct {
	Status     string       `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	RawMsgID   string       `json:"raw_msg_id,omitempty"`
	ObjectKey  string       `json:"object_key,omitempty"`
	DupSuspect bool         `json:"dup_suspect"`
	Target     model.Target `json:"target,omitempty"`
	Event      string       `json:"event,omitempty"`
}

// Gate validates and stores envelopes. A nil writer means storage is not
// configured; the gate then fails closed with INGEST_DISABLED rather
// than silently dropping data.
type Gate struct {
	cfg        *config.Config
	writer     *bronze.Writer
	normalizer *silver.Normalizer
	dedup      *dedupIndex
	raws       *rawIndex
	stats      *metrics.RollingWindow
	registry   *metrics.Registry
	log        *logger.Log
	now        func() time.Time
}

func NewGate(cfg *config.Config, writer *bronze.Writer, normalizer *silver.Normalizer, registry *metrics.Registry, log *logger.Log) *Gate {
	return &Gate{
		cfg:        cfg,
		writer:     writer,
		normalizer: normalizer,
		dedup:      newDedupIndex(),
		raws:       newRawIndex(10000),
		stats:      metrics.NewRollingWindow(cfg.Ingest.StatsWindow),
		registry:   registry,
		log:        log,
		now:        time.Now,
	}
}

// Stats snapshots the rolling ingest counters.
func (g *Gate) Stats() metrics.RollingStats { return g.stats.Snapshot() }

// Lookup returns storage metadata for a recently ingested raw_msg_id.
func (g *Gate) Lookup(rawMsgID string) (RawRef, bool) { return g.raws.Lookup(rawMsgID) }

// CloseWriter seals any open bronze part. Safe with storage disabled.
func (g *Gate) CloseWriter() error {
	if g.writer == nil {
		return nil
	}
	return g.writer.Close(context.Background())
}

// Ingest runs one envelope through validation, identity assignment,
// dedup suspicion, bronze storage and, when enabled, normalization.
// Duplicates are stored anyway; the append-only audit trail keeps every
// delivery, and the normalizer turns the replay into a no-op upsert.
func (g *Gate) Ingest(ctx context.Context, env *model.Envelope) (Result, error) {
	if reason := g.validate(env); reason != "" {
		g.stats.Rejected()
		g.record("rejected", env.VenueID)
		return Result{Status: StatusRejected, Reason: reason}, nil
	}

	if g.writer == nil {
		g.stats.Rejected()
		g.record("rejected", env.VenueID)
		return Result{Status: StatusRejected, Reason: model.ReasonIngestDisabled}, nil
	}

	if env.RawMsgID == "" {
		env.RawMsgID = model.NewRawMsgID()
	}
	if env.TenantID == "" {
		env.TenantID = "default"
	}
	if env.ReceivedTS.IsZero() {
		env.ReceivedTS = g.now().UTC()
	}

	hash, err := model.HashPayload(env.Payload)
	if err != nil {
		g.stats.Rejected()
		g.record("rejected", env.VenueID)
		return Result{Status: StatusRejected, Reason: model.ReasonInvalidRequest}, nil
	}
	env.PayloadHash = hash

	window := g.cfg.DedupWindowFor(env.VenueID)
	dupSuspect := g.dedup.Check(env.PayloadHash, env.VenueID, env.MarketID, env.SourceMsgKey, window)

	key, err := g.writer.Append(ctx, env)
	if err != nil {
		g.stats.Failure()
		g.record("failure", env.VenueID)
		return Result{}, fmt.Errorf("bronze append: %w", err)
	}

	res := Result{
		Status:     StatusAccepted,
		RawMsgID:   env.RawMsgID,
		ObjectKey:  key,
		DupSuspect: dupSuspect,
	}

	if data, err := json.Marshal(env.Payload); err == nil {
		g.raws.Add(env.RawMsgID, RawRef{
			ObjectKey:   key,
			PayloadHash: env.PayloadHash,
			Size:        len(data),
			ContentType: "application/json",
		})
	}

	if dupSuspect {
		g.stats.Duplicate()
		g.record("duplicate", env.VenueID)
	} else {
		g.stats.Accepted()
		g.record("accepted", env.VenueID)
	}

	if g.normalizer != nil && g.cfg.Ingest.Normalize {
		target, event, err := g.normalizer.Normalize(ctx, env, dupSuspect)
		if err != nil {
			// Bronze already has the envelope; normalization failure is
			// recoverable by replay and must not fail the ingest.
			g.stats.Failure()
			g.log.WithComponent("ingest_gate").WithFields(logger.Fields{
				"raw_msg_id": env.RawMsgID,
				"venue":      env.VenueID,
			}).WithError(err).Error("normalization failed, envelope preserved in bronze")
		} else {
			res.Target = target
			res.Event = event
		}
	}
	return res, nil
}

func (g *Gate) validate(env *model.Envelope) string {
	if env == nil || env.Payload == nil {
		return model.ReasonInvalidRequest
	}
	if env.VenueID == "" || env.MarketID == "" {
		return model.ReasonInvalidRequest
	}
	switch env.SourceType {
	case "rest", "ws", "other":
	default:
		return model.ReasonInvalidRequest
	}
	if !env.ReceivedTS.IsZero() {
		// Caller-supplied timestamps must be plausible absolutes.
		if env.ReceivedTS.Year() < 2000 || env.ReceivedTS.After(g.now().Add(24*time.Hour)) {
			return model.ReasonInvalidRequest
		}
	}
	return ""
}

func (g *Gate) record(outcome, venue string) {
	if g.registry == nil {
		return
	}
	g.registry.Record(metrics.Metric{
		Component: "ingest_gate",
		Name:      "ingest_" + outcome,
		Value:     int64(1),
		Type:      "counter",
		Fields:    logger.Fields{"venue": venue},
	})
}
