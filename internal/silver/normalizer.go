package silver

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"marketlake/internal/model"
	"marketlake/internal/silver/book"
	"marketlake/logger"
)

// Event types reported by Normalize.
const (
	EventInserted   = "inserted"
	EventDuplicate  = "duplicate"
	EventAnomaly    = "anomaly"
	EventBookUpdate = "book_update"
	EventResync     = "resync_requested"
	EventGeneric    = "generic"
)

// ResyncFunc asks a feed to refetch a full snapshot for one book.
type ResyncFunc func(ctx context.Context, venueID, marketID string)

// Normalizer routes classified envelopes into the silver store and the
// per-market book engines.
type Normalizer struct {
	store      Store
	books      *book.Manager
	resync     ResyncFunc
	staleAfter time.Duration
	log        *logger.Log

	insertCount  int64
	dupCount     int64
	anomalyCount int64
	resyncCount  int64
}

func NewNormalizer(store Store, staleAfter time.Duration, log *logger.Log) *Normalizer {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Normalizer{
		store:      store,
		books:      book.NewManager(),
		staleAfter: staleAfter,
		log:        log,
	}
}

// SetResync installs the snapshot refetch hook. Without one, gap
// recovery waits for the feed's own next snapshot.
func (n *Normalizer) SetResync(fn ResyncFunc) { n.resync = fn }

// Books exposes the engine manager for health reporting.
func (n *Normalizer) Books() *book.Manager { return n.books }

// WarmStart seeds book engines from persisted state rows. Rows older
// than the staleness threshold degrade their book until the next
// snapshot instead of serving stale data as healthy.
func (n *Normalizer) WarmStart(ctx context.Context) error {
	states, err := n.store.BookStates(ctx)
	if err != nil {
		return fmt.Errorf("load book states: %w", err)
	}
	for i := range states {
		st := states[i]
		engine := n.books.Get(st.VenueID, st.MarketID)
		engine.Seed(&st, n.staleAfter)
		if degraded, reason := engine.Degraded(); degraded {
			n.log.WithComponent("normalizer").WithFields(logger.Fields{
				"venue":  st.VenueID,
				"market": st.MarketID,
				"reason": reason,
			}).Warn("book warm-started degraded")
		}
	}
	n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"books": len(states),
	}).Info("warm start complete")
	return nil
}

// Normalize classifies one envelope, runs its quality gates and persists
// the outcome. dupSuspect envelopes still flow through so persistence
// can confirm the no-op; they never create new typed rows.
func (n *Normalizer) Normalize(ctx context.Context, env *model.Envelope, dupSuspect bool) (model.Target, string, error) {
	c := Classify(env)

	switch c.Target {
	case model.TargetTrade:
		if a := CheckTrade(c.Trade); a != nil {
			return c.Target, EventAnomaly, n.recordAnomaly(ctx, env, a)
		}
		return n.persist(ctx, c.Target, func() (bool, error) { return n.store.UpsertTrade(ctx, c.Trade) })

	case model.TargetOHLCV:
		if a := CheckBar(c.Bar); a != nil {
			return c.Target, EventAnomaly, n.recordAnomaly(ctx, env, a)
		}
		return n.persist(ctx, c.Target, func() (bool, error) { return n.store.UpsertBar(ctx, c.Bar) })

	case model.TargetBestBidAsk:
		if a := CheckBBA(c.BBA); a != nil {
			return c.Target, EventAnomaly, n.recordAnomaly(ctx, env, a)
		}
		return n.persist(ctx, c.Target, func() (bool, error) { return n.store.UpsertBBA(ctx, c.BBA) })

	case model.TargetOrderBook:
		return n.applyBook(ctx, env, c.Book, dupSuspect)

	default:
		atomic.AddInt64(&n.insertCount, 1)
		if err := n.store.InsertEvent(ctx, c.Generic); err != nil {
			return c.Target, EventGeneric, fmt.Errorf("persist generic event: %w", err)
		}
		return c.Target, EventGeneric, nil
	}
}

func (n *Normalizer) persist(ctx context.Context, target model.Target, upsert func() (bool, error)) (model.Target, string, error) {
	inserted, err := upsert()
	if err != nil {
		return target, "", fmt.Errorf("persist %s: %w", target, err)
	}
	if !inserted {
		atomic.AddInt64(&n.dupCount, 1)
		return target, EventDuplicate, nil
	}
	atomic.AddInt64(&n.insertCount, 1)
	return target, EventInserted, nil
}

func (n *Normalizer) recordAnomaly(ctx context.Context, env *model.Envelope, a *Anomaly) error {
	atomic.AddInt64(&n.anomalyCount, 1)
	n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"venue":  env.VenueID,
		"market": env.MarketID,
		"reason": a.Reason,
		"detail": a.Detail,
	}).Warn("quality gate rejected row")
	if err := n.store.InsertEvent(ctx, AnomalyEvent(env, a)); err != nil {
		return fmt.Errorf("persist anomaly event: %w", err)
	}
	return nil
}

func (n *Normalizer) applyBook(ctx context.Context, env *model.Envelope, u *book.Update, dupSuspect bool) (model.Target, string, error) {
	if dupSuspect && !u.IsSnapshot {
		// A re-delivered delta would trip gap detection against its own
		// first delivery. Re-applied snapshots are harmless.
		return model.TargetOrderBook, EventDuplicate, nil
	}

	engine := n.books.Get(env.VenueID, env.MarketID)
	res := engine.Apply(u)

	for i := range res.Anomalies {
		a := res.Anomalies[i]
		atomic.AddInt64(&n.anomalyCount, 1)
		event := &model.GenericEvent{
			EventID:    fmt.Sprintf("%s-%d", env.RawMsgID, i),
			VenueID:    env.VenueID,
			MarketID:   env.MarketID,
			StreamName: env.StreamName,
			Reason:     a.Reason,
			Detail:     a.Detail,
			ReceivedTS: env.ReceivedTS,
			RawMsgID:   env.RawMsgID,
		}
		if err := n.store.InsertEvent(ctx, event); err != nil {
			return model.TargetOrderBook, EventAnomaly, fmt.Errorf("persist book anomaly: %w", err)
		}
	}

	if res.BBA != nil {
		res.BBA.InstrumentID = env.InstrumentID
		res.BBA.ReceivedTS = env.ReceivedTS
		res.BBA.RawMsgID = env.RawMsgID
		res.BBA.DedupKey = BBADedupKey(env, res.BBA)
		if _, err := n.store.UpsertBBA(ctx, res.BBA); err != nil {
			return model.TargetOrderBook, "", fmt.Errorf("persist derived quote: %w", err)
		}
	}

	if err := n.store.SaveBookState(ctx, &res.State); err != nil {
		return model.TargetOrderBook, "", fmt.Errorf("persist book state: %w", err)
	}

	if res.ResyncNeeded {
		atomic.AddInt64(&n.resyncCount, 1)
		n.log.WithComponent("normalizer").WithFields(logger.Fields{
			"venue":  env.VenueID,
			"market": env.MarketID,
		}).Warn("book out of sync, requesting snapshot")
		if n.resync != nil {
			n.resync(ctx, env.VenueID, env.MarketID)
		}
		return model.TargetOrderBook, EventResync, nil
	}
	return model.TargetOrderBook, EventBookUpdate, nil
}

// Counters returns insert/duplicate/anomaly/resync totals.
func (n *Normalizer) Counters() (inserts, dups, anomalies, resyncs int64) {
	return atomic.LoadInt64(&n.insertCount),
		atomic.LoadInt64(&n.dupCount),
		atomic.LoadInt64(&n.anomalyCount),
		atomic.LoadInt64(&n.resyncCount)
}
