package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketlake/config"
	"marketlake/internal/api"
	"marketlake/internal/bronze"
	"marketlake/internal/cache"
	"marketlake/internal/channel"
	"marketlake/internal/feed"
	"marketlake/internal/gold"
	"marketlake/internal/ingest"
	"marketlake/internal/metrics"
	"marketlake/internal/model"
	"marketlake/internal/objectstore"
	"marketlake/internal/replay"
	"marketlake/internal/silver"
	"marketlake/internal/transport"
	"marketlake/internal/ucel"
	"marketlake/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	recompute := flag.Bool("recompute", false, "Recompute derived rows from bronze and exit")
	recomputeOut := flag.String("recompute-out", "replay/run", "Output prefix for recompute results")
	recomputeVenue := flag.String("recompute-venue", "", "Restrict recompute to one venue")
	recomputeMarket := flag.String("recompute-market", "", "Restrict recompute to one market")
	diffBaseline := flag.String("diff-baseline", "", "Baseline recompute prefix to diff against")
	diffCandidate := flag.String("diff-candidate", "", "Candidate recompute prefix to diff")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Marketlake.Name,
		"version": cfg.Marketlake.Version,
	}).Info("starting marketlake")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An absent storage backend is a supported degraded mode; the ingest
	// gate fails closed and health reports STORAGE_NOT_CONFIGURED.
	var store objectstore.Store
	if cfg.Storage.Backend != "" {
		store, err = objectstore.Open(ctx, cfg.Storage, log)
		if err != nil {
			log.WithError(err).Error("failed to open object store")
			os.Exit(1)
		}
	}

	if *recompute || *diffBaseline != "" {
		os.Exit(runBatch(ctx, cfg, store, log, batchArgs{
			recompute: *recompute,
			outPrefix: *recomputeOut,
			venue:     *recomputeVenue,
			market:    *recomputeMarket,
			baseline:  *diffBaseline,
			candidate: *diffCandidate,
		}))
	}

	registry := metrics.NewRegistry()
	registry.Connect()
	if cfg.Metrics.CloudWatch.Enabled {
		publisher := metrics.NewCloudWatchPublisher(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, log)
		registry.Register(publisher.Handle)
		go publisher.Run(ctx, time.Minute)
	}

	var silverStore silver.Store
	var gormStore *silver.GormStore
	if cfg.Database.Enabled {
		gormStore, err = silver.OpenGormStore(cfg.Database.DSN, log)
		if err != nil {
			log.WithError(err).Error("failed to open database")
			os.Exit(1)
		}
		silverStore = gormStore
	} else {
		log.WithComponent("main").Info("database disabled; using in-memory silver store")
		silverStore = silver.NewMemoryStore()
	}

	var writer *bronze.Writer
	if store != nil {
		writer = bronze.NewWriter(store, cfg.Bronze, log)
		if err := writer.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start bronze writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Warn("object storage not configured; ingest will fail closed")
	}

	normalizer := silver.NewNormalizer(silverStore, cfg.Silver.BookStaleAfter, log)
	if err := normalizer.WarmStart(ctx); err != nil {
		log.WithError(err).Warn("order book warm start failed; books rebuild from snapshots")
	}

	gate := ingest.NewGate(cfg, writer, normalizer, registry, log)

	channels := channel.NewChannels(cfg.Channels.RawBuffer, log)
	defer channels.Close()

	workers := ingest.NewWorker(gate, channels, 4, log)

	var wsReaders []*feed.WebsocketReader
	for _, fc := range cfg.Feeds.Websockets {
		wsReaders = append(wsReaders, feed.NewWebsocketReader(fc, channels, log))
	}
	// One transport client per polled venue so all snapshot and resync
	// fetches share that venue's rate budget and breaker.
	venueClients := make(map[string]*transport.Client)
	var pollers []*feed.BinancePoller
	for _, fc := range cfg.Feeds.Pollers {
		client, ok := venueClients[fc.Venue]
		if !ok {
			client = transport.NewClient(fc.Venue, cfg.Transport, log)
			venueClients[fc.Venue] = client
		}
		pollers = append(pollers, feed.NewBinancePoller(fc, channels, client, log))
	}

	// Order book gaps request a fresh snapshot from whichever poller
	// covers the venue.
	normalizer.SetResync(func(ctx context.Context, venueID, marketID string) {
		for _, p := range pollers {
			p.Resync(ctx, venueID, marketID)
		}
	})

	goldSink := gold.NewMemorySink()
	var sink gold.Sink = goldSink
	if gormStore != nil {
		sink = multiSink{goldSink, gold.NewGormSink(gormStore)}
	}
	materializer := gold.NewMaterializer(silverStore, sink, log)

	var exporter *gold.Exporter
	if cfg.Gold.ParquetExport.Enabled && store != nil {
		exporter = gold.NewExporter(store, cfg.Gold.ParquetExport, log)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := workers.Start(ctx); err != nil {
			log.WithError(err).Warn("ingest workers failed to start")
		}
	}()

	for _, r := range wsReaders {
		wg.Add(1)
		go func(reader *feed.WebsocketReader) {
			defer wg.Done()
			if err := reader.Start(ctx); err != nil {
				log.WithError(err).Warn("websocket reader failed to start")
			}
		}(r)
	}

	for _, p := range pollers {
		wg.Add(1)
		go func(poller *feed.BinancePoller) {
			defer wg.Done()
			if err := poller.Start(ctx); err != nil {
				log.WithError(err).Warn("snapshot poller failed to start")
			}
		}(p)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runGoldLoop(ctx, cfg.Gold.Interval, materializer, exporter, log)
	}()

	server := api.NewServer(cfg.Server, api.Deps{
		Gate:        gate,
		Normalizer:  normalizer,
		SilverStore: silverStore,
		GoldSink:    goldSink,
		Store:       store,
		Registry:    registry,
		Cache:       cache.New(cfg.Cache.DefaultTTL, cfg.Cache.Jitter),
		UCEL:        ucel.NewGate(cfg.Venues, cfg.Policy),
	}, log)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			log.WithError(err).Error("api server failed")
			cancel()
		}
	}()

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown")
	cancel()

	for _, r := range wsReaders {
		r.Stop()
	}
	for _, p := range pollers {
		p.Stop()
	}

	log.Info("stopping ingest workers")
	workers.Stop()

	if writer != nil {
		log.Info("sealing bronze parts")
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := writer.Close(closeCtx); err != nil {
			log.WithError(err).Warn("bronze writer closed with unsealed parts")
		}
		closeCancel()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketlake stopped")
}

// runGoldLoop rebuilds the serving tables on a fixed cadence. The
// materialization is idempotent, so a missed tick only delays freshness.
func runGoldLoop(ctx context.Context, interval time.Duration, m *gold.Materializer, e *gold.Exporter, log *logger.Log) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := m.Materialize(ctx, nil)
			if err != nil {
				log.WithError(err).Warn("gold materialization failed")
				continue
			}
			if e != nil {
				if _, err := e.Export(ctx, res); err != nil {
					log.WithError(err).Warn("parquet export failed")
				}
			}
		}
	}
}

type batchArgs struct {
	recompute bool
	outPrefix string
	venue     string
	market    string
	baseline  string
	candidate string
}

// runBatch handles the recompute and diff modes, which run to completion
// against the object store and then exit.
func runBatch(ctx context.Context, cfg *config.Config, store objectstore.Store, log *logger.Log, args batchArgs) int {
	if store == nil {
		log.Error("recompute requires a configured object store")
		return 1
	}

	if args.recompute {
		rec := replay.NewRecomputer(store, log)
		report, err := rec.Recompute(ctx, cfg.Bronze.Prefix, args.outPrefix, replay.Options{
			Venue:  args.venue,
			Market: args.market,
		})
		if err != nil {
			log.WithError(err).Error("recompute failed")
			return 1
		}
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	}

	if args.baseline != "" {
		if args.candidate == "" {
			log.Error("diff-candidate is required with diff-baseline")
			return 1
		}
		differ := replay.NewDiffer(store, log)
		mismatches, err := differ.Diff(ctx, args.baseline, args.candidate)
		if err != nil {
			log.WithError(err).Error("diff failed")
			return 1
		}
		out, _ := json.MarshalIndent(mismatches, "", "  ")
		fmt.Println(string(out))
		if len(mismatches) > 0 {
			return 2
		}
	}
	return 0
}

// multiSink fans gold upserts out to the serving cache and the database.
type multiSink []gold.Sink

func (m multiSink) UpsertTicker(ctx context.Context, row *model.TickerLatest) error {
	for _, s := range m {
		if err := s.UpsertTicker(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (m multiSink) UpsertBBALatest(ctx context.Context, row *model.BestBidAskLatest) error {
	for _, s := range m {
		if err := s.UpsertBBALatest(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (m multiSink) UpsertOHLCV(ctx context.Context, row *model.OHLCV1m) error {
	for _, s := range m {
		if err := s.UpsertOHLCV(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
