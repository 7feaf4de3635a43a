// Package api serves the ingest, read, health and raw replay endpoints.
// Every externally visible failure carries an enumerated reason code;
// the handlers never return an unstructured 500 for expected conditions.
package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketlake/config"
	"marketlake/internal/cache"
	"marketlake/internal/gold"
	"marketlake/internal/ingest"
	"marketlake/internal/metrics"
	"marketlake/internal/model"
	"marketlake/internal/objectstore"
	"marketlake/internal/silver"
	"marketlake/internal/ucel"
	"marketlake/logger"
)

// Deps are the constructed components the server exposes. Nil members
// disable their endpoints with a stable reason instead of panicking.
type Deps struct {
	Gate        *ingest.Gate
	Normalizer  *silver.Normalizer
	SilverStore silver.Store
	GoldSink    *gold.MemorySink
	Store       objectstore.Store
	Registry    *metrics.Registry
	Cache       *cache.Cache
	UCEL        *ucel.Gate
}

// Server hosts the HTTP interface.
type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	log        *logger.Log
	httpServer *http.Server
	startedAt  time.Time
}

func NewServer(cfg config.ServerConfig, deps Deps, log *logger.Log) *Server {
	if deps.Cache == nil {
		deps.Cache = cache.New(5*time.Second, 0.1)
	}
	return &Server{cfg: cfg, deps: deps, log: log, startedAt: time.Now()}
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	router := s.buildRouter()
	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("api").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("api server started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	v1.POST("/ingest", s.handleIngest)
	v1.GET("/ticker/:venue/:market/:instrument", s.handleTicker)
	v1.GET("/quote/:venue/:market/:instrument", s.handleQuote)
	v1.GET("/book/:venue/:market", s.handleBook)
	v1.GET("/ohlcv/:venue/:market/:instrument", s.handleOHLCV)
	v1.GET("/health", s.handleHealth)
	v1.GET("/raw/:id", s.handleRaw)

	if s.deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Registry.HTTPHandler()))
	}
	return router
}

// ingestRequest is the envelope-shaped wire record.
type ingestRequest struct {
	TenantID     string                 `json:"tenant_id"`
	SourceType   string                 `json:"source_type"`
	VenueID      string                 `json:"venue_id"`
	MarketID     string                 `json:"market_id"`
	InstrumentID string                 `json:"instrument_id"`
	StreamName   string                 `json:"stream_name"`
	EventTS      *time.Time             `json:"event_ts"`
	ReceivedTS   *time.Time             `json:"received_ts"`
	Sequence     *int64                 `json:"sequence"`
	SourceMsgKey string                 `json:"source_msg_key"`
	Payload      map[string]interface{} `json:"payload"`
}

func (s *Server) handleIngest(c *gin.Context) {
	if s.deps.Gate == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "dependency_unavailable", "reason": model.ReasonIngestDisabled,
		})
		return
	}

	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request", "reason": model.ReasonInvalidRequest,
		})
		return
	}

	env := &model.Envelope{
		TenantID:     req.TenantID,
		SourceType:   req.SourceType,
		VenueID:      req.VenueID,
		MarketID:     req.MarketID,
		InstrumentID: req.InstrumentID,
		StreamName:   req.StreamName,
		EventTS:      req.EventTS,
		Sequence:     req.Sequence,
		SourceMsgKey: req.SourceMsgKey,
		Payload:      req.Payload,
	}
	if req.ReceivedTS != nil {
		env.ReceivedTS = *req.ReceivedTS
	}

	res, err := s.deps.Gate.Ingest(c.Request.Context(), env)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "dependency_unavailable", "reason": model.ReasonStoreUnavailable,
		})
		return
	}
	if res.Status == ingest.StatusRejected {
		status := http.StatusBadRequest
		errName := "invalid_request"
		if res.Reason == model.ReasonIngestDisabled {
			status = http.StatusServiceUnavailable
			errName = "dependency_unavailable"
		}
		c.JSON(status, gin.H{"error": errName, "reason": res.Reason})
		return
	}

	degraded := false
	if s.deps.Normalizer != nil {
		for _, engine := range s.deps.Normalizer.Books().All() {
			if d, _ := engine.Degraded(); d {
				degraded = true
				break
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"raw_msg_id":            res.RawMsgID,
		"object_key":            res.ObjectKey,
		"stored":                true,
		"dup_suspect":           res.DupSuspect,
		"degraded":              degraded,
		"normalized_target":     res.Target,
		"normalized_event_type": res.Event,
	})
}

func (s *Server) handleTicker(c *gin.Context) {
	if s.deps.GoldSink == nil {
		s.dependencyUnavailable(c, model.ReasonDBNotConfigured)
		return
	}
	row, ok := s.deps.GoldSink.Ticker(c.Param("venue"), c.Param("market"), c.Param("instrument"))
	if !ok {
		c.JSON(http.StatusOK, gin.H{"found": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"found":    true,
		"ticker":   row,
		"stale":    s.isStale(row.AsOf),
		"degraded": s.bookDegraded(c.Param("venue"), c.Param("market")),
	})
}

func (s *Server) handleQuote(c *gin.Context) {
	venue, market, instrument := c.Param("venue"), c.Param("market"), c.Param("instrument")

	// The serving path is cached; concurrent misses share one load.
	key := strings.Join([]string{"quote", venue, market, instrument}, "/")
	value, err := s.deps.Cache.GetOrLoad(c.Request.Context(), key, 0, func(ctx context.Context) (interface{}, error) {
		if s.deps.GoldSink != nil {
			if row, ok := s.deps.GoldSink.Quote(venue, market, instrument); ok {
				return row, nil
			}
		}
		if s.deps.SilverStore != nil {
			q, err := s.deps.SilverStore.LatestBBA(ctx, venue, market)
			if err != nil {
				return nil, err
			}
			return *q, nil
		}
		return nil, silver.ErrNotFound
	})
	if errors.Is(err, silver.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"found": false})
		return
	}
	if err != nil {
		s.dependencyUnavailable(c, model.ReasonStoreUnavailable)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"found":    true,
		"quote":    value,
		"degraded": s.bookDegraded(venue, market),
	})
}

func (s *Server) handleBook(c *gin.Context) {
	if s.deps.SilverStore == nil {
		s.dependencyUnavailable(c, model.ReasonDBNotConfigured)
		return
	}
	st, err := s.deps.SilverStore.BookState(c.Request.Context(), c.Param("venue"), c.Param("market"))
	if errors.Is(err, silver.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"found": false})
		return
	}
	if err != nil {
		s.dependencyUnavailable(c, model.ReasonStoreUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"found":    true,
		"book":     st,
		"stale":    s.isStale(st.AsOf),
		"degraded": st.Degraded,
		"reason":   st.DegradedReason,
	})
}

func (s *Server) handleOHLCV(c *gin.Context) {
	if s.deps.GoldSink == nil {
		s.dependencyUnavailable(c, model.ReasonDBNotConfigured)
		return
	}
	limit := 60
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	rows := s.deps.GoldSink.OHLCV(c.Param("venue"), c.Param("market"), c.Param("instrument"), limit)
	if len(rows) == 0 {
		c.JSON(http.StatusOK, gin.H{"found": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"found":    true,
		"bars":     rows,
		"stale":    s.isStale(rows[0].AsOf),
		"degraded": s.bookDegraded(c.Param("venue"), c.Param("market")),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	var reasons []string
	backend := ""
	if s.deps.Store == nil {
		reasons = append(reasons, model.ReasonStorageNotConfigured)
	} else {
		backend = s.deps.Store.Backend()
	}
	if s.deps.SilverStore == nil {
		reasons = append(reasons, model.ReasonDBNotConfigured)
	}

	books := gin.H{}
	if s.deps.Normalizer != nil {
		for _, engine := range s.deps.Normalizer.Books().All() {
			st := engine.State()
			if st.Degraded {
				books[st.VenueID+"/"+st.MarketID] = st.DegradedReason
			}
		}
	}

	var stats interface{}
	if s.deps.Gate != nil {
		stats = s.deps.Gate.Stats()
	}
	capabilities := map[string][]string{}
	if s.deps.UCEL != nil {
		capabilities = s.deps.UCEL.Capabilities()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          healthStatus(reasons, books),
		"storage_backend": backend,
		"degraded":        reasons,
		"degraded_books":  books,
		"capabilities":    capabilities,
		"ingest_stats":    stats,
		"uptime":          time.Since(s.startedAt).String(),
	})
}

func healthStatus(reasons []string, books gin.H) string {
	if len(reasons) > 0 {
		return "unavailable"
	}
	if len(books) > 0 {
		return "degraded"
	}
	return "ok"
}

func (s *Server) handleRaw(c *gin.Context) {
	if s.deps.Gate == nil || s.deps.Store == nil {
		s.dependencyUnavailable(c, model.ReasonStorageNotConfigured)
		return
	}
	id := c.Param("id")
	ref, ok := s.deps.Gate.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"found": false})
		return
	}

	if c.Query("payload") == "" {
		c.JSON(http.StatusOK, gin.H{
			"found":        true,
			"raw_msg_id":   id,
			"object_key":   ref.ObjectKey,
			"payload_hash": ref.PayloadHash,
			"content_type": ref.ContentType,
			"size":         ref.Size,
		})
		return
	}

	data, err := s.deps.Store.Get(c.Request.Context(), ref.ObjectKey)
	if errors.Is(err, objectstore.ErrNotFound) {
		// The part holding this envelope has not been sealed yet.
		c.JSON(http.StatusNotFound, gin.H{"found": false})
		return
	}
	if err != nil {
		s.dependencyUnavailable(c, model.ReasonStoreUnavailable)
		return
	}
	if strings.HasSuffix(ref.ObjectKey, ".gz") {
		data, err = gunzip(data)
		if err != nil {
			s.dependencyUnavailable(c, model.ReasonStoreUnavailable)
			return
		}
	}
	if s.cfg.MaxReplayBytes > 0 && int64(len(data)) > s.cfg.MaxReplayBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":  "payload_too_large",
			"reason": model.ReasonPayloadTooLarge,
			"size":   len(data),
			"limit":  s.cfg.MaxReplayBytes,
		})
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, fmt.Sprintf("%q:%q", "raw_msg_id", id)) {
			c.Data(http.StatusOK, "application/json", []byte(line))
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"found": false})
}

func (s *Server) dependencyUnavailable(c *gin.Context, reason string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": "dependency_unavailable", "reason": reason,
	})
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// isStale flags rows older than one gold interval plus slack.
func (s *Server) isStale(asOf time.Time) bool {
	if asOf.IsZero() {
		return true
	}
	return time.Since(asOf) > 5*time.Minute
}

func (s *Server) bookDegraded(venue, market string) bool {
	if s.deps.Normalizer == nil {
		return false
	}
	engine, ok := s.deps.Normalizer.Books().Lookup(venue, market)
	if !ok {
		return false
	}
	degraded, _ := engine.Degraded()
	return degraded
}
