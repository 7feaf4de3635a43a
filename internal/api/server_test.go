package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketlake/config"
	"marketlake/internal/bronze"
	"marketlake/internal/gold"
	"marketlake/internal/ingest"
	"marketlake/internal/model"
	"marketlake/internal/objectstore"
	"marketlake/internal/silver"
	"marketlake/logger"
)

type testHarness struct {
	server *Server
	router http.Handler
	gate   *ingest.Gate
	silver *silver.MemoryStore
	sink   *gold.MemorySink
	store  objectstore.Store
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	cfg := config.Default()
	log := logger.New()

	store, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	writer := bronze.NewWriter(store, cfg.Bronze, log)
	silverStore := silver.NewMemoryStore()
	normalizer := silver.NewNormalizer(silverStore, cfg.Silver.BookStaleAfter, log)
	gate := ingest.NewGate(cfg, writer, normalizer, nil, log)
	sink := gold.NewMemorySink()

	srv := NewServer(cfg.Server, Deps{
		Gate:        gate,
		Normalizer:  normalizer,
		SilverStore: silverStore,
		GoldSink:    sink,
		Store:       store,
	}, log)
	return &testHarness{
		server: srv,
		router: srv.buildRouter(),
		gate:   gate,
		silver: silverStore,
		sink:   sink,
		store:  store,
	}
}

func (h *testHarness) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	decoded := map[string]interface{}{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func ingestBody(sourceMsgKey string) map[string]interface{} {
	return map[string]interface{}{
		"source_type":    "ws",
		"venue_id":       "binance",
		"market_id":      "btcusdt",
		"instrument_id":  "BTC-USDT",
		"stream_name":    "trades",
		"source_msg_key": sourceMsgKey,
		"payload": map[string]interface{}{
			"price": "42000.5", "qty": "0.25", "trade_id": "t-100",
		},
	}
}

func TestIngestEndpointAcceptsAndEchoesIdentity(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/v1/ingest", ingestBody("k-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body["raw_msg_id"])
	assert.NotEmpty(t, body["object_key"])
	assert.Equal(t, true, body["stored"])
	assert.Equal(t, false, body["dup_suspect"])
	assert.Equal(t, string(model.TargetTrade), body["normalized_target"])
}

func TestIngestEndpointFlagsDuplicates(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodPost, "/v1/ingest", ingestBody("k-dup"))
	require.Equal(t, http.StatusOK, rec.Code)
	rec, body := h.do(t, http.MethodPost, "/v1/ingest", ingestBody("k-dup"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["dup_suspect"])
}

func TestIngestEndpointRejectsInvalid(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/v1/ingest", map[string]interface{}{
		"source_type": "ws",
		"payload":     map[string]interface{}{"price": "1"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ReasonInvalidRequest, body["reason"])
}

func TestIngestEndpointFailsClosedWithoutStorage(t *testing.T) {
	cfg := config.Default()
	log := logger.New()
	silverStore := silver.NewMemoryStore()
	normalizer := silver.NewNormalizer(silverStore, cfg.Silver.BookStaleAfter, log)
	gate := ingest.NewGate(cfg, nil, normalizer, nil, log)

	srv := NewServer(cfg.Server, Deps{Gate: gate, Normalizer: normalizer, SilverStore: silverStore}, log)
	router := srv.buildRouter()

	data, _ := json.Marshal(ingestBody("k-1"))
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ReasonIngestDisabled, body["reason"])
}

func TestTickerEndpointServesGoldRow(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sink.UpsertTicker(nil, &model.TickerLatest{
		VenueID: "binance", MarketID: "btcusdt", InstrumentID: "BTC-USDT",
		Price: "42000.5", Qty: "0.25", AsOf: time.Now(),
	}))

	rec, body := h.do(t, http.MethodGet, "/v1/ticker/binance/btcusdt/BTC-USDT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, false, body["stale"])
	ticker := body["ticker"].(map[string]interface{})
	assert.Equal(t, "42000.5", ticker["price"])
}

func TestTickerEndpointMissingRowIsNotAnError(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodGet, "/v1/ticker/binance/btcusdt/BTC-USDT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["found"])
}

func TestQuoteEndpointFallsBackToSilver(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	_, err := h.silver.UpsertBBA(nil, &model.BestBidAsk{
		DedupKey: "q-1", VenueID: "binance", MarketID: "btcusdt",
		BidPx: "42000", BidSz: "1", AskPx: "42001", AskSz: "2",
		EventTS: &now, ReceivedTS: now, RawMsgID: "m-1",
	})
	require.NoError(t, err)

	rec, body := h.do(t, http.MethodGet, "/v1/quote/binance/btcusdt/BTC-USDT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["found"])
	quote := body["quote"].(map[string]interface{})
	assert.Equal(t, "42000", quote["bid_px"])
}

func TestBookEndpointReportsDegradation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.silver.SaveBookState(nil, &model.OrderBookState{
		VenueID: "binance", MarketID: "btcusdt",
		BidPx: "42000", AskPx: "42001",
		Degraded: true, DegradedReason: model.ReasonOrderbookGap,
		AsOf: time.Now(),
	}))

	rec, body := h.do(t, http.MethodGet, "/v1/book/binance/btcusdt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, true, body["degraded"])
	assert.Equal(t, model.ReasonOrderbookGap, body["reason"])
}

func TestHealthReportsMissingBackends(t *testing.T) {
	cfg := config.Default()
	log := logger.New()
	srv := NewServer(cfg.Server, Deps{}, log)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body["status"])
	reasons := body["degraded"].([]interface{})
	assert.Contains(t, reasons, model.ReasonStorageNotConfigured)
	assert.Contains(t, reasons, model.ReasonDBNotConfigured)
}

func TestHealthHealthyWithFullStack(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "fs", body["storage_backend"])
}

func TestRawEndpointReturnsMetadata(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/v1/ingest", ingestBody("k-raw"))
	require.Equal(t, http.StatusOK, rec.Code)
	id := body["raw_msg_id"].(string)

	rec, body = h.do(t, http.MethodGet, "/v1/raw/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, id, body["raw_msg_id"])
	assert.NotEmpty(t, body["payload_hash"])
	assert.NotEmpty(t, body["object_key"])
}

func TestRawEndpointUnknownID(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodGet, "/v1/raw/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRawEndpointPayloadTooLarge(t *testing.T) {
	h := newHarness(t)
	h.server.cfg.MaxReplayBytes = 16

	body := ingestBody("k-big")
	body["payload"].(map[string]interface{})["note"] = "a payload comfortably past the replay limit"
	rec, resp := h.do(t, http.MethodPost, "/v1/ingest", body)
	require.Equal(t, http.StatusOK, rec.Code)
	id := resp["raw_msg_id"].(string)

	// Seal the open part so the object is readable from the store.
	require.NoError(t, h.gate.CloseWriter())

	rec, resp = h.do(t, http.MethodGet, fmt.Sprintf("/v1/raw/%s?payload=1", id), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, model.ReasonPayloadTooLarge, resp["reason"])
}
