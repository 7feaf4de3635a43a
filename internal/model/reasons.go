package model

// Stable reason codes. Callers and dashboards branch on these strings;
// they are part of the compatibility contract and must never be renamed.
const (
	// Ingest rejections.
	ReasonInvalidRequest = "INVALID_REQUEST"
	ReasonIngestDisabled = "INGEST_DISABLED"

	// Dependency availability.
	ReasonStorageNotConfigured = "STORAGE_NOT_CONFIGURED"
	ReasonDBNotConfigured      = "DB_NOT_CONFIGURED"
	ReasonStoreUnavailable     = "STORE_UNAVAILABLE"

	// Data quality anomalies. Anomalies are data, not exceptions.
	ReasonDataAnomaly   = "DATA_ANOMALY"
	ReasonDataInvalid   = "DATA_INVALID"
	ReasonNegativePrice = "NEGATIVE_PRICE"
	ReasonNegativeQty   = "NEGATIVE_QTY"
	ReasonNegativeSize  = "NEGATIVE_SIZE"
	ReasonOHLCVRange    = "OHLCV_RANGE"
	ReasonCrossedBook   = "CROSSED_BOOK"

	// Ordering anomalies.
	ReasonOrderbookGap        = "ORDERBOOK_GAP"
	ReasonOrderbookSeqMissing = "ORDERBOOK_SEQ_MISSING"
	ReasonOrderbookStateStale = "ORDERBOOK_STATE_STALE"
	ReasonOutOfOrder          = "OUT_OF_ORDER"
	ReasonLateArrival         = "LATE_ARRIVAL"

	// Policy/capability rejections.
	ReasonNotSupported    = "NOT_SUPPORTED"
	ReasonNotAllowedOp    = "NOT_ALLOWED_OP"
	ReasonMissingAuth     = "MISSING_AUTH"
	ReasonFeatureDisabled = "FEATURE_DISABLED"
	ReasonDryRunOnly      = "DRY_RUN_ONLY"
	ReasonPoolExhausted   = "KEY_POOL_EXHAUSTED"

	// Replay guard.
	ReasonPayloadTooLarge = "PAYLOAD_TOO_LARGE"
)
