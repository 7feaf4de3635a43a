package gold

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"marketlake/config"
	"marketlake/internal/objectstore"
	"marketlake/logger"
)

// tickerRecord is the parquet schema for ticker exports.
type tickerRecord struct {
	VenueID      string `parquet:"name=venue_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	MarketID     string `parquet:"name=market_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	InstrumentID string `parquet:"name=instrument_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Qty          string `parquet:"name=qty, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTS      int64  `parquet:"name=event_ts, type=INT64"`
	AsOf         int64  `parquet:"name=as_of, type=INT64"`
	RawRefs      string `parquet:"name=raw_refs, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// quoteRecord is the parquet schema for top-of-book exports.
type quoteRecord struct {
	VenueID      string `parquet:"name=venue_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	MarketID     string `parquet:"name=market_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	InstrumentID string `parquet:"name=instrument_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	BidPx        string `parquet:"name=bid_px, type=BYTE_ARRAY, convertedtype=UTF8"`
	BidSz        string `parquet:"name=bid_sz, type=BYTE_ARRAY, convertedtype=UTF8"`
	AskPx        string `parquet:"name=ask_px, type=BYTE_ARRAY, convertedtype=UTF8"`
	AskSz        string `parquet:"name=ask_sz, type=BYTE_ARRAY, convertedtype=UTF8"`
	AsOf         int64  `parquet:"name=as_of, type=INT64"`
	RawRefs      string `parquet:"name=raw_refs, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ohlcvRecord is the parquet schema for minute-bar exports.
type ohlcvRecord struct {
	VenueID      string `parquet:"name=venue_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	MarketID     string `parquet:"name=market_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	InstrumentID string `parquet:"name=instrument_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Bucket       int64  `parquet:"name=bucket, type=INT64"`
	Open         string `parquet:"name=open, type=BYTE_ARRAY, convertedtype=UTF8"`
	High         string `parquet:"name=high, type=BYTE_ARRAY, convertedtype=UTF8"`
	Low          string `parquet:"name=low, type=BYTE_ARRAY, convertedtype=UTF8"`
	Close        string `parquet:"name=close, type=BYTE_ARRAY, convertedtype=UTF8"`
	Volume       string `parquet:"name=volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	AsOf         int64  `parquet:"name=as_of, type=INT64"`
	RawRefs      string `parquet:"name=raw_refs, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFile adapts a bytes.Buffer to the ParquetFile interface so
// files are assembled in memory before one atomic store Put.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (f *memoryFile) Create(name string) (source.ParquetFile, error) { return f, nil }
func (f *memoryFile) Open(name string) (source.ParquetFile, error)   { return f, nil }
func (f *memoryFile) Seek(offset int64, whence int) (int64, error) {
	return int64(f.buffer.Len()), nil
}
func (f *memoryFile) Read(b []byte) (int, error)  { return f.buffer.Read(b) }
func (f *memoryFile) Write(b []byte) (int, error) { return f.buffer.Write(b) }
func (f *memoryFile) Close() error                { return nil }

// Exporter writes materialized gold rows as parquet objects for
// downstream analytical consumers.
type Exporter struct {
	store       objectstore.Store
	prefix      string
	compression parquet.CompressionCodec
	log         *logger.Log
	now         func() time.Time
}

func NewExporter(store objectstore.Store, cfg config.ParquetExportConfig, log *logger.Log) *Exporter {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "gold"
	}
	codec := parquet.CompressionCodec_UNCOMPRESSED
	switch cfg.Compression {
	case "snappy":
		codec = parquet.CompressionCodec_SNAPPY
	case "gzip":
		codec = parquet.CompressionCodec_GZIP
	}
	return &Exporter{store: store, prefix: prefix, compression: codec, log: log, now: time.Now}
}

// Export writes one parquet file per non-empty table.
func (e *Exporter) Export(ctx context.Context, res Result) ([]string, error) {
	stamp := e.now().UTC().Format("2006-01-02T15-04-05")
	var keys []string

	if len(res.TickerRows) > 0 {
		records := make([]interface{}, len(res.TickerRows))
		for i, row := range res.TickerRows {
			records[i] = tickerRecord{
				VenueID:      row.VenueID,
				MarketID:     row.MarketID,
				InstrumentID: row.InstrumentID,
				Price:        row.Price,
				Qty:          row.Qty,
				EventTS:      row.EventTS.UnixMilli(),
				AsOf:         row.AsOf.UnixMilli(),
				RawRefs:      row.RawRefs,
			}
		}
		key, err := e.writeFile(ctx, "ticker_latest", stamp, new(tickerRecord), records)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}

	if len(res.BBARows) > 0 {
		records := make([]interface{}, len(res.BBARows))
		for i, row := range res.BBARows {
			records[i] = quoteRecord{
				VenueID:      row.VenueID,
				MarketID:     row.MarketID,
				InstrumentID: row.InstrumentID,
				BidPx:        row.BidPx,
				BidSz:        row.BidSz,
				AskPx:        row.AskPx,
				AskSz:        row.AskSz,
				AsOf:         row.AsOf.UnixMilli(),
				RawRefs:      row.RawRefs,
			}
		}
		key, err := e.writeFile(ctx, "best_bid_ask_latest", stamp, new(quoteRecord), records)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}

	if len(res.OHLCVRows) > 0 {
		records := make([]interface{}, len(res.OHLCVRows))
		for i, row := range res.OHLCVRows {
			records[i] = ohlcvRecord{
				VenueID:      row.VenueID,
				MarketID:     row.MarketID,
				InstrumentID: row.InstrumentID,
				Bucket:       row.Bucket.UnixMilli(),
				Open:         row.Open,
				High:         row.High,
				Low:          row.Low,
				Close:        row.Close,
				Volume:       row.Volume,
				AsOf:         row.AsOf.UnixMilli(),
				RawRefs:      row.RawRefs,
			}
		}
		key, err := e.writeFile(ctx, "ohlcv_1m", stamp, new(ohlcvRecord), records)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (e *Exporter) writeFile(ctx context.Context, table, stamp string, schema interface{}, records []interface{}) (string, error) {
	fw := newMemoryFile()
	pw, err := writer.NewParquetWriter(fw, schema, 4)
	if err != nil {
		return "", fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = e.compression

	for _, record := range records {
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return "", fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return "", fmt.Errorf("finalize parquet file: %w", err)
	}

	key := path.Join(e.prefix, table, fmt.Sprintf("%s_%s.parquet", table, stamp))
	if err := e.store.Put(ctx, key, fw.buffer.Bytes()); err != nil {
		return "", fmt.Errorf("store parquet file: %w", err)
	}
	e.log.WithComponent("gold_exporter").WithFields(logger.Fields{
		"object_key": key,
		"rows":       len(records),
		"file_size":  fw.buffer.Len(),
	}).Info("exported parquet file")
	return key, nil
}
