package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigureRejectsBadLevel(t *testing.T) {
	log := New()
	if err := log.Configure("nope", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureRejectsBadFormat(t *testing.T) {
	log := New()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestScrubHookRedactsCredentials(t *testing.T) {
	log := New()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithFields(Fields{
		"api_key":  "AKIA-SUPER-SECRET",
		"venue_id": "binance",
	}).Info("subscribing")

	out := buf.String()
	require.NotContains(t, out, "AKIA-SUPER-SECRET")
	require.Contains(t, out, "[REDACTED]")
	require.Contains(t, out, "binance")
}

func TestScrubFields(t *testing.T) {
	scrubbed := ScrubFields(Fields{
		"binance_api_key": "abc",
		"apiSecret":       "def",
		"symbol":          "BTCUSDT",
	})
	require.Equal(t, "[REDACTED]", scrubbed["binance_api_key"])
	require.Equal(t, "[REDACTED]", scrubbed["apiSecret"])
	require.Equal(t, "BTCUSDT", scrubbed["symbol"])
}

func TestMetricSinkReceivesLogMetric(t *testing.T) {
	log := New()
	var got []string
	RegisterMetricSink(func(component, metric string, value interface{}, metricType string, fields Fields) {
		got = append(got, component+"/"+metric+"/"+metricType)
	})
	log.LogMetric("ingest", "envelopes_total", int64(1), "counter", nil)

	found := false
	for _, g := range got {
		if strings.HasPrefix(g, "ingest/envelopes_total") {
			found = true
		}
	}
	require.True(t, found)
}
