package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Field names whose values must never reach a log line. Matching is
// case-insensitive and substring-based so payload-derived fields like
// "binance_api_key" are caught too.
var sensitiveFieldNames = []string{
	"api_key",
	"apikey",
	"secret",
	"passphrase",
	"password",
	"token",
	"private_key",
}

// scrubHook redacts credential-shaped fields before an entry is formatted.
type scrubHook struct{}

func (h *scrubHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *scrubHook) Fire(entry *logrus.Entry) error {
	for key := range entry.Data {
		if isSensitiveField(key) {
			entry.Data[key] = "[REDACTED]"
		}
	}
	return nil
}

func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveFieldNames {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// ScrubFields returns a copy of fields with credential-shaped values
// redacted. Used when logging payload fragments that may carry keys.
func ScrubFields(fields Fields) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		if isSensitiveField(k) {
			out[k] = "[REDACTED]"
		} else {
			out[k] = v
		}
	}
	return out
}
