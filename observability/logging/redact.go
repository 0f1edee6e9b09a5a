package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secret material in log output.
const RedactedValue = "[REDACTED]"

// secretMarkers are substrings of attribute keys whose values are never
// written. Session keys and the primary key live under these names.
var secretMarkers = []string{"private_key", "primary_key", "session_key", "passphrase", "secret", "bearer"}

// IsSecretKey reports whether values logged under key must be redacted.
func IsSecretKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false
	}
	for _, marker := range secretMarkers {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}

// MaskField builds an attribute for key that hides value when key names
// secret material. Empty values are kept so a missing secret stays visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSecretKey(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// redactSecrets is installed in the handler so a secret logged with a plain
// slog.String still never reaches the sink.
func redactSecrets(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup || !IsSecretKey(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
