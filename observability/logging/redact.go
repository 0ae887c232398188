package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive field values in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys covers fields that carry secrets or counterparty identity.
// Wallet addresses are public on chain, but pairing them with entity ids in
// logs leaks the desk's book, so beneficiary and payer are masked too.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"bearer":        {},
	"secret":        {},
	"signature":     {},
	"keypair":       {},
	"beneficiary":   {},
	"payer":         {},
	"consigner":     {},
}

// IsSensitive reports whether values under key must be masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attr with the value redacted when the key is
// sensitive. Empty values pass through unchanged.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
