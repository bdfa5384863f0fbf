// Package codec implements the canonical signed-message wire format shared
// by the coordinator and every host agent: "<unix_seconds>|<payload>|<hex_hmac>".
package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// FreshnessWindow is the maximum allowed clock skew between signer and
// verifier, inclusive on both ends. Agents and the coordinator must agree on
// this constant; it is not configurable.
const FreshnessWindow = 30 * time.Second

// Result is the outcome of Validate. Exactly one of these is produced for
// every input, matching the wire contract's "total function" invariant.
type Result int

const (
	// Valid indicates the message verified; Payload() holds the signed payload.
	Valid Result = iota
	// MalformedMessage indicates the raw string did not split into exactly
	// three '|'-delimited fields, or the timestamp field did not parse.
	MalformedMessage
	// InvalidTimestamp indicates the timestamp field was outside FreshnessWindow.
	InvalidTimestamp
	// InvalidHmac indicates the timestamp was fresh but the MAC did not match.
	InvalidHmac
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case MalformedMessage:
		return "malformed_message"
	case InvalidTimestamp:
		return "invalid_timestamp"
	case InvalidHmac:
		return "invalid_hmac"
	default:
		return "unknown"
	}
}

// Validation is the outcome of validating one raw message.
type Validation struct {
	Result  Result
	Payload string
}

// Sign produces the canonical signed-message string for payload under
// secret, timestamped at now. It is deterministic for a given now.
func Sign(payload, secret string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	mac := macHex(ts+"|"+payload, secret)
	return ts + "|" + payload + "|" + mac
}

// Validate checks raw against secret as observed at time now, in the order
// required by the wire contract: split, parse timestamp, freshness window,
// then constant-time MAC comparison.
func Validate(raw, secret string, now time.Time) Validation {
	parts := strings.Split(raw, "|")
	if len(parts) != 3 {
		return Validation{Result: MalformedMessage}
	}
	tsStr, payload, sig := parts[0], parts[1], parts[2]

	ts, err := strconv.ParseUint(tsStr, 10, 64)
	if err != nil {
		return Validation{Result: MalformedMessage}
	}

	skew := now.Unix() - int64(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(FreshnessWindow/time.Second) {
		return Validation{Result: InvalidTimestamp}
	}

	want := macHex(tsStr+"|"+payload, secret)
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(sig)), []byte(want)) != 1 {
		return Validation{Result: InvalidHmac}
	}

	return Validation{Result: Valid, Payload: payload}
}

func macHex(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
