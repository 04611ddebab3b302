package models

import (
	"strings"
	"time"
)

// RateLimitResult represents the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// WithRetryAfter fills RetryAfter from ResetAt for denied results.
func (r *RateLimitResult) WithRetryAfter(now time.Time) *RateLimitResult {
	if r == nil || r.Allowed {
		return r
	}
	secs := int(r.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	r.RetryAfter = secs
	return r
}

// SanitizeKeySegment escapes delimiter characters in rate limit key segments
// so an identifier containing ':' cannot address a neighbouring bucket.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// NewConnectKey returns the bucket key for connection attempts from ip.
func NewConnectKey(ip string) string {
	return "ws:connect:" + SanitizeKeySegment(ip)
}
