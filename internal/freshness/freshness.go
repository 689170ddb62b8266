package freshness

import "time"

// Level classifies how recently a catalog record was synchronized from the
// marketplace.
type Level string

const (
	Fresh   Level = "fresh"   // synced within the last 7 days
	Stale   Level = "stale"   // 7-30 days old; serve but refresh
	Expired Level = "expired" // older than 30 days; refresh urgently
)

const (
	FreshWindow = 7 * 24 * time.Hour
	StaleWindow = 30 * 24 * time.Hour
)

// Classify maps a last-updated timestamp to a Level relative to now.
// A zero lastUpdated (never synced) classifies as Expired.
func Classify(lastUpdated, now time.Time) Level {
	if lastUpdated.IsZero() {
		return Expired
	}
	age := now.Sub(lastUpdated)
	switch {
	case age < FreshWindow:
		return Fresh
	case age < StaleWindow:
		return Stale
	default:
		return Expired
	}
}

// ClassifyMillis is Classify over epoch-millisecond timestamps, the encoding
// catalog rows use.
func ClassifyMillis(lastUpdatedMs, nowMs int64) Level {
	if lastUpdatedMs == 0 {
		return Expired
	}
	return Classify(time.UnixMilli(lastUpdatedMs), time.UnixMilli(nowMs))
}

// NeedsRefresh reports whether a record at the given level should be queued
// for a background refresh.
func NeedsRefresh(l Level) bool {
	return l != Fresh
}
