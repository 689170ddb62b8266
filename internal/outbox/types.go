package outbox

import (
	"errors"
	"strings"
)

// ResourceKind names what a refresh job synchronizes.
type ResourceKind string

const (
	KindPart       ResourceKind = "part"
	KindPartColors ResourceKind = "part_colors"
	KindPartPrices ResourceKind = "part_prices"
	KindColor      ResourceKind = "color"
	KindCategory   ResourceKind = "category"
)

// ValidKind reports whether k is a known resource kind.
func ValidKind(k ResourceKind) bool {
	switch k {
	case KindPart, KindPartColors, KindPartPrices, KindColor, KindCategory:
		return true
	}
	return false
}

// Job statuses. Jobs are never deleted: succeeded is terminal and the row
// stays behind as an audit trail (expiring via TTL after 30 days).
const (
	StatusPending   = "pending"
	StatusInflight  = "inflight"
	StatusSucceeded = "succeeded"
)

// RefreshJob is one durable outbox entry. dedupe_key enforces the invariant
// that at most one job per (kind, primaryKey, secondaryKey) tuple is
// pending/inflight at a time; job_id is the immutable row identity.
type RefreshJob struct {
	ID                 string `dynamodbav:"job_id"` // PK
	DedupeKey          string `dynamodbav:"dedupe_key"` // GSI PK: kind#primary#secondary
	ResourceKind       string `dynamodbav:"resource_kind"`
	PrimaryKey         string `dynamodbav:"primary_key"`
	SecondaryKey       string `dynamodbav:"secondary_key,omitempty"`
	Status             string `dynamodbav:"status"` // GSI PK for the sweep
	Attempt            int    `dynamodbav:"attempt"`
	NextAttemptAt      int64  `dynamodbav:"next_attempt_at"` // epoch ms, GSI SK
	LastError          string `dynamodbav:"last_error,omitempty"`
	LastKnownUpdatedAt int64  `dynamodbav:"last_known_updated_at,omitempty"`
	Priority           int    `dynamodbav:"priority"` // higher runs first
	CreatedAt          int64  `dynamodbav:"created_at"`
	ClaimedAt          int64  `dynamodbav:"claimed_at,omitempty"`
	ProcessedAt        int64  `dynamodbav:"processed_at,omitempty"`
	ExpiresAt          int64  `dynamodbav:"expires_at,omitempty"` // TTL, set on success
}

// DedupeKey builds the uniqueness key for a (kind, primary, secondary) tuple.
func DedupeKey(kind ResourceKind, primaryKey, secondaryKey string) string {
	return strings.Join([]string{string(kind), primaryKey, secondaryKey}, "#")
}

// ErrClaimLost indicates the CAS claim found the job already claimed or
// concurrently modified; the caller skips the job, it does not block.
var ErrClaimLost = errors.New("job claim lost to a concurrent worker")
