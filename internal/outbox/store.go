package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	internalaws "github.com/partstream/catalog-sync/internal/aws"
)

const (
	// exponential backoff bounds
	baseDelay = time.Second
	maxDelay  = 5 * time.Minute
	maxJitter = 5 * time.Second

	// succeeded jobs expire from the table after this long
	succeededTTL = 30 * 24 * time.Hour

	// inflight jobs older than this are considered abandoned by a crashed
	// worker and get reclaimed by the sweep
	claimLease = 10 * time.Minute

	// attempts at or past this log loudly; retries continue regardless
	attemptAlertThreshold = 5

	dedupeIndex = "dedupe_key-index"
	statusIndex = "status-next_attempt_at-index"
)

// Store is the durable refresh-job queue over a DynamoDB table with two
// GSIs: dedupe_key (enqueue uniqueness) and status/next_attempt_at (sweep).
type Store struct {
	client     internalaws.DynamoDBAPI
	tableName  string
	nowFunc    func() time.Time
	jitterFunc func() time.Duration
	idFunc     func() string
}

// NewStore returns an outbox Store.
func NewStore(client internalaws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
		jitterFunc: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxJitter)))
		},
		idFunc: uuid.NewString,
	}
}

// Enqueue records a refresh job for (kind, primaryKey, secondaryKey).
// Idempotent: when a pending or inflight job for the tuple already exists it
// is returned with created=false and nothing is written.
func (s *Store) Enqueue(ctx context.Context, kind ResourceKind, primaryKey, secondaryKey string, priority int, lastKnownUpdatedAt int64) (*RefreshJob, bool, error) {
	if !ValidKind(kind) {
		return nil, false, fmt.Errorf("unknown resource kind %q", kind)
	}

	dedupe := DedupeKey(kind, primaryKey, secondaryKey)
	existing, err := s.findActive(ctx, dedupe)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := s.nowFunc()
	job := RefreshJob{
		ID:                 s.idFunc(),
		DedupeKey:          dedupe,
		ResourceKind:       string(kind),
		PrimaryKey:         primaryKey,
		SecondaryKey:       secondaryKey,
		Status:             StatusPending,
		Attempt:            0,
		NextAttemptAt:      now.UnixMilli(),
		LastKnownUpdatedAt: lastKnownUpdatedAt,
		Priority:           priority,
		CreatedAt:          now.UnixMilli(),
	}
	item, err := attributevalue.MarshalMap(job)
	if err != nil {
		return nil, false, fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(job_id)"),
	})
	if err != nil {
		return nil, false, fmt.Errorf("put job: %w", err)
	}
	return &job, true, nil
}

// findActive looks up a pending/inflight job by dedupe key.
func (s *Store) findActive(ctx context.Context, dedupeKey string) (*RefreshJob, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(dedupeIndex),
		KeyConditionExpression: awsString("dedupe_key = :dk"),
		FilterExpression:       awsString("#s IN (:pending, :inflight)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":dk":       &types.AttributeValueMemberS{Value: dedupeKey},
			":pending":  &types.AttributeValueMemberS{Value: StatusPending},
			":inflight": &types.AttributeValueMemberS{Value: StatusInflight},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query dedupe index: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var job RefreshJob
	if err := attributevalue.UnmarshalMap(out.Items[0], &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// Get fetches a job by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, jobID string) (*RefreshJob, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       jobKey(jobID),
	})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var job RefreshJob
	if err := attributevalue.UnmarshalMap(out.Item, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// DuePending returns up to limit pending jobs whose next_attempt_at has
// passed, ordered by priority (higher first) then age. The ordering is
// best-effort within one invocation; overlapping sweeps coordinate through
// the CAS claim, not through ordering.
func (s *Store) DuePending(ctx context.Context, now time.Time, limit int) ([]RefreshJob, error) {
	lim := int32(limit)
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(statusIndex),
		KeyConditionExpression: awsString("#s = :pending AND next_attempt_at <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: StatusPending},
			":now":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.UnixMilli())},
		},
		Limit: &lim,
	})
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}

	jobs := make([]RefreshJob, 0, len(out.Items))
	for _, item := range out.Items {
		var job RefreshJob
		if err := attributevalue.UnmarshalMap(item, &job); err != nil {
			return nil, fmt.Errorf("unmarshal job: %w", err)
		}
		jobs = append(jobs, job)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		if jobs[i].NextAttemptAt != jobs[j].NextAttemptAt {
			return jobs[i].NextAttemptAt < jobs[j].NextAttemptAt
		}
		return jobs[i].CreatedAt < jobs[j].CreatedAt
	})
	return jobs, nil
}

// Claim transitions a job pending -> inflight through CAS on
// (status, attempt). Exactly one of any number of concurrent claims with the
// same expected attempt wins; the rest get ErrClaimLost.
func (s *Store) Claim(ctx context.Context, job *RefreshJob) error {
	now := s.nowFunc()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 jobKey(job.ID),
		UpdateExpression:    awsString("SET #s = :inflight, claimed_at = :now"),
		ConditionExpression: awsString("#s = :pending AND attempt = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inflight": &types.AttributeValueMemberS{Value: StatusInflight},
			":pending":  &types.AttributeValueMemberS{Value: StatusPending},
			":expected": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", job.Attempt)},
			":now":      &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.UnixMilli())},
		},
	})
	if err != nil {
		if internalaws.IsConditionalCheckFailed(err) {
			return ErrClaimLost
		}
		return fmt.Errorf("claim job: %w", err)
	}
	job.Status = StatusInflight
	job.ClaimedAt = now.UnixMilli()
	return nil
}

// MarkSucceeded finishes a claimed job. Terminal; the row expires via TTL.
func (s *Store) MarkSucceeded(ctx context.Context, job *RefreshJob) error {
	now := s.nowFunc()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key:       jobKey(job.ID),
		UpdateExpression: awsString(
			"SET #s = :succeeded, processed_at = :now, expires_at = :ttl REMOVE last_error"),
		ConditionExpression: awsString("#s = :inflight AND attempt = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":succeeded": &types.AttributeValueMemberS{Value: StatusSucceeded},
			":inflight":  &types.AttributeValueMemberS{Value: StatusInflight},
			":expected":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", job.Attempt)},
			":now":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.UnixMilli())},
			":ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Add(succeededTTL).Unix())},
		},
	})
	if err != nil {
		if internalaws.IsConditionalCheckFailed(err) {
			return ErrClaimLost
		}
		return fmt.Errorf("mark succeeded: %w", err)
	}
	job.Status = StatusSucceeded
	job.ProcessedAt = now.UnixMilli()
	return nil
}

// MarkFailed returns a claimed job to pending with capped exponential
// backoff plus jitter. Retries are unbounded; the attempt counter only
// drives backoff and alerting.
func (s *Store) MarkFailed(ctx context.Context, job *RefreshJob, cause error) error {
	now := s.nowFunc()
	delay := Backoff(job.Attempt) + s.jitterFunc()
	nextAttemptAt := now.Add(delay).UnixMilli()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > 1024 {
		msg = msg[:1024]
	}

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key:       jobKey(job.ID),
		UpdateExpression: awsString(
			"SET #s = :pending, attempt = :next_attempt, next_attempt_at = :naa, last_error = :err REMOVE claimed_at"),
		ConditionExpression: awsString("#s = :inflight AND attempt = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending":      &types.AttributeValueMemberS{Value: StatusPending},
			":inflight":     &types.AttributeValueMemberS{Value: StatusInflight},
			":expected":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", job.Attempt)},
			":next_attempt": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", job.Attempt+1)},
			":naa":          &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", nextAttemptAt)},
			":err":          &types.AttributeValueMemberS{Value: msg},
		},
	})
	if err != nil {
		if internalaws.IsConditionalCheckFailed(err) {
			return ErrClaimLost
		}
		return fmt.Errorf("mark failed: %w", err)
	}
	job.Status = StatusPending
	job.Attempt++
	job.NextAttemptAt = nextAttemptAt
	job.LastError = msg
	job.ClaimedAt = 0
	return nil
}

// ReclaimStale returns inflight jobs whose claim lease has lapsed back to
// pending. A crashed worker leaves its job inflight forever otherwise.
func (s *Store) ReclaimStale(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-claimLease).UnixMilli()
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(statusIndex),
		KeyConditionExpression: awsString("#s = :inflight"),
		FilterExpression:       awsString("claimed_at < :cutoff"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inflight": &types.AttributeValueMemberS{Value: StatusInflight},
			":cutoff":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", cutoff)},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("query stale inflight: %w", err)
	}

	reclaimed := 0
	for _, item := range out.Items {
		var job RefreshJob
		if err := attributevalue.UnmarshalMap(item, &job); err != nil {
			return reclaimed, fmt.Errorf("unmarshal job: %w", err)
		}
		if err := s.MarkFailed(ctx, &job, errors.New("claim lease expired")); err != nil {
			if errors.Is(err, ErrClaimLost) {
				continue // the original worker finished after all
			}
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Backoff is the capped exponential delay before retry attempt+1, excluding
// jitter: min(1s * 2^attempt, 5m).
func Backoff(attempt int) time.Duration {
	if attempt > 30 {
		return maxDelay
	}
	d := baseDelay << uint(attempt)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// AttemptAlertThreshold is where retry counts start logging loudly.
func AttemptAlertThreshold() int { return attemptAlertThreshold }

func jobKey(jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"job_id": &types.AttributeValueMemberS{Value: jobID},
	}
}

func awsString(s string) *string { return &s }
