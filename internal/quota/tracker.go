package quota

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	internalaws "github.com/partstream/catalog-sync/internal/aws"
)

const (
	// breaker opens after this many consecutive failures
	breakerThreshold = 5
	// and stays open this long
	breakerCooldown = 5 * time.Minute
	// bounded optimistic retries on window contention
	maxCASRetries = 4

	defaultAlertThreshold = 0.8
)

// Tracker enforces a sliding-window request quota for a family of identities.
// Window state lives in DynamoDB and every mutation is a conditional write,
// so any number of API/worker instances share one consistent budget.
type Tracker struct {
	client         internalaws.DynamoDBAPI
	tableName      string
	capacity       int
	windowDuration time.Duration
	alertThreshold float64
	metrics        *internalaws.Metrics
	nowFunc        func() time.Time
}

// NewTracker returns a Tracker. capacity/windowDuration describe the budget
// (e.g. 5000 per 24h for the provider, 100 per hour per caller).
func NewTracker(client internalaws.DynamoDBAPI, tableName string, capacity int, windowDuration time.Duration, metrics *internalaws.Metrics) *Tracker {
	return &Tracker{
		client:         client,
		tableName:      tableName,
		capacity:       capacity,
		windowDuration: windowDuration,
		alertThreshold: defaultAlertThreshold,
		metrics:        metrics,
		nowFunc:        time.Now,
	}
}

// Consume takes one request token for identity. It returns nil when granted,
// *QuotaExceededError when the window is exhausted (without incrementing),
// and *CircuitOpenError while the breaker is open.
func (t *Tracker) Consume(ctx context.Context, identity string) error {
	for i := 0; i < maxCASRetries; i++ {
		w, err := t.get(ctx, identity)
		if err != nil {
			if internalaws.IsThrottle(err) {
				continue // table throttled, use a CAS retry
			}
			return err
		}
		now := t.nowFunc()

		if w == nil {
			created, err := t.createWindow(ctx, identity, now)
			if err != nil {
				return err
			}
			if created {
				return nil
			}
			continue // lost the create race, re-read
		}

		// rollover first: a window reset clears the breaker too
		if w.Expired(now) {
			ok, err := t.resetWindow(ctx, identity, w, now)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			continue
		}

		if w.CircuitOpenUntil > now.UnixMilli() {
			return &CircuitOpenError{Identity: identity, Until: time.UnixMilli(w.CircuitOpenUntil)}
		}

		if w.RequestCount+1 > t.capacity {
			// reject without incrementing
			return &QuotaExceededError{Identity: identity, ResetAt: w.ResetAt()}
		}

		granted, crossedAlert, err := t.increment(ctx, identity, w)
		if err != nil {
			return err
		}
		if granted {
			if crossedAlert {
				log.Printf("[quota] identity=%s crossed %.0f%% of capacity %d", identity, t.alertThreshold*100, t.capacity)
				t.metrics.Count(ctx, "QuotaAlert", 1, map[string]string{"Identity": identity})
			}
			return nil
		}
		// conditional failed: a concurrent caller moved the counter; retry
	}
	return fmt.Errorf("quota: consume %s: contention retry limit reached", identity)
}

// PeekResetAt returns when the identity's current window resets, without
// consuming anything. Used to report the later of two reset times when a
// layered gate rejects.
func (t *Tracker) PeekResetAt(ctx context.Context, identity string) (time.Time, error) {
	w, err := t.get(ctx, identity)
	if err != nil {
		return time.Time{}, err
	}
	if w == nil {
		return t.nowFunc(), nil
	}
	return w.ResetAt(), nil
}

// RecordFailure increments the consecutive-failure counter and opens the
// breaker once it reaches the threshold.
func (t *Tracker) RecordFailure(ctx context.Context, identity string) error {
	now := t.nowFunc()
	out, err := t.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &t.tableName,
		Key:       windowKey(identity),
		UpdateExpression: awsString("SET consecutive_failures = if_not_exists(consecutive_failures, :zero) + :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":one":  &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	var w Window
	if err := attributevalue.UnmarshalMap(out.Attributes, &w); err != nil {
		return fmt.Errorf("unmarshal window: %w", err)
	}
	if w.ConsecutiveFailures < breakerThreshold {
		return nil
	}

	until := now.Add(breakerCooldown).UnixMilli()
	_, err = t.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &t.tableName,
		Key:              windowKey(identity),
		UpdateExpression: awsString("SET circuit_open_until = :until"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":until": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", until)},
		},
	})
	if err != nil {
		return fmt.Errorf("open circuit: %w", err)
	}
	log.Printf("[quota] circuit opened for identity=%s until=%s", identity, time.UnixMilli(until).UTC().Format(time.RFC3339))
	t.metrics.Count(ctx, "CircuitOpened", 1, map[string]string{"Identity": identity})
	return nil
}

// RecordSuccess resets the failure counter and closes the breaker.
func (t *Tracker) RecordSuccess(ctx context.Context, identity string) error {
	_, err := t.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &t.tableName,
		Key:              windowKey(identity),
		UpdateExpression: awsString("SET consecutive_failures = :zero REMOVE circuit_open_until"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
		},
	})
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

func (t *Tracker) get(ctx context.Context, identity string) (*Window, error) {
	out, err := t.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &t.tableName,
		Key:       windowKey(identity),
	})
	if err != nil {
		return nil, fmt.Errorf("get window: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var w Window
	if err := attributevalue.UnmarshalMap(out.Item, &w); err != nil {
		return nil, fmt.Errorf("unmarshal window: %w", err)
	}
	return &w, nil
}

// createWindow writes a brand new window with the first token consumed.
// Returns created=false when another caller created it concurrently.
func (t *Tracker) createWindow(ctx context.Context, identity string, now time.Time) (bool, error) {
	w := Window{
		Identity:         identity,
		WindowStart:      now.UnixMilli(),
		RequestCount:     1,
		Capacity:         t.capacity,
		WindowDurationMs: t.windowDuration.Milliseconds(),
		AlertThreshold:   t.alertThreshold,
	}
	item, err := attributevalue.MarshalMap(w)
	if err != nil {
		return false, fmt.Errorf("marshal window: %w", err)
	}
	// "identity" is a DynamoDB reserved word; alias it
	_, err = t.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &t.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{
			"#id": "identity",
		},
	})
	if err != nil {
		if internalaws.IsConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("create window: %w", err)
	}
	return true, nil
}

// resetWindow rolls an expired window over: count back to 1 (this call's
// token), alert re-armed, failures and breaker cleared. Conditional on the
// old window_start so only one caller performs the rollover.
func (t *Tracker) resetWindow(ctx context.Context, identity string, old *Window, now time.Time) (bool, error) {
	_, err := t.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &t.tableName,
		Key:       windowKey(identity),
		UpdateExpression: awsString(
			"SET window_start = :ws, request_count = :one, alert_emitted = :false, consecutive_failures = :zero REMOVE circuit_open_until"),
		ConditionExpression: awsString("window_start = :old_ws"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ws":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.UnixMilli())},
			":one":    &types.AttributeValueMemberN{Value: "1"},
			":false":  &types.AttributeValueMemberBOOL{Value: false},
			":zero":   &types.AttributeValueMemberN{Value: "0"},
			":old_ws": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", old.WindowStart)},
		},
	})
	if err != nil {
		if internalaws.IsConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("reset window: %w", err)
	}
	return true, nil
}

// increment takes a token via CAS on (request_count, window_start): if either
// moved underneath us the write is a no-op and Consume re-reads.
func (t *Tracker) increment(ctx context.Context, identity string, w *Window) (granted, crossedAlert bool, err error) {
	newCount := w.RequestCount + 1
	crossing := !w.AlertEmitted && float64(newCount) >= t.alertThreshold*float64(t.capacity)

	expr := "SET request_count = :new"
	values := map[string]types.AttributeValue{
		":new":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", newCount)},
		":read":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", w.RequestCount)},
		":read_ws": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", w.WindowStart)},
	}
	if crossing {
		expr += ", alert_emitted = :true"
		values[":true"] = &types.AttributeValueMemberBOOL{Value: true}
	}

	_, err = t.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &t.tableName,
		Key:                       windowKey(identity),
		UpdateExpression:          &expr,
		ConditionExpression:       awsString("request_count = :read AND window_start = :read_ws"),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if internalaws.IsConditionalCheckFailed(err) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("increment window: %w", err)
	}
	return true, crossing, nil
}

func windowKey(identity string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"identity": &types.AttributeValueMemberS{Value: identity},
	}
}

func awsString(s string) *string { return &s }
