package outbox

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// jobMock is an in-memory stand-in for the outbox table plus its two GSIs.
// It stores RefreshJob structs natively and interprets only the expressions
// the Store issues.
type jobMock struct {
	mu   sync.Mutex
	jobs map[string]*RefreshJob

	queryCalls int
}

func newJobMock() *jobMock {
	return &jobMock{jobs: map[string]*RefreshJob{}}
}

func (m *jobMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := params.Key["job_id"].(*types.AttributeValueMemberS).Value
	job, ok := m.jobs[id]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	item, err := attributevalue.MarshalMap(*job)
	if err != nil {
		return nil, err
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *jobMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var job RefreshJob
	if err := attributevalue.UnmarshalMap(params.Item, &job); err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(job_id)" {
		if _, exists := m.jobs[job.ID]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.jobs[job.ID] = &job
	return &dyn.PutItemOutput{}, nil
}

func (m *jobMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := params.Key["job_id"].(*types.AttributeValueMemberS).Value
	job, ok := m.jobs[id]
	if !ok {
		return nil, errors.New("job not found: " + id)
	}

	vals := params.ExpressionAttributeValues
	if params.ConditionExpression != nil {
		cond := *params.ConditionExpression
		var wantStatus string
		switch {
		case strings.Contains(cond, ":pending"):
			wantStatus = StatusPending
		case strings.Contains(cond, ":inflight"):
			wantStatus = StatusInflight
		default:
			return nil, errors.New("unsupported condition: " + cond)
		}
		expected, _ := strconv.Atoi(vals[":expected"].(*types.AttributeValueMemberN).Value)
		if job.Status != wantStatus || job.Attempt != expected {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}

	expr := *params.UpdateExpression
	switch {
	case strings.Contains(expr, ":inflight") && strings.Contains(expr, "claimed_at = :now"):
		job.Status = StatusInflight
		job.ClaimedAt = numOf(vals[":now"])
	case strings.Contains(expr, ":succeeded"):
		job.Status = StatusSucceeded
		job.ProcessedAt = numOf(vals[":now"])
		job.ExpiresAt = numOf(vals[":ttl"])
		job.LastError = ""
	case strings.Contains(expr, "attempt = :next_attempt"):
		job.Status = StatusPending
		job.Attempt = int(numOf(vals[":next_attempt"]))
		job.NextAttemptAt = numOf(vals[":naa"])
		job.LastError = vals[":err"].(*types.AttributeValueMemberS).Value
		job.ClaimedAt = 0
	default:
		return nil, errors.New("unsupported update: " + expr)
	}
	return &dyn.UpdateItemOutput{}, nil
}

func (m *jobMock) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryCalls++
	vals := params.ExpressionAttributeValues

	var matches []*RefreshJob
	switch *params.IndexName {
	case dedupeIndex:
		dk := vals[":dk"].(*types.AttributeValueMemberS).Value
		for _, j := range m.jobs {
			if j.DedupeKey == dk && (j.Status == StatusPending || j.Status == StatusInflight) {
				matches = append(matches, j)
			}
		}
	case statusIndex:
		key := *params.KeyConditionExpression
		switch {
		case strings.Contains(key, "next_attempt_at <= :now"):
			now := numOf(vals[":now"])
			for _, j := range m.jobs {
				if j.Status == StatusPending && j.NextAttemptAt <= now {
					matches = append(matches, j)
				}
			}
		case key == "#s = :inflight":
			cutoff := numOf(vals[":cutoff"])
			for _, j := range m.jobs {
				if j.Status == StatusInflight && j.ClaimedAt < cutoff {
					matches = append(matches, j)
				}
			}
		default:
			return nil, errors.New("unsupported key condition: " + key)
		}
	default:
		return nil, errors.New("unknown index: " + *params.IndexName)
	}

	out := &dyn.QueryOutput{}
	for _, j := range matches {
		if params.Limit != nil && int32(len(out.Items)) >= *params.Limit {
			break
		}
		item, err := attributevalue.MarshalMap(*j)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (m *jobMock) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	return nil, errors.New("scan not supported by jobMock")
}

func numOf(av types.AttributeValue) int64 {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return -1
	}
	v, _ := strconv.ParseInt(n.Value, 10, 64)
	return v
}
