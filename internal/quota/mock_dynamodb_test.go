package quota

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

// windowMock is an in-memory stand-in for the quota table. It stores Window
// structs natively and interprets only the expressions the Tracker issues.
type windowMock struct {
	mu      sync.Mutex
	windows map[string]*Window

	putCalls    int
	updateCalls int
	// when > 0, the next N conditional updates fail (contention simulation)
	forceConditionalFails int
}

func newWindowMock() *windowMock {
	return &windowMock{windows: map[string]*Window{}}
}

func (m *windowMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := params.Key["identity"].(*types.AttributeValueMemberS).Value
	w, ok := m.windows[id]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	item, err := attributevalue.MarshalMap(*w)
	if err != nil {
		return nil, err
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *windowMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	var w Window
	if err := attributevalue.UnmarshalMap(params.Item, &w); err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil {
		// like the real service: the reserved word must arrive aliased
		if strings.Contains(*params.ConditionExpression, "identity") {
			return nil, errors.New("ValidationException: reserved keyword: identity")
		}
		cond := *params.ConditionExpression
		for alias, attr := range params.ExpressionAttributeNames {
			cond = strings.ReplaceAll(cond, alias, attr)
		}
		if cond != "attribute_not_exists(identity)" {
			return nil, errors.New("unsupported condition: " + cond)
		}
		if _, exists := m.windows[w.Identity]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.windows[w.Identity] = &w
	return &dyn.PutItemOutput{}, nil
}

func (m *windowMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	id := params.Key["identity"].(*types.AttributeValueMemberS).Value
	w, ok := m.windows[id]
	if !ok {
		w = &Window{Identity: id}
		m.windows[id] = w
	}

	vals := params.ExpressionAttributeValues
	if params.ConditionExpression != nil {
		if m.forceConditionalFails > 0 {
			m.forceConditionalFails--
			return nil, &types.ConditionalCheckFailedException{}
		}
		cond := *params.ConditionExpression
		switch {
		case cond == "window_start = :old_ws":
			if w.WindowStart != numVal(vals[":old_ws"]) {
				return nil, &types.ConditionalCheckFailedException{}
			}
		case cond == "request_count = :read AND window_start = :read_ws":
			if int64(w.RequestCount) != numVal(vals[":read"]) || w.WindowStart != numVal(vals[":read_ws"]) {
				return nil, &types.ConditionalCheckFailedException{}
			}
		default:
			return nil, errors.New("unsupported condition: " + cond)
		}
	}

	expr := *params.UpdateExpression
	switch {
	case strings.Contains(expr, "if_not_exists(consecutive_failures"):
		w.ConsecutiveFailures++
	case expr == "SET circuit_open_until = :until":
		w.CircuitOpenUntil = numVal(vals[":until"])
	case expr == "SET consecutive_failures = :zero REMOVE circuit_open_until":
		w.ConsecutiveFailures = 0
		w.CircuitOpenUntil = 0
	case strings.HasPrefix(expr, "SET window_start = :ws"):
		w.WindowStart = numVal(vals[":ws"])
		w.RequestCount = 1
		w.AlertEmitted = false
		w.ConsecutiveFailures = 0
		w.CircuitOpenUntil = 0
	case strings.HasPrefix(expr, "SET request_count = :new"):
		w.RequestCount = int(numVal(vals[":new"]))
		if strings.Contains(expr, "alert_emitted") {
			w.AlertEmitted = true
		}
	default:
		return nil, errors.New("unsupported update: " + expr)
	}

	attrs, err := attributevalue.MarshalMap(*w)
	if err != nil {
		return nil, err
	}
	return &dyn.UpdateItemOutput{Attributes: attrs}, nil
}

func (m *windowMock) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	return nil, errors.New("query not supported by windowMock")
}

func (m *windowMock) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	return nil, errors.New("scan not supported by windowMock")
}

func numVal(av types.AttributeValue) int64 {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return -1
	}
	v, _ := strconv.ParseInt(n.Value, 10, 64)
	return v
}
