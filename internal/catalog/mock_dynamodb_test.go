package catalog

import (
	"context"
	"errors"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo stores items per table in a nested map: table -> pk -> item.
// It interprets only the expressions the catalog Store issues.
type mockDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue

	// when set, the next GetItem on this table that would return an item
	// returns empty instead (simulates a read-back failure)
	dropNextGet string
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{tables: map[string]map[string]map[string]types.AttributeValue{}}
}

func (m *mockDynamo) ensureTable(tbl string) map[string]map[string]types.AttributeValue {
	if _, ok := m.tables[tbl]; !ok {
		m.tables[tbl] = map[string]map[string]types.AttributeValue{}
	}
	return m.tables[tbl]
}

func pkOf(attrs map[string]types.AttributeValue) (string, error) {
	for _, name := range []string{"price_key", "part_no", "color_id", "category_id"} {
		if v, ok := attrs[name]; ok {
			switch t := v.(type) {
			case *types.AttributeValueMemberS:
				return t.Value, nil
			case *types.AttributeValueMemberN:
				return t.Value, nil
			}
		}
	}
	return "", errors.New("no known primary key attribute")
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	pk, err := pkOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.ensureTable(table)[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	if m.dropNextGet == table {
		m.dropNextGet = ""
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := pkOf(params.Item)
	if err != nil {
		return nil, err
	}
	m.ensureTable(*params.TableName)[pk] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	pk, err := pkOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.ensureTable(table)[pk]
	if !ok {
		item = map[string]types.AttributeValue{}
		for k, v := range params.Key {
			item[k] = v
		}
		m.tables[table][pk] = item
	}

	if params.ConditionExpression != nil {
		cond := *params.ConditionExpression
		switch cond {
		case "attribute_not_exists(refresh_until) OR refresh_until < :now":
			if cur, ok := item["refresh_until"]; ok {
				curMs, _ := strconv.ParseInt(cur.(*types.AttributeValueMemberN).Value, 10, 64)
				nowMs, _ := strconv.ParseInt(params.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value, 10, 64)
				if curMs >= nowMs {
					return nil, &types.ConditionalCheckFailedException{}
				}
			}
		default:
			return nil, errors.New("unsupported condition: " + cond)
		}
	}

	switch *params.UpdateExpression {
	case "SET refresh_until = :until":
		item["refresh_until"] = params.ExpressionAttributeValues[":until"]
	case "REMOVE refresh_until":
		delete(item, "refresh_until")
	default:
		return nil, errors.New("unsupported update: " + *params.UpdateExpression)
	}
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func (m *mockDynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	return nil, errors.New("query not supported by mockDynamo")
}

func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	cutoff, _ := strconv.ParseInt(params.ExpressionAttributeValues[":cutoff"].(*types.AttributeValueMemberN).Value, 10, 64)
	var items []map[string]types.AttributeValue
	for _, item := range m.ensureTable(table) {
		lu, ok := item["last_updated"].(*types.AttributeValueMemberN)
		if !ok {
			continue
		}
		ms, _ := strconv.ParseInt(lu.Value, 10, 64)
		if ms < cutoff {
			items = append(items, item)
		}
		if params.Limit != nil && int32(len(items)) >= *params.Limit {
			break
		}
	}
	return &dyn.ScanOutput{Items: items}, nil
}
