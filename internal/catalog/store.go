package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	internalaws "github.com/partstream/catalog-sync/internal/aws"
)

// refresh-lock TTL stamped on rows while a bulk refresh is in progress
const refreshLockTTL = 60 * time.Second

// ErrRefreshLocked indicates an unexpired refresh lock already exists on the
// row; the caller should skip rather than double-refresh.
var ErrRefreshLocked = errors.New("row refresh lock held")

// Tables names the four catalog tables the store operates on.
type Tables struct {
	Parts      string
	Colors     string
	Categories string
	Prices     string
}

// Store owns all catalog rows. Every other component reads through it; only
// the merge step and the refresh-lock paths mutate rows.
type Store struct {
	client  internalaws.DynamoDBAPI
	tables  Tables
	nowFunc func() time.Time
}

// NewStore returns a catalog Store over the given tables.
func NewStore(client internalaws.DynamoDBAPI, tables Tables) *Store {
	return &Store{
		client:  client,
		tables:  tables,
		nowFunc: time.Now,
	}
}

// GetPart fetches a part row by part number. Returns (nil, nil) if not found.
func (s *Store) GetPart(ctx context.Context, partNo string) (*Part, error) {
	var p Part
	ok, err := s.getItem(ctx, s.tables.Parts, stringKey("part_no", partNo), &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

// GetColor fetches a color row by id. Returns (nil, nil) if not found.
func (s *Store) GetColor(ctx context.Context, colorID int) (*Color, error) {
	var c Color
	ok, err := s.getItem(ctx, s.tables.Colors, numberKey("color_id", colorID), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// GetCategory fetches a category row by id. Returns (nil, nil) if not found.
func (s *Store) GetCategory(ctx context.Context, categoryID int) (*Category, error) {
	var c Category
	ok, err := s.getItem(ctx, s.tables.Categories, numberKey("category_id", categoryID), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// GetPrice fetches a price-guide row by its composite key.
// Returns (nil, nil) if not found.
func (s *Store) GetPrice(ctx context.Context, partNo string, colorID int, condition, guideType string) (*PartPrice, error) {
	var p PartPrice
	key := stringKey("price_key", PriceKey(partNo, colorID, condition, guideType))
	ok, err := s.getItem(ctx, s.tables.Prices, key, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

// AcquireRefreshLock stamps refresh_until = now+60s on a part row to signal
// readers that a bulk refresh is in progress. The write is conditional: it
// fails with ErrRefreshLocked while an unexpired lock exists.
func (s *Store) AcquireRefreshLock(ctx context.Context, partNo string) error {
	now := s.nowFunc()
	until := now.Add(refreshLockTTL).UnixMilli()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tables.Parts,
		Key:                 stringKey("part_no", partNo),
		UpdateExpression:    awsString("SET refresh_until = :until"),
		ConditionExpression: awsString("attribute_not_exists(refresh_until) OR refresh_until < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":until": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", until)},
			":now":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.UnixMilli())},
		},
	})
	if err != nil {
		if internalaws.IsConditionalCheckFailed(err) {
			return ErrRefreshLocked
		}
		return fmt.Errorf("acquire refresh lock: %w", err)
	}
	return nil
}

// ReleaseRefreshLock clears the refresh_until stamp.
func (s *Store) ReleaseRefreshLock(ctx context.Context, partNo string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tables.Parts,
		Key:              stringKey("part_no", partNo),
		UpdateExpression: awsString("REMOVE refresh_until"),
	})
	if err != nil {
		return fmt.Errorf("release refresh lock: %w", err)
	}
	return nil
}

// ScanExpiredParts returns up to limit part numbers whose last_updated is
// older than cutoffMs. Used by the worker's periodic stale scan; a bounded
// Scan per tick is acceptable at catalog sizes.
func (s *Store) ScanExpiredParts(ctx context.Context, cutoffMs int64, limit int32) ([]string, error) {
	out, err := s.client.Scan(ctx, &dyn.ScanInput{
		TableName:            &s.tables.Parts,
		FilterExpression:     awsString("last_updated < :cutoff"),
		ProjectionExpression: awsString("part_no"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cutoff": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", cutoffMs)},
		},
		Limit: &limit,
	})
	if err != nil {
		return nil, fmt.Errorf("scan expired parts: %w", err)
	}
	var nos []string
	for _, item := range out.Items {
		if v, ok := item["part_no"].(*types.AttributeValueMemberS); ok {
			nos = append(nos, v.Value)
		}
	}
	return nos, nil
}

// getItem is the shared point-lookup. Returns found=false when absent.
func (s *Store) getItem(ctx context.Context, table string, key map[string]types.AttributeValue, out any) (bool, error) {
	resp, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &table,
		Key:       key,
	})
	if err != nil {
		return false, fmt.Errorf("get item: %w", err)
	}
	if len(resp.Item) == 0 {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(resp.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal item: %w", err)
	}
	return true, nil
}

// putAndReadBack writes a record and verifies the row is visible afterwards.
// The read-back is the defensive consistency check behind PersistenceError.
func (s *Store) putAndReadBack(ctx context.Context, table string, record any, key map[string]types.AttributeValue, keyDesc string) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName: &table,
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	resp, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &table,
		Key:       key,
	})
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if len(resp.Item) == 0 {
		return &PersistenceError{Table: table, Key: keyDesc}
	}
	return nil
}

func stringKey(name, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		name: &types.AttributeValueMemberS{Value: value},
	}
}

func numberKey(name string, value int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		name: &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", value)},
	}
}

func awsString(s string) *string { return &s }
