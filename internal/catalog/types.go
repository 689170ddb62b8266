package catalog

import (
	"fmt"
	"strings"
)

// Part is a catalog row for one part, keyed by its marketplace part number.
// last_updated drives the freshness classification; it is never stored as a
// separate freshness column.
type Part struct {
	PartNo            string  `dynamodbav:"part_no" json:"part_no"` // PK
	Name              string  `dynamodbav:"name,omitempty" json:"name,omitempty"`
	CategoryID        int     `dynamodbav:"category_id,omitempty" json:"category_id,omitempty"`
	Description       string  `dynamodbav:"description,omitempty" json:"description,omitempty"`
	ImageURL          string  `dynamodbav:"image_url,omitempty" json:"image_url,omitempty"`
	WeightGrams       float64 `dynamodbav:"weight_grams,omitempty" json:"weight_grams,omitempty"`
	DimXMm            float64 `dynamodbav:"dim_x_mm,omitempty" json:"dim_x_mm,omitempty"`
	DimYMm            float64 `dynamodbav:"dim_y_mm,omitempty" json:"dim_y_mm,omitempty"`
	DimZMm            float64 `dynamodbav:"dim_z_mm,omitempty" json:"dim_z_mm,omitempty"`
	AlternateNo       string  `dynamodbav:"alternate_no,omitempty" json:"alternate_no,omitempty"`
	Obsolete          bool    `dynamodbav:"obsolete,omitempty" json:"obsolete,omitempty"`
	AvailableColorIDs []int   `dynamodbav:"available_color_ids,omitempty" json:"available_color_ids,omitempty"`
	SearchTokens      string  `dynamodbav:"search_tokens,omitempty" json:"search_tokens,omitempty"`
	LastUpdated       int64   `dynamodbav:"last_updated" json:"last_updated"` // epoch ms
	CreatedAt         int64   `dynamodbav:"created_at" json:"created_at"`
	RefreshUntil      int64   `dynamodbav:"refresh_until,omitempty" json:"refresh_until,omitempty"` // row-level refresh lock, epoch ms
}

// Color is a catalog row for one marketplace color.
type Color struct {
	ColorID      int    `dynamodbav:"color_id" json:"color_id"` // PK
	Name         string `dynamodbav:"name,omitempty" json:"name,omitempty"`
	HexCode      string `dynamodbav:"hex_code,omitempty" json:"hex_code,omitempty"`
	ColorType    string `dynamodbav:"color_type,omitempty" json:"color_type,omitempty"`
	SearchTokens string `dynamodbav:"search_tokens,omitempty" json:"search_tokens,omitempty"`
	LastUpdated  int64  `dynamodbav:"last_updated" json:"last_updated"`
	CreatedAt    int64  `dynamodbav:"created_at" json:"created_at"`
	RefreshUntil int64  `dynamodbav:"refresh_until,omitempty" json:"refresh_until,omitempty"`
}

// Category is a catalog row for one marketplace category.
type Category struct {
	CategoryID   int    `dynamodbav:"category_id" json:"category_id"` // PK
	Name         string `dynamodbav:"name,omitempty" json:"name,omitempty"`
	ParentID     int    `dynamodbav:"parent_id,omitempty" json:"parent_id,omitempty"`
	SearchTokens string `dynamodbav:"search_tokens,omitempty" json:"search_tokens,omitempty"`
	LastUpdated  int64  `dynamodbav:"last_updated" json:"last_updated"`
	CreatedAt    int64  `dynamodbav:"created_at" json:"created_at"`
	RefreshUntil int64  `dynamodbav:"refresh_until,omitempty" json:"refresh_until,omitempty"`
}

// PartPrice is a price-guide row, keyed by the composite
// part/color/condition/guide-type tuple.
type PartPrice struct {
	PriceKey     string  `dynamodbav:"price_key" json:"price_key"` // PK: part#color#condition#guide
	PartNo       string  `dynamodbav:"part_no" json:"part_no"`
	ColorID      int     `dynamodbav:"color_id" json:"color_id"`
	Condition    string  `dynamodbav:"condition" json:"condition"`  // N | U
	GuideType    string  `dynamodbav:"guide_type" json:"guide_type"` // sold | stock
	CurrencyCode string  `dynamodbav:"currency_code,omitempty" json:"currency_code,omitempty"`
	MinPrice     float64 `dynamodbav:"min_price,omitempty" json:"min_price,omitempty"`
	MaxPrice     float64 `dynamodbav:"max_price,omitempty" json:"max_price,omitempty"`
	AvgPrice     float64 `dynamodbav:"avg_price,omitempty" json:"avg_price,omitempty"`
	QtyAvgPrice  float64 `dynamodbav:"qty_avg_price,omitempty" json:"qty_avg_price,omitempty"`
	UnitQuantity int     `dynamodbav:"unit_quantity,omitempty" json:"unit_quantity,omitempty"`
	TotalLots    int     `dynamodbav:"total_lots,omitempty" json:"total_lots,omitempty"`
	LastUpdated  int64   `dynamodbav:"last_updated" json:"last_updated"`
	CreatedAt    int64   `dynamodbav:"created_at" json:"created_at"`
	RefreshUntil int64   `dynamodbav:"refresh_until,omitempty" json:"refresh_until,omitempty"`
}

// PriceKey builds the composite key for a price-guide row.
func PriceKey(partNo string, colorID int, condition, guideType string) string {
	return strings.Join([]string{partNo, fmt.Sprintf("%d", colorID), condition, guideType}, "#")
}

// PersistenceError indicates a read-after-write inconsistency: the record was
// written but the read-back did not find it. Fatal for the current attempt;
// the outbox worker retries.
type PersistenceError struct {
	Table string
	Key   string
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence check failed: %s[%s] absent after write", e.Table, e.Key)
}
