package snapshot

import "encoding/json"

// PartSnapshot is the normalized, transient view of one marketplace part.
// Optional fields use pointers/nil slices so the merge step can distinguish
// "absent upstream" from a real zero value. Consumed once by the catalog
// merge, then discarded.
type PartSnapshot struct {
	PartNumber        string
	Name              string
	CategoryID        *int
	Description       string
	ImageURL          string
	WeightGrams       *float64
	DimensionsMm      *Dimensions
	AlternateNo       string
	Obsolete          *bool
	AvailableColorIDs []int

	RawDetail json.RawMessage
	RawColors json.RawMessage
}

// Dimensions are the part's bounding box in millimeters.
type Dimensions struct {
	X float64
	Y float64
	Z float64
}

// ColorSnapshot is the normalized view of one marketplace color.
type ColorSnapshot struct {
	ColorID   int
	Name      string
	HexCode   string
	ColorType string

	Raw json.RawMessage
}

// CategorySnapshot is the normalized view of one marketplace category.
type CategorySnapshot struct {
	CategoryID int
	Name       string
	ParentID   *int

	Raw json.RawMessage
}

// PriceSnapshot is the normalized view of one price-guide response for a
// (part, color, condition, guide type) tuple.
type PriceSnapshot struct {
	PartNumber   string
	ColorID      int
	Condition    string // N | U
	GuideType    string // sold | stock
	CurrencyCode string
	MinPrice     *float64
	MaxPrice     *float64
	AvgPrice     *float64
	QtyAvgPrice  *float64
	UnitQuantity *int
	TotalLots    *int

	Raw json.RawMessage
}
