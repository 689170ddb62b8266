package validation

// RefreshRequest is the payload for POST /refresh: an explicit ask to pull a
// resource from the marketplace ahead of its scheduled staleness refresh.
type RefreshRequest struct {
	ResourceKind string `json:"resource_kind" validate:"required,oneof=part part_colors part_prices color category"`
	PrimaryKey   string `json:"primary_key" validate:"required"`
	ColorID      *int   `json:"color_id,omitempty"`                                  // price refresh only
	Condition    string `json:"condition,omitempty" validate:"omitempty,oneof=N U"`  // price refresh only
	GuideType    string `json:"guide_type,omitempty" validate:"omitempty,oneof=sold stock"` // price refresh only
	Priority     int    `json:"priority,omitempty" validate:"omitempty,min=0,max=10"`
}

// PriceQuery is the query-string shape for GET /parts/:no/prices.
type PriceQuery struct {
	ColorID   int    `form:"color_id" validate:"required,min=0"`
	Condition string `form:"condition" validate:"required,oneof=N U"`
	GuideType string `form:"guide_type" validate:"required,oneof=sold stock"`
}
