package validation

import (
	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with struct-level rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// price refreshes carry a composite secondary key; the field-level tags
	// cannot express the cross-field requirement, so it lives here.
	v.RegisterStructValidation(refreshStructValidation, RefreshRequest{})

	return v
}

// refreshStructValidation requires color_id, condition and guide_type when
// and only when the refresh targets a price-guide row.
func refreshStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(RefreshRequest)

	if req.ResourceKind == "part_prices" {
		if req.ColorID == nil {
			sl.ReportError(req.ColorID, "color_id", "ColorID", "required_for_prices", "")
		}
		if req.Condition == "" {
			sl.ReportError(req.Condition, "condition", "Condition", "required_for_prices", "")
		}
		if req.GuideType == "" {
			sl.ReportError(req.GuideType, "guide_type", "GuideType", "required_for_prices", "")
		}
		return
	}

	if req.ColorID != nil || req.Condition != "" || req.GuideType != "" {
		sl.ReportError(req.ResourceKind, "resource_kind", "ResourceKind", "price_fields_on_non_price_kind", "")
	}
}
