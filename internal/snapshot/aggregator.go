package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/partstream/catalog-sync/internal/marketclient"
)

// Fetcher is the slice of the marketplace client the aggregator needs.
type Fetcher interface {
	Do(ctx context.Context, spec marketclient.Spec) (*marketclient.Response, error)
}

// Aggregator orchestrates the marketplace calls for one entity and
// normalizes the heterogeneous payloads into snapshot types.
//
// Concurrent fetches for the same (endpoint, key) are deduplicated through a
// singleflight group keyed by endpoint path: N simultaneous refreshes of the
// same part cost one upstream call per endpoint. A failed call leaves no
// cached entry behind, so the next caller retries instead of replaying the
// failure.
type Aggregator struct {
	client Fetcher
	group  singleflight.Group
}

// NewAggregator returns an Aggregator over a marketplace client.
func NewAggregator(client Fetcher) *Aggregator {
	return &Aggregator{client: client}
}

func (a *Aggregator) fetch(ctx context.Context, spec marketclient.Spec) (*marketclient.Response, error) {
	// the flight key must be stable across map iteration order and safe
	// against separator characters inside values
	key := spec.Method + " " + spec.Path
	if len(spec.Params) > 0 {
		names := make([]string, 0, len(spec.Params))
		for k := range spec.Params {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			key += "&" + url.QueryEscape(k) + "=" + url.QueryEscape(spec.Params[k])
		}
	}
	v, err, _ := a.group.Do(key, func() (any, error) {
		return a.client.Do(ctx, spec)
	})
	if err != nil {
		return nil, err
	}
	return v.(*marketclient.Response), nil
}

// FetchPart issues the part detail and known-colors calls concurrently and
// merges both into one PartSnapshot. Fails with marketclient.ErrNotFound
// when the detail call finds no entity.
func (a *Aggregator) FetchPart(ctx context.Context, partNo string) (*PartSnapshot, error) {
	type result struct {
		resp *marketclient.Response
		err  error
	}

	detailCh := make(chan result, 1)
	colorsCh := make(chan result, 1)

	go func() {
		resp, err := a.fetch(ctx, marketclient.Spec{Method: "GET", Path: "/items/part/" + partNo})
		detailCh <- result{resp, err}
	}()
	go func() {
		resp, err := a.fetch(ctx, marketclient.Spec{Method: "GET", Path: "/items/part/" + partNo + "/colors"})
		colorsCh <- result{resp, err}
	}()

	detail := <-detailCh
	colors := <-colorsCh

	if detail.err != nil {
		return nil, fmt.Errorf("part %s detail: %w", partNo, detail.err)
	}
	if colors.err != nil {
		return nil, fmt.Errorf("part %s colors: %w", partNo, colors.err)
	}

	snap, err := normalizePart(partNo, detail.resp.Data, colors.resp.Data)
	if err != nil {
		return nil, fmt.Errorf("normalize part %s: %w", partNo, err)
	}
	return snap, nil
}

// FetchColor fetches and normalizes one color.
func (a *Aggregator) FetchColor(ctx context.Context, colorID string) (*ColorSnapshot, error) {
	resp, err := a.fetch(ctx, marketclient.Spec{Method: "GET", Path: "/colors/" + colorID})
	if err != nil {
		return nil, fmt.Errorf("color %s: %w", colorID, err)
	}
	return normalizeColor(resp.Data)
}

// FetchCategory fetches and normalizes one category.
func (a *Aggregator) FetchCategory(ctx context.Context, categoryID string) (*CategorySnapshot, error) {
	resp, err := a.fetch(ctx, marketclient.Spec{Method: "GET", Path: "/categories/" + categoryID})
	if err != nil {
		return nil, fmt.Errorf("category %s: %w", categoryID, err)
	}
	return normalizeCategory(resp.Data)
}

// FetchPartPrices fetches one price-guide entry for a part/color/condition/
// guide-type tuple.
func (a *Aggregator) FetchPartPrices(ctx context.Context, partNo, colorID, condition, guideType string) (*PriceSnapshot, error) {
	resp, err := a.fetch(ctx, marketclient.Spec{
		Method: "GET",
		Path:   "/items/part/" + partNo + "/price",
		Params: map[string]string{
			"color_id":    colorID,
			"new_or_used": condition,
			"guide_type":  guideType,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("price guide %s/%s: %w", partNo, colorID, err)
	}
	return normalizePrice(partNo, colorID, condition, guideType, resp.Data)
}

func normalizePart(partNo string, rawDetail, rawColors json.RawMessage) (*PartSnapshot, error) {
	var detail map[string]any
	if err := json.Unmarshal(rawDetail, &detail); err != nil {
		return nil, fmt.Errorf("decode detail: %w", err)
	}

	snap := &PartSnapshot{
		PartNumber: partNo,
		RawDetail:  rawDetail,
		RawColors:  rawColors,
	}

	if v, ok := stringField(detail, "name", "part_name", "item_name"); ok {
		snap.Name = v
	}
	if v, ok := intField(detail, "category_id", "cat_id", "category"); ok {
		snap.CategoryID = &v
	}
	if v, ok := stringField(detail, "description", "remarks"); ok {
		snap.Description = v
	}
	if v, ok := stringField(detail, "image_url", "image", "thumbnail_url"); ok {
		snap.ImageURL = normalizeImageURL(v)
	}
	if v, ok := floatField(detail, "weight", "weight_gr", "weight_grams"); ok {
		snap.WeightGrams = &v
	}
	if x, okx := floatField(detail, "dim_x", "dimension_x"); okx {
		y, _ := floatField(detail, "dim_y", "dimension_y")
		z, _ := floatField(detail, "dim_z", "dimension_z")
		snap.DimensionsMm = &Dimensions{X: x, Y: y, Z: z}
	}
	if v, ok := stringField(detail, "alternate_no", "alt_no"); ok {
		snap.AlternateNo = v
	}
	if v, ok := boolField(detail, "is_obsolete", "obsolete"); ok {
		snap.Obsolete = &v
	}

	if len(rawColors) > 0 {
		// colors arrive either as a bare list or wrapped in an object
		var list []any
		if err := json.Unmarshal(rawColors, &list); err == nil {
			snap.AvailableColorIDs = intListField(map[string]any{"colors": list}, []string{"colors"}, "color_id", "colorId", "id")
		} else {
			var wrapped map[string]any
			if err := json.Unmarshal(rawColors, &wrapped); err == nil {
				snap.AvailableColorIDs = intListField(wrapped, []string{"known_colors", "colors", "color_ids"}, "color_id", "colorId", "id")
			}
		}
	}

	return snap, nil
}

func normalizeColor(raw json.RawMessage) (*ColorSnapshot, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode color: %w", err)
	}
	snap := &ColorSnapshot{Raw: raw}
	if v, ok := intField(m, "color_id", "id"); ok {
		snap.ColorID = v
	}
	if v, ok := stringField(m, "color_name", "name"); ok {
		snap.Name = v
	}
	if v, ok := stringField(m, "color_code", "hex", "hex_code"); ok {
		snap.HexCode = v
	}
	if v, ok := stringField(m, "color_type", "type"); ok {
		snap.ColorType = v
	}
	return snap, nil
}

func normalizeCategory(raw json.RawMessage) (*CategorySnapshot, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode category: %w", err)
	}
	snap := &CategorySnapshot{Raw: raw}
	if v, ok := intField(m, "category_id", "id"); ok {
		snap.CategoryID = v
	}
	if v, ok := stringField(m, "category_name", "name"); ok {
		snap.Name = v
	}
	if v, ok := intField(m, "parent_id"); ok && v > 0 {
		snap.ParentID = &v
	}
	return snap, nil
}

func normalizePrice(partNo, colorID, condition, guideType string, raw json.RawMessage) (*PriceSnapshot, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode price guide: %w", err)
	}
	snap := &PriceSnapshot{
		PartNumber: partNo,
		Condition:  condition,
		GuideType:  guideType,
		Raw:        raw,
	}
	if v, ok := intField(m, "color_id"); ok {
		snap.ColorID = v
	} else if v, err := strconv.Atoi(colorID); err == nil {
		// payload omitted it; the row must still key on the requested color
		snap.ColorID = v
	}
	if v, ok := stringField(m, "currency_code", "currency"); ok {
		snap.CurrencyCode = v
	}
	if v, ok := floatField(m, "min_price"); ok {
		snap.MinPrice = &v
	}
	if v, ok := floatField(m, "max_price"); ok {
		snap.MaxPrice = &v
	}
	if v, ok := floatField(m, "avg_price"); ok {
		snap.AvgPrice = &v
	}
	if v, ok := floatField(m, "qty_avg_price"); ok {
		snap.QtyAvgPrice = &v
	}
	if v, ok := intField(m, "unit_quantity", "total_quantity"); ok {
		snap.UnitQuantity = &v
	}
	if v, ok := intField(m, "total_lots", "unit_lots"); ok {
		snap.TotalLots = &v
	}
	return snap, nil
}
