package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/partstream/catalog-sync/internal/snapshot"
)

// MergePart upserts a part row from a snapshot. Existing values survive
// wherever the snapshot is silent: new data must never erase known-good data
// with absence. The available-colors list is only replaced by a non-empty
// list. Search tokens are regenerated wholesale on every merge.
func (s *Store) MergePart(ctx context.Context, snap *snapshot.PartSnapshot, now time.Time) (*Part, error) {
	existing, err := s.GetPart(ctx, snap.PartNumber)
	if err != nil {
		return nil, err
	}

	var rec Part
	if existing != nil {
		rec = *existing
		if rec.CreatedAt == 0 {
			// row was materialized by a refresh-lock upsert before any merge
			rec.CreatedAt = now.UnixMilli()
		}
	} else {
		rec = Part{PartNo: snap.PartNumber, CreatedAt: now.UnixMilli()}
	}

	if snap.Name != "" {
		rec.Name = snap.Name
	}
	if snap.CategoryID != nil {
		rec.CategoryID = *snap.CategoryID
	}
	if snap.Description != "" {
		rec.Description = snap.Description
	}
	if snap.ImageURL != "" {
		rec.ImageURL = snap.ImageURL
	}
	if snap.WeightGrams != nil {
		rec.WeightGrams = *snap.WeightGrams
	}
	if snap.DimensionsMm != nil {
		rec.DimXMm = snap.DimensionsMm.X
		rec.DimYMm = snap.DimensionsMm.Y
		rec.DimZMm = snap.DimensionsMm.Z
	}
	if snap.AlternateNo != "" {
		rec.AlternateNo = snap.AlternateNo
	}
	if snap.Obsolete != nil {
		rec.Obsolete = *snap.Obsolete
	}
	if len(snap.AvailableColorIDs) > 0 {
		rec.AvailableColorIDs = snap.AvailableColorIDs
	}

	rec.SearchTokens = BuildSearchTokens(
		rec.PartNo,
		rec.Name,
		rec.Description,
		rec.AlternateNo,
		fmt.Sprintf("%d", rec.CategoryID),
	)
	rec.LastUpdated = now.UnixMilli()
	rec.RefreshUntil = 0 // merge completes any in-progress refresh

	if err := s.putAndReadBack(ctx, s.tables.Parts, rec, stringKey("part_no", rec.PartNo), rec.PartNo); err != nil {
		return nil, err
	}
	return &rec, nil
}

// MergeColor upserts a color row from a snapshot, same retention rules as
// MergePart.
func (s *Store) MergeColor(ctx context.Context, snap *snapshot.ColorSnapshot, now time.Time) (*Color, error) {
	existing, err := s.GetColor(ctx, snap.ColorID)
	if err != nil {
		return nil, err
	}

	var rec Color
	if existing != nil {
		rec = *existing
	} else {
		rec = Color{ColorID: snap.ColorID, CreatedAt: now.UnixMilli()}
	}

	if snap.Name != "" {
		rec.Name = snap.Name
	}
	if snap.HexCode != "" {
		rec.HexCode = snap.HexCode
	}
	if snap.ColorType != "" {
		rec.ColorType = snap.ColorType
	}

	rec.SearchTokens = BuildSearchTokens(fmt.Sprintf("%d", rec.ColorID), rec.Name, rec.ColorType)
	rec.LastUpdated = now.UnixMilli()
	rec.RefreshUntil = 0

	if err := s.putAndReadBack(ctx, s.tables.Colors, rec, numberKey("color_id", rec.ColorID), fmt.Sprintf("%d", rec.ColorID)); err != nil {
		return nil, err
	}
	return &rec, nil
}

// MergeCategory upserts a category row from a snapshot.
func (s *Store) MergeCategory(ctx context.Context, snap *snapshot.CategorySnapshot, now time.Time) (*Category, error) {
	existing, err := s.GetCategory(ctx, snap.CategoryID)
	if err != nil {
		return nil, err
	}

	var rec Category
	if existing != nil {
		rec = *existing
	} else {
		rec = Category{CategoryID: snap.CategoryID, CreatedAt: now.UnixMilli()}
	}

	if snap.Name != "" {
		rec.Name = snap.Name
	}
	if snap.ParentID != nil {
		rec.ParentID = *snap.ParentID
	}

	rec.SearchTokens = BuildSearchTokens(fmt.Sprintf("%d", rec.CategoryID), rec.Name)
	rec.LastUpdated = now.UnixMilli()
	rec.RefreshUntil = 0

	if err := s.putAndReadBack(ctx, s.tables.Categories, rec, numberKey("category_id", rec.CategoryID), fmt.Sprintf("%d", rec.CategoryID)); err != nil {
		return nil, err
	}
	return &rec, nil
}

// MergePrice upserts a price-guide row from a snapshot.
func (s *Store) MergePrice(ctx context.Context, snap *snapshot.PriceSnapshot, now time.Time) (*PartPrice, error) {
	existing, err := s.GetPrice(ctx, snap.PartNumber, snap.ColorID, snap.Condition, snap.GuideType)
	if err != nil {
		return nil, err
	}

	var rec PartPrice
	if existing != nil {
		rec = *existing
	} else {
		rec = PartPrice{
			PriceKey:  PriceKey(snap.PartNumber, snap.ColorID, snap.Condition, snap.GuideType),
			PartNo:    snap.PartNumber,
			ColorID:   snap.ColorID,
			Condition: snap.Condition,
			GuideType: snap.GuideType,
			CreatedAt: now.UnixMilli(),
		}
	}

	if snap.CurrencyCode != "" {
		rec.CurrencyCode = snap.CurrencyCode
	}
	if snap.MinPrice != nil {
		rec.MinPrice = *snap.MinPrice
	}
	if snap.MaxPrice != nil {
		rec.MaxPrice = *snap.MaxPrice
	}
	if snap.AvgPrice != nil {
		rec.AvgPrice = *snap.AvgPrice
	}
	if snap.QtyAvgPrice != nil {
		rec.QtyAvgPrice = *snap.QtyAvgPrice
	}
	if snap.UnitQuantity != nil {
		rec.UnitQuantity = *snap.UnitQuantity
	}
	if snap.TotalLots != nil {
		rec.TotalLots = *snap.TotalLots
	}

	rec.LastUpdated = now.UnixMilli()
	rec.RefreshUntil = 0

	if err := s.putAndReadBack(ctx, s.tables.Prices, rec, stringKey("price_key", rec.PriceKey), rec.PriceKey); err != nil {
		return nil, err
	}
	return &rec, nil
}
