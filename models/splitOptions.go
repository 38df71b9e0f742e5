package models

import (
	"context"

	"bitbucket.org/mmdatafocus/rollstock_backend/config"
	"bitbucket.org/mmdatafocus/rollstock_backend/utils"
)

// SplitOption is one candidate narrower variant for a split row.
type SplitOption struct {
	ProductCode string `json:"product_code"`
	Width       int    `json:"width"`
	Description string `json:"description"`
}

// ResolveSplitOptions lists the variants that could fill the next split row:
// same vendor/adhesive/basis-weight/material as the original, width within
// the remaining budget, ascending by width. The first row may never reuse
// the full original width (a degenerate split producing the same piece), so
// is_first_row additionally constrains width < original. Later rows only
// need to fit the remaining budget.
//
// Side-effect free; callers invoke this once per row while assembling a plan
// and may call it speculatively.
func ResolveSplitOptions(ctx context.Context, productCode string, remainingWidth int, isFirstRow bool) ([]*SplitOption, error) {
	if remainingWidth <= 0 {
		return nil, utils.ValidationError("remaining width must be positive, got %d", remainingWidth)
	}

	db := config.GetDB().WithContext(ctx)

	original, err := getProductAttributeTx(db, productCode)
	if err != nil {
		return nil, err
	}

	variants, err := CompatibleVariants(db, original, remainingWidth, isFirstRow)
	if err != nil {
		return nil, err
	}

	options := make([]*SplitOption, 0, len(variants))
	for _, v := range variants {
		options = append(options, &SplitOption{
			ProductCode: v.ProductCode,
			Width:       v.Width,
			Description: v.Description,
		})
	}
	return options, nil
}
