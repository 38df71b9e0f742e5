package models

import (
	"bitbucket.org/mmdatafocus/rollstock_backend/utils"
)

// ValidateSplitPlan checks a fully-resolved plan against its source variant.
// rows are the catalog attributes of the chosen codes, in plan order
// (duplicates permitted). The checks fail fast in a fixed order so callers
// always see the first violated rule:
//
//  1. every row shares vendor/adhesive/basis-weight/material with the source
//  2. the first row is strictly narrower than the source (a plan whose first
//     row reuses the full width is a degenerate "split" producing the same
//     piece; the option resolver already excludes it, but a plan can be
//     assembled over multiple round trips)
//  3. every row width is positive
//  4. the row widths sum to the source width exactly. Width conservation is
//     integer equality, no tolerance
func ValidateSplitPlan(source *ProductAttribute, rows []*ProductAttribute) error {
	if len(rows) == 0 {
		return utils.ValidationError("at least one split row is required")
	}

	for _, row := range rows {
		if attr := source.MismatchedAttribute(row); attr != "" {
			return utils.ValidationError("product %s has different %s", row.ProductCode, attr)
		}
	}

	if rows[0].Width >= source.Width {
		return utils.ValidationError(
			"first split row %s (width %d) must be narrower than the original width %d",
			rows[0].ProductCode, rows[0].Width, source.Width)
	}

	widthSum := 0
	for _, row := range rows {
		if row.Width <= 0 {
			return utils.ValidationError("product %s has non-positive width %d", row.ProductCode, row.Width)
		}
		widthSum += row.Width
	}

	if widthSum != source.Width {
		if widthSum < source.Width {
			return utils.ValidationError(
				"remaining width cannot be matched: split widths sum to %d, original width is %d",
				widthSum, source.Width)
		}
		return utils.ValidationError(
			"split widths sum to %d, exceeding the original width %d",
			widthSum, source.Width)
	}
	return nil
}
