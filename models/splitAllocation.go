package models

import (
	"math"

	"bitbucket.org/mmdatafocus/rollstock_backend/utils"
)

// AllocationEpsilon is the magnitude below which a computed allocation is
// treated as exactly zero. Allocations more negative than this indicate a
// numerical defect, not a legitimate zero-width row.
const AllocationEpsilon = 1e-9

// AllocateAreaByWidth divides requestedArea across the plan rows in
// proportion to their widths. The last row is assigned the exact remainder
// instead of its own product, which pins the sum to requestedArea at the
// conservation boundary regardless of float rounding in earlier rows.
//
// Preconditions (already enforced by plan validation): masterWidth > 0,
// every width > 0, widths sum to masterWidth. Violations here are internal
// errors, never user input errors.
func AllocateAreaByWidth(requestedArea float64, masterWidth int, widths []int) ([]float64, error) {
	if masterWidth <= 0 {
		return nil, utils.InternalError(nil, "allocation called with non-positive master width %d", masterWidth)
	}
	if len(widths) == 0 {
		return nil, utils.InternalError(nil, "allocation called with empty width list")
	}

	allocations := make([]float64, len(widths))
	var allocated float64
	for i, w := range widths[:len(widths)-1] {
		allocations[i] = requestedArea * (float64(w) / float64(masterWidth))
		allocated += allocations[i]
	}
	allocations[len(widths)-1] = requestedArea - allocated

	var sum float64
	for i, a := range allocations {
		if math.Abs(a) <= AllocationEpsilon {
			a = 0
			allocations[i] = 0
		}
		if a < 0 {
			return nil, utils.InternalError(nil,
				"allocation for row %d (width %d) is negative (%g)", i, widths[i], a)
		}
		sum += a
	}

	if math.Abs(sum-requestedArea) > 10*AllocationEpsilon {
		return nil, utils.InternalError(nil,
			"allocations sum to %g, expected %g", sum, requestedArea)
	}
	return allocations, nil
}
