package models

import (
	"context"

	"bitbucket.org/mmdatafocus/rollstock_backend/config"
	"github.com/shopspring/decimal"
)

// SplitEligibility is the read-only answer to "can this bucket be split, and
// with what". Both identifier paths (entry id, bucket key) produce the same
// shape.
type SplitEligibility struct {
	Eligible              bool            `json:"eligible"`
	AvailableQty          decimal.Decimal `json:"available_qty"`
	ProductCode           string          `json:"product_code"`
	Width                 int             `json:"width"`
	VendorId              string          `json:"vendor_id"`
	AdhesiveType          string          `json:"adhesive_type"`
	BasisWeight           decimal.Decimal `json:"basis_weight"`
	Material              string          `json:"material"`
	RepresentativeEntryId string          `json:"representative_entry_id"`
	BucketKey             string          `json:"bucket_key"`
}

// CheckSplitEligibility resolves the bucket from either identifier, joins to
// the catalog, and aggregates the bucket's dimensioned entries. No side
// effects; repeated calls with no intervening writes return identical
// results.
func CheckSplitEligibility(ctx context.Context, entryId string, bucketKey string) (*SplitEligibility, error) {
	db := config.GetDB().WithContext(ctx)

	source, err := ResolveBucketSource(db, entryId, bucketKey)
	if err != nil {
		return nil, err
	}

	attr, err := getProductAttributeTx(db, source.ProductCode)
	if err != nil {
		return nil, err
	}

	available, err := BucketBalance(db, source.BucketKey)
	if err != nil {
		return nil, err
	}

	return &SplitEligibility{
		Eligible:              available.GreaterThan(decimal.Zero),
		AvailableQty:          available,
		ProductCode:           attr.ProductCode,
		Width:                 attr.Width,
		VendorId:              attr.VendorId,
		AdhesiveType:          attr.AdhesiveType,
		BasisWeight:           attr.BasisWeight,
		Material:              attr.Material,
		RepresentativeEntryId: source.ID,
		BucketKey:             source.BucketKey,
	}, nil
}
