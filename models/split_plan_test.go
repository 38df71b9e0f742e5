package models

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/rollstock_backend/utils"
)

func variant(code string, width int) *ProductAttribute {
	return &ProductAttribute{
		ProductCode:  code,
		Width:        width,
		VendorId:     "vendor-a",
		AdhesiveType: "acrylic",
		BasisWeight:  decimal.NewFromInt(80),
		Material:     "semi-gloss",
	}
}

func TestValidateSplitPlanAccepts(t *testing.T) {
	source := variant("ROLL-1000", 1000)
	cases := [][]*ProductAttribute{
		{variant("ROLL-600", 600), variant("ROLL-400", 400)},
		{variant("ROLL-400", 400), variant("ROLL-400", 400), variant("ROLL-200", 200)},
		{variant("ROLL-999", 999), variant("ROLL-1", 1)},
	}
	for i, rows := range cases {
		if err := ValidateSplitPlan(source, rows); err != nil {
			t.Fatalf("case %d: expected valid plan, got %v", i, err)
		}
	}
}

func TestValidateSplitPlanWidthShortfall(t *testing.T) {
	source := variant("ROLL-1000", 1000)
	err := ValidateSplitPlan(source, []*ProductAttribute{variant("ROLL-600", 600)})
	if err == nil {
		t.Fatal("expected error for unmatched remaining width")
	}
	if utils.KindOf(err) != utils.ErrorKindValidation {
		t.Fatalf("expected validation error kind, got %s", utils.KindOf(err))
	}
	if !strings.Contains(err.Error(), "remaining width cannot be matched") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestValidateSplitPlanWidthOverflow(t *testing.T) {
	source := variant("ROLL-1000", 1000)
	err := ValidateSplitPlan(source, []*ProductAttribute{variant("ROLL-600", 600), variant("ROLL-600b", 600)})
	if err == nil {
		t.Fatal("expected error for overflowing widths")
	}
	if !strings.Contains(err.Error(), "exceeding the original width") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestValidateSplitPlanFirstRowMustBeNarrower(t *testing.T) {
	source := variant("ROLL-1000", 1000)
	// Same total, but the first row reuses the full width.
	err := ValidateSplitPlan(source, []*ProductAttribute{variant("ROLL-1000-B", 1000)})
	if err == nil {
		t.Fatal("expected error for full-width first row")
	}
	if !strings.Contains(err.Error(), "must be narrower") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestValidateSplitPlanAttributeMismatch(t *testing.T) {
	source := variant("ROLL-1000", 1000)

	other := variant("ROLL-600-HT", 600)
	other.AdhesiveType = "hotmelt"
	err := ValidateSplitPlan(source, []*ProductAttribute{other, variant("ROLL-400", 400)})
	if err == nil {
		t.Fatal("expected error for adhesive mismatch")
	}
	if !strings.Contains(err.Error(), "different adhesive type") {
		t.Fatalf("unexpected message: %v", err)
	}

	otherVendor := variant("ROLL-600-V", 600)
	otherVendor.VendorId = "vendor-b"
	err = ValidateSplitPlan(source, []*ProductAttribute{otherVendor, variant("ROLL-400", 400)})
	if err == nil || !strings.Contains(err.Error(), "different vendor") {
		t.Fatalf("expected vendor mismatch, got %v", err)
	}

	otherWeight := variant("ROLL-600-W", 600)
	otherWeight.BasisWeight = decimal.NewFromInt(100)
	err = ValidateSplitPlan(source, []*ProductAttribute{otherWeight, variant("ROLL-400", 400)})
	if err == nil || !strings.Contains(err.Error(), "different basis weight") {
		t.Fatalf("expected basis weight mismatch, got %v", err)
	}
}

func TestValidateSplitPlanAttributeCheckedBeforeWidth(t *testing.T) {
	// Mismatch and width shortfall at once: the attribute check wins.
	source := variant("ROLL-1000", 1000)
	other := variant("ROLL-300-M", 300)
	other.Material = "clear-film"
	err := ValidateSplitPlan(source, []*ProductAttribute{other})
	if err == nil || !strings.Contains(err.Error(), "different material") {
		t.Fatalf("expected material mismatch to be reported first, got %v", err)
	}
}

func TestValidateSplitPlanEmpty(t *testing.T) {
	if err := ValidateSplitPlan(variant("ROLL-1000", 1000), nil); err == nil {
		t.Fatal("expected error for empty plan")
	}
}
