package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/rollstock_backend/config"
	"bitbucket.org/mmdatafocus/rollstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const productAttributeCacheTTL = 10 * time.Minute

// ProductAttribute is immutable reference data: one row per product variant.
// Two variants are compatible for splitting iff vendor, adhesive type, basis
// weight and material all match; width is what a split divides.
type ProductAttribute struct {
	ID           int             `gorm:"primary_key" json:"id"`
	ProductCode  string          `gorm:"uniqueIndex;size:100;not null" json:"product_code" binding:"required"`
	Width        int             `gorm:"not null" json:"width" binding:"required"` // mm, > 0
	VendorId     string          `gorm:"index;size:100;not null" json:"vendor_id" binding:"required"`
	AdhesiveType string          `gorm:"size:100;not null" json:"adhesive_type" binding:"required"`
	BasisWeight  decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"basis_weight" binding:"required"`
	Material     string          `gorm:"size:100;not null" json:"material" binding:"required"`
	Description  string          `gorm:"size:255" json:"description"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// MismatchedAttribute names the first attribute on which other
// differs from p, or "" when the two are compatible for splitting. The name
// is used verbatim in user-facing validation messages.
func (p *ProductAttribute) MismatchedAttribute(other *ProductAttribute) string {
	if p.VendorId != other.VendorId {
		return "vendor"
	}
	if p.AdhesiveType != other.AdhesiveType {
		return "adhesive type"
	}
	if !p.BasisWeight.Equal(other.BasisWeight) {
		return "basis weight"
	}
	if p.Material != other.Material {
		return "material"
	}
	return ""
}

func (p *ProductAttribute) CompatibleWith(other *ProductAttribute) bool {
	return p.MismatchedAttribute(other) == ""
}

func productAttributeCacheKey(code string) string {
	return fmt.Sprintf("product_attr:%s", strings.ToLower(strings.TrimSpace(code)))
}

// GetProductAttribute looks up a catalog row by code, via the redis cache.
// The cache is best-effort: on any cache error the DB is consulted.
//
// NOT for use inside the split execution transaction: validation there must
// read the DB through the transaction (see getProductAttributeTx).
func GetProductAttribute(ctx context.Context, productCode string) (*ProductAttribute, error) {
	code := strings.TrimSpace(productCode)
	if code == "" {
		return nil, utils.ValidationError("product code is required")
	}

	var cached ProductAttribute
	if ok, err := config.GetRedisObject(productAttributeCacheKey(code), &cached); err == nil && ok {
		return &cached, nil
	}

	attr, err := getProductAttributeTx(config.GetDB().WithContext(ctx), code)
	if err != nil {
		return nil, err
	}
	_ = config.SetRedisObject(productAttributeCacheKey(code), attr, productAttributeCacheTTL)
	return attr, nil
}

func getProductAttributeTx(tx *gorm.DB, productCode string) (*ProductAttribute, error) {
	var attr ProductAttribute
	err := tx.Where("product_code = ?", strings.TrimSpace(productCode)).First(&attr).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFoundError("product %s not found in catalog", productCode)
		}
		return nil, err
	}
	if attr.Width <= 0 {
		// Catalog data integrity is a precondition; a non-positive width here
		// is corrupt reference data, not caller input.
		return nil, utils.InternalError(nil, "product %s has non-positive catalog width %d", attr.ProductCode, attr.Width)
	}
	return &attr, nil
}

// CompatibleVariants lists catalog rows that share all four matching
// attributes with source and fit within maxWidth, narrowest first.
// When excludeFullWidth is set, variants as wide as the source itself are
// excluded (the first split row must produce an actual division).
func CompatibleVariants(tx *gorm.DB, source *ProductAttribute, maxWidth int, excludeFullWidth bool) ([]*ProductAttribute, error) {
	q := tx.Where(
		"vendor_id = ? AND adhesive_type = ? AND basis_weight = ? AND material = ? AND width <= ?",
		source.VendorId, source.AdhesiveType, source.BasisWeight, source.Material, maxWidth,
	)
	if excludeFullWidth {
		q = q.Where("width < ?", source.Width)
	}
	var variants []*ProductAttribute
	if err := q.Order("width ASC, product_code ASC").Find(&variants).Error; err != nil {
		return nil, err
	}
	return variants, nil
}
