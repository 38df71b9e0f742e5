package models

import (
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/rollstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LedgerEntry is the atomic unit of the inventory ledger: an immutable,
// signed quantity record. Rows are only ever inserted; corrections are new
// offsetting entries. Positive qty = addition, negative = consumption.
type LedgerEntry struct {
	ID          string   `gorm:"size:36;primary_key" json:"id"` // uuid, assigned inside the insert transaction
	OrderId     int      `gorm:"index;not null" json:"order_id"`
	BucketKey   string   `gorm:"index;size:191;not null" json:"bucket_key"`
	ItemKind    ItemKind `gorm:"type:enum('R','C');default:R;not null" json:"item_kind"`
	ProductCode string   `gorm:"index;size:100;not null" json:"product_code"`
	// Qty is the area quantity (e.g. m2). MassQty is orthogonal and is never
	// produced by split operations: split rows always leave it NULL.
	Qty     decimal.Decimal  `gorm:"type:decimal(20,6);not null" json:"qty"`
	MassQty *decimal.Decimal `gorm:"type:decimal(20,6)" json:"mass_qty"`
	// Price fields are carried verbatim from the source entry onto every row
	// a split produces.
	DeclaredUnitPrice decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"declared_unit_price"`
	ActualUnitPrice   decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"actual_unit_price"`
	DeclaredMassPrice decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"declared_mass_price"`
	ActualMassPrice   decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"actual_mass_price"`
	Description       string          `gorm:"size:255" json:"description"`
	CorrelationId     string          `gorm:"size:64;index" json:"correlation_id"`
	OutboxId          *int            `gorm:"index" json:"outbox_id"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// NormalizeBucketKey derives the grouping key for "the same physical batch":
// the product code and its per-unit acquisition price, case- and
// whitespace-insensitive.
func NormalizeBucketKey(productCode string, acquisitionPrice decimal.Decimal) string {
	return normalizeKeyPart(productCode) + "|" + normalizePricePart(acquisitionPrice.String())
}

// NormalizeBucketKeyString normalizes a caller-supplied composite key so the
// two identifier paths (entry id vs bucket key) aggregate identically.
func NormalizeBucketKeyString(bucketKey string) string {
	parts := strings.SplitN(bucketKey, "|", 2)
	if len(parts) != 2 {
		return normalizeKeyPart(bucketKey)
	}
	price := strings.TrimSpace(parts[1])
	if d, err := decimal.NewFromString(price); err == nil {
		price = normalizePricePart(d.String())
	}
	return normalizeKeyPart(parts[0]) + "|" + price
}

func normalizeKeyPart(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// normalizePricePart drops trailing fractional zeros so "1.25", "1.250" and
// the decimal(20,6) scan "1.250000" all key the same bucket.
func normalizePricePart(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// BucketBalance is the available quantity of a bucket: the sum of qty over
// all its dimensioned entries. Callers that are about to write must hold the
// bucket posting lock before reading this.
func BucketBalance(tx *gorm.DB, bucketKey string) (decimal.Decimal, error) {
	type row struct {
		Qty decimal.Decimal `gorm:"column:qty"`
	}
	var r row
	if err := tx.Raw(`
		SELECT COALESCE(SUM(qty), 0) AS qty
		FROM ledger_entries
		WHERE bucket_key = ?
		  AND item_kind = ?
	`, bucketKey, ItemKindRoll).Scan(&r).Error; err != nil {
		return decimal.Zero, err
	}
	return r.Qty, nil
}

// ResolveBucketSource resolves one representative dimensioned entry of a
// bucket from either identifier. Exactly one of entryId / bucketKey must be
// supplied; both paths produce the same representative shape.
func ResolveBucketSource(tx *gorm.DB, entryId string, bucketKey string) (*LedgerEntry, error) {
	entryId = strings.TrimSpace(entryId)
	bucketKey = strings.TrimSpace(bucketKey)

	if entryId == "" && bucketKey == "" {
		return nil, utils.ValidationError("entry_id or bucket_key is required")
	}
	if entryId != "" && bucketKey != "" {
		return nil, utils.ValidationError("supply either entry_id or bucket_key, not both")
	}

	var entry LedgerEntry
	if entryId != "" {
		if err := tx.Where("id = ?", entryId).First(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, utils.NotFoundError("ledger entry %s not found", entryId)
			}
			return nil, err
		}
		if !entry.ItemKind.IsDimensioned() {
			return nil, utils.ValidationError("ledger entry %s is not a dimensioned roll item", entryId)
		}
		return &entry, nil
	}

	key := NormalizeBucketKeyString(bucketKey)
	err := tx.Where("bucket_key = ? AND item_kind = ?", key, ItemKindRoll).
		Order("created_at ASC, id ASC").
		First(&entry).Error
	if err == nil {
		return &entry, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Distinguish "bucket does not exist" from "bucket holds only
	// count-based rows"; callers render these differently.
	var n int64
	if err := tx.Model(&LedgerEntry{}).Where("bucket_key = ?", key).Count(&n).Error; err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, utils.ValidationError("bucket %s has no dimensioned roll entries and cannot be split", key)
	}
	return nil, utils.NotFoundError("bucket %s not found", key)
}

// ListBucketEntries returns the append-only history of a bucket, oldest first.
func ListBucketEntries(db *gorm.DB, bucketKey string) ([]*LedgerEntry, error) {
	key := NormalizeBucketKeyString(bucketKey)
	var entries []*LedgerEntry
	err := db.Where("bucket_key = ?", key).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, utils.NotFoundError("bucket %s not found", key)
	}
	return entries, nil
}

// InsertLedgerEntry is the single write path into the ledger. The entry id is
// generated by the caller (uuid) and inserted in the caller's transaction, so
// identifier assignment can never race across concurrent splits.
func InsertLedgerEntry(tx *gorm.DB, entry *LedgerEntry) error {
	if entry.ID == "" {
		return utils.InternalError(nil, "ledger entry id must be assigned before insert")
	}
	if entry.BucketKey == "" {
		return utils.InternalError(nil, "ledger entry bucket key must not be empty")
	}
	return tx.Create(entry).Error
}

// GetLedgerEntry fetches a single entry by id (read-only path).
func GetLedgerEntry(tx *gorm.DB, id string) (*LedgerEntry, error) {
	var entry LedgerEntry
	if err := tx.Where("id = ?", id).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NotFoundError("ledger entry %s not found", id)
		}
		return nil, err
	}
	return &entry, nil
}
