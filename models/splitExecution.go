package models

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/rollstock_backend/config"
	"bitbucket.org/mmdatafocus/rollstock_backend/utils"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer trace.Tracer = otel.Tracer("rollstock-models")

// lengthAreaTolerance bounds the disagreement accepted between a supplied
// requested_area and the area derived from requested_length.
const lengthAreaTolerance = 1e-6

// NewInventorySplit is a split plan as submitted by a caller. The source
// bucket is identified by exactly one of entry_id / bucket_key. The cut is
// sized by requested_area, requested_length, or both: every resulting piece
// shares the same length and differs only in width, so when only a length is
// given the area is derived as original_width * length.
type NewInventorySplit struct {
	EntryId         string          `json:"entry_id"`
	BucketKey       string          `json:"bucket_key"`
	RequestedArea   decimal.Decimal `json:"requested_area"`
	RequestedLength decimal.Decimal `json:"requested_length"`
	Splits          []string        `json:"splits" binding:"required,min=1"`
}

type SplitBreakdownRow struct {
	EntryId       string          `json:"entry_id"`
	ProductCode   string          `json:"product_code"`
	Width         int             `json:"width"`
	AllocatedArea decimal.Decimal `json:"allocated_area"`
}

type InventorySplitResult struct {
	ConsumedEntryId string               `json:"consumed_entry_id"`
	BucketKey       string               `json:"bucket_key"`
	RequestedArea   decimal.Decimal      `json:"requested_area"`
	Breakdown       []*SplitBreakdownRow `json:"breakdown"`
	OutboxId        int                  `json:"outbox_id"`
}

func (input *NewInventorySplit) validate() error {
	if len(input.Splits) == 0 {
		return utils.ValidationError("at least one split row is required")
	}
	for i, code := range input.Splits {
		if strings.TrimSpace(code) == "" {
			return utils.ValidationError("split row %d has an empty product code", i)
		}
	}
	if !input.RequestedArea.IsPositive() && !input.RequestedLength.IsPositive() {
		return utils.ValidationError("requested_area or requested_length must be positive")
	}
	if input.RequestedArea.IsNegative() || input.RequestedLength.IsNegative() {
		return utils.ValidationError("requested quantities cannot be negative")
	}
	return nil
}

// resolveRequestedArea turns the area/length inputs into the area to
// consume. The constant-length assumption is explicit: when both are given
// they must agree within tolerance.
func (input *NewInventorySplit) resolveRequestedArea(originalWidth int) (decimal.Decimal, error) {
	widthDec := decimal.NewFromInt(int64(originalWidth))
	if input.RequestedLength.IsPositive() {
		derived := input.RequestedLength.Mul(widthDec)
		if !input.RequestedArea.IsPositive() {
			return derived, nil
		}
		diff := input.RequestedArea.Sub(derived).Abs()
		if diff.GreaterThan(decimal.NewFromFloat(lengthAreaTolerance)) {
			return decimal.Zero, utils.ValidationError(
				"requested_area %s disagrees with requested_length %s * original width %d (= %s)",
				input.RequestedArea, input.RequestedLength, originalWidth, derived)
		}
	}
	return input.RequestedArea, nil
}

// ExecuteInventorySplit validates a split plan and, if every check passes,
// commits it to the ledger as one consuming entry plus one producing entry
// per plan row, all inside a single transaction. On any validation failure
// nothing is written.
//
// Ordering between concurrent splits of the same bucket is guaranteed by the
// FOR UPDATE aggregate read inside the transaction: the second split blocks
// until the first commits and then sees its consumption. Entry ids are
// uuids assigned here, in-transaction, so id generation cannot race either.
func ExecuteInventorySplit(ctx context.Context, input *NewInventorySplit) (*InventorySplitResult, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "ExecuteInventorySplit")
	defer span.End()

	db := config.GetDB()
	var result *InventorySplitResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		source, err := ResolveBucketSource(tx, input.EntryId, input.BucketKey)
		if err != nil {
			return err
		}

		if err := AcquireBucketPostingLock(tx, source.BucketKey); err != nil {
			return err
		}
		defer ReleaseBucketPostingLock(tx, source.BucketKey)

		sourceAttr, err := getProductAttributeTx(tx, source.ProductCode)
		if err != nil {
			return err
		}

		requestedArea, err := input.resolveRequestedArea(sourceAttr.Width)
		if err != nil {
			return err
		}

		available, err := bucketBalanceForUpdate(tx, source.BucketKey)
		if err != nil {
			return err
		}
		if requestedArea.GreaterThan(available) {
			return utils.ValidationError(
				"requested area %s exceeds available quantity %s for bucket %s",
				requestedArea, available, source.BucketKey)
		}

		// Resolve every row's attributes through the transaction; the plan
		// may reference the same code more than once.
		attrByCode := map[string]*ProductAttribute{}
		rows := make([]*ProductAttribute, len(input.Splits))
		for i, code := range input.Splits {
			key := strings.TrimSpace(code)
			attr, ok := attrByCode[key]
			if !ok {
				attr, err = getProductAttributeTx(tx, key)
				if err != nil {
					return err
				}
				attrByCode[key] = attr
			}
			rows[i] = attr
		}

		if err := ValidateSplitPlan(sourceAttr, rows); err != nil {
			return err
		}

		widths := make([]int, len(rows))
		for i, row := range rows {
			widths[i] = row.Width
		}
		allocations, err := AllocateAreaByWidth(requestedArea.InexactFloat64(), sourceAttr.Width, widths)
		if err != nil {
			return err
		}

		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

		consuming := &LedgerEntry{
			ID:                uuid.NewString(),
			OrderId:           source.OrderId,
			BucketKey:         source.BucketKey,
			ItemKind:          source.ItemKind,
			ProductCode:       source.ProductCode,
			Qty:               requestedArea.Neg(),
			DeclaredUnitPrice: source.DeclaredUnitPrice,
			ActualUnitPrice:   source.ActualUnitPrice,
			DeclaredMassPrice: source.DeclaredMassPrice,
			ActualMassPrice:   source.ActualMassPrice,
			Description:       fmt.Sprintf("Split of %s", source.ProductCode),
			CorrelationId:     correlationId,
		}

		quantities := producedQuantities(requestedArea, allocations)

		produced := make([]*LedgerEntry, len(rows))
		breakdown := make([]*SplitBreakdownRow, len(rows))
		for i, row := range rows {
			qty := quantities[i]
			produced[i] = &LedgerEntry{
				ID:                uuid.NewString(),
				OrderId:           source.OrderId,
				BucketKey:         NormalizeBucketKey(row.ProductCode, source.ActualUnitPrice),
				ItemKind:          source.ItemKind,
				ProductCode:       row.ProductCode,
				Qty:               qty,
				DeclaredUnitPrice: source.DeclaredUnitPrice,
				ActualUnitPrice:   source.ActualUnitPrice,
				DeclaredMassPrice: source.DeclaredMassPrice,
				ActualMassPrice:   source.ActualMassPrice,
				Description:       fmt.Sprintf("Split from %s", source.ProductCode),
				CorrelationId:     correlationId,
			}
			breakdown[i] = &SplitBreakdownRow{
				EntryId:       produced[i].ID,
				ProductCode:   row.ProductCode,
				Width:         row.Width,
				AllocatedArea: qty,
			}
		}

		outbox, err := insertSplitOutboxRecord(tx, source, consuming, produced, correlationId)
		if err != nil {
			return err
		}
		consuming.OutboxId = &outbox.ID
		if err := InsertLedgerEntry(tx, consuming); err != nil {
			return err
		}
		for _, entry := range produced {
			entry.OutboxId = &outbox.ID
			if err := InsertLedgerEntry(tx, entry); err != nil {
				return err
			}
		}

		result = &InventorySplitResult{
			ConsumedEntryId: consuming.ID,
			BucketKey:       source.BucketKey,
			RequestedArea:   requestedArea,
			Breakdown:       breakdown,
			OutboxId:        outbox.ID,
		}
		return nil
	})
	if err != nil {
		return nil, classifyCommitError(err)
	}
	return result, nil
}

// producedQuantities converts the float allocations to the decimal
// quantities actually persisted. Non-last rows are rounded to the
// decimal(20,6) column scale so the returned breakdown is exactly what the
// stored row holds; the last row takes the exact remainder, so the rows
// conserve the requested area to the digit, not just within float epsilon.
func producedQuantities(requestedArea decimal.Decimal, allocations []float64) []decimal.Decimal {
	quantities := make([]decimal.Decimal, len(allocations))
	allocated := decimal.Zero
	for i := range allocations {
		if i < len(allocations)-1 {
			quantities[i] = decimal.NewFromFloat(allocations[i]).Round(6)
			allocated = allocated.Add(quantities[i])
		} else {
			quantities[i] = requestedArea.Sub(allocated)
		}
	}
	return quantities
}

// bucketBalanceForUpdate is BucketBalance with the scanned rows locked until
// commit. This is the read half of the read-aggregate-then-insert sequence;
// without the locks two concurrent splits could both observe sufficient
// quantity and over-draw the bucket.
func bucketBalanceForUpdate(tx *gorm.DB, bucketKey string) (decimal.Decimal, error) {
	type row struct {
		Qty decimal.Decimal `gorm:"column:qty"`
	}
	var r row
	if err := tx.Raw(`
		SELECT COALESCE(SUM(qty), 0) AS qty
		FROM ledger_entries
		WHERE bucket_key = ?
		  AND item_kind = ?
		FOR UPDATE
	`, bucketKey, ItemKindRoll).Scan(&r).Error; err != nil {
		return decimal.Zero, err
	}
	return r.Qty, nil
}

// classifyCommitError maps genuine transaction conflicts (deadlock, lock
// wait timeout) to the retryable conflict kind; everything else passes
// through unchanged.
func classifyCommitError(err error) error {
	if err == nil {
		return nil
	}
	if utils.KindOf(err) != utils.ErrorKindInternal {
		return err
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		// 1213 = deadlock victim, 1205 = lock wait timeout.
		if mysqlErr.Number == 1213 || mysqlErr.Number == 1205 {
			return utils.ConflictError("split conflicted with a concurrent operation, retry")
		}
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "Deadlock found") || strings.Contains(msg, "Lock wait timeout") {
		return utils.ConflictError("split conflicted with a concurrent operation, retry")
	}
	return err
}
