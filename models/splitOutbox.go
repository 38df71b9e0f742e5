package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusPublished  = "PUBLISHED"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// SplitOutboxRecord is written in the same transaction as the split it
// describes, then published to Pub/Sub by the dispatcher after commit.
// The record doubles as the audit trail linking a consuming entry to the
// rows it produced.
type SplitOutboxRecord struct {
	ID              int        `gorm:"primary_key" json:"id"`
	OrderId         int        `gorm:"index" json:"order_id"`
	BucketKey       string     `gorm:"index;size:191;not null" json:"bucket_key"`
	ConsumedEntryId string     `gorm:"size:36;index;not null" json:"consumed_entry_id"`
	Payload         []byte     `gorm:"type:json" json:"payload"`
	PublishStatus   string     `gorm:"size:20;index;default:PENDING" json:"publish_status"`
	Attempts        int        `gorm:"default:0" json:"attempts"`
	NextAttemptAt   *time.Time `json:"next_attempt_at"`
	LockedBy        *string    `gorm:"size:64" json:"locked_by"`
	LockedAt        *time.Time `json:"locked_at"`
	LastError       *string    `gorm:"type:text" json:"last_error"`
	CorrelationId   string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	PublishedAt     *time.Time `json:"published_at"`
}

// splitOutboxPayload is what consumers receive: enough to invalidate any
// cached view of the touched buckets without re-reading the ledger.
type splitOutboxPayload struct {
	ConsumedEntryId string                `json:"consumed_entry_id"`
	SourceBucketKey string                `json:"source_bucket_key"`
	ConsumedQty     string                `json:"consumed_qty"`
	Produced        []splitOutboxProduced `json:"produced"`
}

type splitOutboxProduced struct {
	EntryId     string `json:"entry_id"`
	ProductCode string `json:"product_code"`
	BucketKey   string `json:"bucket_key"`
	Qty         string `json:"qty"`
}

func insertSplitOutboxRecord(tx *gorm.DB, source *LedgerEntry, consuming *LedgerEntry, produced []*LedgerEntry, correlationId string) (*SplitOutboxRecord, error) {
	payload := splitOutboxPayload{
		ConsumedEntryId: consuming.ID,
		SourceBucketKey: source.BucketKey,
		ConsumedQty:     consuming.Qty.String(),
	}
	for _, entry := range produced {
		payload.Produced = append(payload.Produced, splitOutboxProduced{
			EntryId:     entry.ID,
			ProductCode: entry.ProductCode,
			BucketKey:   entry.BucketKey,
			Qty:         entry.Qty.String(),
		})
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	record := &SplitOutboxRecord{
		OrderId:         source.OrderId,
		BucketKey:       source.BucketKey,
		ConsumedEntryId: consuming.ID,
		Payload:         payloadJSON,
		PublishStatus:   OutboxPublishStatusPending,
		CorrelationId:   correlationId,
	}
	if err := tx.Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}
