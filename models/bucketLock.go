package models

import (
	"fmt"

	"bitbucket.org/mmdatafocus/rollstock_backend/utils"
	"gorm.io/gorm"
)

// AcquireBucketPostingLock serializes split posting per bucket with a MySQL
// advisory lock. It reduces lock-wait churn between concurrent splits of the
// same bucket; strict ordering is still guaranteed by the FOR UPDATE
// aggregate read, whose row locks are held to commit.
func AcquireBucketPostingLock(tx *gorm.DB, bucketKey string) error {
	lockName := fmt.Sprintf("split:%s", bucketKey)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 10)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return utils.ConflictError("another split for bucket %s is in progress", bucketKey)
	}
	return nil
}

func ReleaseBucketPostingLock(tx *gorm.DB, bucketKey string) {
	lockName := fmt.Sprintf("split:%s", bucketKey)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
