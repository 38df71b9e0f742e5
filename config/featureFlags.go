package config

import (
	"os"
	"strings"
)

// PublishSplitEvents enables the split outbox dispatcher. When disabled,
// outbox rows are still written (the ledger mutation stays auditable) but
// nothing is pushed to Pub/Sub.
//
// Set via env:
// - PUBLISH_SPLIT_EVENTS=true
func PublishSplitEvents() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("PUBLISH_SPLIT_EVENTS")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// SplitRedisGuardEnabled puts a best-effort redislock in front of split
// execution. Correctness never depends on it; the MySQL advisory lock inside
// the transaction is authoritative.
//
// Set via env:
// - SPLIT_REDIS_GUARD=true
func SplitRedisGuardEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SPLIT_REDIS_GUARD")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
