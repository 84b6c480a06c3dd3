// Package metrics provides constants used across metric definitions.
package metrics

import "time"

// Operation type constants passed to Recorder methods.
const (
	// OpAssessment is one full extract, classify and publish cycle.
	OpAssessment = "assessment"
	// OpExtract is feature extraction over a snapshot.
	OpExtract = "extract"
	// OpClassify is one classifier inference.
	OpClassify = "classify"
	// OpModelLoad is a model load attempt.
	OpModelLoad = "model_load"
	// OpPublish is a publisher update.
	OpPublish = "publish"
	// OpTrigger is a Trigger call on the orchestrator.
	OpTrigger = "trigger"
	// OpDbInsert represents database insert operations.
	OpDbInsert = "db_insert"
	// OpDbQuery represents database query operations.
	OpDbQuery = "db_query"
	// OpCacheGet represents cache get operations.
	OpCacheGet = "cache_get"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Trigger outcome label values.
const (
	TriggerAccepted  = "accepted"
	TriggerGated     = "gated"
	TriggerLimited   = "rate_limited"
	TriggerCoalesced = "coalesced"
)

// Histogram bucket configuration constants.
const (
	// BucketStart100us is the starting bucket for 0.1ms histograms (0.1ms to ~400ms range).
	BucketStart100us = 0.0001
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~1s range).
	BucketStart1ms = 0.001
	// BucketStart64B is the starting bucket for 64 byte histograms.
	BucketStart64B = 64.0

	BucketFactor2 = 2

	BucketCount10 = 10
	BucketCount12 = 12
)

// Time and conversion constants.
const (
	// ShutdownTimeout is the timeout for graceful shutdown operations.
	ShutdownTimeout = 5 * time.Second
)
