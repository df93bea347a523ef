// Package metrics exposes the batch store counters behind a small collector
// interface so that components never depend on a metrics backend directly.
package metrics

// Write outcomes.
const (
	WriteAccepted = "accepted"
	WriteTooLarge = "too_large"
	WriteNoUnit   = "no_unit"
	WriteFailed   = "failed"
)

// Upload outcomes recorded by the upload worker.
const (
	UploadDelivered = "delivered"
	UploadRetry     = "retry"
	UploadRejected  = "rejected"
	UploadCancelled = "cancelled"
)

// StatsCollector receives store events. Implementations must be safe for
// concurrent use.
type StatsCollector interface {
	// IncWrite counts one Write call by outcome and event type.
	IncWrite(feature, outcome, eventType string)
	// IncUnitRemoved counts a unit leaving the store for the given reason
	// (delivered, obsolete, purged, dropped, migrated).
	IncUnitRemoved(feature, reason string)
	// IncUnitRotated counts a writable unit turning readable.
	IncUnitRotated(feature, trigger string)
	// IncBatchLocked counts a successful LockAndReadNext.
	IncBatchLocked(feature string)
	// AddSkippedRecords counts malformed records dropped while decoding.
	AddSkippedRecords(feature string, n int)
	// IncUpload counts one upload attempt by outcome.
	IncUpload(feature, outcome string)
	// SetPendingUnits reports the readable units waiting for upload.
	SetPendingUnits(feature string, n int)
}

// Default returns c, or a noop collector when c is nil.
func Default(c StatsCollector) StatsCollector {
	if c != nil {
		return c
	}
	return NewNoopStatsCollector()
}
