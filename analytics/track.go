package analytics

import (
	"time"

	"github.com/bitrise-io/go-blockupload/blockupload"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	BuildSlugEnvKey = "BITRISE_BUILD_SLUG"
	AppSlugEnvKey   = "BITRISE_APP_SLUG"
)

// UploadTracker sends upload lifecycle events.
type UploadTracker struct {
	tracker analytics.Tracker
}

// NewUploadTracker creates a tracker whose events carry the upload's common properties.
func NewUploadTracker(repository env.Repository, trackerFactory TrackerFactory, backend string, concurrency int) *UploadTracker {
	p := analytics.Properties{
		"backend":           backend,
		"block_concurrency": concurrency,
		"block_size_bytes":  blockupload.BlockSize,
		"build_slug":        repository.Get(BuildSlugEnvKey),
		"app_slug":          repository.Get(AppSlugEnvKey),
	}
	return &UploadTracker{tracker: trackerFactory(p)}
}

// NewDefaultUploadTracker ...
func NewDefaultUploadTracker(repository env.Repository, logger log.Logger, backend string, concurrency int) *UploadTracker {
	factory := func(p ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, p...)
	}
	return NewUploadTracker(repository, factory, backend, concurrency)
}

// LogBatch can be used as a blockupload.BatchObserver.
func (t *UploadTracker) LogBatch(e blockupload.BatchEvent) {
	t.tracker.Enqueue("blockupload_batch_persisted", analytics.Properties{
		"block_count":      len(e.Blocks),
		"batch_size_bytes": e.Bytes,
		"batch_time_ms":    e.Duration.Milliseconds(),
		"confirmed_blocks": e.Confirmed,
		"total_blocks":     e.TotalBlocks,
	})
}

// LogUploaded ...
func (t *UploadTracker) LogUploaded(result *blockupload.Result, size int64) {
	t.tracker.Enqueue("blockupload_object_uploaded", analytics.Properties{
		"upload_time_s":     result.Duration.Truncate(time.Second).Seconds(),
		"upload_size_bytes": size,
		"uploaded_blocks":   result.UploadedBlocks,
		"reused_blocks":     result.ReusedBlocks,
	})
}

// LogFailed ...
func (t *UploadTracker) LogFailed(result *blockupload.Result, attempt uint) {
	t.tracker.Enqueue("blockupload_upload_failed", analytics.Properties{
		"error_code":      string(result.Code),
		"attempt":         attempt,
		"uploaded_blocks": result.UploadedBlocks,
		"reused_blocks":   result.ReusedBlocks,
	})
}

// Wait blocks until queued events are sent.
func (t *UploadTracker) Wait() {
	t.tracker.Wait()
}
