package analytics

import (
	"testing"
	"time"

	"github.com/bitrise-io/go-blockupload/analytics/mocks"
	"github.com/bitrise-io/go-blockupload/blockupload"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/stretchr/testify/mock"
)

func newTestTracker(t *testing.T) (*UploadTracker, *mocks.Tracker) {
	repository := new(mocks.Repository)
	repository.On("Get", BuildSlugEnvKey).Return("build-1")
	repository.On("Get", AppSlugEnvKey).Return("app-1")

	tracker := new(mocks.Tracker)
	factory := new(mocks.TrackerFactory)
	factory.On("Execute", analytics.Properties{
		"backend":           "s3",
		"block_concurrency": 4,
		"block_size_bytes":  blockupload.BlockSize,
		"build_slug":        "build-1",
		"app_slug":          "app-1",
	}).Return(tracker)

	uploadTracker := NewUploadTracker(repository, factory.Execute, "s3", 4)
	factory.AssertExpectations(t)
	return uploadTracker, tracker
}

func TestUploadTrackerLogBatch(t *testing.T) {
	uploadTracker, tracker := newTestTracker(t)
	tracker.On("Enqueue", "blockupload_batch_persisted", analytics.Properties{
		"block_count":      2,
		"batch_size_bytes": int64(8388608),
		"batch_time_ms":    int64(1500),
		"confirmed_blocks": 2,
		"total_blocks":     3,
	}).Return()

	uploadTracker.LogBatch(blockupload.BatchEvent{
		Blocks:      []int{0, 1},
		Bytes:       8388608,
		Duration:    1500 * time.Millisecond,
		Confirmed:   2,
		TotalBlocks: 3,
	})

	tracker.AssertExpectations(t)
}

func TestUploadTrackerLogResults(t *testing.T) {
	uploadTracker, tracker := newTestTracker(t)
	tracker.On("Enqueue", "blockupload_object_uploaded", analytics.Properties{
		"upload_time_s":     float64(12),
		"upload_size_bytes": int64(10_000_000),
		"uploaded_blocks":   2,
		"reused_blocks":     1,
	}).Return()
	tracker.On("Enqueue", "blockupload_upload_failed", mock.MatchedBy(func(p analytics.Properties) bool {
		return p["error_code"] == "checksum_mismatch" && p["attempt"] == uint(1)
	})).Return()
	tracker.On("Wait").Return()

	uploadTracker.LogUploaded(&blockupload.Result{
		UploadedBlocks: 2,
		ReusedBlocks:   1,
		Duration:       12*time.Second + 300*time.Millisecond,
	}, 10_000_000)
	uploadTracker.LogFailed(&blockupload.Result{Code: blockupload.ChecksumMismatch}, 1)
	uploadTracker.Wait()

	tracker.AssertExpectations(t)
}
