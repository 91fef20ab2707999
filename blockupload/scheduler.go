package blockupload

import (
	"context"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxBlockConcurrency is the upper bound of parallel block uploads.
	MaxBlockConcurrency = 64
	// DefaultBlockConcurrency ...
	DefaultBlockConcurrency = 1
)

// clampConcurrency keeps values in [1, MaxBlockConcurrency], anything outside falls back to 1.
func clampConcurrency(c int) int {
	if c < 1 || c > MaxBlockConcurrency {
		return DefaultBlockConcurrency
	}
	return c
}

// scheduler uploads the missing blocks of a checkpoint in batches of at most concurrency blocks.
// Every batch is joined before the next one starts and the checkpoint is saved after each batch.
type scheduler struct {
	uploader       *blockUploader
	store          CheckpointStore
	checkpointPath string
	concurrency    int
	observer       BatchObserver
	logger         log.Logger
}

// run returns the number of blocks uploaded during this call.
func (s *scheduler) run(ctx context.Context, blocks []Block, checkpoint *Checkpoint) (int, error) {
	pending := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if checkpoint.BlockTokens[b.Index] == "" {
			pending = append(pending, b)
		}
	}

	s.logger.Debugf("%d of %d blocks to upload, %d parallel", len(pending), len(blocks), s.concurrency)

	uploaded := 0
	for start := 0; start < len(pending); start += s.concurrency {
		end := start + s.concurrency
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		batchStart := time.Now()
		results, err := s.runBatch(ctx, batch)
		if err != nil {
			return uploaded, err
		}

		var batchBytes int64
		indexes := make([]int, 0, len(batch))
		for i, r := range results {
			checkpoint.record(r.index, r.token, r.expiresAt)
			batchBytes += batch[i].Size
			indexes = append(indexes, r.index)
		}
		uploaded += len(batch)

		saved := false
		if s.checkpointPath != "" {
			if err := s.store.Save(s.checkpointPath, checkpoint); err != nil {
				return uploaded, err
			}
			saved = true
		}

		if s.observer != nil {
			s.observer(BatchEvent{
				Blocks:        indexes,
				Bytes:         batchBytes,
				Duration:      time.Since(batchStart),
				Confirmed:     checkpoint.ConfirmedCount(),
				TotalBlocks:   checkpoint.BlockCount,
				CheckpointSet: saved,
			})
		}
	}

	return uploaded, nil
}

// runBatch dispatches one worker per block and waits for all of them.
// Results are only read after the barrier, and are discarded if any worker failed or the batch was aborted.
func (s *scheduler) runBatch(ctx context.Context, batch []Block) ([]blockResult, error) {
	results := make([]blockResult, len(batch))

	var group errgroup.Group
	var dispatchErr error
	for i, b := range batch {
		if err := awaitPermission(ctx, s.uploader.control, s.uploader.pollInterval, b.Index, s.logger); err != nil {
			dispatchErr = err
			break
		}

		i, b := i, b
		group.Go(func() error {
			r, err := s.uploader.upload(ctx, b)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}

	// join barrier: no worker is abandoned, even when dispatch stopped early
	workerErr := group.Wait()

	if dispatchErr != nil {
		s.logger.Warnf("Upload aborted, discarding the results of the current batch")
		return nil, dispatchErr
	}
	// an abort that arrived while workers were in flight outranks their failures
	if s.uploader.control() == Aborted || ctx.Err() != nil {
		s.logger.Warnf("Upload aborted, discarding the results of the current batch")
		if KindOf(workerErr) == UserCanceled {
			return nil, workerErr
		}
		return nil, newError(UserCanceled, "run batch", ctx.Err())
	}
	if workerErr != nil {
		return nil, workerErr
	}
	return results, nil
}
