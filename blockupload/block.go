package blockupload

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/bitrise-io/go-blockupload/uptoken"
	"github.com/bitrise-io/go-utils/v2/log"
)

// blockResult is what a worker hands back to the scheduler.
type blockResult struct {
	index     int
	token     string
	expiresAt time.Time
}

// blockUploader uploads and verifies single blocks.
type blockUploader struct {
	service      BlockService
	source       Source
	cred         uptoken.Credential
	endpoint     string
	control      Controller
	pollInterval time.Duration
	progress     *progressCounter
	logger       log.Logger
	totalBlocks  int
}

func (u *blockUploader) upload(ctx context.Context, b Block) (blockResult, error) {
	if err := awaitPermission(ctx, u.control, u.pollInterval, b.Index, u.logger); err != nil {
		return blockResult{}, err
	}

	data, err := u.source.ReadBlock(b)
	if err != nil {
		return blockResult{}, newBlockError(LocalIOFailure, "read block", b.Index, err)
	}

	finished, avg := u.progress.blockTimes()
	u.logger.Debugf("Uploading block %d/%d (%d bytes) [finished=%d] [avg=%v]",
		b.Index+1, u.totalBlocks, b.Size, finished, avg.Round(time.Millisecond))

	start := time.Now()
	receipt, err := u.service.CreateBlock(ctx, u.endpoint, u.cred, data)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return blockResult{}, newBlockError(UserCanceled, "create block", b.Index, err)
		}
		u.logger.Warnf("Block %d upload failed: %s", b.Index+1, err)
		return blockResult{}, transportError("create block", b.Index, err)
	}
	if receipt.Token == "" {
		return blockResult{}, transportError("create block", b.Index, fmt.Errorf("no block token in response"))
	}

	if local := crc32.ChecksumIEEE(data); local != receipt.CRC32 {
		u.logger.Warnf("Block %d checksum mismatch: local %d, remote %d", b.Index+1, local, receipt.CRC32)
		e := newBlockError(ChecksumMismatch, "verify block", b.Index, nil)
		e.Msg = fmt.Sprintf("local crc32 %d, remote crc32 %d", local, receipt.CRC32)
		return blockResult{}, e
	}

	took := time.Since(start)
	u.progress.add(b.Size, took)
	u.logger.Debugf("Block %d uploaded in %v", b.Index+1, took.Round(time.Millisecond))

	return blockResult{index: b.Index, token: receipt.Token, expiresAt: receipt.ExpiresAt}, nil
}
