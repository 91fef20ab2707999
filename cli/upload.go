package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-blockupload/analytics"
	"github.com/bitrise-io/go-blockupload/blockupload"
	"github.com/bitrise-io/go-blockupload/network"
	"github.com/bitrise-io/go-blockupload/network/s3blocks"
	"github.com/bitrise-io/go-blockupload/uptoken"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
)

const progressLogInterval = 5 * time.Second

type fileUploader interface {
	UploadFile(ctx context.Context, path, key, credential string, opts blockupload.Options) (*blockupload.Result, error)
}

type uploadRun struct {
	cfg      Config
	uploader fileUploader
	control  *blockupload.SwitchController
	tracker  *analytics.UploadTracker
	modifier pathutil.PathModifier
	logger   log.Logger
}

func uploadAll(ctx context.Context, cfg Config, logger log.Logger) error {
	bucket, err := checkpointBucket(cfg)
	if err != nil {
		return err
	}
	cfg.Bucket = bucket

	service, err := newBlockService(ctx, cfg, logger)
	if err != nil {
		return err
	}

	control := blockupload.NewSwitchController()
	stop := watchSignals(control, logger)
	defer stop()

	opts := []blockupload.Option{blockupload.WithLogger(logger)}
	var tracker *analytics.UploadTracker
	if cfg.Track {
		tracker = analytics.NewDefaultUploadTracker(env.NewRepository(), logger, cfg.Backend, cfg.Concurrency)
		defer tracker.Wait()
		opts = append(opts, blockupload.WithBatchObserver(tracker.LogBatch))
	}

	r := uploadRun{
		cfg:      cfg,
		uploader: blockupload.New(service, opts...),
		control:  control,
		tracker:  tracker,
		modifier: pathutil.NewPathModifier(),
		logger:   logger,
	}
	return r.uploadAll(ctx)
}

// checkpointBucket is the bucket that scopes checkpoint names, the bucket of the token unless --bucket overrides it.
func checkpointBucket(cfg Config) (string, error) {
	if cfg.Bucket != "" {
		return cfg.Bucket, nil
	}
	cred, err := uptoken.Parse(cfg.Token)
	if err != nil {
		return "", fmt.Errorf("invalid upload token: %w", err)
	}
	return cred.Bucket, nil
}

func newBlockService(ctx context.Context, cfg Config, logger log.Logger) (blockupload.BlockService, error) {
	switch cfg.Backend {
	case backendS3:
		service, err := s3blocks.New(ctx, s3blocks.Params{
			Region: cfg.Region,
			Bucket: cfg.Bucket,
		}, logger)
		if err != nil {
			return nil, err
		}
		return service, nil
	default:
		return network.NewClient(network.StaticResolver{Host: cfg.Host}, logger), nil
	}
}

func (r uploadRun) uploadAll(ctx context.Context) error {
	var failed []string
	for _, source := range r.cfg.Sources {
		err := r.uploadWithRetry(ctx, source)
		if err == nil {
			continue
		}
		if blockupload.KindOf(err) == blockupload.UserCanceled {
			return err
		}
		r.logger.Errorf("Failed to upload %s: %s", source, err)
		failed = append(failed, source)
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d uploads failed", len(failed), len(r.cfg.Sources))
	}
	return nil
}

// uploadWithRetry restarts failed uploads, each attempt resumes from the checkpoint of the previous one.
func (r uploadRun) uploadWithRetry(ctx context.Context, source string) error {
	key := r.cfg.objectKey(source)
	opts, err := r.options(source, key)
	if err != nil {
		return err
	}

	r.logger.Println()
	r.logger.Infof("Uploading %s to %s", source, key)

	return retry.Times(uint(r.cfg.Retries - 1)).Wait(r.cfg.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt != 0 {
			r.logger.Debugf("Retrying upload... (attempt %d)", attempt+1)
		}

		result, err := r.uploader.UploadFile(ctx, source, key, r.cfg.Token, opts)
		if err != nil {
			if r.tracker != nil {
				r.tracker.LogFailed(result, attempt)
			}
			retryable := blockupload.IsRetryable(err) && ctx.Err() == nil
			if retryable {
				r.logger.Warnf("Attempt %d failed: %s", attempt+1, err)
			}
			return err, !retryable
		}

		if r.tracker != nil {
			r.tracker.LogUploaded(result, result.Object.Size)
		}
		r.logger.Printf("Key: %s", result.Object.Key)
		if result.Object.Hash != "" {
			r.logger.Printf("Hash: %s", result.Object.Hash)
		}
		return nil, false
	})
}

func (r uploadRun) options(source, key string) (blockupload.Options, error) {
	opts := blockupload.DefaultOptions()
	opts.BlockConcurrency = r.cfg.Concurrency
	opts.Control = r.control.Action
	opts.Metadata = r.cfg.Metadata
	opts.Progress = progressLogger(r.logger, progressLogInterval)

	opts.MimeType = r.cfg.MimeType
	if opts.MimeType == "" {
		opts.MimeType = detectMimeType(source, r.logger)
	}

	if !r.cfg.NoResume {
		path, err := checkpointPath(r.modifier, r.cfg.CheckpointDir, source, key, r.cfg.Bucket)
		if err != nil {
			return blockupload.Options{}, err
		}
		r.logger.Debugf("Checkpoint: %s", path)
		opts.CheckpointPath = path
	}

	return opts, nil
}

// progressLogger logs the progress at most once per interval and always at completion.
func progressLogger(logger log.Logger, interval time.Duration) blockupload.ProgressFunc {
	var mu sync.Mutex
	var last time.Time
	return func(uploaded, total int64) {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if uploaded < total && now.Sub(last) < interval {
			return
		}
		last = now

		percent := 100.0
		if total > 0 {
			percent = float64(uploaded) * 100 / float64(total)
		}
		logger.Printf("%s / %s (%.1f%%)", units.HumanSizeWithPrecision(float64(uploaded), 3),
			units.HumanSizeWithPrecision(float64(total), 3), percent)
	}
}
