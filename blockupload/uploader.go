package blockupload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-blockupload/uptoken"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Options configures a single upload.
type Options struct {
	// BlockConcurrency is the number of blocks uploaded in parallel, values outside [1, 64] mean 1.
	BlockConcurrency int
	// CheckpointPath is where progress is persisted. Empty disables resuming.
	CheckpointPath string
	// Progress is called with the cumulative number of uploaded bytes.
	Progress ProgressFunc
	// Control is polled to pause or abort the upload.
	Control Controller
	// PollInterval is how often a suspended Control is polled again.
	PollInterval time.Duration
	// MimeType of the object, left to the server when empty.
	MimeType string
	// FileName stored with the object.
	FileName string
	// Metadata holds custom fields, only the ones starting with MetadataPrefix are sent.
	Metadata map[string]string
}

// DefaultOptions ...
func DefaultOptions() Options {
	return Options{
		BlockConcurrency: DefaultBlockConcurrency,
		Progress:         NoProgress,
		Control:          AlwaysActivated,
		PollInterval:     DefaultPollInterval,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	o.BlockConcurrency = clampConcurrency(o.BlockConcurrency)
	if o.Progress == nil {
		o.Progress = defaults.Progress
	}
	if o.Control == nil {
		o.Control = defaults.Control
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaults.PollInterval
	}
	return o
}

// Result is the outcome of an upload.
type Result struct {
	Object *Object
	// Code is KindNone on success.
	Code    Kind
	Message string

	UploadedBlocks int
	ReusedBlocks   int
	Duration       time.Duration
}

// Uploader uploads sources through a BlockService.
type Uploader struct {
	service  BlockService
	store    CheckpointStore
	observer BatchObserver
	logger   log.Logger
	parse    func(string) (uptoken.Credential, error)
	now      func() time.Time
}

// Option customizes an Uploader.
type Option func(*Uploader)

// WithLogger ...
func WithLogger(logger log.Logger) Option {
	return func(u *Uploader) {
		u.logger = logger
	}
}

// WithCheckpointStore replaces the file based checkpoint store.
func WithCheckpointStore(store CheckpointStore) Option {
	return func(u *Uploader) {
		u.store = store
	}
}

// WithBatchObserver registers a callback for every persisted batch.
func WithBatchObserver(observer BatchObserver) Option {
	return func(u *Uploader) {
		u.observer = observer
	}
}

// New creates an Uploader.
func New(service BlockService, opts ...Option) *Uploader {
	u := &Uploader{
		service: service,
		logger:  log.NewLogger(),
		parse:   uptoken.Parse,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.store == nil {
		u.store = NewFileCheckpointStore(u.logger)
	}
	return u
}

// UploadFile uploads the file at path to key. FileName defaults to the base name of path.
func (u *Uploader) UploadFile(ctx context.Context, path, key, credential string, opts Options) (*Result, error) {
	if _, err := u.parse(credential); err != nil {
		return failed(&Result{}, newError(InvalidCredential, "parse credential", err), time.Now())
	}

	source, err := OpenFileSource(path)
	if err != nil {
		return failed(&Result{}, newError(LocalIOFailure, "open source", err), time.Now())
	}
	defer func() {
		if err := source.Close(); err != nil {
			u.logger.Warnf("Failed to close %s: %s", path, err)
		}
	}()

	if opts.FileName == "" {
		opts.FileName = filepath.Base(path)
	}

	return u.Upload(ctx, source, key, credential, opts)
}

// Upload uploads source to key, resuming from opts.CheckpointPath when it holds a usable checkpoint.
// Every failure is returned both as an *Error and in the Code of the Result.
func (u *Uploader) Upload(ctx context.Context, source Source, key, credential string, opts Options) (*Result, error) {
	started := time.Now()
	result := &Result{}
	opts = opts.withDefaults()

	cred, err := u.parse(credential)
	if err != nil {
		return failed(result, newError(InvalidCredential, "parse credential", err), started)
	}
	if cred.Expired(u.now()) {
		e := newError(InvalidCredential, "parse credential", nil)
		e.Msg = fmt.Sprintf("token expired at %s", cred.Deadline.Format(time.RFC3339))
		return failed(result, e, started)
	}

	size := source.Size()
	blocks, err := Plan(size)
	if err != nil {
		return failed(result, newError(LocalIOFailure, "plan blocks", err), started)
	}
	u.logger.Infof("Uploading %s in %d blocks of %s", units.HumanSizeWithPrecision(float64(size), 3),
		len(blocks), units.HumanSize(float64(BlockSize)))

	checkpoint, err := u.loadCheckpoint(opts.CheckpointPath, size)
	if err != nil {
		return failed(result, err, started)
	}
	result.ReusedBlocks = checkpoint.ConfirmedCount()
	if result.ReusedBlocks > 0 {
		u.logger.Infof("Resuming: %d of %d blocks already uploaded", result.ReusedBlocks, len(blocks))
	}

	endpoint, err := u.service.ResolveEndpoint(ctx, cred)
	if err != nil {
		return failed(result, transportError("resolve endpoint", -1, err), started)
	}
	u.logger.Debugf("Upload endpoint: %s", endpoint)

	progress := newProgressCounter(checkpoint.ConfirmedBytes(), size, opts.Progress)
	s := &scheduler{
		uploader: &blockUploader{
			service:      u.service,
			source:       source,
			cred:         cred,
			endpoint:     endpoint,
			control:      opts.Control,
			pollInterval: opts.PollInterval,
			progress:     progress,
			logger:       u.logger,
			totalBlocks:  len(blocks),
		},
		store:          u.store,
		checkpointPath: opts.CheckpointPath,
		concurrency:    opts.BlockConcurrency,
		observer:       u.observer,
		logger:         u.logger,
	}

	uploaded, err := s.run(ctx, blocks, checkpoint)
	result.UploadedBlocks = uploaded
	if finished, avg := progress.blockTimes(); finished > 0 {
		u.logger.Debugf("Block uploads: %d finished, %s average", finished, avg.Round(time.Millisecond))
	}
	if err != nil {
		return failed(result, err, started)
	}

	f := &finalizer{
		service:        u.service,
		store:          u.store,
		checkpointPath: opts.CheckpointPath,
		logger:         u.logger,
	}
	object, err := f.finalize(ctx, checkpoint, finalizeParams{
		endpoint: endpoint,
		cred:     cred,
		key:      key,
		fileName: opts.FileName,
		mimeType: opts.MimeType,
		metadata: opts.Metadata,
	})
	if err != nil {
		return failed(result, err, started)
	}

	result.Object = &object
	result.Duration = time.Since(started)
	u.logger.Donef("Uploaded %s as %s in %s", units.HumanSizeWithPrecision(float64(progress.value()), 3),
		object.Key, result.Duration.Round(time.Second))

	return result, nil
}

func (u *Uploader) loadCheckpoint(path string, size int64) (*Checkpoint, error) {
	if path == "" {
		return NewCheckpoint(size), nil
	}

	checkpoint, err := u.store.Load(path, size)
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		return NewCheckpoint(size), nil
	}
	return checkpoint, nil
}

func failed(result *Result, err error, started time.Time) (*Result, error) {
	var e *Error
	if !errors.As(err, &e) {
		e = newError(LocalIOFailure, "upload", err)
		err = e
	}
	result.Code = e.Kind
	result.Message = e.Error()
	result.Duration = time.Since(started)
	return result, fmt.Errorf("upload failed: %w", err)
}
