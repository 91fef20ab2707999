package blockupload

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-blockupload/internal"
	"github.com/bitrise-io/go-utils/v2/log"
	jsoniter "github.com/json-iterator/go"
)

var checkpointJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Checkpoint records which blocks of a source are already durably uploaded.
type Checkpoint struct {
	FileSize   int64 `json:"file_size"`
	BlockCount int   `json:"block_count"`
	// BlockTokens holds the continuation token of every confirmed block, an empty string marks a missing block.
	BlockTokens []string `json:"block_tokens"`
	// TokenExpiry applies to all tokens: the remote side invalidates them together.
	TokenExpiry time.Time `json:"token_expiry"`
}

// NewCheckpoint returns an empty checkpoint for a source of fileSize bytes.
func NewCheckpoint(fileSize int64) *Checkpoint {
	count := BlockCount(fileSize)
	return &Checkpoint{
		FileSize:    fileSize,
		BlockCount:  count,
		BlockTokens: make([]string, count),
	}
}

// Complete reports whether every block has a token.
func (c *Checkpoint) Complete() bool {
	return c.ConfirmedCount() == c.BlockCount
}

// ConfirmedCount returns the number of blocks with a token.
func (c *Checkpoint) ConfirmedCount() int {
	count := 0
	for _, token := range c.BlockTokens {
		if token != "" {
			count++
		}
	}
	return count
}

// ConfirmedBytes returns the total size of the blocks with a token.
func (c *Checkpoint) ConfirmedBytes() int64 {
	var total int64
	for i, token := range c.BlockTokens {
		if token == "" {
			continue
		}
		if i == c.BlockCount-1 {
			total += c.FileSize - int64(i)*BlockSize
		} else {
			total += BlockSize
		}
	}
	return total
}

func (c *Checkpoint) record(index int, token string, expiry time.Time) {
	c.BlockTokens[index] = token
	if c.TokenExpiry.IsZero() || expiry.Before(c.TokenExpiry) {
		c.TokenExpiry = expiry
	}
}

func (c *Checkpoint) validFor(fileSize int64, now time.Time) (bool, string) {
	switch {
	case c.FileSize != fileSize:
		return false, fmt.Sprintf("file size changed (%d -> %d)", c.FileSize, fileSize)
	case c.BlockCount != BlockCount(fileSize) || len(c.BlockTokens) != c.BlockCount:
		return false, "block layout does not match"
	case !now.Before(c.TokenExpiry):
		return false, fmt.Sprintf("block tokens expired at %s", c.TokenExpiry.Format(time.RFC3339))
	}
	return true, ""
}

// CheckpointStore persists checkpoints keyed by a local path.
type CheckpointStore interface {
	// Load returns the checkpoint stored at path if it is still usable for a source of fileSize bytes,
	// otherwise nil.
	Load(path string, fileSize int64) (*Checkpoint, error)
	// Save replaces the checkpoint stored at path.
	Save(path string, checkpoint *Checkpoint) error
	// Delete removes the checkpoint stored at path, it is a no-op if there is none.
	Delete(path string) error
}

// FileCheckpointStore keeps each checkpoint as a JSON file.
type FileCheckpointStore struct {
	os     internal.OsProxy
	now    func() time.Time
	logger log.Logger
}

// NewFileCheckpointStore ...
func NewFileCheckpointStore(logger log.Logger) *FileCheckpointStore {
	return newFileCheckpointStore(internal.RealOS{}, time.Now, logger)
}

func newFileCheckpointStore(osProxy internal.OsProxy, now func() time.Time, logger log.Logger) *FileCheckpointStore {
	return &FileCheckpointStore{
		os:     osProxy,
		now:    now,
		logger: logger,
	}
}

// Load ...
func (s *FileCheckpointStore) Load(path string, fileSize int64) (*Checkpoint, error) {
	data, err := s.os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debugf("No checkpoint at %s", path)
			return nil, nil
		}
		return nil, newError(LocalIOFailure, "load checkpoint", err)
	}

	var checkpoint Checkpoint
	if err := checkpointJSON.Unmarshal(data, &checkpoint); err != nil {
		s.logger.Warnf("Ignoring checkpoint %s: %s", path, newError(SerializationFailure, "load checkpoint", err))
		return nil, nil
	}

	if ok, reason := checkpoint.validFor(fileSize, s.now()); !ok {
		s.logger.Infof("Discarding checkpoint %s: %s", path, reason)
		return nil, nil
	}

	return &checkpoint, nil
}

// Save writes the checkpoint to a temporary file next to path and renames it over path,
// so a crash leaves either the previous or the new checkpoint.
func (s *FileCheckpointStore) Save(path string, checkpoint *Checkpoint) error {
	data, err := checkpointJSON.Marshal(checkpoint)
	if err != nil {
		return newError(SerializationFailure, "save checkpoint", err)
	}

	dir := filepath.Dir(path)
	if err := s.os.MkdirAll(dir, 0o755); err != nil {
		return newError(LocalIOFailure, "save checkpoint", err)
	}

	tmp, err := s.os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return newError(LocalIOFailure, "save checkpoint", err)
	}
	tmpPath := tmp.Name()

	if err := writeAndSync(tmp, data); err != nil {
		if rmErr := s.os.Remove(tmpPath); rmErr != nil {
			s.logger.Warnf("Failed to remove %s: %s", tmpPath, rmErr)
		}
		return newError(LocalIOFailure, "save checkpoint", err)
	}

	if err := s.os.Rename(tmpPath, path); err != nil {
		if rmErr := s.os.Remove(tmpPath); rmErr != nil {
			s.logger.Warnf("Failed to remove %s: %s", tmpPath, rmErr)
		}
		return newError(LocalIOFailure, "save checkpoint", err)
	}

	return nil
}

// Delete ...
func (s *FileCheckpointStore) Delete(path string) error {
	if err := s.os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return newError(LocalIOFailure, "delete checkpoint", err)
	}
	return nil
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync: %w", err)
	}
	return f.Close()
}
