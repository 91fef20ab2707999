package cli

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-blockupload/blockupload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const (
	backendHTTP = "http"
	backendS3   = "s3"

	tokenEnvKey         = "BLOCKUPLOAD_TOKEN"
	hostEnvKey          = "BLOCKUPLOAD_HOST"
	checkpointDirEnvKey = "BLOCKUPLOAD_CHECKPOINT_DIR"
	regionEnvKey        = "AWS_REGION"

	defaultCheckpointDir = "~/.blockupload/checkpoints"
	defaultRetries       = 3
	defaultRetryWait     = 5 * time.Second
)

// Config holds the parsed command line.
type Config struct {
	Sources       []string
	Key           string
	Token         string
	Backend       string
	Host          string
	Region        string
	Bucket        string
	Concurrency   int
	CheckpointDir string
	NoResume      bool
	MimeType      string
	Metadata      map[string]string
	Retries       int
	RetryWait     time.Duration
	Verbose       bool
	Track         bool
}

func defaultConfig(envRepo env.Repository) Config {
	checkpointDir := envRepo.Get(checkpointDirEnvKey)
	if checkpointDir == "" {
		checkpointDir = defaultCheckpointDir
	}
	return Config{
		Token:         envRepo.Get(tokenEnvKey),
		Host:          envRepo.Get(hostEnvKey),
		Region:        envRepo.Get(regionEnvKey),
		Backend:       backendHTTP,
		Concurrency:   blockupload.DefaultBlockConcurrency,
		CheckpointDir: checkpointDir,
		Retries:       defaultRetries,
		RetryWait:     defaultRetryWait,
	}
}

func (c Config) validate() error {
	if len(c.Sources) == 0 {
		return errors.New("at least one source file is required")
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("upload token is required (--token or %s)", tokenEnvKey)
	}
	switch c.Backend {
	case backendHTTP:
		if c.Host == "" {
			return fmt.Errorf("upload host is required for the %s backend (--host or %s)", backendHTTP, hostEnvKey)
		}
	case backendS3:
		if c.Region == "" {
			return fmt.Errorf("region is required for the %s backend (--region or %s)", backendS3, regionEnvKey)
		}
	default:
		return fmt.Errorf("unknown backend %q, should be one of [%s|%s]", c.Backend, backendHTTP, backendS3)
	}
	if c.Retries < 1 {
		return errors.New("retries less than 1")
	}
	for k := range c.Metadata {
		if !strings.HasPrefix(k, blockupload.MetadataPrefix) {
			return fmt.Errorf("metadata key %q should start with %q", k, blockupload.MetadataPrefix)
		}
	}
	return nil
}

// objectKey returns the key of source: the --key flag for a single source, a key prefix for multiple sources.
func (c Config) objectKey(source string) string {
	base := filepath.Base(source)
	if c.Key == "" {
		return base
	}
	if len(c.Sources) == 1 {
		return c.Key
	}
	return strings.TrimRight(c.Key, "/") + "/" + base
}

// checkpointPath derives a stable checkpoint file name from the source, the key and the bucket of the upload.
func checkpointPath(modifier pathutil.PathModifier, dir, source, key, bucket string) (string, error) {
	absDir, err := modifier.AbsPath(dir)
	if err != nil {
		return "", fmt.Errorf("checkpoint dir: %w", err)
	}
	absSource, err := modifier.AbsPath(source)
	if err != nil {
		return "", fmt.Errorf("source path: %w", err)
	}

	h := sha256.New()
	if _, err := h.Write([]byte(strings.Join([]string{absSource, bucket, key}, "\n"))); err != nil {
		return "", fmt.Errorf("write sha256: %w", err)
	}
	return filepath.Join(absDir, fmt.Sprintf("%x.json", h.Sum(nil))), nil
}
