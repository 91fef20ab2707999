// Package cli implements the blockupload command.
package cli

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-blockupload/blockupload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/spf13/cobra"
)

// runUploads is replaced in tests.
var runUploads = uploadAll

// NewRootCommand creates the root command, flag defaults are read from envRepo.
func NewRootCommand(envRepo env.Repository, logger log.Logger) *cobra.Command {
	cfg := defaultConfig(envRepo)

	cmd := &cobra.Command{
		Use:           "blockupload <file>...",
		Example:       "blockupload build/app.ipa --key releases/app.ipa --host upload.example.com -c 4",
		Short:         "Resumable block upload of large files.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return errors.New("source file required")
			}
			return nil
		},
		PreRunE: func(cmd *cobra.Command, args []string) error {
			logger.EnableDebugLog(cfg.Verbose)

			sources, err := expandSources(args, pathutil.NewPathModifier(), logger)
			if err != nil {
				return err
			}
			cfg.Sources = sources

			if cfg.Concurrency < 1 || cfg.Concurrency > blockupload.MaxBlockConcurrency {
				logger.Warnf("Concurrency %d is out of range [1, %d], uploading blocks one by one", cfg.Concurrency, blockupload.MaxBlockConcurrency)
			}
			return cfg.validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUploads(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.Key, "key", "k", "", "Object key, a key prefix when uploading multiple files")
	flags.StringVar(&cfg.Token, "token", cfg.Token, fmt.Sprintf("Upload token [$%s]", tokenEnvKey))
	flags.StringVar(&cfg.Backend, "backend", cfg.Backend, fmt.Sprintf("Block service [%s|%s]", backendHTTP, backendS3))
	flags.StringVar(&cfg.Host, "host", cfg.Host, fmt.Sprintf("Upload host of the %s backend [$%s]", backendHTTP, hostEnvKey))
	flags.StringVar(&cfg.Region, "region", cfg.Region, fmt.Sprintf("AWS region of the %s backend [$%s]", backendS3, regionEnvKey))
	flags.StringVar(&cfg.Bucket, "bucket", "", fmt.Sprintf("Bucket of the %s backend, defaults to the bucket of the token", backendS3))
	flags.IntVarP(&cfg.Concurrency, "concurrency", "c", cfg.Concurrency, "Number of blocks uploaded in parallel")
	flags.StringVar(&cfg.CheckpointDir, "checkpoint-dir", cfg.CheckpointDir, fmt.Sprintf("Directory of resume checkpoints [$%s]", checkpointDirEnvKey))
	flags.BoolVar(&cfg.NoResume, "no-resume", false, "Do not read or write checkpoints")
	flags.StringVar(&cfg.MimeType, "mime-type", "", "MIME type of the object, detected from the content when empty")
	flags.StringToStringVar(&cfg.Metadata, "meta", nil, fmt.Sprintf("Custom metadata, keys start with %q", blockupload.MetadataPrefix))
	flags.IntVar(&cfg.Retries, "retries", cfg.Retries, "Number of attempts per file, resuming from the checkpoint")
	flags.DurationVar(&cfg.RetryWait, "retry-wait", cfg.RetryWait, "Wait between attempts")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVar(&cfg.Track, "track", false, "Send upload analytics")

	return cmd
}

// Execute executes the root command.
func Execute() error {
	return NewRootCommand(env.NewRepository(), log.NewLogger()).Execute()
}
