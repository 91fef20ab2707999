// Package s3blocks implements the block protocol on top of an S3 bucket.
//
// Every block is written as a staging object with a CRC32 checksum and its key is used as the block token.
// Composing the object streams the staged blocks in token order into the final key, then removes them.
// Staged blocks are expected to be cleaned up by a bucket lifecycle rule after StagingTTL.
package s3blocks

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-blockupload/blockupload"
	"github.com/bitrise-io/go-blockupload/uptoken"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

const (
	// DefaultStagingPrefix is where blocks are staged before composing.
	DefaultStagingPrefix = "blockupload-staging"
	// DefaultStagingTTL should match the expiration of the staging prefix lifecycle rule.
	DefaultStagingTTL = 7 * 24 * time.Hour

	maxDeleteBatch = 1000
)

// API is the subset of the S3 client the service uses.
type API interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Params configures the S3 connection.
type Params struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Bucket overrides the bucket of the upload credential when set.
	Bucket        string
	StagingPrefix string
	StagingTTL    time.Duration
}

// Service implements blockupload.BlockService.
type Service struct {
	client        API
	bucket        string
	stagingPrefix string
	stagingTTL    time.Duration
	partSize      int64
	now           func() time.Time
	logger        log.Logger
}

// New loads the AWS configuration and creates a Service.
func New(ctx context.Context, params Params, logger log.Logger) (*Service, error) {
	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(*cfg), params, logger), nil
}

// NewWithClient creates a Service on top of an existing client.
func NewWithClient(client API, params Params, logger log.Logger) *Service {
	s := &Service{
		client:        client,
		bucket:        params.Bucket,
		stagingPrefix: strings.Trim(params.StagingPrefix, "/"),
		stagingTTL:    params.StagingTTL,
		partSize:      manager.DefaultUploadPartSize,
		now:           time.Now,
		logger:        logger,
	}
	if s.stagingPrefix == "" {
		s.stagingPrefix = DefaultStagingPrefix
	}
	if s.stagingTTL <= 0 {
		s.stagingTTL = DefaultStagingTTL
	}
	return s
}

// ResolveEndpoint returns the bucket blocks are staged in.
func (s *Service) ResolveEndpoint(_ context.Context, cred uptoken.Credential) (string, error) {
	if s.bucket != "" {
		return s.bucket, nil
	}
	if cred.Bucket == "" {
		return "", fmt.Errorf("no bucket in credential")
	}
	return cred.Bucket, nil
}

// CreateBlock stages the block and returns its key as token.
func (s *Service) CreateBlock(ctx context.Context, bucket string, _ uptoken.Credential, data []byte) (blockupload.BlockReceipt, error) {
	key := fmt.Sprintf("%s/%s", s.stagingPrefix, uuid.New().String())

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(data),
		ContentLength:     aws.Int64(int64(len(data))),
		ChecksumAlgorithm: types.ChecksumAlgorithmCrc32,
	})
	if err != nil {
		return blockupload.BlockReceipt{}, toResponseError(err)
	}

	if out == nil || out.ChecksumCRC32 == nil {
		return blockupload.BlockReceipt{}, fmt.Errorf("no CRC32 checksum in response for %s", key)
	}
	crc, err := decodeCRC32(*out.ChecksumCRC32)
	if err != nil {
		return blockupload.BlockReceipt{}, fmt.Errorf("decode checksum of %s: %w", key, err)
	}

	s.logger.Debugf("Staged block as s3://%s/%s", bucket, key)

	return blockupload.BlockReceipt{
		Token:     key,
		CRC32:     crc,
		ExpiresAt: s.now().Add(s.stagingTTL),
	}, nil
}

// MakeFile streams the staged blocks into the final object and deletes them on success.
func (s *Service) MakeFile(ctx context.Context, bucket string, cred uptoken.Credential, r blockupload.MakeFileRequest) (blockupload.Object, error) {
	key := r.Key
	if key == "" {
		key = cred.Key
	}
	if key == "" {
		return blockupload.Object{}, &blockupload.ResponseError{StatusCode: http.StatusBadRequest, Body: "object key must not be empty"}
	}

	s.logger.Debugf("Merging %d staged blocks into s3://%s/%s", len(r.Tokens), bucket, key)

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.streamBlocks(ctx, bucket, r.Tokens, pw))
	}()

	input := &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Body:     pr,
		Metadata: objectMetadata(r.Metadata),
	}
	if r.MimeType != "" {
		input.ContentType = aws.String(r.MimeType)
	}
	if r.FileName != "" {
		input.ContentDisposition = aws.String(mime.FormatMediaType("attachment", map[string]string{"filename": r.FileName}))
	}

	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = s.partSize
	})
	out, err := uploader.Upload(ctx, input)
	// unblock the producer if the upload stopped before reading everything
	_ = pr.Close()
	if err != nil {
		return blockupload.Object{}, toResponseError(err)
	}

	object := blockupload.Object{Key: key, Size: r.Size}
	if out != nil && out.ETag != nil {
		object.Hash = strings.Trim(*out.ETag, "\"")
	}

	if err := s.deleteBlocks(ctx, bucket, r.Tokens); err != nil {
		s.logger.Warnf("Object composed, but staged blocks could not be deleted: %s", err)
	}

	return object, nil
}

func (s *Service) streamBlocks(ctx context.Context, bucket string, tokens []string, w io.Writer) error {
	for i, token := range tokens {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(token),
		})
		if err != nil {
			return fmt.Errorf("get staged block %d (%s): %w", i+1, token, err)
		}

		_, err = io.Copy(w, out.Body)
		if closeErr := out.Body.Close(); closeErr != nil {
			s.logger.Warnf("Failed to close staged block %s: %s", token, closeErr)
		}
		if err != nil {
			return fmt.Errorf("copy staged block %d (%s): %w", i+1, token, err)
		}
	}
	return nil
}

func (s *Service) deleteBlocks(ctx context.Context, bucket string, tokens []string) error {
	for start := 0; start < len(tokens); start += maxDeleteBatch {
		end := start + maxDeleteBatch
		if end > len(tokens) {
			end = len(tokens)
		}

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, token := range tokens[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(token)})
		}

		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("delete staged blocks: %w", err)
		}
	}
	return nil
}

// objectMetadata strips the metadata prefix, S3 stores user metadata under x-amz-meta-.
func objectMetadata(fields map[string]string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	metadata := make(map[string]string, len(fields))
	for k, v := range fields {
		metadata[strings.TrimPrefix(k, blockupload.MetadataPrefix)] = v
	}
	return metadata
}

func decodeCRC32(encoded string) (uint32, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return 0, err
	}
	if len(raw) != 4 {
		return 0, fmt.Errorf("expected 4 bytes, got %d", len(raw))
	}
	return binary.BigEndian.Uint32(raw), nil
}

var apiErrorStatuses = map[string]int{
	"NoSuchBucket":          631,
	"AccessDenied":          http.StatusForbidden,
	"InvalidAccessKeyId":    http.StatusUnauthorized,
	"SignatureDoesNotMatch": http.StatusUnauthorized,
	"EntityTooLarge":        http.StatusRequestEntityTooLarge,
	"InvalidArgument":       http.StatusBadRequest,
}

// toResponseError turns S3 API errors into response errors, so the engine can tell policy violations
// from transient failures.
func toResponseError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	status, ok := apiErrorStatuses[apiErr.ErrorCode()]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &blockupload.ResponseError{
		StatusCode: status,
		Body:       fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()),
	}
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
