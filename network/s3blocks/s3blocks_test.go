package s3blocks

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-blockupload/blockupload"
	"github.com/bitrise-io/go-blockupload/uptoken"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storedObject struct {
	data        []byte
	contentType string
	disposition string
	metadata    map[string]string
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]storedObject
	putErr  error
	deleted []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]storedObject{}}
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Key)] = storedObject{
		data:        data,
		contentType: aws.ToString(params.ContentType),
		disposition: aws.ToString(params.ContentDisposition),
		metadata:    params.Metadata,
	}

	out := &s3.PutObjectOutput{ETag: aws.String(fmt.Sprintf("\"etag-%d\"", len(data)))}
	if params.ChecksumAlgorithm == types.ChecksumAlgorithmCrc32 {
		raw := make([]byte, 4)
		binary.BigEndian.PutUint32(raw, crc32.ChecksumIEEE(data))
		out.ChecksumCRC32 = aws.String(base64.StdEncoding.EncodeToString(raw))
	}
	return out, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	object, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "The specified key does not exist."}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(object.data))}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, params *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range params.Delete.Objects {
		delete(f.objects, aws.ToString(o.Key))
		f.deleted = append(f.deleted, aws.ToString(o.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart upload is not expected")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload is not expected")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload is not expected")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload is not expected")
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newTestService(client API) *Service {
	s := NewWithClient(client, Params{StagingPrefix: "/staging/"}, log.NewLogger())
	s.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }
	return s
}

func TestResolveEndpoint(t *testing.T) {
	s := NewWithClient(newFakeS3(), Params{}, log.NewLogger())
	bucket, err := s.ResolveEndpoint(context.Background(), uptoken.Credential{Bucket: "from-token"})
	require.NoError(t, err)
	assert.Equal(t, "from-token", bucket)

	_, err = s.ResolveEndpoint(context.Background(), uptoken.Credential{})
	assert.Error(t, err)

	s = NewWithClient(newFakeS3(), Params{Bucket: "override"}, log.NewLogger())
	bucket, err = s.ResolveEndpoint(context.Background(), uptoken.Credential{Bucket: "from-token"})
	require.NoError(t, err)
	assert.Equal(t, "override", bucket)
}

func TestCreateBlock(t *testing.T) {
	client := newFakeS3()
	s := newTestService(client)
	data := []byte("first block")

	receipt, err := s.CreateBlock(context.Background(), "bucket", uptoken.Credential{}, data)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(receipt.Token, "staging/"), receipt.Token)
	assert.Equal(t, crc32.ChecksumIEEE(data), receipt.CRC32)
	assert.Equal(t, time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC), receipt.ExpiresAt)
	assert.Equal(t, []string{receipt.Token}, client.keys())
}

func TestCreateBlockAccessDenied(t *testing.T) {
	client := newFakeS3()
	client.putErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"}

	_, err := newTestService(client).CreateBlock(context.Background(), "bucket", uptoken.Credential{}, []byte("x"))

	var respErr *blockupload.ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, http.StatusForbidden, respErr.StatusCode)
	assert.True(t, blockupload.IsPermanentStatus(respErr.StatusCode))
}

func TestMakeFileMergesBlocksInOrder(t *testing.T) {
	client := newFakeS3()
	s := newTestService(client)

	var tokens []string
	for _, part := range []string{"alpha-", "beta-", "gamma"} {
		receipt, err := s.CreateBlock(context.Background(), "bucket", uptoken.Credential{}, []byte(part))
		require.NoError(t, err)
		tokens = append(tokens, receipt.Token)
	}

	object, err := s.MakeFile(context.Background(), "bucket", uptoken.Credential{Key: "fallback"}, blockupload.MakeFileRequest{
		Size:     16,
		Tokens:   tokens,
		Key:      "releases/app.txt",
		FileName: "app.txt",
		MimeType: "text/plain",
		Metadata: map[string]string{"x:build": "42"},
	})
	require.NoError(t, err)

	assert.Equal(t, "releases/app.txt", object.Key)
	assert.Equal(t, "etag-16", object.Hash)
	assert.Equal(t, int64(16), object.Size)

	assert.Equal(t, []string{"releases/app.txt"}, client.keys(), "staged blocks should be removed")
	assert.ElementsMatch(t, tokens, client.deleted)

	stored := client.objects["releases/app.txt"]
	assert.Equal(t, "alpha-beta-gamma", string(stored.data))
	assert.Equal(t, "text/plain", stored.contentType)
	assert.Equal(t, "attachment; filename=app.txt", stored.disposition)
	assert.Equal(t, map[string]string{"build": "42"}, stored.metadata)
}

func TestMakeFileKeyFromCredential(t *testing.T) {
	client := newFakeS3()
	s := newTestService(client)
	receipt, err := s.CreateBlock(context.Background(), "bucket", uptoken.Credential{}, []byte("data"))
	require.NoError(t, err)

	object, err := s.MakeFile(context.Background(), "bucket", uptoken.Credential{Key: "scoped/key"},
		blockupload.MakeFileRequest{Size: 4, Tokens: []string{receipt.Token}})
	require.NoError(t, err)
	assert.Equal(t, "scoped/key", object.Key)

	_, err = s.MakeFile(context.Background(), "bucket", uptoken.Credential{}, blockupload.MakeFileRequest{Size: 4})
	var respErr *blockupload.ResponseError
	require.True(t, errors.As(err, &respErr))
	assert.Equal(t, http.StatusBadRequest, respErr.StatusCode)
}

func TestMakeFileMissingBlockKeepsStagedBlocks(t *testing.T) {
	client := newFakeS3()
	s := newTestService(client)
	receipt, err := s.CreateBlock(context.Background(), "bucket", uptoken.Credential{}, []byte("data"))
	require.NoError(t, err)

	_, err = s.MakeFile(context.Background(), "bucket", uptoken.Credential{},
		blockupload.MakeFileRequest{Size: 8, Key: "key", Tokens: []string{receipt.Token, "staging/expired"}})
	require.Error(t, err)

	assert.Equal(t, []string{receipt.Token}, client.keys())
	assert.Empty(t, client.deleted)
}

func TestToResponseError(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{code: "NoSuchBucket", want: 631},
		{code: "InvalidAccessKeyId", want: http.StatusUnauthorized},
		{code: "EntityTooLarge", want: http.StatusRequestEntityTooLarge},
		{code: "SlowDown", want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := toResponseError(&smithy.GenericAPIError{Code: tt.code, Message: "message"})

			var respErr *blockupload.ResponseError
			require.True(t, errors.As(err, &respErr))
			assert.Equal(t, tt.want, respErr.StatusCode)
			assert.Equal(t, tt.code+": message", respErr.Body)
		})
	}

	plain := errors.New("connection reset")
	assert.Equal(t, plain, toResponseError(plain))
}
