// Package blockupload uploads large files to object storage as fixed-size blocks.
// Confirmed blocks are recorded in a checkpoint file so an interrupted upload resumes
// where it stopped, even after a process restart.
package blockupload

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bitrise-io/go-blockupload/uptoken"
)

// BlockReceipt is the remote side's answer to a created block.
type BlockReceipt struct {
	// Token references the block when the object is composed.
	Token string
	// CRC32 is the IEEE CRC32 the server computed over the received bytes.
	CRC32 uint32
	// ExpiresAt is when the remote side forgets the block.
	ExpiresAt time.Time
}

// MakeFileRequest composes an object from uploaded blocks.
type MakeFileRequest struct {
	Size int64
	// Tokens are ordered: their order defines the byte order of the object.
	Tokens   []string
	Key      string
	FileName string
	MimeType string
	// Metadata only holds fields with the MetadataPrefix.
	Metadata map[string]string
}

// Object describes the composed remote object.
type Object struct {
	Key  string          `json:"key"`
	Hash string          `json:"hash"`
	Size int64           `json:"fsize,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// BlockService is the remote side of the block protocol.
// Implementations return *ResponseError for non-success statuses.
type BlockService interface {
	// ResolveEndpoint maps an upload credential to a reachable upload host.
	ResolveEndpoint(ctx context.Context, cred uptoken.Credential) (string, error)

	// CreateBlock uploads the bytes of a single block.
	CreateBlock(ctx context.Context, endpoint string, cred uptoken.Credential, data []byte) (BlockReceipt, error)

	// MakeFile composes the final object from the ordered block tokens.
	MakeFile(ctx context.Context, endpoint string, cred uptoken.Credential, req MakeFileRequest) (Object, error)
}

// BatchEvent describes a persisted batch.
type BatchEvent struct {
	Blocks        []int
	Bytes         int64
	Duration      time.Duration
	Confirmed     int
	TotalBlocks   int
	CheckpointSet bool
}

// BatchObserver is notified after every batch that was fully uploaded.
type BatchObserver func(BatchEvent)
