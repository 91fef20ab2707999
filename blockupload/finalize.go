package blockupload

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-blockupload/uptoken"
	"github.com/bitrise-io/go-utils/v2/log"
)

// MetadataPrefix marks the custom metadata fields forwarded to the composed object.
const MetadataPrefix = "x:"

// FilterMetadata keeps the fields with MetadataPrefix, other fields are dropped.
func FilterMetadata(fields map[string]string) map[string]string {
	filtered := make(map[string]string, len(fields))
	for k, v := range fields {
		if strings.HasPrefix(k, MetadataPrefix) && len(k) > len(MetadataPrefix) {
			filtered[k] = v
		}
	}
	return filtered
}

type finalizer struct {
	service        BlockService
	store          CheckpointStore
	checkpointPath string
	logger         log.Logger
}

type finalizeParams struct {
	endpoint string
	cred     uptoken.Credential
	key      string
	fileName string
	mimeType string
	metadata map[string]string
}

// finalize composes the object. The checkpoint is deleted only when the remote side accepted the request,
// otherwise it is left as is so the confirmed blocks can be reused.
func (f *finalizer) finalize(ctx context.Context, checkpoint *Checkpoint, p finalizeParams) (Object, error) {
	if !checkpoint.Complete() {
		return Object{}, newError(LocalIOFailure, "finalize",
			fmt.Errorf("%d of %d blocks confirmed", checkpoint.ConfirmedCount(), checkpoint.BlockCount))
	}

	tokens := make([]string, len(checkpoint.BlockTokens))
	copy(tokens, checkpoint.BlockTokens)

	req := MakeFileRequest{
		Size:     checkpoint.FileSize,
		Tokens:   tokens,
		Key:      p.key,
		FileName: p.fileName,
		MimeType: p.mimeType,
		Metadata: FilterMetadata(p.metadata),
	}
	if dropped := len(p.metadata) - len(req.Metadata); dropped > 0 {
		f.logger.Debugf("Dropped %d metadata fields without the %q prefix", dropped, MetadataPrefix)
	}

	f.logger.Debugf("Composing %d blocks into %s", len(tokens), p.key)
	object, err := f.service.MakeFile(ctx, p.endpoint, p.cred, req)
	if err != nil {
		if ctx.Err() != nil {
			return Object{}, newError(UserCanceled, "finalize", err)
		}
		return Object{}, transportError("finalize", -1, err)
	}

	if f.checkpointPath != "" {
		if err := f.store.Delete(f.checkpointPath); err != nil {
			f.logger.Warnf("Object composed, but the checkpoint could not be removed: %s", err)
		}
	}

	return object, nil
}
