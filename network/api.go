// Package network implements the block protocol over HTTP.
package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/httputil"
	"sort"
	"strings"
	"time"

	"github.com/bitrise-io/go-blockupload/blockupload"
	"github.com/bitrise-io/go-blockupload/uptoken"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxErrorBodyLength = 1024

type createBlockResponse struct {
	Ctx       string `json:"ctx"`
	Checksum  string `json:"checksum"`
	Crc32     uint32 `json:"crc32"`
	Offset    int64  `json:"offset"`
	Host      string `json:"host"`
	ExpiredAt int64  `json:"expired_at"`
}

// Client talks to an upload host with the mkblk/mkfile protocol.
type Client struct {
	httpClient *retryablehttp.Client
	resolver   EndpointResolver
	logger     log.Logger
}

// NewClient creates a Client with a retrying HTTP client.
func NewClient(resolver EndpointResolver, logger log.Logger) *Client {
	httpClient := retryhttp.NewClient(logger)
	httpClient.CheckRetry = createRetryFunction(logger)
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return NewClientWithHTTPClient(httpClient, resolver, logger)
}

// createRetryFunction skips retrying policy violations, the last response is passed through
// so the status code reaches the caller.
func createRetryFunction(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, reqErr error) (bool, error) {
		if reqErr == nil && resp != nil && blockupload.IsPermanentStatus(resp.StatusCode) {
			return false, nil
		}
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, reqErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; reqErr=%+v", retry, err, reqErr)
		return retry, err
	}
}

// NewClientWithHTTPClient ...
func NewClientWithHTTPClient(httpClient *retryablehttp.Client, resolver EndpointResolver, logger log.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		resolver:   resolver,
		logger:     logger,
	}
}

// ResolveEndpoint ...
func (c *Client) ResolveEndpoint(ctx context.Context, cred uptoken.Credential) (string, error) {
	return c.resolver.Resolve(ctx, cred)
}

// CreateBlock sends the block as the body of POST <endpoint>/mkblk/<size>.
func (c *Client) CreateBlock(ctx context.Context, endpoint string, cred uptoken.Credential, data []byte) (blockupload.BlockReceipt, error) {
	url := fmt.Sprintf("%s/mkblk/%d", strings.TrimRight(endpoint, "/"), len(data))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, data)
	if err != nil {
		return blockupload.BlockReceipt{}, err
	}
	req.Header.Set("Authorization", authorization(cred))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return blockupload.BlockReceipt{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return blockupload.BlockReceipt{}, unwrapError(resp)
	}

	var response createBlockResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return blockupload.BlockReceipt{}, fmt.Errorf("decode mkblk response: %w", err)
	}
	// checkpoints need the block expiry to stay resumable
	if response.ExpiredAt <= 0 {
		return blockupload.BlockReceipt{}, fmt.Errorf("mkblk response has no expired_at")
	}

	return blockupload.BlockReceipt{
		Token:     response.Ctx,
		CRC32:     response.Crc32,
		ExpiresAt: time.Unix(response.ExpiredAt, 0),
	}, nil
}

// MakeFile composes the object with POST <endpoint>/mkfile/<size>/..., the body is the comma separated block tokens.
func (c *Client) MakeFile(ctx context.Context, endpoint string, cred uptoken.Credential, r blockupload.MakeFileRequest) (blockupload.Object, error) {
	url := strings.TrimRight(endpoint, "/") + makeFilePath(r)
	body := []byte(strings.Join(r.Tokens, ","))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return blockupload.Object{}, err
	}
	req.Header.Set("Authorization", authorization(cred))
	req.Header.Set("Content-Type", "text/plain")
	req.ContentLength = int64(len(body))

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("mkfile request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return blockupload.Object{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return blockupload.Object{}, unwrapError(resp)
	}

	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return blockupload.Object{}, fmt.Errorf("read mkfile response: %w", err)
	}

	var object blockupload.Object
	if err := json.Unmarshal(raw, &object); err != nil {
		return blockupload.Object{}, fmt.Errorf("decode mkfile response: %w", err)
	}
	object.Raw = raw
	if object.Key == "" {
		object.Key = r.Key
	}
	if object.Size == 0 {
		object.Size = r.Size
	}

	return object, nil
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func makeFilePath(r blockupload.MakeFileRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "/mkfile/%d", r.Size)
	if r.Key != "" {
		b.WriteString("/key/" + encode(r.Key))
	}
	if r.FileName != "" {
		b.WriteString("/fname/" + encode(r.FileName))
	}
	if r.MimeType != "" {
		b.WriteString("/mimeType/" + encode(r.MimeType))
	}

	keys := make([]string, 0, len(r.Metadata))
	for k := range r.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("/" + k + "/" + encode(r.Metadata[k]))
	}

	return b.String()
}

func encode(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func authorization(cred uptoken.Credential) string {
	return "UpToken " + cred.Token
}

func unwrapError(resp *http.Response) error {
	errorResp, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
	if err != nil {
		return err
	}
	return &blockupload.ResponseError{
		StatusCode: resp.StatusCode,
		Body:       string(bytes.TrimSpace(errorResp)),
	}
}
