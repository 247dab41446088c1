package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/ProtonDriveApps/sdk-sub001/sdkerrors"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultBlobTimeout    = 10 * time.Minute
)

// Client is the default Transport implementation over the storage
// backend's REST API. Metadata calls go through a retrying HTTP client
// covering connection-level flakiness only; blob transfers use a plain
// client so the engine's own per-block retry policy stays in charge
// and progress reporting is never double-counted by hidden retries.
type Client struct {
	baseURL    string
	http       *retryablehttp.Client
	blobClient *http.Client
	log        zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBlobTimeout overrides the per-blob-request timeout.
func WithBlobTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.blobClient.Timeout = d }
}

// NewClient creates a Transport talking to baseURL.
func NewClient(baseURL string, logger zerolog.Logger, opts ...ClientOption) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = defaultRequestTimeout
	rc.Logger = leveledLogger{logger}

	c := &Client{
		baseURL:    baseURL,
		http:       rc,
		blobClient: &http.Client{Timeout: defaultBlobTimeout},
		log:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// leveledLogger adapts zerolog to retryablehttp's LeveledLogger.
type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Info().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}

// apiError is the backend's structured error body.
type apiError struct {
	Code    int    `json:"Code"`
	Message string `json:"Error"`
	Details struct {
		ConflictNodeUID          string `json:"ConflictNodeUID"`
		ConflictDraftRevisionUID string `json:"ConflictDraftRevisionUID"`
		ConflictDraftClientUID   string `json:"ConflictDraftClientUID"`
	} `json:"Details"`
}

func (c *Client) CreateDraft(ctx context.Context, req DraftRequest) (Draft, error) {
	var draft Draft
	err := c.doJSON(ctx, http.MethodPost, "/drive/files", req, &draft)
	return draft, err
}

func (c *Client) DeleteDraft(ctx context.Context, nodeUID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/drive/nodes/"+nodeUID, nil, nil)
}

func (c *Client) CreateDraftRevision(ctx context.Context, req RevisionDraftRequest) (Draft, error) {
	var draft Draft
	err := c.doJSON(ctx, http.MethodPost, "/drive/files/"+req.NodeUID+"/revisions", req, &draft)
	return draft, err
}

func (c *Client) DeleteDraftRevision(ctx context.Context, revisionUID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/drive/revisions/"+revisionUID, nil, nil)
}

func (c *Client) FetchVerificationCode(ctx context.Context, revisionUID string) ([]byte, error) {
	var resp struct {
		VerificationCode []byte `json:"VerificationCode"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/drive/revisions/"+revisionUID+"/verification", nil, &resp); err != nil {
		return nil, err
	}
	return resp.VerificationCode, nil
}

func (c *Client) RequestBlockUpload(ctx context.Context, revisionUID, addressID string, blocks []BlockDescriptor, thumbnails []ThumbnailDescriptor) (BlockUploadAuthorization, error) {
	req := struct {
		AddressID  string                `json:"AddressID"`
		Blocks     []BlockDescriptor     `json:"Blocks"`
		Thumbnails []ThumbnailDescriptor `json:"Thumbnails"`
	}{addressID, blocks, thumbnails}

	var auth BlockUploadAuthorization
	err := c.doJSON(ctx, http.MethodPost, "/drive/revisions/"+revisionUID+"/blocks", req, &auth)
	return auth, err
}

func (c *Client) FetchRevision(ctx context.Context, revisionUID string) (Revision, error) {
	var rev Revision
	err := c.doJSON(ctx, http.MethodGet, "/drive/revisions/"+revisionUID, nil, &rev)
	return rev, err
}

func (c *Client) CommitRevision(ctx context.Context, revisionUID string, req CommitRequest) error {
	return c.doJSON(ctx, http.MethodPut, "/drive/revisions/"+revisionUID, req, nil)
}

// UploadBlob PUTs one encrypted blob to its authorized URL. onProgress
// receives byte deltas as the body is consumed.
func (c *Client) UploadBlob(ctx context.Context, bareURL, token string, data []byte, onProgress func(int64)) error {
	const op = "upload blob"

	body := io.Reader(bytes.NewReader(data))
	if onProgress != nil {
		body = &progressReader{r: body, onProgress: onProgress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, bareURL, body)
	if err != nil {
		return sdkerrors.NewNetwork(op, err, false)
	}
	req.Header.Set("pm-storage-token", token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := c.blobClient.Do(req)
	if err != nil {
		return classifyNetworkError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.errorFromResponse(op, resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// DownloadBlob fetches one encrypted blob.
func (c *Client) DownloadBlob(ctx context.Context, bareURL, token string) ([]byte, error) {
	const op = "download blob"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bareURL, nil)
	if err != nil {
		return nil, sdkerrors.NewNetwork(op, err, false)
	}
	req.Header.Set("pm-storage-token", token)

	resp, err := c.blobClient.Do(req)
	if err != nil {
		return nil, classifyNetworkError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.errorFromResponse(op, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyNetworkError(ctx, op, err)
	}
	return data, nil
}

// doJSON executes a metadata request and decodes the JSON response
// into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return sdkerrors.NewNetwork(op, err, false)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyNetworkError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.errorFromResponse(op, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return sdkerrors.NewNetwork(op, fmt.Errorf("failed to decode response: %w", err), false)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return nil
}

// errorFromResponse maps a non-2xx response to the engine's taxonomy.
// Conflicts become structured Conflict errors; everything else is
// Transport with the status code preserved for the pipeline's
// expired-token handling.
func (c *Client) errorFromResponse(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body apiError
	_ = json.Unmarshal(raw, &body)

	if resp.StatusCode == http.StatusConflict {
		detail := &sdkerrors.ConflictDetail{
			ConflictingNodeUID: body.Details.ConflictNodeUID,
			DraftRevisionUID:   body.Details.ConflictDraftRevisionUID,
			DraftClientUID:     body.Details.ConflictDraftClientUID,
		}
		cerr := sdkerrors.NewConflict(op, detail, fmt.Errorf("%s (code %d)", body.Message, body.Code))
		cerr.StatusCode = resp.StatusCode
		return cerr
	}

	cause := errors.New(http.StatusText(resp.StatusCode))
	if body.Message != "" {
		cause = fmt.Errorf("%s (code %d)", body.Message, body.Code)
	}

	err := sdkerrors.NewTransport(op, resp.StatusCode, cause)
	if resp.StatusCode == http.StatusTooManyRequests {
		if seconds, parseErr := strconv.Atoi(resp.Header.Get("Retry-After")); parseErr == nil {
			err.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	return err
}

// classifyNetworkError maps connection-level failures. Cancellation is
// always reported distinctly so callers never confuse a user stop with
// a genuine network failure.
func classifyNetworkError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return sdkerrors.NewCancelled(op, err)
	}
	var netErr net.Error
	timeout := errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, context.DeadlineExceeded)
	return sdkerrors.NewNetwork(op, err, timeout)
}

// progressReader reports consumed bytes while the HTTP client reads
// the request body.
type progressReader struct {
	r          io.Reader
	onProgress func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.onProgress(int64(n))
	}
	return n, err
}
