// Package drive is the entry point of the encrypted transfer engine.
// A Client admits transfers against shared concurrency and memory
// budgets, creates server-side drafts and hands back upload and
// download handles that run the block pipelines.
package drive

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ProtonDriveApps/sdk-sub001/admission"
	"github.com/ProtonDriveApps/sdk-sub001/api"
	"github.com/ProtonDriveApps/sdk-sub001/constants"
	"github.com/ProtonDriveApps/sdk-sub001/draft"
	"github.com/ProtonDriveApps/sdk-sub001/logging"
	"github.com/ProtonDriveApps/sdk-sub001/transfer"
)

// Client coordinates file transfers. All methods are safe for
// concurrent use; the admission queue serializes excess demand.
type Client struct {
	transport api.Transport
	keys      api.KeyProvider
	notifier  api.MetadataNotifier
	queue     *admission.Queue
	drafts    *draft.Manager
	clientUID string
	log       zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.log = logger }
}

// WithNotifier installs metadata cache-invalidation hooks fired after
// successful commits.
func WithNotifier(n api.MetadataNotifier) Option {
	return func(c *Client) { c.notifier = n }
}

// WithClientUID fixes the client identity used to recognize this
// client's own leftover drafts. The default is a fresh random UID per
// Client, which makes drafts from earlier crashed sessions look
// foreign.
func WithClientUID(uid string) Option {
	return func(c *Client) { c.clientUID = uid }
}

// WithLimits overrides the admission budgets: how many transfers run
// at once and how many expected bytes may be in flight across them.
func WithLimits(maxTransfers int, maxBytes int64) Option {
	return func(c *Client) { c.queue = admission.NewQueue(maxTransfers, maxBytes) }
}

// NewClient creates a transfer engine over the given transport and key
// material.
func NewClient(transport api.Transport, keys api.KeyProvider, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		keys:      keys,
		queue:     admission.NewQueue(constants.MaxConcurrentTransfers, constants.MaxInFlightBytes),
		clientUID: uuid.NewString(),
		log:       logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.drafts = draft.NewManager(c.transport, c.keys, c.clientUID, c.log)
	return c
}

// UploadFile prepares an upload of a new file under parentUID: it
// waits for admission, creates the draft and returns the upload
// handle. The caller drives the transfer with Upload.Run. On error
// nothing is left behind; the admission slot is freed and no draft
// survives.
func (c *Client) UploadFile(ctx context.Context, parentUID string, meta transfer.UploadMetadata, content transfer.ContentOpener, thumbnails []transfer.Thumbnail, progress transfer.ProgressFunc) (*transfer.Upload, error) {
	res, err := c.queue.Acquire(ctx, meta.ExpectedSize)
	if err != nil {
		return nil, err
	}
	d, err := c.drafts.CreateFileDraft(ctx, parentUID, meta.Name, meta.MediaType, meta.ExpectedSize, meta.OverrideForeignDrafts)
	if err != nil {
		res.Release()
		return nil, err
	}
	return c.newUpload(d, meta, content, thumbnails, progress, res), nil
}

// UploadRevision prepares an upload of a new revision of an existing
// file. lastKnownRevisionUID guards against committing over a revision
// this client has not seen.
func (c *Client) UploadRevision(ctx context.Context, fileUID, lastKnownRevisionUID string, meta transfer.UploadMetadata, content transfer.ContentOpener, thumbnails []transfer.Thumbnail, progress transfer.ProgressFunc) (*transfer.Upload, error) {
	res, err := c.queue.Acquire(ctx, meta.ExpectedSize)
	if err != nil {
		return nil, err
	}
	d, err := c.drafts.CreateRevisionDraft(ctx, fileUID, lastKnownRevisionUID, meta.ExpectedSize)
	if err != nil {
		res.Release()
		return nil, err
	}
	return c.newUpload(d, meta, content, thumbnails, progress, res), nil
}

func (c *Client) newUpload(d *draft.RevisionDraft, meta transfer.UploadMetadata, content transfer.ContentOpener, thumbnails []transfer.Thumbnail, progress transfer.ProgressFunc, res *admission.Reservation) *transfer.Upload {
	return transfer.NewUpload(transfer.UploadConfig{
		Transport:      c.transport,
		Drafts:         c.drafts,
		Draft:          d,
		Metadata:       meta,
		Thumbnails:     thumbnails,
		Content:        content,
		Notifier:       c.notifier,
		Queue:          c.queue,
		Reservation:    res,
		AdmissionBytes: meta.ExpectedSize,
		Progress:       progress,
		Logger:         c.log,
	})
}

// DownloadRevision prepares a download of a committed revision of
// fileUID into dst. The caller drives it with Download.Run.
func (c *Client) DownloadRevision(ctx context.Context, fileUID, revisionUID string, dst io.Writer, progress transfer.ProgressFunc) (*transfer.Download, error) {
	res, err := c.queue.Acquire(ctx, 0)
	if err != nil {
		return nil, err
	}
	keys, err := c.keys.FileKeys(ctx, fileUID)
	if err != nil {
		res.Release()
		return nil, err
	}
	return transfer.NewDownload(transfer.DownloadConfig{
		Transport:   c.transport,
		Keys:        keys,
		RevisionUID: revisionUID,
		Destination: dst,
		Reservation: res,
		Progress:    progress,
		Logger:      c.log,
	}), nil
}

// Stats reports the current admission load.
func (c *Client) Stats() admission.Stats {
	return c.queue.GetStats()
}
