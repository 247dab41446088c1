package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ProtonDriveApps/sdk-sub001/admission"
	"github.com/ProtonDriveApps/sdk-sub001/api"
	"github.com/ProtonDriveApps/sdk-sub001/blockcrypto"
	"github.com/ProtonDriveApps/sdk-sub001/buffers"
	"github.com/ProtonDriveApps/sdk-sub001/constants"
	"github.com/ProtonDriveApps/sdk-sub001/draft"
	"github.com/ProtonDriveApps/sdk-sub001/sdkerrors"
)

// UploadConfig wires an Upload together. Transport, Drafts, Draft and
// Content are required.
type UploadConfig struct {
	Transport  api.Transport
	Drafts     *draft.Manager
	Draft      *draft.RevisionDraft
	Metadata   UploadMetadata
	Thumbnails []Thumbnail
	Content    ContentOpener
	Notifier   api.MetadataNotifier

	// Queue re-admits the transfer when a suspended upload resumes.
	// Reservation is the admission already held for the first run;
	// AdmissionBytes is its size, reused on re-admission.
	Queue          *admission.Queue
	Reservation    *admission.Reservation
	AdmissionBytes int64

	Progress ProgressFunc
	Logger   zerolog.Logger
}

// Upload drives one file or revision upload from draft to committed
// revision. Run executes the pipeline; Pause, Resume and Dispose may
// be called from other goroutines.
type Upload struct {
	transport api.Transport
	drafts    *draft.Manager
	draft     *draft.RevisionDraft
	meta      UploadMetadata
	thumbs    []Thumbnail
	open      ContentOpener
	notifier  api.MetadataNotifier
	cipher    blockcrypto.Cipher
	progress  ProgressFunc
	log       zerolog.Logger

	queue          *admission.Queue
	admissionBytes int64

	gate gate

	// serialized collapses block uploads to one at a time after a
	// timeout, until an upload succeeds again.
	serialized atomic.Bool
	serialMu   sync.Mutex

	done      atomic.Int64
	wireTotal int64

	mu             sync.Mutex
	state          State
	lastErr        error
	running        bool
	cancel         context.CancelFunc
	reservation    *admission.Reservation
	thumbsUploaded bool

	// recomputed by each pipeline run
	plainSize  int64
	contentSHA string
}

// encryptedBlock is a content block ready for upload: ciphertext,
// its signature and digest, and the anonymous-upload verification
// token. bareURL and uploadToken are filled in by the dispatcher once
// the block's upload is authorized.
type encryptedBlock struct {
	index          int
	plainSize      int
	ciphertext     []byte
	signature      []byte
	digest         []byte
	token          []byte
	bareURL        string
	uploadToken    string
	tokenRefreshed bool
}

func (b *encryptedBlock) descriptor() api.BlockDescriptor {
	return api.BlockDescriptor{
		Index:             b.index,
		EncryptedSize:     len(b.ciphertext),
		Digest:            b.digest,
		Signature:         b.signature,
		VerificationToken: b.token,
	}
}

// NewUpload creates an upload around an existing draft.
func NewUpload(cfg UploadConfig) *Upload {
	total := int64(0)
	if cfg.Metadata.ExpectedSize > 0 {
		blocks := (cfg.Metadata.ExpectedSize + constants.BlockSize - 1) / constants.BlockSize
		total = cfg.Metadata.ExpectedSize + blocks*int64(blockcrypto.Overhead)
	}
	for _, t := range cfg.Thumbnails {
		total += int64(len(t.Content) + blockcrypto.Overhead)
	}
	return &Upload{
		transport:      cfg.Transport,
		drafts:         cfg.Drafts,
		draft:          cfg.Draft,
		meta:           cfg.Metadata,
		thumbs:         cfg.Thumbnails,
		open:           cfg.Content,
		notifier:       cfg.Notifier,
		progress:       cfg.Progress,
		log:            cfg.Logger,
		queue:          cfg.Queue,
		admissionBytes: cfg.AdmissionBytes,
		reservation:    cfg.Reservation,
		wireTotal:      total,
		state:          StatePending,
	}
}

// Run executes the upload until the revision commits or the pipeline
// fails. On a resumable failure the upload suspends instead of
// failing; Resume starts another run that skips confirmed blocks.
func (u *Upload) Run(ctx context.Context) error {
	u.mu.Lock()
	switch u.state {
	case StatePending, StatePaused:
	default:
		state := u.state
		u.mu.Unlock()
		return fmt.Errorf("upload is %s, cannot run", state)
	}
	if u.reservation == nil && u.queue != nil {
		u.mu.Unlock()
		res, err := u.queue.Acquire(ctx, u.admissionBytes)
		if err != nil {
			return err
		}
		u.mu.Lock()
		if u.state == StateDisposed {
			u.mu.Unlock()
			res.Release()
			return fmt.Errorf("upload is disposed, cannot run")
		}
		u.reservation = res
	}
	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.state = StateRunning
	u.running = true
	u.lastErr = nil
	u.mu.Unlock()
	defer cancel()

	err := u.run(ctx)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.running = false
	if u.reservation != nil {
		u.reservation.Release()
		u.reservation = nil
	}
	if u.state == StateDisposed {
		return err
	}
	switch {
	case err == nil:
		u.state = StateCompleted
	case sdkerrors.IsResumable(err):
		u.state = StatePaused
		u.lastErr = err
		u.log.Warn().Err(err).Str("revision", u.draft.RevisionUID).
			Msg("Upload suspended on retriable failure")
	default:
		u.state = StateFailed
		u.lastErr = err
	}
	return err
}

func (u *Upload) run(ctx context.Context) error {
	if err := u.uploadThumbnails(ctx); err != nil {
		return err
	}

	src, err := u.open(ctx)
	if err != nil {
		return sdkerrors.NewContentRead("open content", err)
	}
	defer src.Close()

	blocks := make(chan *encryptedBlock, constants.MaxBufferedBlocks)
	authorized := make(chan *encryptedBlock)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return u.readAndEncrypt(gctx, src, blocks)
	})
	g.Go(func() error {
		return u.dispatchUploads(gctx, blocks, authorized)
	})
	for i := 0; i < constants.MaxConcurrentBlockUploads; i++ {
		g.Go(func() error {
			for b := range authorized {
				if err := u.uploadBlock(gctx, b); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return u.commit(ctx)
}

// readAndEncrypt is the pipeline producer: it streams the plaintext
// sequentially, accumulates the whole-file digest, captures each
// block's prefix for verification, encrypts and stages the block and
// hands it to the upload workers. The channel capacity bounds how
// many encrypted blocks wait in memory.
func (u *Upload) readAndEncrypt(ctx context.Context, src io.Reader, blocks chan<- *encryptedBlock) error {
	defer close(blocks)

	buf := buffers.GetChunk()
	defer buffers.PutChunk(buf)
	digest := blockcrypto.NewDigestAccumulator()
	keys := u.draft.Keys
	prefixLen := u.draft.Verifier.PrefixLength()

	index := 0
	for {
		// Pause holds the reader too, so no new plaintext is read or
		// encrypted while the transfer is suspended.
		if err := u.gate.Wait(ctx); err != nil {
			return err
		}
		n, rerr := io.ReadFull(src, *buf)
		if n > 0 {
			index++
			plain := (*buf)[:n]
			digest.Write(plain)
			if !u.draft.IsUploaded(index) {
				if err := u.stageAndEncrypt(ctx, index, plain, prefixLen, keys, blocks); err != nil {
					return err
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				break
			}
			return sdkerrors.NewContentRead("read content", rerr)
		}
	}

	u.mu.Lock()
	u.plainSize = digest.BytesWritten()
	u.contentSHA = digest.SumHex()
	u.mu.Unlock()
	return nil
}

func (u *Upload) stageAndEncrypt(ctx context.Context, index int, plain []byte, prefixLen int, keys api.NodeKeys, blocks chan<- *encryptedBlock) error {
	if prefixLen > len(plain) {
		prefixLen = len(plain)
	}
	pbuf := buffers.GetPrefix()
	copy((*pbuf)[:prefixLen], plain[:prefixLen])
	if err := u.draft.StageBlock(index, pbuf, prefixLen, len(plain)); err != nil {
		buffers.PutPrefix(pbuf)
		return sdkerrors.Integrityf("stage block", "%v", err)
	}

	var ciphertext, signature []byte
	var err error
	for attempt := 0; ; attempt++ {
		ciphertext, signature, err = u.cipher.EncryptBlock(plain, keys.ContentKey, keys.SigningKey)
		if err == nil {
			break
		}
		if attempt >= constants.MaxBlockEncryptionRetries {
			return fmt.Errorf("encrypt block %d: %w", index, err)
		}
		u.log.Warn().Err(err).Int("block", index).Msg("Block encryption failed, retrying once")
	}

	token, err := u.draft.Verifier.VerifyBlock(ciphertext, plain[:prefixLen])
	if err != nil {
		return err
	}

	b := &encryptedBlock{
		index:      index,
		plainSize:  len(plain),
		ciphertext: ciphertext,
		signature:  signature,
		digest:     blockcrypto.DigestBlock(ciphertext),
		token:      token,
	}
	select {
	case blocks <- b:
		return nil
	case <-ctx.Done():
		return sdkerrors.NewCancelled("enqueue block", ctx.Err())
	}
}

// dispatchUploads requests upload authorization for every block
// buffered at that moment in one batched call, then hands the
// authorized blocks to the upload workers.
func (u *Upload) dispatchUploads(ctx context.Context, blocks <-chan *encryptedBlock, authorized chan<- *encryptedBlock) error {
	defer close(authorized)
	for b := range blocks {
		batch := []*encryptedBlock{b}
	drain:
		for len(batch) < constants.MaxBufferedBlocks {
			select {
			case next, ok := <-blocks:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := u.authorizeBatch(ctx, batch); err != nil {
			return err
		}
		for _, ab := range batch {
			select {
			case authorized <- ab:
			case <-ctx.Done():
				return sdkerrors.NewCancelled("dispatch block", ctx.Err())
			}
		}
	}
	return nil
}

func (u *Upload) authorizeBatch(ctx context.Context, batch []*encryptedBlock) error {
	descriptors := make([]api.BlockDescriptor, len(batch))
	for i, b := range batch {
		descriptors[i] = b.descriptor()
	}
	auth, err := u.transport.RequestBlockUpload(ctx, u.draft.RevisionUID, u.draft.Keys.AddressID, descriptors, nil)
	if err != nil {
		return err
	}
	byIndex := make(map[int]api.UploadToken, len(auth.BlockTokens))
	for _, tok := range auth.BlockTokens {
		byIndex[tok.Index] = tok
	}
	for _, b := range batch {
		tok, ok := byIndex[b.index]
		if !ok {
			return sdkerrors.NewTransport("request block upload", 0,
				fmt.Errorf("no upload token for block %d", b.index))
		}
		b.bareURL, b.uploadToken = tok.BareURL, tok.Token
	}
	return nil
}

// uploadBlock transfers one encrypted block, retrying per the block
// retry policy: a 404 from the storage endpoint refreshes the upload
// token once without consuming a retry, a timeout degrades the
// pipeline to serialized uploads until a block succeeds again, and
// partial progress of a failed attempt is retracted.
func (u *Upload) uploadBlock(ctx context.Context, b *encryptedBlock) error {
	attempts := 0
	for {
		if err := u.gate.Wait(ctx); err != nil {
			return err
		}

		serialized := u.serialized.Load()
		if serialized {
			u.serialMu.Lock()
		}
		err := u.tryUploadBlock(ctx, b)
		if serialized {
			u.serialMu.Unlock()
		}
		if err == nil {
			u.serialized.Store(false)
			return u.draft.MarkUploaded(b.index, b.digest, len(b.ciphertext))
		}
		if sdkerrors.IsCancelled(err) {
			return err
		}
		// A 404 means the upload token expired; a 409 means the blob
		// landed before the connection died. Both get one fresh
		// authorization without burning a retry.
		if code := sdkerrors.StatusCode(err); (code == http.StatusNotFound || code == http.StatusConflict) && !b.tokenRefreshed {
			b.tokenRefreshed = true
			u.log.Debug().Int("block", b.index).Int("status", code).
				Msg("Refreshing block upload authorization")
			if err := u.authorizeBatch(ctx, []*encryptedBlock{b}); err != nil {
				return err
			}
			continue
		}
		attempts++
		if !sdkerrors.IsRetriable(err) || attempts >= constants.MaxBlockUploadRetries {
			return err
		}
		if sdkerrors.IsTimeout(err) && !u.serialized.Load() {
			u.serialized.Store(true)
			u.log.Warn().Int("block", b.index).
				Msg("Upload timed out, serializing block uploads")
		}
		u.log.Debug().Err(err).Int("block", b.index).Int("attempt", attempts).
			Msg("Block upload failed, retrying")
	}
}

func (u *Upload) tryUploadBlock(ctx context.Context, b *encryptedBlock) error {
	var sent int64
	err := u.transport.UploadBlob(ctx, b.bareURL, b.uploadToken, b.ciphertext, func(d int64) {
		sent += d
		u.reportProgress(d)
	})
	if err != nil {
		u.reportProgress(-sent)
		return err
	}
	return nil
}

// uploadThumbnails encrypts and uploads every thumbnail before any
// content block. It runs once per upload; a resumed run skips it.
func (u *Upload) uploadThumbnails(ctx context.Context) error {
	u.mu.Lock()
	uploaded := u.thumbsUploaded
	u.mu.Unlock()
	if uploaded {
		return nil
	}
	if len(u.thumbs) == 0 {
		u.mu.Lock()
		u.thumbsUploaded = true
		u.mu.Unlock()
		return nil
	}

	keys := u.draft.Keys
	type encThumb struct {
		thumbType  int
		ciphertext []byte
		digest     []byte
	}
	encrypted := make([]encThumb, 0, len(u.thumbs))
	descriptors := make([]api.ThumbnailDescriptor, 0, len(u.thumbs))
	for _, t := range u.thumbs {
		ciphertext, _, err := u.cipher.EncryptThumbnail(t.Content, keys.ContentKey, keys.SigningKey)
		if err != nil {
			return fmt.Errorf("encrypt thumbnail type %d: %w", t.Type, err)
		}
		digest := blockcrypto.DigestBlock(ciphertext)
		encrypted = append(encrypted, encThumb{thumbType: t.Type, ciphertext: ciphertext, digest: digest})
		descriptors = append(descriptors, api.ThumbnailDescriptor{
			Type:          t.Type,
			EncryptedSize: len(ciphertext),
			Digest:        digest,
		})
	}

	auth, err := u.transport.RequestBlockUpload(ctx, u.draft.RevisionUID, keys.AddressID, nil, descriptors)
	if err != nil {
		return err
	}
	tokens := make(map[int]api.ThumbnailUploadToken, len(auth.ThumbnailTokens))
	for _, tok := range auth.ThumbnailTokens {
		tokens[tok.Type] = tok
	}

	for _, t := range encrypted {
		tok, ok := tokens[t.thumbType]
		if !ok {
			return sdkerrors.NewTransport("request thumbnail upload", 0,
				fmt.Errorf("no upload token for thumbnail type %d", t.thumbType))
		}
		if err := u.uploadThumbnailBlob(ctx, tok, t.ciphertext); err != nil {
			return err
		}
		u.draft.SetThumbnailDigest(t.thumbType, t.digest)
	}

	u.mu.Lock()
	u.thumbsUploaded = true
	u.mu.Unlock()
	return nil
}

func (u *Upload) uploadThumbnailBlob(ctx context.Context, tok api.ThumbnailUploadToken, ciphertext []byte) error {
	attempts := 0
	for {
		if err := u.gate.Wait(ctx); err != nil {
			return err
		}
		var sent int64
		err := u.transport.UploadBlob(ctx, tok.BareURL, tok.Token, ciphertext, func(d int64) {
			sent += d
			u.reportProgress(d)
		})
		if err == nil {
			return nil
		}
		u.reportProgress(-sent)
		attempts++
		if !sdkerrors.IsRetriable(err) || attempts >= constants.MaxBlockUploadRetries {
			return err
		}
	}
}

// checkUploadedSet is the last gate before commit: the set of
// confirmed uploads must account for every byte that was read, and
// must match whatever the caller declared up front. A mismatch here
// means bytes were lost, duplicated or swapped somewhere between the
// source and the storage endpoint, and committing would persist it.
func (u *Upload) checkUploadedSet() error {
	blocks, thumbnails, plainBytes := u.draft.UploadedCounts()
	u.mu.Lock()
	readSize := u.plainSize
	contentSHA := u.contentSHA
	u.mu.Unlock()

	if thumbnails != len(u.thumbs) {
		return sdkerrors.Integrityf("commit revision",
			"%d thumbnails confirmed, want %d", thumbnails, len(u.thumbs))
	}
	wantBlocks := int((readSize + constants.BlockSize - 1) / constants.BlockSize)
	if blocks != wantBlocks {
		return sdkerrors.Integrityf("commit revision",
			"%d blocks confirmed, want %d for %d bytes", blocks, wantBlocks, readSize)
	}
	if plainBytes != readSize {
		return sdkerrors.Integrityf("commit revision",
			"confirmed blocks total %d plaintext bytes, read %d", plainBytes, readSize)
	}
	if u.meta.ExpectedSize > 0 && readSize != u.meta.ExpectedSize {
		return sdkerrors.Integrityf("commit revision",
			"content is %d bytes, caller declared %d", readSize, u.meta.ExpectedSize)
	}
	if want := u.meta.ExpectedDigest; want != "" && !strings.EqualFold(want, contentSHA) {
		return sdkerrors.Integrityf("commit revision",
			"content digest %s does not match declared %s", contentSHA, want)
	}
	return nil
}

// commit seals the draft: the signed manifest proves the block set and
// order, the encrypted extended attributes carry the plaintext size,
// block sizes, modification time and whole-file digest.
func (u *Upload) commit(ctx context.Context) error {
	if err := u.checkUploadedSet(); err != nil {
		return err
	}
	manifest, err := u.draft.Manifest()
	if err != nil {
		return sdkerrors.Integrityf("assemble manifest", "%v", err)
	}
	keys := u.draft.Keys
	signature := u.cipher.SignManifest(manifest, keys.SigningKey)

	encAttrs, err := u.encodeAttributes()
	if err != nil {
		return err
	}

	err = u.transport.CommitRevision(ctx, u.draft.RevisionUID, api.CommitRequest{
		ManifestSignature:           signature,
		SignatureAddress:            keys.SignatureAddress,
		EncryptedExtendedAttributes: encAttrs,
	})
	if err != nil {
		return err
	}
	u.draft.MarkCompleted()
	u.log.Info().Str("revision", u.draft.RevisionUID).Int64("size", u.plainSize).
		Msg("Revision committed")
	u.notify(ctx)
	return nil
}

// extendedAttributes is the plaintext layout of the revision xattr
// blob.
type extendedAttributes struct {
	Common struct {
		ModificationTime string            `json:"ModificationTime,omitempty"`
		Size             int64             `json:"Size"`
		BlockSizes       []int             `json:"BlockSizes"`
		Digests          map[string]string `json:"Digests,omitempty"`
	} `json:"Common"`
}

func (u *Upload) encodeAttributes() ([]byte, error) {
	u.mu.Lock()
	size := u.plainSize
	sha := u.contentSHA
	u.mu.Unlock()

	var attrs extendedAttributes
	attrs.Common.Size = size
	attrs.Common.BlockSizes = u.draft.BlockSizes()
	if !u.meta.ModificationTime.IsZero() {
		attrs.Common.ModificationTime = u.meta.ModificationTime.UTC().Format(time.RFC3339)
	}
	if sha != "" {
		attrs.Common.Digests = map[string]string{"SHA1": sha}
	}
	plain, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	return u.cipher.EncryptExtendedAttributes(plain, u.draft.Keys.NodeKey)
}

func (u *Upload) notify(ctx context.Context) {
	if u.notifier == nil {
		return
	}
	var err error
	if u.draft.IsNewNode {
		err = u.notifier.NotifyChildCreated(ctx, u.draft.ParentUID)
	} else {
		err = u.notifier.NotifyNodeChanged(ctx, u.draft.NodeUID)
	}
	if err != nil {
		u.log.Warn().Err(err).Msg("Metadata notification failed")
	}
}

func (u *Upload) reportProgress(delta int64) {
	u.done.Add(delta)
	if u.progress != nil {
		u.progress(delta, u.wireTotal)
	}
}

// Pause suspends the upload at the next block boundary. In-flight
// block operations finish first.
func (u *Upload) Pause() {
	u.gate.Pause()
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateRunning {
		u.state = StatePaused
	}
}

// Resume continues a paused upload. If the pipeline is still attached
// it simply unblocks; if the upload suspended after a resumable
// failure, Resume runs the pipeline again, re-admitting the transfer
// and skipping blocks already confirmed. In the latter case Resume
// blocks like Run.
func (u *Upload) Resume(ctx context.Context) error {
	u.mu.Lock()
	if u.state == StateRunning {
		u.mu.Unlock()
		u.gate.Resume()
		return nil
	}
	if u.state != StatePaused {
		state := u.state
		u.mu.Unlock()
		return fmt.Errorf("upload is %s, cannot resume", state)
	}
	restart := !u.running
	if !restart {
		u.state = StateRunning
	}
	u.mu.Unlock()

	u.gate.Resume()
	if restart {
		return u.Run(ctx)
	}
	return nil
}

// NodeUID returns the node this upload creates or revises.
func (u *Upload) NodeUID() string { return u.draft.NodeUID }

// RevisionUID returns the draft revision being uploaded.
func (u *Upload) RevisionUID() string { return u.draft.RevisionUID }

// State returns the lifecycle state.
func (u *Upload) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Err returns the error that paused or failed the upload, if any.
func (u *Upload) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastErr
}

// Progress returns transferred and expected wire bytes. The total is
// zero when the content size was not known up front.
func (u *Upload) Progress() (done, total int64) {
	return u.done.Load(), u.wireTotal
}

// Dispose abandons the upload: the pipeline is cancelled, the
// admission slot freed and, unless the revision committed, the draft
// is deleted best-effort. Safe to call at any point and repeatedly.
func (u *Upload) Dispose() {
	u.mu.Lock()
	if u.state == StateDisposed {
		u.mu.Unlock()
		return
	}
	u.state = StateDisposed
	cancel := u.cancel
	res := u.reservation
	u.reservation = nil
	u.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	u.gate.Resume()
	if res != nil {
		res.Release()
	}
	u.drafts.Dispose(u.draft)
}
