package transfer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ProtonDriveApps/sdk-sub001/admission"
	"github.com/ProtonDriveApps/sdk-sub001/api"
	"github.com/ProtonDriveApps/sdk-sub001/blockcrypto"
	"github.com/ProtonDriveApps/sdk-sub001/constants"
	"github.com/ProtonDriveApps/sdk-sub001/sdkerrors"
)

// DownloadConfig wires a Download together. Transport, Keys,
// RevisionUID and Destination are required.
type DownloadConfig struct {
	Transport   api.Transport
	Keys        api.NodeKeys
	RevisionUID string
	Destination io.Writer
	Reservation *admission.Reservation
	Progress    ProgressFunc
	Logger      zerolog.Logger
}

// Download streams one committed revision to a writer: blocks are
// fetched concurrently, digest-checked and decrypted, and written in
// index order. The number of blocks fetched ahead of the writer is
// bounded, so memory stays proportional to the window, not the file.
type Download struct {
	transport   api.Transport
	cipher      blockcrypto.Cipher
	keys        api.NodeKeys
	revisionUID string
	dst         io.Writer
	reservation *admission.Reservation
	progress    ProgressFunc
	log         zerolog.Logger
}

// NewDownload creates a download for a committed revision.
func NewDownload(cfg DownloadConfig) *Download {
	return &Download{
		transport:   cfg.Transport,
		keys:        cfg.Keys,
		revisionUID: cfg.RevisionUID,
		dst:         cfg.Destination,
		reservation: cfg.Reservation,
		progress:    cfg.Progress,
		log:         cfg.Logger,
	}
}

// Run executes the download to completion. The admission reservation,
// if any, is released when Run returns.
func (d *Download) Run(ctx context.Context) error {
	if d.reservation != nil {
		defer d.reservation.Release()
	}

	rev, err := d.transport.FetchRevision(ctx, d.revisionUID)
	if err != nil {
		return err
	}
	blocks := append([]api.DownloadBlock(nil), rev.Blocks...)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index < blocks[j].Index })

	if err := d.checkManifest(rev, blocks); err != nil {
		return err
	}

	var total int64
	for _, b := range blocks {
		total += int64(b.EncryptedSize - blockcrypto.Overhead)
	}

	// window bounds how far fetchers may run ahead of the writer;
	// ready carries each decrypted block to its ordered write slot.
	window := make(chan struct{}, constants.MaxBufferedBlocks)
	ready := make([]chan []byte, len(blocks))
	for i := range ready {
		ready[i] = make(chan []byte, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fetchers, fctx := errgroup.WithContext(gctx)
		fetchers.SetLimit(constants.MaxConcurrentBlockDownloads)
		for i, b := range blocks {
			select {
			case window <- struct{}{}:
			case <-fctx.Done():
				return fctx.Err()
			}
			i, b := i, b
			fetchers.Go(func() error {
				plain, err := d.fetchBlock(fctx, b)
				if err != nil {
					return err
				}
				select {
				case ready[i] <- plain:
					return nil
				case <-fctx.Done():
					return fctx.Err()
				}
			})
		}
		return fetchers.Wait()
	})
	g.Go(func() error {
		for i := range blocks {
			var plain []byte
			select {
			case plain = <-ready[i]:
			case <-gctx.Done():
				return gctx.Err()
			}
			if _, err := d.dst.Write(plain); err != nil {
				return sdkerrors.NewContentRead("write content", err)
			}
			if d.progress != nil {
				d.progress(int64(len(plain)), total)
			}
			<-window
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if sdkerrors.KindOf(err) == sdkerrors.Unknown && gctx.Err() != nil {
			return sdkerrors.NewCancelled("download revision", gctx.Err())
		}
		return err
	}
	d.log.Info().Str("revision", d.revisionUID).Int("blocks", len(blocks)).
		Msg("Revision downloaded")
	return nil
}

// checkManifest verifies the revision's manifest signature against the
// announced digests before any blob is fetched. The signed layout is
// thumbnail digests ordered by type ascending, then content-block
// digests by index; the listing's thumbnail digests are included so a
// revision uploaded with thumbnails verifies. A revision without a
// signature passes.
func (d *Download) checkManifest(rev api.Revision, blocks []api.DownloadBlock) error {
	if len(rev.ManifestSignature) == 0 {
		return nil
	}
	thumbs := append([]api.RevisionThumbnail(nil), rev.Thumbnails...)
	sort.Slice(thumbs, func(i, j int) bool { return thumbs[i].Type < thumbs[j].Type })
	var manifest []byte
	for _, t := range thumbs {
		manifest = append(manifest, t.Digest...)
	}
	for _, b := range blocks {
		manifest = append(manifest, b.Digest...)
	}
	pub, ok := d.keys.SigningKey.Public().(ed25519.PublicKey)
	if !ok {
		return sdkerrors.Integrityf("verify manifest", "unsupported signing key type")
	}
	if !d.cipher.VerifyManifest(manifest, rev.ManifestSignature, pub) {
		return sdkerrors.Integrityf("verify manifest", "manifest signature does not match revision digests")
	}
	return nil
}

// fetchBlock downloads and decrypts one block. A transfer failure or
// a digest mismatch is retried up to the attempt budget; a ciphertext
// that fails to decrypt is corrupt at rest and never retried.
func (d *Download) fetchBlock(ctx context.Context, b api.DownloadBlock) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		data, err := d.transport.DownloadBlob(ctx, b.BareURL, b.Token)
		if err == nil {
			if !bytes.Equal(blockcrypto.DigestBlock(data), b.Digest) {
				// A mismatched digest means the bytes got mangled in
				// transit; fetching again may succeed.
				err = sdkerrors.NewNetwork("download block",
					fmt.Errorf("block %d digest mismatch after transfer", b.Index), false)
			} else {
				plain, derr := d.cipher.DecryptBlock(data, d.keys.ContentKey)
				if derr != nil {
					return nil, sdkerrors.NewIntegrity("decrypt block",
						fmt.Errorf("block %d: %w", b.Index, derr))
				}
				return plain, nil
			}
		}
		if sdkerrors.IsCancelled(err) {
			return nil, err
		}
		if !sdkerrors.IsRetriable(err) || attempt >= constants.MaxBlockDownloadAttempts {
			return nil, err
		}
		d.log.Debug().Err(err).Int("block", b.Index).Int("attempt", attempt).
			Msg("Block download failed, retrying")
	}
}
