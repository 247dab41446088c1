// Package draft manages server-side draft file and revision records
// and their in-memory transfer state.
package draft

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ProtonDriveApps/sdk-sub001/api"
	"github.com/ProtonDriveApps/sdk-sub001/buffers"
	"github.com/ProtonDriveApps/sdk-sub001/verify"
)

// blockState tracks one content block. A block is either pending
// (holding its pooled plaintext prefix buffer until the upload is
// confirmed) or uploaded (holding the ciphertext digest). Transitions
// go pending -> uploaded only.
type blockState struct {
	prefix        *[]byte
	prefixLen     int
	plainSize     int
	uploaded      bool
	digest        []byte
	encryptedSize int
}

// RevisionDraft is an in-progress file revision: the server-side draft
// identifiers, the key material, the assigned verifier and the
// per-block transfer state.
type RevisionDraft struct {
	NodeUID     string
	RevisionUID string
	Keys        api.NodeKeys
	Verifier    *verify.Verifier

	// IsNewNode distinguishes a draft for a brand-new file from a new
	// revision of an existing file; it decides which metadata
	// notification fires after commit.
	IsNewNode bool
	ParentUID string

	mu         sync.Mutex
	blocks     []*blockState
	thumbnails map[int][]byte
	completed  bool
	bytesDone  int64
}

// StageBlock records a pending content block. New blocks must be
// staged in ascending 1-based index order with no gaps; a known block
// that is still pending may be re-staged, which a resumed pipeline
// does for blocks that never got confirmed. The draft takes ownership
// of the pooled prefix buffer until the block is marked uploaded or
// the draft is disposed.
func (d *RevisionDraft) StageBlock(index int, prefix *[]byte, prefixLen, plainSize int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index >= 1 && index <= len(d.blocks) {
		state := d.blocks[index-1]
		if state.uploaded {
			return fmt.Errorf("block %d already uploaded, cannot re-stage", index)
		}
		if state.prefix != nil {
			buffers.PutPrefix(state.prefix)
		}
		state.prefix = prefix
		state.prefixLen = prefixLen
		state.plainSize = plainSize
		return nil
	}
	if index != len(d.blocks)+1 {
		return fmt.Errorf("block %d staged out of order, expected %d", index, len(d.blocks)+1)
	}
	d.blocks = append(d.blocks, &blockState{
		prefix:    prefix,
		prefixLen: prefixLen,
		plainSize: plainSize,
	})
	return nil
}

// BlockPrefix returns the captured plaintext prefix of a pending
// block. The returned slice aliases the pooled buffer; it is only
// valid until the block transitions to uploaded.
func (d *RevisionDraft) BlockPrefix(index int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, err := d.lookup(index)
	if err != nil {
		return nil, err
	}
	if state.uploaded || state.prefix == nil {
		return nil, fmt.Errorf("block %d prefix no longer held", index)
	}
	return (*state.prefix)[:state.prefixLen], nil
}

// MarkUploaded transitions a block from pending to uploaded, recording
// the digest of the ciphertext as transmitted and returning the prefix
// buffer to the pool. Backward transitions are rejected.
func (d *RevisionDraft) MarkUploaded(index int, digest []byte, encryptedSize int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, err := d.lookup(index)
	if err != nil {
		return err
	}
	if state.uploaded {
		return fmt.Errorf("block %d marked uploaded twice", index)
	}
	state.uploaded = true
	state.digest = digest
	state.encryptedSize = encryptedSize
	d.bytesDone += int64(state.plainSize)

	buffers.PutPrefix(state.prefix)
	state.prefix = nil
	return nil
}

// IsUploaded reports whether the block at index has been confirmed.
// Unknown indices report false, which lets a resumed pipeline stage
// them afresh.
func (d *RevisionDraft) IsUploaded(index int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 1 || index > len(d.blocks) {
		return false
	}
	return d.blocks[index-1].uploaded
}

// BlockDigest returns the recorded ciphertext digest of an uploaded
// block.
func (d *RevisionDraft) BlockDigest(index int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, err := d.lookup(index)
	if err != nil {
		return nil, err
	}
	if !state.uploaded {
		return nil, fmt.Errorf("block %d not uploaded", index)
	}
	return state.digest, nil
}

// SetThumbnailDigest records a completed thumbnail upload under its
// type key.
func (d *RevisionDraft) SetThumbnailDigest(thumbnailType int, digest []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.thumbnails == nil {
		d.thumbnails = make(map[int][]byte)
	}
	d.thumbnails[thumbnailType] = digest
}

// Manifest assembles the signed-manifest bytes: thumbnail digests
// ordered by type ascending, then content-block digests ordered by
// index ascending. The result is deterministic for a given set of
// uploaded blocks regardless of upload completion order. It fails if
// any staged block is still pending.
func (d *RevisionDraft) Manifest() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	types := make([]int, 0, len(d.thumbnails))
	for t := range d.thumbnails {
		types = append(types, t)
	}
	sort.Ints(types)

	var manifest []byte
	for _, t := range types {
		manifest = append(manifest, d.thumbnails[t]...)
	}
	for i, state := range d.blocks {
		if !state.uploaded {
			return nil, fmt.Errorf("block %d still pending, manifest incomplete", i+1)
		}
		manifest = append(manifest, state.digest...)
	}
	return manifest, nil
}

// BlockSizes returns the plaintext size of every uploaded block in
// index order, for the extended attributes.
func (d *RevisionDraft) BlockSizes() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	sizes := make([]int, len(d.blocks))
	for i, state := range d.blocks {
		sizes[i] = state.plainSize
	}
	return sizes
}

// UploadedCounts returns how many content blocks and thumbnails have
// been confirmed, and the total confirmed plaintext bytes.
func (d *RevisionDraft) UploadedCounts() (blocks, thumbnails int, plainBytes int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, state := range d.blocks {
		if state.uploaded {
			blocks++
		}
	}
	return blocks, len(d.thumbnails), d.bytesDone
}

// MarkCompleted flags the draft as committed; disposal then skips
// draft deletion.
func (d *RevisionDraft) MarkCompleted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completed = true
}

// Completed reports whether the revision was committed.
func (d *RevisionDraft) Completed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed
}

// ReleaseBuffers returns every pending block's prefix buffer to the
// pool. Called on disposal; safe to call repeatedly.
func (d *RevisionDraft) ReleaseBuffers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, state := range d.blocks {
		if state.prefix != nil {
			buffers.PutPrefix(state.prefix)
			state.prefix = nil
		}
	}
}

func (d *RevisionDraft) lookup(index int) (*blockState, error) {
	if index < 1 || index > len(d.blocks) {
		return nil, fmt.Errorf("unknown block index %d", index)
	}
	return d.blocks[index-1], nil
}
