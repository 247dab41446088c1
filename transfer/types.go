// Package transfer implements the chunked upload and download
// engines: block encryption and verification, bounded-concurrency
// blob transfer, retry and resume handling, and revision commit.
package transfer

import (
	"context"
	"io"
	"time"
)

// Thumbnail is a small preview to upload alongside the file content.
// Type distinguishes multiple previews of the same file, for example
// a grid thumbnail and a full-size one.
type Thumbnail struct {
	Type    int
	Content []byte
}

// UploadMetadata describes the file being uploaded.
type UploadMetadata struct {
	Name      string
	MediaType string

	// ExpectedSize is the anticipated plaintext size in bytes, zero
	// when unknown. It sizes the admission reservation and the
	// progress total, and a positive value is enforced against the
	// bytes actually read before the revision commits.
	ExpectedSize int64

	// ExpectedDigest, when set, is the hex SHA-1 digest the caller
	// expects the plaintext to have. The commit is aborted with an
	// integrity error if the streamed content hashes differently.
	ExpectedDigest string

	ModificationTime time.Time

	// OverrideForeignDrafts permits deleting a conflicting draft left
	// by another client when creating this file.
	OverrideForeignDrafts bool
}

// ContentOpener opens the plaintext content stream. It is called once
// per pipeline run; a resumed upload reopens the stream from the
// start and skips blocks already confirmed.
type ContentOpener func(ctx context.Context) (io.ReadCloser, error)

// ProgressFunc receives transfer progress. delta is the change in
// transferred wire bytes, negative when partial progress of a failed
// attempt is retracted. total is the expected wire total, zero when
// unknown.
type ProgressFunc func(delta, total int64)

// State is the lifecycle state of a transfer.
type State int

const (
	StatePending State = iota
	StateRunning
	StatePaused
	StateCompleted
	StateFailed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}
