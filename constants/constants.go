// Package constants defines engine-wide limits and sizes.
package constants

const (
	// BlockSize is the plaintext chunk size. Each block is encrypted
	// and uploaded independently.
	BlockSize = 4 << 20 // 4 MiB

	// PlaintextPrefixLength is the number of leading plaintext bytes
	// captured per block for the local verification probe.
	PlaintextPrefixLength = 16

	// MaxBufferedBlocks bounds how many encrypted blocks may sit in
	// memory waiting for an upload slot. The reader blocks when full.
	MaxBufferedBlocks = 15

	// MaxConcurrentBlockUploads bounds parallel blob uploads per file.
	MaxConcurrentBlockUploads = 5

	// MaxConcurrentBlockDownloads bounds parallel blob downloads per file.
	MaxConcurrentBlockDownloads = 5

	// MaxConcurrentTransfers bounds simultaneous file transfers across
	// the whole process.
	MaxConcurrentTransfers = 5

	// MaxInFlightBytes bounds the aggregate declared size of admitted
	// transfers. A single transfer larger than this is still admitted
	// when the queue is otherwise empty.
	MaxInFlightBytes = 10 * BlockSize

	// MaxBlockUploadRetries is the per-block retry budget for upload
	// failures other than cancellation, expired tokens and timeouts.
	MaxBlockUploadRetries = 3

	// MaxBlockEncryptionRetries covers random encryption failures such
	// as bitflips during the local verification probe.
	MaxBlockEncryptionRetries = 1

	// MaxBlockDownloadAttempts is the per-block attempt budget on the
	// download path. Decryption failures are never retried.
	MaxBlockDownloadAttempts = 4

	// MaxDraftCreationAttempts bounds draft-conflict resolution. Each
	// attempt may delete a conflicting draft and recreate.
	MaxDraftCreationAttempts = 3
)
