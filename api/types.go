// Package api defines the transport boundary of the transfer engine:
// the request/response shapes exchanged with the storage backend and
// the collaborator interfaces the engine consumes. Client is the
// default HTTP implementation.
package api

import (
	"context"
	"crypto/ed25519"

	"github.com/ProtonDriveApps/sdk-sub001/blockcrypto"
)

// BlockDescriptor announces one encrypted content block when
// requesting upload authorization.
type BlockDescriptor struct {
	Index             int    `json:"Index"`
	EncryptedSize     int    `json:"EncSize"`
	Digest            []byte `json:"Hash"`
	Signature         []byte `json:"EncSignature"`
	VerificationToken []byte `json:"VerificationToken"`
}

// ThumbnailDescriptor announces one encrypted thumbnail. Thumbnails
// are keyed by type rather than index.
type ThumbnailDescriptor struct {
	Type          int    `json:"Type"`
	EncryptedSize int    `json:"EncSize"`
	Digest        []byte `json:"Hash"`
}

// UploadToken authorizes uploading one content block.
type UploadToken struct {
	Index   int    `json:"Index"`
	BareURL string `json:"BareURL"`
	Token   string `json:"Token"`
}

// ThumbnailUploadToken authorizes uploading one thumbnail.
type ThumbnailUploadToken struct {
	Type    int    `json:"Type"`
	BareURL string `json:"BareURL"`
	Token   string `json:"Token"`
}

// BlockUploadAuthorization is the server's answer to a batched
// authorization request.
type BlockUploadAuthorization struct {
	BlockTokens     []UploadToken          `json:"UploadLinks"`
	ThumbnailTokens []ThumbnailUploadToken `json:"ThumbnailLinks"`
}

// DraftRequest creates a draft for a new file.
type DraftRequest struct {
	ParentUID          string `json:"ParentUID"`
	Name               string `json:"Name"`
	MediaType          string `json:"MIMEType"`
	IntendedUploadSize int64  `json:"IntendedUploadSize"`
	ClientUID          string `json:"ClientUID,omitempty"`
}

// RevisionDraftRequest creates a draft revision of an existing file.
type RevisionDraftRequest struct {
	NodeUID            string `json:"-"`
	CurrentRevisionUID string `json:"CurrentRevisionUID"`
	IntendedUploadSize int64  `json:"IntendedUploadSize"`
	ClientUID          string `json:"ClientUID,omitempty"`
}

// Draft identifies server-side draft state.
type Draft struct {
	NodeUID     string `json:"NodeUID"`
	RevisionUID string `json:"RevisionUID"`
}

// CommitRequest seals a draft revision.
type CommitRequest struct {
	ManifestSignature           []byte `json:"ManifestSignature"`
	SignatureAddress            string `json:"SignatureAddress"`
	EncryptedExtendedAttributes []byte `json:"XAttr,omitempty"`
}

// DownloadBlock describes one block of a committed revision.
type DownloadBlock struct {
	Index         int    `json:"Index"`
	BareURL       string `json:"BareURL"`
	Token         string `json:"Token"`
	Digest        []byte `json:"Hash"`
	EncryptedSize int    `json:"EncSize"`
}

// RevisionThumbnail is one thumbnail digest of a committed revision.
// Thumbnail digests are listed because the signed manifest covers
// them; thumbnail content is not part of a file download.
type RevisionThumbnail struct {
	Type   int    `json:"Type"`
	Digest []byte `json:"Hash"`
}

// Revision is a committed revision's block listing.
type Revision struct {
	UID               string              `json:"UID"`
	Blocks            []DownloadBlock     `json:"Blocks"`
	Thumbnails        []RevisionThumbnail `json:"Thumbnails,omitempty"`
	ManifestSignature []byte              `json:"ManifestSignature"`
}

// Transport is the network boundary consumed by the engine. The
// default implementation is Client; tests substitute fakes.
type Transport interface {
	CreateDraft(ctx context.Context, req DraftRequest) (Draft, error)
	DeleteDraft(ctx context.Context, nodeUID string) error
	CreateDraftRevision(ctx context.Context, req RevisionDraftRequest) (Draft, error)
	DeleteDraftRevision(ctx context.Context, revisionUID string) error

	FetchVerificationCode(ctx context.Context, revisionUID string) ([]byte, error)
	RequestBlockUpload(ctx context.Context, revisionUID, addressID string, blocks []BlockDescriptor, thumbnails []ThumbnailDescriptor) (BlockUploadAuthorization, error)
	UploadBlob(ctx context.Context, bareURL, token string, data []byte, onProgress func(int64)) error

	FetchRevision(ctx context.Context, revisionUID string) (Revision, error)
	DownloadBlob(ctx context.Context, bareURL, token string) ([]byte, error)

	CommitRevision(ctx context.Context, revisionUID string, req CommitRequest) error
}

// NodeKeys is the key material needed to transfer one file revision.
type NodeKeys struct {
	// NodeKey encrypts node metadata such as extended attributes.
	NodeKey blockcrypto.SessionKey
	// ContentKey is the session key shared by all blocks of the file.
	ContentKey blockcrypto.SessionKey
	// SigningKey signs blocks and the manifest.
	SigningKey ed25519.PrivateKey
	// AddressID identifies the membership address used for upload
	// authorization.
	AddressID string
	// SignatureAddress is the signer identity sent with the commit.
	SignatureAddress string
}

// KeyProvider resolves key material for nodes, independent of this
// engine. Key derivation and unlocking are out of scope here.
type KeyProvider interface {
	// FileKeys returns the keys of an existing file node.
	FileKeys(ctx context.Context, nodeUID string) (NodeKeys, error)
	// NewFileKeys generates keys for a file about to be created under
	// the given parent.
	NewFileKeys(ctx context.Context, parentUID string) (NodeKeys, error)
}

// MetadataNotifier receives cache-invalidation hooks after a
// successful commit. Failures are logged by the engine, never
// escalated.
type MetadataNotifier interface {
	NotifyChildCreated(ctx context.Context, parentUID string) error
	NotifyNodeChanged(ctx context.Context, nodeUID string) error
}
