package draft

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ProtonDriveApps/sdk-sub001/api"
	"github.com/ProtonDriveApps/sdk-sub001/constants"
	"github.com/ProtonDriveApps/sdk-sub001/sdkerrors"
	"github.com/ProtonDriveApps/sdk-sub001/verify"
)

// Manager creates and deletes draft file and revision records on the
// server and reconciles draft-ownership conflicts. It is the engine's
// boundary to the metadata API.
type Manager struct {
	transport api.Transport
	keys      api.KeyProvider
	clientUID string
	log       zerolog.Logger
}

// NewManager creates a draft manager. clientUID identifies this client
// when reconciling draft conflicts; when empty, conflicting drafts are
// never considered our own.
func NewManager(transport api.Transport, keys api.KeyProvider, clientUID string, logger zerolog.Logger) *Manager {
	return &Manager{
		transport: transport,
		keys:      keys,
		clientUID: clientUID,
		log:       logger,
	}
}

// CreateFileDraft creates a draft for a new file under parentUID.
//
// When the name is occupied by another draft, the conflict is resolved
// automatically only if the conflicting draft belongs to this client
// or the caller explicitly asked to override foreign drafts: the stale
// draft is deleted and creation retried, bounded to
// MaxDraftCreationAttempts total attempts. Any other conflict is
// surfaced verbatim with the conflicting node identifier so the caller
// can decide.
func (m *Manager) CreateFileDraft(ctx context.Context, parentUID, name, mediaType string, sizeHint int64, overrideForeignDrafts bool) (*RevisionDraft, error) {
	keys, err := m.keys.NewFileKeys(ctx, parentUID)
	if err != nil {
		return nil, err
	}

	var created api.Draft
	for attempt := 1; ; attempt++ {
		created, err = m.transport.CreateDraft(ctx, api.DraftRequest{
			ParentUID:          parentUID,
			Name:               name,
			MediaType:          mediaType,
			IntendedUploadSize: sizeHint,
			ClientUID:          m.clientUID,
		})
		if err == nil {
			break
		}
		if !m.resolvableConflict(ctx, err, overrideForeignDrafts) || attempt >= constants.MaxDraftCreationAttempts {
			return nil, err
		}
	}

	return m.finishDraft(ctx, created, keys, true, parentUID)
}

// CreateRevisionDraft creates a draft revision of an existing file.
// The conflict policy matches CreateFileDraft: a leftover draft
// revision from this client is deleted and creation retried.
func (m *Manager) CreateRevisionDraft(ctx context.Context, fileUID, lastKnownRevisionUID string, sizeHint int64) (*RevisionDraft, error) {
	keys, err := m.keys.FileKeys(ctx, fileUID)
	if err != nil {
		return nil, err
	}

	var created api.Draft
	for attempt := 1; ; attempt++ {
		created, err = m.transport.CreateDraftRevision(ctx, api.RevisionDraftRequest{
			NodeUID:            fileUID,
			CurrentRevisionUID: lastKnownRevisionUID,
			IntendedUploadSize: sizeHint,
			ClientUID:          m.clientUID,
		})
		if err == nil {
			break
		}
		if !m.resolvableRevisionConflict(ctx, err) || attempt >= constants.MaxDraftCreationAttempts {
			return nil, err
		}
	}

	return m.finishDraft(ctx, created, keys, false, "")
}

// finishDraft attaches the block verifier. A verification-code fetch
// failure fails draft creation; the fresh draft is deleted best-effort
// so a retry starts clean.
func (m *Manager) finishDraft(ctx context.Context, created api.Draft, keys api.NodeKeys, isNewNode bool, parentUID string) (*RevisionDraft, error) {
	verifier, err := verify.New(ctx, m.transport, created.RevisionUID, keys.ContentKey, m.log)
	if err != nil {
		if isNewNode {
			m.DeleteDraftNode(created.NodeUID)
		} else {
			m.DeleteDraftRevision(created.RevisionUID)
		}
		return nil, err
	}

	return &RevisionDraft{
		NodeUID:     created.NodeUID,
		RevisionUID: created.RevisionUID,
		Keys:        keys,
		Verifier:    verifier,
		IsNewNode:   isNewNode,
		ParentUID:   parentUID,
	}, nil
}

// resolvableConflict reports whether a draft-creation error is a
// conflict this client may resolve by deleting the existing draft, and
// deletes it when so. A failed delete makes the conflict unresolvable;
// the original conflict error then bubbles up.
func (m *Manager) resolvableConflict(ctx context.Context, err error, overrideForeignDrafts bool) bool {
	detail := sdkerrors.ConflictOf(err)
	if detail == nil || detail.DraftRevisionUID == "" {
		// The name is held by a committed file, not a draft.
		return false
	}

	ownDraft := m.clientUID != "" && detail.DraftClientUID == m.clientUID
	if !ownDraft && !overrideForeignDrafts {
		m.log.Warn().
			Str("node", detail.ConflictingNodeUID).
			Str("draftClient", detail.DraftClientUID).
			Msg("Draft conflict with another client, not overriding")
		return false
	}

	m.log.Warn().
		Str("node", detail.ConflictingNodeUID).
		Str("draftClient", detail.DraftClientUID).
		Msg("Deleting conflicting draft node")
	if deleteErr := m.transport.DeleteDraft(ctx, detail.ConflictingNodeUID); deleteErr != nil {
		m.log.Error().Err(deleteErr).Msg("Failed to delete conflicting draft node")
		return false
	}
	return true
}

func (m *Manager) resolvableRevisionConflict(ctx context.Context, err error) bool {
	detail := sdkerrors.ConflictOf(err)
	if detail == nil || detail.DraftRevisionUID == "" {
		return false
	}
	if m.clientUID == "" || detail.DraftClientUID != m.clientUID {
		return false
	}

	m.log.Warn().
		Str("revision", detail.DraftRevisionUID).
		Msg("Deleting conflicting draft revision")
	if deleteErr := m.transport.DeleteDraftRevision(ctx, detail.DraftRevisionUID); deleteErr != nil {
		m.log.Error().Err(deleteErr).Msg("Failed to delete conflicting draft revision")
		return false
	}
	return true
}

// Dispose cleans up a draft that will not be committed: pending prefix
// buffers go back to the pool and, unless the revision completed, a
// best-effort asynchronous deletion request is issued. Deletion
// failures are logged, never escalated; this runs from cleanup paths
// where a secondary failure would mask the primary one.
func (m *Manager) Dispose(d *RevisionDraft) {
	d.ReleaseBuffers()
	if d.Completed() {
		return
	}
	if d.IsNewNode {
		go m.DeleteDraftNode(d.NodeUID)
	} else {
		go m.DeleteDraftRevision(d.RevisionUID)
	}
}

// DeleteDraftNode deletes a draft node, best-effort.
func (m *Manager) DeleteDraftNode(nodeUID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.transport.DeleteDraft(ctx, nodeUID); err != nil {
		m.log.Error().Err(err).Str("node", nodeUID).Msg("Failed to delete draft node")
	}
}

// DeleteDraftRevision deletes a draft revision, best-effort.
func (m *Manager) DeleteDraftRevision(revisionUID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.transport.DeleteDraftRevision(ctx, revisionUID); err != nil {
		m.log.Error().Err(err).Str("revision", revisionUID).Msg("Failed to delete draft revision")
	}
}
