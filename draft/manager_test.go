package draft

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ProtonDriveApps/sdk-sub001/api"
	"github.com/ProtonDriveApps/sdk-sub001/blockcrypto"
	"github.com/ProtonDriveApps/sdk-sub001/logging"
	"github.com/ProtonDriveApps/sdk-sub001/sdkerrors"
)

// fakeKeys returns deterministic test key material.
type fakeKeys struct{}

func (fakeKeys) FileKeys(ctx context.Context, nodeUID string) (api.NodeKeys, error) {
	return testNodeKeys(), nil
}

func (fakeKeys) NewFileKeys(ctx context.Context, parentUID string) (api.NodeKeys, error) {
	return testNodeKeys(), nil
}

func testNodeKeys() api.NodeKeys {
	contentKey, _ := blockcrypto.GenerateSessionKey()
	nodeKey, _ := blockcrypto.GenerateSessionKey()
	signingKey, _ := blockcrypto.GenerateSigningKey()
	return api.NodeKeys{
		NodeKey:          nodeKey,
		ContentKey:       contentKey,
		SigningKey:       signingKey,
		AddressID:        "addr1",
		SignatureAddress: "user@example.com",
	}
}

// fakeTransport scripts draft-creation responses.
type fakeTransport struct {
	api.Transport

	mu             sync.Mutex
	createErrs     []error // popped per CreateDraft call; nil means success
	createCalls    int
	revisionErrs   []error
	revisionCalls  int
	deletedNodes   []string
	deleteErr      error
	verificationOK bool
}

func (f *fakeTransport) CreateDraft(ctx context.Context, req api.DraftRequest) (api.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return api.Draft{}, err
		}
	}
	return api.Draft{NodeUID: "vol1~new", RevisionUID: "vol1~new~rev1"}, nil
}

func (f *fakeTransport) CreateDraftRevision(ctx context.Context, req api.RevisionDraftRequest) (api.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revisionCalls++
	if len(f.revisionErrs) > 0 {
		err := f.revisionErrs[0]
		f.revisionErrs = f.revisionErrs[1:]
		if err != nil {
			return api.Draft{}, err
		}
	}
	return api.Draft{NodeUID: req.NodeUID, RevisionUID: req.NodeUID + "~rev2"}, nil
}

func (f *fakeTransport) DeleteDraft(ctx context.Context, nodeUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedNodes = append(f.deletedNodes, nodeUID)
	return f.deleteErr
}

func (f *fakeTransport) DeleteDraftRevision(ctx context.Context, revisionUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedNodes = append(f.deletedNodes, revisionUID)
	return f.deleteErr
}

func (f *fakeTransport) FetchVerificationCode(ctx context.Context, revisionUID string) ([]byte, error) {
	if !f.verificationOK {
		return nil, errors.New("verification unavailable")
	}
	return []byte{0x01, 0x02, 0x03, 0x04}, nil
}

func conflictErr(nodeUID, draftRevisionUID, draftClientUID string) error {
	return sdkerrors.NewConflict("create draft", &sdkerrors.ConflictDetail{
		ConflictingNodeUID: nodeUID,
		DraftRevisionUID:   draftRevisionUID,
		DraftClientUID:     draftClientUID,
	}, errors.New("already exists"))
}

func newTestManager(transport *fakeTransport) *Manager {
	return NewManager(transport, fakeKeys{}, "client-a", logging.Nop())
}

func TestCreateFileDraft(t *testing.T) {
	transport := &fakeTransport{verificationOK: true}
	m := newTestManager(transport)

	d, err := m.CreateFileDraft(context.Background(), "vol1~root", "a.txt", "text/plain", 100, false)
	if err != nil {
		t.Fatalf("CreateFileDraft: %v", err)
	}
	if d.NodeUID != "vol1~new" || d.RevisionUID != "vol1~new~rev1" {
		t.Errorf("unexpected draft identifiers: %+v", d)
	}
	if !d.IsNewNode {
		t.Error("IsNewNode should be true for a file draft")
	}
	if d.Verifier == nil {
		t.Error("draft should carry an assigned verifier")
	}
}

func TestOwnDraftConflictIsDeletedAndRetried(t *testing.T) {
	transport := &fakeTransport{
		verificationOK: true,
		createErrs:     []error{conflictErr("vol1~stale", "vol1~stale~rev1", "client-a")},
	}
	m := newTestManager(transport)

	d, err := m.CreateFileDraft(context.Background(), "vol1~root", "a.txt", "text/plain", 100, false)
	if err != nil {
		t.Fatalf("CreateFileDraft: %v", err)
	}
	if d == nil {
		t.Fatal("expected a draft")
	}
	if transport.createCalls != 2 {
		t.Errorf("createCalls = %d, want 2", transport.createCalls)
	}
	if len(transport.deletedNodes) != 1 || transport.deletedNodes[0] != "vol1~stale" {
		t.Errorf("deletedNodes = %v, want [vol1~stale]", transport.deletedNodes)
	}
}

func TestConflictRetriesAreBounded(t *testing.T) {
	conflict := conflictErr("vol1~stale", "vol1~stale~rev1", "client-a")
	transport := &fakeTransport{
		verificationOK: true,
		createErrs:     []error{conflict, conflict, conflict, conflict, conflict},
	}
	m := newTestManager(transport)

	_, err := m.CreateFileDraft(context.Background(), "vol1~root", "a.txt", "text/plain", 100, false)
	if err == nil {
		t.Fatal("expected error after exhausting conflict attempts")
	}
	if transport.createCalls > 3 {
		t.Errorf("createCalls = %d, want at most 3", transport.createCalls)
	}
}

func TestForeignDraftConflictSurfaces(t *testing.T) {
	transport := &fakeTransport{
		verificationOK: true,
		createErrs:     []error{conflictErr("vol1~other", "vol1~other~rev1", "client-b")},
	}
	m := newTestManager(transport)

	_, err := m.CreateFileDraft(context.Background(), "vol1~root", "a.txt", "text/plain", 100, false)
	if sdkerrors.KindOf(err) != sdkerrors.Conflict {
		t.Fatalf("expected Conflict error, got %v", err)
	}
	detail := sdkerrors.ConflictOf(err)
	if detail == nil || detail.ConflictingNodeUID != "vol1~other" {
		t.Errorf("conflict detail = %+v, want conflicting node vol1~other", detail)
	}
	if len(transport.deletedNodes) != 0 {
		t.Errorf("foreign draft must not be deleted, got deletions %v", transport.deletedNodes)
	}
}

func TestForeignDraftOverride(t *testing.T) {
	transport := &fakeTransport{
		verificationOK: true,
		createErrs:     []error{conflictErr("vol1~other", "vol1~other~rev1", "client-b")},
	}
	m := newTestManager(transport)

	_, err := m.CreateFileDraft(context.Background(), "vol1~root", "a.txt", "text/plain", 100, true)
	if err != nil {
		t.Fatalf("CreateFileDraft with override: %v", err)
	}
	if len(transport.deletedNodes) != 1 || transport.deletedNodes[0] != "vol1~other" {
		t.Errorf("deletedNodes = %v, want [vol1~other]", transport.deletedNodes)
	}
}

func TestCommittedFileConflictNotRetried(t *testing.T) {
	// No draft revision UID: the name is held by a committed file.
	transport := &fakeTransport{
		verificationOK: true,
		createErrs:     []error{conflictErr("vol1~real", "", "")},
	}
	m := newTestManager(transport)

	_, err := m.CreateFileDraft(context.Background(), "vol1~root", "a.txt", "text/plain", 100, true)
	if sdkerrors.KindOf(err) != sdkerrors.Conflict {
		t.Fatalf("expected Conflict error, got %v", err)
	}
	if transport.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1 (no silent retry)", transport.createCalls)
	}
}

func TestVerificationFailureFailsDraftCreation(t *testing.T) {
	transport := &fakeTransport{verificationOK: false}
	m := newTestManager(transport)

	_, err := m.CreateFileDraft(context.Background(), "vol1~root", "a.txt", "text/plain", 100, false)
	if err == nil {
		t.Fatal("expected error when verification code cannot be fetched")
	}
	// The half-created draft is cleaned up.
	if len(transport.deletedNodes) != 1 || transport.deletedNodes[0] != "vol1~new" {
		t.Errorf("deletedNodes = %v, want the fresh draft deleted", transport.deletedNodes)
	}
}

func TestCreateRevisionDraft(t *testing.T) {
	transport := &fakeTransport{
		verificationOK: true,
		revisionErrs:   []error{conflictErr("vol1~file", "vol1~file~revStale", "client-a")},
	}
	m := newTestManager(transport)

	d, err := m.CreateRevisionDraft(context.Background(), "vol1~file", "vol1~file~rev1", 100)
	if err != nil {
		t.Fatalf("CreateRevisionDraft: %v", err)
	}
	if d.IsNewNode {
		t.Error("IsNewNode should be false for a revision draft")
	}
	if transport.revisionCalls != 2 {
		t.Errorf("revisionCalls = %d, want 2", transport.revisionCalls)
	}
	if len(transport.deletedNodes) != 1 || transport.deletedNodes[0] != "vol1~file~revStale" {
		t.Errorf("deletedNodes = %v, want the stale revision", transport.deletedNodes)
	}
}

func TestFailedConflictDeleteSurfacesOriginalError(t *testing.T) {
	transport := &fakeTransport{
		verificationOK: true,
		createErrs:     []error{conflictErr("vol1~stale", "vol1~stale~rev1", "client-a")},
		deleteErr:      errors.New("delete failed"),
	}
	m := newTestManager(transport)

	_, err := m.CreateFileDraft(context.Background(), "vol1~root", "a.txt", "text/plain", 100, false)
	if sdkerrors.KindOf(err) != sdkerrors.Conflict {
		t.Fatalf("expected the original Conflict error, got %v", err)
	}
	if transport.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1 (retry skipped after failed delete)", transport.createCalls)
	}
}
