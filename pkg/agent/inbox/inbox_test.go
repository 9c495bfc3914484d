package inbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xHecker/omni-stream/pkg/agent/coordclient"
	"github.com/0xHecker/omni-stream/pkg/agent/models"
	"github.com/0xHecker/omni-stream/pkg/agent/store"
)

type stateChange struct {
	TransferID string
	ItemID     string
	State      string
}

// fakeCoordinator serves manifests from memory and records state pushes.
type fakeCoordinator struct {
	manifests map[string]*coordclient.Manifest
	changes   []stateChange
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{manifests: make(map[string]*coordclient.Manifest)}
}

func (f *fakeCoordinator) NotifyItemState(_ context.Context, transferID, itemID, state string) {
	f.changes = append(f.changes, stateChange{transferID, itemID, state})
}

func (f *fakeCoordinator) FetchItemManifest(_ context.Context, transferID, itemID string) (*coordclient.Manifest, error) {
	return f.manifests[models.ItemKey(transferID, itemID)], nil
}

type fixture struct {
	t           *testing.T
	service     *Service
	store       *store.GORMStore
	coordinator *fakeCoordinator
	inboxDir    string
	shareRoot   string
	shareID     string
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	shareRoot := t.TempDir()
	shareID := models.NewID()
	require.NoError(t, st.SaveShare(context.Background(), &models.LocalShare{
		ID:       shareID,
		Name:     "Inbox Share",
		RootPath: shareRoot,
	}))

	coordinator := newFakeCoordinator()
	inboxDir := t.TempDir()
	return &fixture{
		t:           t,
		service:     NewService(st, coordinator, inboxDir, 1024*1024),
		store:       st,
		coordinator: coordinator,
		inboxDir:    inboxDir,
		shareRoot:   shareRoot,
		shareID:     shareID,
	}
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// approve registers a manifest so the first chunk can adopt it.
func (f *fixture) approve(transferID, itemID, filename string, content []byte) ChunkRequest {
	sha := digestOf(content)
	f.coordinator.manifests[models.ItemKey(transferID, itemID)] = &coordclient.Manifest{
		TransferID:      transferID,
		ReceiverShareID: f.shareID,
		ItemID:          itemID,
		Filename:        filename,
		Size:            int64(len(content)),
		SHA256:          sha,
		State:           models.ItemPending,
	}
	return ChunkRequest{
		TransferID: transferID,
		ShareID:    f.shareID,
		ItemID:     itemID,
		Filename:   filename,
		Size:       int64(len(content)),
		SHA256:     sha,
	}
}

func TestChunkCommitFinalizeFlow(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	content := []byte("hello omni-stream inbox")
	transferID, itemID := models.NewID(), models.NewID()
	req := f.approve(transferID, itemID, "greeting.txt", content)

	first := req
	first.Offset = 0
	result, err := f.service.ReceiveChunk(ctx, first, bytes.NewReader(content[:10]))
	require.NoError(t, err)
	assert.Equal(t, models.ItemReceiving, result.State)
	assert.Equal(t, int64(10), result.ReceivedSize)

	// Replaying the first chunk is refused with the expected offset.
	_, err = f.service.ReceiveChunk(ctx, first, bytes.NewReader(content[:10]))
	var offsetErr *OffsetError
	require.ErrorAs(t, err, &offsetErr)
	assert.Equal(t, int64(10), offsetErr.Expected)

	second := req
	second.Offset = 10
	second.Last = true
	result, err = f.service.ReceiveChunk(ctx, second, bytes.NewReader(content[10:]))
	require.NoError(t, err)
	assert.Equal(t, models.ItemStaged, result.State)
	assert.Equal(t, int64(len(content)), result.ReceivedSize)

	committed, err := f.service.Commit(ctx, transferID, f.shareID, itemID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemCommitted, committed.State)
	data, err := os.ReadFile(committed.InboxPath)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	finalized, err := f.service.Finalize(ctx, transferID, f.shareID, itemID, "", true)
	require.NoError(t, err)
	assert.Equal(t, models.ItemFinalized, finalized.State)
	assert.Equal(t, filepath.Join(f.shareRoot, "greeting.txt"), finalized.FinalPath)
	data, err = os.ReadFile(finalized.FinalPath)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	// The coordinator heard every state change in order.
	states := make([]string, 0, len(f.coordinator.changes))
	for _, change := range f.coordinator.changes {
		states = append(states, change.State)
	}
	assert.Equal(t, []string{
		models.ItemReceiving, models.ItemStaged, models.ItemCommitted, models.ItemFinalized,
	}, states)
}

func TestChunkWithoutApprovalRejected(t *testing.T) {
	f := setupFixture(t)
	req := ChunkRequest{
		TransferID: models.NewID(),
		ShareID:    f.shareID,
		ItemID:     models.NewID(),
		Filename:   "ghost.bin",
		Size:       4,
		SHA256:     strings.Repeat("a", 64),
	}
	_, err := f.service.ReceiveChunk(context.Background(), req, bytes.NewReader([]byte("data")))
	require.ErrorIs(t, err, ErrNotApproved)
}

func TestChunkManifestShareMismatch(t *testing.T) {
	f := setupFixture(t)
	content := []byte("data")
	transferID, itemID := models.NewID(), models.NewID()
	req := f.approve(transferID, itemID, "data.bin", content)
	f.coordinator.manifests[models.ItemKey(transferID, itemID)].ReceiverShareID = models.NewID()

	_, err := f.service.ReceiveChunk(context.Background(), req, bytes.NewReader(content))
	require.ErrorIs(t, err, ErrShareMismatch)
}

func TestChunkMetadataMismatch(t *testing.T) {
	f := setupFixture(t)
	content := []byte("data")
	req := f.approve(models.NewID(), models.NewID(), "data.bin", content)
	req.Size = 999

	_, err := f.service.ReceiveChunk(context.Background(), req, bytes.NewReader(content))
	require.ErrorIs(t, err, ErrMetadataMismatch)
}

func TestChunkExceedingExpectedSizeTruncates(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	content := []byte("1234")
	transferID, itemID := models.NewID(), models.NewID()
	req := f.approve(transferID, itemID, "data.bin", content)

	_, err := f.service.ReceiveChunk(ctx, req, bytes.NewReader([]byte("123456789")))
	require.ErrorIs(t, err, ErrChunkBeyondSize)

	// The failed write left nothing behind; a clean retry succeeds.
	req.Last = true
	result, err := f.service.ReceiveChunk(ctx, req, bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, models.ItemStaged, result.State)
}

func TestFinalChunkSizeMismatch(t *testing.T) {
	f := setupFixture(t)
	content := []byte("1234")
	req := f.approve(models.NewID(), models.NewID(), "data.bin", content)
	req.Last = true

	_, err := f.service.ReceiveChunk(context.Background(), req, bytes.NewReader(content[:2]))
	require.ErrorIs(t, err, ErrFinalSizeMismatch)
}

func TestCommitChecksumMismatch(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	declared := []byte("expected content")
	tampered := []byte("tampered content")
	transferID, itemID := models.NewID(), models.NewID()
	req := f.approve(transferID, itemID, "data.bin", declared)

	req.Last = true
	_, err := f.service.ReceiveChunk(ctx, req, bytes.NewReader(tampered))
	require.NoError(t, err)

	_, err = f.service.Commit(ctx, transferID, f.shareID, itemID)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestCommitSkipsUnknownChecksum(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	content := []byte("whatever bytes")
	transferID, itemID := models.NewID(), models.NewID()
	req := f.approve(transferID, itemID, "data.bin", content)
	req.SHA256 = UnknownSHA256
	f.coordinator.manifests[models.ItemKey(transferID, itemID)].SHA256 = UnknownSHA256

	req.Last = true
	_, err := f.service.ReceiveChunk(ctx, req, bytes.NewReader(content))
	require.NoError(t, err)

	committed, err := f.service.Commit(ctx, transferID, f.shareID, itemID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemCommitted, committed.State)
}

func TestFinalizeCollisionSuffix(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	content := []byte("collide")
	transferID, itemID := models.NewID(), models.NewID()
	req := f.approve(transferID, itemID, "notes.txt", content)

	require.NoError(t, os.WriteFile(filepath.Join(f.shareRoot, "notes.txt"), []byte("existing"), 0644))

	req.Last = true
	_, err := f.service.ReceiveChunk(ctx, req, bytes.NewReader(content))
	require.NoError(t, err)
	_, err = f.service.Commit(ctx, transferID, f.shareID, itemID)
	require.NoError(t, err)

	finalized, err := f.service.Finalize(ctx, transferID, f.shareID, itemID, "", true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.shareRoot, "notes (1).txt"), finalized.FinalPath)

	// The existing file was not touched.
	data, err := os.ReadFile(filepath.Join(f.shareRoot, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("existing"), data)
}

func TestFinalizeIntoSubdirectory(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	content := []byte("nested")
	transferID, itemID := models.NewID(), models.NewID()
	req := f.approve(transferID, itemID, "deep.txt", content)

	req.Last = true
	_, err := f.service.ReceiveChunk(ctx, req, bytes.NewReader(content))
	require.NoError(t, err)
	_, err = f.service.Commit(ctx, transferID, f.shareID, itemID)
	require.NoError(t, err)

	finalized, err := f.service.Finalize(ctx, transferID, f.shareID, itemID, "incoming/2026", true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.shareRoot, "incoming", "2026", "deep.txt"), finalized.FinalPath)

	_, err = f.service.Finalize(ctx, transferID, f.shareID, itemID, "../escape", true)
	require.Error(t, err)
}

func TestFinalizeReadOnlyShare(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	content := []byte("blocked")
	transferID, itemID := models.NewID(), models.NewID()
	req := f.approve(transferID, itemID, "blocked.txt", content)

	req.Last = true
	_, err := f.service.ReceiveChunk(ctx, req, bytes.NewReader(content))
	require.NoError(t, err)
	_, err = f.service.Commit(ctx, transferID, f.shareID, itemID)
	require.NoError(t, err)

	share, err := f.store.GetShare(ctx, f.shareID)
	require.NoError(t, err)
	share.ReadOnly = true
	require.NoError(t, f.store.SaveShare(ctx, share))

	_, err = f.service.Finalize(ctx, transferID, f.shareID, itemID, "", true)
	require.ErrorIs(t, err, ErrShareReadOnly)
}

func TestFinalizeBeforeCommit(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	content := []byte("early")
	transferID, itemID := models.NewID(), models.NewID()
	req := f.approve(transferID, itemID, "early.txt", content)

	req.Last = true
	_, err := f.service.ReceiveChunk(ctx, req, bytes.NewReader(content))
	require.NoError(t, err)

	_, err = f.service.Finalize(ctx, transferID, f.shareID, itemID, "", true)
	require.ErrorIs(t, err, ErrNotCommitted)
}

func TestPauseBlocksChunksUntilResume(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	content := []byte("pausable data")
	transferID, itemID := models.NewID(), models.NewID()
	req := f.approve(transferID, itemID, "pausable.txt", content)

	first := req
	result, err := f.service.ReceiveChunk(ctx, first, bytes.NewReader(content[:4]))
	require.NoError(t, err)
	assert.Equal(t, models.ItemReceiving, result.State)

	require.NoError(t, f.service.Pause(ctx, transferID, f.shareID))

	next := req
	next.Offset = 4
	_, err = f.service.ReceiveChunk(ctx, next, bytes.NewReader(content[4:]))
	require.ErrorIs(t, err, ErrPausedState)

	require.NoError(t, f.service.Resume(ctx, transferID, f.shareID))

	next.Last = true
	result, err = f.service.ReceiveChunk(ctx, next, bytes.NewReader(content[4:]))
	require.NoError(t, err)
	assert.Equal(t, models.ItemStaged, result.State)

	statuses, err := f.service.Status(ctx, transferID, f.shareID)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, models.ItemStaged, statuses[0].State)
	assert.Equal(t, int64(len(content)), statuses[0].ReceivedSize)
}

func TestChunkAfterCommitRejected(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	content := []byte("done")
	transferID, itemID := models.NewID(), models.NewID()
	req := f.approve(transferID, itemID, "done.txt", content)

	req.Last = true
	_, err := f.service.ReceiveChunk(ctx, req, bytes.NewReader(content))
	require.NoError(t, err)
	_, err = f.service.Commit(ctx, transferID, f.shareID, itemID)
	require.NoError(t, err)

	_, err = f.service.ReceiveChunk(ctx, req, bytes.NewReader(content))
	require.ErrorIs(t, err, ErrAlreadyCommitted)
}
