// Package inbox receives transfer uploads. Files arrive as offset-addressed
// chunks into a part file, are committed into the inbox once complete and
// checksum-verified, and finalized into the destination share on the
// receiver's say-so.
package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/0xHecker/omni-stream/internal/logger"
	"github.com/0xHecker/omni-stream/pkg/agent/coordclient"
	"github.com/0xHecker/omni-stream/pkg/agent/models"
	"github.com/0xHecker/omni-stream/pkg/agent/store"
	"github.com/0xHecker/omni-stream/pkg/pathsafe"
)

// UnknownSHA256 is the sentinel digest senders use when the hash was not
// computed up front. Commit skips verification for it.
const UnknownSHA256 = "0000000000000000000000000000000000000000000000000000000000000000"

// Sentinel errors mapped onto HTTP statuses by the API layer.
var (
	ErrNotApproved          = errors.New("transfer item not approved")
	ErrShareMismatch        = errors.New("share mismatch for transfer item")
	ErrAlreadyCommitted     = errors.New("item already committed")
	ErrPausedState          = errors.New("transfer is paused")
	ErrMetadataMismatch     = errors.New("chunk metadata mismatch")
	ErrBadManifest          = errors.New("transfer item manifest is invalid")
	ErrChunkTooLarge        = errors.New("chunk too large")
	ErrChunkBeyondSize      = errors.New("chunk exceeds expected item size")
	ErrOffsetBeyondSize     = errors.New("chunk offset exceeds expected size")
	ErrFinalSizeMismatch    = errors.New("final chunk does not match expected size")
	ErrBadFilename          = errors.New("invalid filename")
	ErrPartMissing          = errors.New("transfer chunk file missing")
	ErrSizeMismatch         = errors.New("received size does not match expected size")
	ErrChecksumMismatch     = errors.New("checksum mismatch")
	ErrNotCommitted         = errors.New("transfer item is not committed")
	ErrShareReadOnly        = errors.New("share is read-only")
	ErrCommittedFileMissing = errors.New("committed file not found")
	ErrNameExhausted        = errors.New("failed to allocate destination filename")
)

// OffsetError reports a chunk that does not continue the part file.
// The sender rewinds to Expected and retries.
type OffsetError struct {
	Expected int64
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("unexpected chunk offset, expected %d", e.Expected)
}

// Coordinator is the slice of the coordinator client the inbox needs.
type Coordinator interface {
	NotifyItemState(ctx context.Context, transferID, itemID, state string)
	FetchItemManifest(ctx context.Context, transferID, itemID string) (*coordclient.Manifest, error)
}

// Service implements the inbox state machine.
type Service struct {
	store         store.Store
	coordinator   Coordinator
	inboxDir      string
	chunkMaxBytes int64
}

// NewService creates an inbox service rooted at inboxDir.
func NewService(st store.Store, coordinator Coordinator, inboxDir string, chunkMaxBytes int64) *Service {
	return &Service{
		store:         st,
		coordinator:   coordinator,
		inboxDir:      inboxDir,
		chunkMaxBytes: chunkMaxBytes,
	}
}

// ChunkMaxBytes returns the configured per-request chunk ceiling.
func (s *Service) ChunkMaxBytes() int64 {
	return s.chunkMaxBytes
}

// safeFilename reduces a client-supplied name to its base component.
func safeFilename(name string) (string, error) {
	cleaned := strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if cleaned == "" || cleaned == "." || cleaned == string(filepath.Separator) {
		return "", ErrBadFilename
	}
	return cleaned, nil
}

func (s *Service) partDir(transferID string) string {
	return filepath.Join(s.inboxDir, "transfers", transferID)
}

func (s *Service) committedDir(transferID string) string {
	return filepath.Join(s.inboxDir, "committed", transferID)
}

// nextAvailablePath returns path, or the first "name (n).ext" variant that
// does not exist yet.
func nextAvailablePath(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for index := 1; index < 1000; index++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, index, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", ErrNameExhausted
}

// moveFile renames, falling back to copy-and-remove for cross-device
// destinations.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// ItemStatus is one item's progress snapshot.
type ItemStatus struct {
	ItemID       string `json:"item_id"`
	Filename     string `json:"filename"`
	ExpectedSize int64  `json:"expected_size"`
	ReceivedSize int64  `json:"received_size"`
	State        string `json:"state"`
}

// Status reports every tracked item of a transfer on a share.
func (s *Service) Status(ctx context.Context, transferID, shareID string) ([]ItemStatus, error) {
	items, err := s.store.ListItems(ctx, transferID, shareID)
	if err != nil {
		return nil, err
	}
	statuses := make([]ItemStatus, 0, len(items))
	for _, item := range items {
		statuses = append(statuses, ItemStatus{
			ItemID:       item.ItemID,
			Filename:     item.Filename,
			ExpectedSize: item.ExpectedSize,
			ReceivedSize: item.ReceivedSize,
			State:        item.State,
		})
	}
	return statuses, nil
}

// Pause freezes every in-flight item of a transfer. Chunks for paused
// items are refused until Resume.
func (s *Service) Pause(ctx context.Context, transferID, shareID string) error {
	items, err := s.store.ListItems(ctx, transferID, shareID)
	if err != nil {
		return err
	}
	for i := range items {
		item := &items[i]
		switch item.State {
		case models.ItemPending, models.ItemReceiving, models.ItemStaged:
			item.State = models.ItemPaused
			if err := s.store.SaveItem(ctx, item); err != nil {
				return err
			}
			s.coordinator.NotifyItemState(ctx, transferID, item.ItemID, models.ItemPaused)
		}
	}
	return nil
}

// Resume moves paused items back to receiving.
func (s *Service) Resume(ctx context.Context, transferID, shareID string) error {
	items, err := s.store.ListItems(ctx, transferID, shareID)
	if err != nil {
		return err
	}
	for i := range items {
		item := &items[i]
		if item.State != models.ItemPaused {
			continue
		}
		item.State = models.ItemReceiving
		if err := s.store.SaveItem(ctx, item); err != nil {
			return err
		}
		s.coordinator.NotifyItemState(ctx, transferID, item.ItemID, models.ItemReceiving)
	}
	return nil
}

// ChunkRequest carries one upload chunk's addressing and metadata.
type ChunkRequest struct {
	TransferID string
	ShareID    string
	ItemID     string
	Filename   string
	Size       int64
	SHA256     string
	Offset     int64
	Last       bool
}

// ChunkResult reports the item's position after a chunk landed.
type ChunkResult struct {
	ItemID       string `json:"item_id"`
	ReceivedSize int64  `json:"received_size"`
	ExpectedSize int64  `json:"expected_size"`
	State        string `json:"state"`
}

// ReceiveChunk appends one chunk at the given offset. The first chunk of
// an item pulls the manifest from the coordinator and pins the expected
// name, size, and digest; every later chunk must match them. A failed read
// truncates back to the offset so the sender can retry cleanly.
func (s *Service) ReceiveChunk(ctx context.Context, req ChunkRequest, body io.Reader) (*ChunkResult, error) {
	safeName, err := safeFilename(req.Filename)
	if err != nil {
		return nil, err
	}
	shaLower := strings.ToLower(req.SHA256)
	if len(shaLower) != 64 {
		return nil, ErrBadFilename
	}

	record, err := s.store.GetItem(ctx, req.TransferID, req.ItemID)
	if errors.Is(err, models.ErrItemNotFound) {
		record, err = s.adoptManifest(ctx, req, safeName, shaLower)
	}
	if err != nil {
		return nil, err
	}

	switch {
	case record.ShareID != req.ShareID:
		return nil, ErrShareMismatch
	case record.State == models.ItemCommitted || record.State == models.ItemFinalized:
		return nil, ErrAlreadyCommitted
	case record.State == models.ItemPaused:
		return nil, ErrPausedState
	case record.ExpectedSHA256 != shaLower || record.ExpectedSize != req.Size:
		return nil, ErrMetadataMismatch
	}

	if err := os.MkdirAll(filepath.Dir(record.PartPath), 0755); err != nil {
		return nil, err
	}

	// The part file on disk is authoritative; a crash between write and
	// save leaves the row behind, so re-sync before the offset check.
	var currentSize int64
	if info, err := os.Stat(record.PartPath); err == nil {
		currentSize = info.Size()
	}
	if currentSize != record.ReceivedSize {
		record.ReceivedSize = currentSize
	}
	if req.Offset != record.ReceivedSize {
		return nil, &OffsetError{Expected: record.ReceivedSize}
	}
	remaining := record.ExpectedSize - req.Offset
	if remaining < 0 {
		return nil, ErrOffsetBeyondSize
	}

	written, err := s.writeChunk(record.PartPath, req.Offset, remaining, body)
	if err != nil {
		return nil, err
	}

	record.ReceivedSize = req.Offset + written
	if req.Last && record.ReceivedSize != record.ExpectedSize {
		return nil, ErrFinalSizeMismatch
	}

	newState := models.ItemReceiving
	if req.Last {
		newState = models.ItemStaged
	}
	stateChanged := record.State != newState
	record.State = newState
	if err := s.store.SaveItem(ctx, record); err != nil {
		return nil, err
	}
	if stateChanged {
		s.coordinator.NotifyItemState(ctx, req.TransferID, record.ItemID, record.State)
	}

	return &ChunkResult{
		ItemID:       record.ItemID,
		ReceivedSize: record.ReceivedSize,
		ExpectedSize: record.ExpectedSize,
		State:        record.State,
	}, nil
}

// adoptManifest creates the local row for an item's first chunk after
// validating the chunk metadata against the coordinator's manifest.
func (s *Service) adoptManifest(ctx context.Context, req ChunkRequest, safeName, shaLower string) (*models.InboxTransferItem, error) {
	manifest, err := s.coordinator.FetchItemManifest(ctx, req.TransferID, req.ItemID)
	if err != nil {
		logger.Warn("failed to fetch transfer item manifest", "transfer_id", req.TransferID,
			"item_id", req.ItemID, "error", err)
		return nil, ErrNotApproved
	}
	if manifest == nil {
		return nil, ErrNotApproved
	}
	if manifest.ReceiverShareID != req.ShareID {
		return nil, ErrShareMismatch
	}

	expectedName, err := safeFilename(manifest.Filename)
	if err != nil {
		return nil, ErrBadManifest
	}
	expectedSHA := strings.ToLower(manifest.SHA256)
	if len(expectedSHA) != 64 {
		return nil, ErrBadManifest
	}
	if safeName != expectedName || req.Size != manifest.Size || shaLower != expectedSHA {
		return nil, ErrMetadataMismatch
	}

	record := &models.InboxTransferItem{
		ID:             models.ItemKey(req.TransferID, req.ItemID),
		TransferID:     req.TransferID,
		ItemID:         req.ItemID,
		ShareID:        req.ShareID,
		Filename:       expectedName,
		ExpectedSize:   manifest.Size,
		ExpectedSHA256: expectedSHA,
		PartPath:       filepath.Join(s.partDir(req.TransferID), req.ItemID+".part"),
		State:          models.ItemPending,
	}
	if err := s.store.SaveItem(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// writeChunk streams body into the part file at offset, enforcing the
// chunk ceiling and the item's remaining byte budget. On any failure the
// file is truncated back to offset.
func (s *Service) writeChunk(partPath string, offset, remaining int64, body io.Reader) (int64, error) {
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	var written int64
	buf := make([]byte, 64*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.chunkMaxBytes {
				_ = file.Truncate(offset)
				return 0, ErrChunkTooLarge
			}
			if written > remaining {
				_ = file.Truncate(offset)
				return 0, ErrChunkBeyondSize
			}
			if _, err := file.Write(buf[:n]); err != nil {
				_ = file.Truncate(offset)
				return 0, err
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			_ = file.Truncate(offset)
			return 0, fmt.Errorf("failed to read chunk payload: %w", readErr)
		}
	}
}

// CommitResult reports where a verified item landed in the inbox.
type CommitResult struct {
	ItemID    string `json:"item_id"`
	State     string `json:"state"`
	InboxPath string `json:"inbox_path"`
}

// Commit verifies a fully received item and moves it from the part area
// into the committed inbox. Verification hashes the whole file unless the
// sender declared the digest unknown.
func (s *Service) Commit(ctx context.Context, transferID, shareID, itemID string) (*CommitResult, error) {
	record, err := s.store.GetItem(ctx, transferID, itemID)
	if err != nil {
		return nil, err
	}
	if record.ShareID != shareID {
		return nil, models.ErrItemNotFound
	}

	info, err := os.Stat(record.PartPath)
	if err != nil {
		return nil, ErrPartMissing
	}
	if info.Size() != record.ExpectedSize {
		return nil, ErrSizeMismatch
	}

	if record.ExpectedSHA256 != UnknownSHA256 {
		digest, err := hashFile(record.PartPath)
		if err != nil {
			return nil, err
		}
		if digest != record.ExpectedSHA256 {
			return nil, ErrChecksumMismatch
		}
	}

	safeName, err := safeFilename(record.Filename)
	if err != nil {
		return nil, err
	}
	committedDir := s.committedDir(transferID)
	if err := os.MkdirAll(committedDir, 0755); err != nil {
		return nil, err
	}
	committedPath, err := nextAvailablePath(filepath.Join(committedDir, safeName))
	if err != nil {
		return nil, err
	}
	if err := moveFile(record.PartPath, committedPath); err != nil {
		return nil, err
	}

	record.InboxPath = &committedPath
	record.State = models.ItemCommitted
	if err := s.store.SaveItem(ctx, record); err != nil {
		return nil, err
	}
	s.coordinator.NotifyItemState(ctx, transferID, record.ItemID, models.ItemCommitted)

	return &CommitResult{
		ItemID:    record.ItemID,
		State:     record.State,
		InboxPath: committedPath,
	}, nil
}

// FinalizeResult reports the item's destination inside the share.
type FinalizeResult struct {
	ItemID    string `json:"item_id"`
	State     string `json:"state"`
	FinalPath string `json:"final_path"`
}

// Finalize moves a committed item out of the inbox into the share at
// destinationPath. Name collisions get a " (n)" suffix rather than
// overwriting.
func (s *Service) Finalize(ctx context.Context, transferID, shareID, itemID, destinationPath string, keepOriginalName bool) (*FinalizeResult, error) {
	record, err := s.store.GetItem(ctx, transferID, itemID)
	if err != nil {
		return nil, err
	}
	if record.ShareID != shareID {
		return nil, models.ErrItemNotFound
	}
	if record.State != models.ItemCommitted && record.State != models.ItemFinalized {
		return nil, ErrNotCommitted
	}

	share, err := s.store.GetShare(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if share.ReadOnly {
		return nil, ErrShareReadOnly
	}

	if record.InboxPath == nil {
		return nil, ErrCommittedFileMissing
	}
	source := *record.InboxPath
	if info, err := os.Stat(source); err != nil || info.IsDir() {
		return nil, ErrCommittedFileMissing
	}

	destinationDir, err := pathsafe.Resolve(share.RootPath, destinationPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(destinationDir, 0755); err != nil {
		return nil, err
	}

	targetName := record.Filename
	if !keepOriginalName {
		targetName = filepath.Base(source)
	}
	safeName, err := safeFilename(targetName)
	if err != nil {
		return nil, err
	}
	finalPath, err := nextAvailablePath(filepath.Join(destinationDir, safeName))
	if err != nil {
		return nil, err
	}
	if err := moveFile(source, finalPath); err != nil {
		return nil, err
	}

	record.State = models.ItemFinalized
	record.InboxPath = &finalPath
	if err := s.store.SaveItem(ctx, record); err != nil {
		return nil, err
	}
	s.coordinator.NotifyItemState(ctx, transferID, record.ItemID, models.ItemFinalized)

	return &FinalizeResult{
		ItemID:    record.ItemID,
		State:     record.State,
		FinalPath: finalPath,
	}, nil
}

// hashFile computes the lowercase hex SHA-256 of a file with a 1MiB read
// buffer.
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	digest := sha256.New()
	buf := make([]byte, 1024*1024)
	if _, err := io.CopyBuffer(digest, file, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
