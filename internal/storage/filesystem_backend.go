package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// FilesystemBackend stores content under basePath/YYYY/MM/DD/<ticket>/ with a
// JSON .meta sidecar per file.
type FilesystemBackend struct {
	basePath string
}

// NewFilesystemBackend creates basePath when missing.
func NewFilesystemBackend(basePath string) (*FilesystemBackend, error) {
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	return &FilesystemBackend{basePath: basePath}, nil
}

type metadataFile struct {
	TicketID    int64             `json:"ticket_id"`
	CommentID   *int64            `json:"comment_id,omitempty"`
	ContentType string            `json:"content_type"`
	FileSize    int64             `json:"file_size"`
	Checksum    string            `json:"checksum"`
	CreatedTime time.Time         `json:"created_time"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Store writes content and its metadata. Existing files are never overwritten.
func (f *FilesystemBackend) Store(ctx context.Context, ticketID int64, content *Content) (*Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if content == nil || content.FileName == "" {
		return nil, errors.New("storage: file name is required")
	}
	if filepath.Base(content.FileName) != content.FileName {
		return nil, fmt.Errorf("storage: invalid file name %q", content.FileName)
	}

	checksum := checksumOf(content.Content)
	created := content.CreatedTime
	if created.IsZero() {
		created = time.Now().UTC()
	}

	dirPath := f.ticketPath(ticketID, created)
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	filePath := filepath.Join(dirPath, content.FileName)
	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := file.Write(content.Content); err != nil {
		file.Close()
		os.Remove(filePath)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(filePath)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	meta := metadataFile{
		TicketID:    ticketID,
		CommentID:   content.CommentID,
		ContentType: content.ContentType,
		FileSize:    int64(len(content.Content)),
		Checksum:    checksum,
		CreatedTime: created,
		Metadata:    content.Metadata,
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		os.Remove(filePath)
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filePath+".meta", metaJSON, 0o644); err != nil {
		os.Remove(filePath)
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	return &Reference{
		TicketID:    ticketID,
		Backend:     "FS",
		Location:    filePath,
		ContentType: content.ContentType,
		FileName:    content.FileName,
		FileSize:    meta.FileSize,
		Checksum:    checksum,
		CreatedTime: created,
	}, nil
}

// Retrieve reads content and merges the sidecar metadata when present.
func (f *FilesystemBackend) Retrieve(ctx context.Context, ref *Reference) (*Content, error) {
	data, err := os.ReadFile(ref.Location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", ref.Location)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	content := &Content{
		TicketID:    ref.TicketID,
		ContentType: ref.ContentType,
		FileName:    ref.FileName,
		FileSize:    int64(len(data)),
		Content:     data,
		Metadata:    make(map[string]string),
		CreatedTime: ref.CreatedTime,
	}
	if raw, err := os.ReadFile(ref.Location + ".meta"); err == nil {
		var meta metadataFile
		if json.Unmarshal(raw, &meta) == nil {
			content.CommentID = meta.CommentID
			for k, v := range meta.Metadata {
				content.Metadata[k] = v
			}
		}
	}
	return content, nil
}

// Delete removes the file, its sidecar and the ticket directory when empty.
func (f *FilesystemBackend) Delete(ctx context.Context, ref *Reference) error {
	if err := os.Remove(ref.Location); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	_ = os.Remove(ref.Location + ".meta")
	_ = os.Remove(filepath.Dir(ref.Location))
	return nil
}

// Exists reports whether the referenced file is present.
func (f *FilesystemBackend) Exists(ctx context.Context, ref *Reference) (bool, error) {
	_, err := os.Stat(ref.Location)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Verify compares the stored bytes with the recorded checksum.
func (f *FilesystemBackend) Verify(ctx context.Context, ref *Reference) error {
	data, err := os.ReadFile(ref.Location)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if got := checksumOf(data); got != ref.Checksum {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, ref.Location)
	}
	return nil
}

// HealthCheck verifies the base path is writable.
func (f *FilesystemBackend) HealthCheck(ctx context.Context) error {
	testFile := filepath.Join(f.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("filesystem not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return fmt.Errorf("filesystem cleanup failed: %w", err)
	}
	return nil
}

func (f *FilesystemBackend) ticketPath(ticketID int64, t time.Time) string {
	return filepath.Join(f.basePath, t.Format("2006"), t.Format("01"), t.Format("02"), strconv.FormatInt(ticketID, 10))
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
