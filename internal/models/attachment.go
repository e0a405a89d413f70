package models

import (
	"path/filepath"
	"strings"
)

// Attachment is one decoded attachment part of an inbound message.
type Attachment struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
	Extension string `json:"extension"`
	Content   []byte `json:"-"`
	Inline    bool   `json:"inline"`
	ContentID string `json:"content_id,omitempty"`
}

// NewAttachment builds an attachment and derives its size and extension.
func NewAttachment(filename, mimeType string, content []byte) Attachment {
	return Attachment{
		Filename:  filename,
		Size:      int64(len(content)),
		MimeType:  mimeType,
		Extension: FileExtension(filename),
		Content:   content,
	}
}

// FileExtension returns the lowercase extension of name without the dot.
func FileExtension(name string) string {
	ext := filepath.Ext(strings.TrimSpace(name))
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
