// Package blobstore keeps message attachments and thumbnails.
package blobstore

import (
	"context"
	"errors"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when no object exists under the requested name.
var ErrNotFound = errors.New("blobstore: object not found")

// Info describes a stored object.
type Info struct {
	Name        string
	Size        int64
	ModifiedAt  time.Time
	ContentType string
}

// Store persists named binary objects.
type Store interface {
	Put(ctx context.Context, name string, body io.Reader, size int64, contentType string) (Info, error)
	Stat(ctx context.Context, name string) (Info, error)
	Open(ctx context.Context, name string) (io.ReadCloser, Info, error)
	Delete(ctx context.Context, name string) error
}

// validName rejects anything that is not a single path element.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return filepath.Base(name) == name
}

// ContentTypeFor guesses a content type from the file extension.
func ContentTypeFor(name string) string {
	if contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); contentType != "" {
		return contentType
	}
	return "application/octet-stream"
}
