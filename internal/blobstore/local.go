package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore keeps objects as files in one directory.
type LocalStore struct {
	dir string
}

// NewLocalStore creates dir when missing.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("blobstore: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create %s: %w", dir, err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) path(name string) (string, error) {
	if !validName(name) {
		return "", ErrNotFound
	}
	return filepath.Join(s.dir, name), nil
}

func (s *LocalStore) Put(ctx context.Context, name string, body io.Reader, _ int64, contentType string) (Info, error) {
	target, err := s.path(name)
	if err != nil {
		return Info{}, err
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	temp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Info{}, fmt.Errorf("blobstore: create temp: %w", err)
	}
	tempName := temp.Name()
	written, copyErr := io.Copy(temp, body)
	closeErr := temp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tempName)
		return Info{}, fmt.Errorf("blobstore: write %s: %w", name, errors.Join(copyErr, closeErr))
	}
	if err := os.Rename(tempName, target); err != nil {
		_ = os.Remove(tempName)
		return Info{}, fmt.Errorf("blobstore: commit %s: %w", name, err)
	}
	if contentType == "" {
		contentType = ContentTypeFor(name)
	}
	stat, err := os.Stat(target)
	if err != nil {
		return Info{}, fmt.Errorf("blobstore: stat %s: %w", name, err)
	}
	return Info{Name: name, Size: written, ModifiedAt: stat.ModTime().UTC(), ContentType: contentType}, nil
}

func (s *LocalStore) Stat(_ context.Context, name string) (Info, error) {
	target, err := s.path(name)
	if err != nil {
		return Info{}, err
	}
	stat, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("blobstore: stat %s: %w", name, err)
	}
	if stat.IsDir() {
		return Info{}, ErrNotFound
	}
	return Info{
		Name:        name,
		Size:        stat.Size(),
		ModifiedAt:  stat.ModTime().UTC(),
		ContentType: ContentTypeFor(name),
	}, nil
}

func (s *LocalStore) Open(ctx context.Context, name string) (io.ReadCloser, Info, error) {
	info, err := s.Stat(ctx, name)
	if err != nil {
		return nil, Info{}, err
	}
	file, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Info{}, ErrNotFound
	}
	if err != nil {
		return nil, Info{}, fmt.Errorf("blobstore: open %s: %w", name, err)
	}
	return file, info, nil
}

func (s *LocalStore) Delete(_ context.Context, name string) error {
	target, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("blobstore: delete %s: %w", name, err)
	}
	return nil
}
