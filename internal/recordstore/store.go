// Package recordstore keeps the messaging collections in a single JSON
// document on disk. Every mutation is applied by one writer goroutine, which
// loads the document, changes it and replaces the file atomically.
package recordstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/beresta/messenger/internal/messaging"
)

var (
	// ErrCorruptDocument is returned when the document cannot be read or decoded.
	ErrCorruptDocument = errors.New("recordstore: document is unreadable or not valid JSON")
	// ErrClosed is returned by every call made after Close.
	ErrClosed = errors.New("recordstore: store is closed")

	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

const (
	collectionUsers         = "users"
	collectionFriends       = "friends"
	collectionMessages      = "messages"
	collectionGroups        = "groups"
	collectionGroupMembers  = "groupMembers"
	collectionGroupMessages = "groupMessages"
	collectionCalls         = "calls"
	collectionAgoraCalls    = "agoraCalls"

	backupTimeLayout = "20060102-150405"
	queueDepth       = 64
)

type document struct {
	Users         []messaging.User         `json:"users"`
	Friends       []messaging.Friend       `json:"friends"`
	Messages      []messaging.Message      `json:"messages"`
	Groups        []messaging.Group        `json:"groups"`
	GroupMembers  []messaging.GroupMember  `json:"groupMembers"`
	GroupMessages []messaging.GroupMessage `json:"groupMessages"`
	Calls         []messaging.Call         `json:"calls"`
	AgoraCalls    []messaging.AgoraCall    `json:"agoraCalls"`
	LastIDs       map[string]int64         `json:"lastIds"`
}

func emptyDocument() document {
	return document{
		Users:         []messaging.User{},
		Friends:       []messaging.Friend{},
		Messages:      []messaging.Message{},
		Groups:        []messaging.Group{},
		GroupMembers:  []messaging.GroupMember{},
		GroupMessages: []messaging.GroupMessage{},
		Calls:         []messaging.Call{},
		AgoraCalls:    []messaging.AgoraCall{},
		LastIDs:       map[string]int64{},
	}
}

// nextID advances the collection counter. A counter behind the highest
// stored id is fast-forwarded first.
func (doc *document) nextID(collection string, highest int64) int64 {
	if doc.LastIDs == nil {
		doc.LastIDs = map[string]int64{}
	}
	if doc.LastIDs[collection] < highest {
		doc.LastIDs[collection] = highest
	}
	doc.LastIDs[collection]++
	return doc.LastIDs[collection]
}

type Config struct {
	Path   string
	Logger *zap.Logger
	Clock  func() time.Time
}

type job struct {
	run    func() error
	result chan error
}

// Store is a messaging.Repository backed by one JSON file.
type Store struct {
	path   string
	logger *zap.Logger
	clock  func() time.Time

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	done   chan struct{}
}

// Open starts the writer goroutine. The document is created on first write.
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("recordstore: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("recordstore: create directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	store := &Store{
		path:   cfg.Path,
		logger: logger,
		clock:  clock,
		jobs:   make(chan job, queueDepth),
		done:   make(chan struct{}),
	}
	go store.writer()
	return store, nil
}

func (s *Store) writer() {
	defer close(s.done)
	for next := range s.jobs {
		next.result <- next.run()
	}
}

// submit queues run on the writer goroutine and waits for its result.
func (s *Store) submit(ctx context.Context, run func() error) error {
	result := make(chan error, 1)
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.jobs <- job{run: run, result: result}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mutate applies change to a freshly loaded document and saves it when
// change succeeds.
func (s *Store) mutate(ctx context.Context, change func(doc *document) error) error {
	return s.submit(ctx, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		if err := change(&doc); err != nil {
			return err
		}
		return s.save(doc)
	})
}

// read loads the document outside the queue. Saves replace the file with a
// rename, so a reader sees either the old or the new document.
func (s *Store) read() (document, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return document{}, ErrClosed
	}
	return s.load()
}

func (s *Store) load() (document, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return emptyDocument(), nil
	}
	if err != nil {
		return document{}, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	doc := emptyDocument()
	if err := json.Unmarshal(raw, &doc); err != nil {
		return document{}, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	if doc.LastIDs == nil {
		doc.LastIDs = map[string]int64{}
	}
	return doc, nil
}

func (s *Store) save(doc document) error {
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("recordstore: encode: %w", err)
	}
	return writeAtomic(s.path, encoded)
}

// writeAtomic writes data to a temp file in the target directory, syncs it
// and renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	temp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("recordstore: create temp: %w", err)
	}
	tempName := temp.Name()
	cleanup := func(cause error) error {
		_ = temp.Close()
		_ = os.Remove(tempName)
		return cause
	}
	if _, err := temp.Write(data); err != nil {
		return cleanup(fmt.Errorf("recordstore: write temp: %w", err))
	}
	if err := temp.Sync(); err != nil {
		return cleanup(fmt.Errorf("recordstore: sync temp: %w", err))
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempName)
		return fmt.Errorf("recordstore: close temp: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		_ = os.Remove(tempName)
		return fmt.Errorf("recordstore: replace document: %w", err)
	}
	return nil
}

// Backup copies the current document to <name>.backup-YYYYMMDD-HHMMSS.json
// next to it and returns the backup path. It runs on the writer goroutine so
// it never observes a half-applied mutation.
func (s *Store) Backup(ctx context.Context) (string, error) {
	var target string
	err := s.submit(ctx, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		encoded, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("recordstore: encode backup: %w", err)
		}
		base := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
		target = filepath.Join(filepath.Dir(s.path),
			fmt.Sprintf("%s.backup-%s.json", base, s.clock().UTC().Format(backupTimeLayout)))
		return writeAtomic(target, encoded)
	})
	if err != nil {
		return "", err
	}
	return target, nil
}

// RunBackups takes a backup every interval until ctx is done or the store
// closes. Failures are logged and the next tick tries again.
func (s *Store) RunBackups(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			path, err := s.Backup(ctx)
			if errors.Is(err, ErrClosed) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("record store backup failed", zap.String("path", s.path), zap.Error(err))
				continue
			}
			s.logger.Info("record store backup written", zap.String("backup", path))
		}
	}
}

// Health reports whether the document can be read and decoded.
func (s *Store) Health(context.Context) error {
	_, err := s.read()
	return err
}

// Close waits for queued mutations and stops the writer.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	<-s.done
	return nil
}
