package messaging

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beresta/messenger/internal/apperr"
	"github.com/beresta/messenger/internal/blobstore"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) snapshot() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

type fakeThumbnailer struct {
	err   error
	calls int
}

func (f *fakeThumbnailer) Generate(_ context.Context, src, dst string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if _, err := os.Stat(src); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte("jpeg"), 0o600)
}

type serviceFixture struct {
	service   *Service
	repo      *SQLRepository
	blobs     *blobstore.LocalStore
	events    *recordingPublisher
	thumbs    *fakeThumbnailer
	logs      *observer.ObservedLogs
	timestamp time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	blobs, err := blobstore.NewLocalStore(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	fixture := &serviceFixture{
		repo:      newSQLRepository(t),
		blobs:     blobs,
		events:    &recordingPublisher{},
		thumbs:    &fakeThumbnailer{},
		logs:      logs,
		timestamp: time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC),
	}
	service, err := NewService(ServiceConfig{
		Repository:  fixture.repo,
		Blobs:       blobs,
		Thumbnailer: fixture.thumbs,
		Events:      fixture.events,
		Clock:       func() time.Time { return fixture.timestamp },
		TempDir:     t.TempDir(),
		Logger:      zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	fixture.service = service
	return fixture
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); !errors.Is(err, errMissingRepository) {
		t.Fatalf("expected missing repository error, got %v", err)
	}
	if _, err := NewService(ServiceConfig{Repository: &SQLRepository{}}); !errors.Is(err, errMissingBlobs) {
		t.Fatalf("expected missing blob store error, got %v", err)
	}
}

func TestUploadStoresFileUnderGeneratedName(t *testing.T) {
	fixture := newServiceFixture(t)
	payload := "%PDF-1.7 fake"

	descriptor, err := fixture.service.Upload(context.Background(), UploadInput{
		OriginalName: "Report.PDF",
		MimeType:     "application/pdf",
		Size:         int64(len(payload)),
		Body:         strings.NewReader(payload),
	})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	pattern := regexp.MustCompile(`^\d{13}-[0-9A-Za-z_-]{9}\.pdf$`)
	if !pattern.MatchString(descriptor.Filename) {
		t.Fatalf("unexpected generated filename %q", descriptor.Filename)
	}
	if descriptor.Type != FileTypeDocument || descriptor.Size != int64(len(payload)) {
		t.Fatalf("unexpected descriptor %+v", descriptor)
	}
	if descriptor.URL != "/uploads/"+descriptor.Filename {
		t.Fatalf("unexpected url %q", descriptor.URL)
	}

	info, err := fixture.service.FileInfo(context.Background(), descriptor.Filename)
	if err != nil {
		t.Fatalf("file info failed: %v", err)
	}
	if info.Size != descriptor.Size {
		t.Fatalf("file info size %d does not match upload size %d", info.Size, descriptor.Size)
	}
	if fixture.thumbs.calls != 0 {
		t.Fatalf("did not expect thumbnail generation for documents")
	}
}

func TestUploadVideoGeneratesThumbnail(t *testing.T) {
	fixture := newServiceFixture(t)

	descriptor, err := fixture.service.Upload(context.Background(), UploadInput{
		OriginalName: "clip.mp4",
		MimeType:     "video/mp4",
		Body:         strings.NewReader("not really a video"),
	})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	expectedThumb := strings.TrimSuffix(descriptor.Filename, ".mp4") + "_thumb.jpg"
	if descriptor.Thumbnail != expectedThumb {
		t.Fatalf("expected thumbnail %q, got %q", expectedThumb, descriptor.Thumbnail)
	}
	if _, err := fixture.blobs.Stat(context.Background(), expectedThumb); err != nil {
		t.Fatalf("expected thumbnail to be stored: %v", err)
	}
	info, err := fixture.service.FileInfo(context.Background(), descriptor.Filename)
	if err != nil || info.ContentType != "video/mp4" {
		t.Fatalf("unexpected video info %+v (%v)", info, err)
	}
}

func TestUploadVideoSurvivesThumbnailFailure(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.thumbs.err = errors.New("ffmpeg exploded")

	descriptor, err := fixture.service.Upload(context.Background(), UploadInput{
		OriginalName: "clip.webm",
		MimeType:     "video/webm",
		Body:         strings.NewReader("frames"),
	})
	if err != nil {
		t.Fatalf("expected upload to succeed without a thumbnail, got %v", err)
	}
	if descriptor.Thumbnail != "" || descriptor.Size != int64(len("frames")) {
		t.Fatalf("unexpected descriptor %+v", descriptor)
	}
	if fixture.logs.FilterField(zap.String("reason", reasonThumbnailFailed)).Len() != 1 {
		t.Fatalf("expected thumbnail failure to be logged")
	}
}

func TestSendMessageWithoutAttachment(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	result, err := fixture.service.SendMessage(ctx, SendMessageInput{
		SenderEmail:   "A@x.com",
		ReceiverEmail: "b@x.com",
		Message:       "hi",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.ID == 0 || !result.Timestamp.Equal(fixture.timestamp) {
		t.Fatalf("unexpected result %+v", result)
	}

	stored, err := fixture.repo.MessageByID(ctx, result.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.Status != StatusSent || stored.Attachment != (Attachment{}) {
		t.Fatalf("expected empty attachment and sent status, got %+v", stored)
	}
	if stored.SenderEmail != "a@x.com" {
		t.Fatalf("expected normalized sender, got %q", stored.SenderEmail)
	}

	friends, _ := fixture.repo.Friends(ctx, "b@x.com")
	if len(friends) != 1 || friends[0].FriendEmail != "a@x.com" {
		t.Fatalf("expected automatic friend edge, got %+v", friends)
	}

	events := fixture.events.snapshot()
	if len(events) != 1 || events[0].Type != EventMessage || len(events[0].Recipients) != 2 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestSendMessageWithAttachmentAnnotatesConversation(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	_, err := fixture.service.SendMessage(ctx, SendMessageInput{
		SenderEmail:   "a@x.com",
		ReceiverEmail: "b@x.com",
		Duration:      42,
		Thumbnail:     "client_thumb.jpg",
		Attachment: &UploadInput{
			OriginalName: "voice.ogg",
			MimeType:     "audio/ogg",
			Body:         strings.NewReader("ogg"),
		},
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	entries, err := fixture.service.Conversation(ctx, "b@x.com", "a@x.com")
	if err != nil {
		t.Fatalf("conversation failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Attachment.Type != FileTypeAudio || entry.Attachment.Duration != 42 || entry.Attachment.Thumbnail != "client_thumb.jpg" {
		t.Fatalf("unexpected attachment %+v", entry.Attachment)
	}
	if entry.DownloadURL != "/download/"+entry.Attachment.Filename {
		t.Fatalf("unexpected download url %q", entry.DownloadURL)
	}
	if entry.ThumbnailURL != "/uploads/client_thumb.jpg" {
		t.Fatalf("unexpected thumbnail url %q", entry.ThumbnailURL)
	}
}

func TestSendMessageValidation(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	if _, err := fixture.service.SendMessage(ctx, SendMessageInput{ReceiverEmail: "b@x.com", Message: "hi"}); !apperr.Is(err, apperr.KindInvalid) {
		t.Fatalf("expected invalid for missing sender, got %v", err)
	}
	if _, err := fixture.service.SendMessage(ctx, SendMessageInput{SenderEmail: "a@x.com", ReceiverEmail: "b@x.com"}); !apperr.Is(err, apperr.KindInvalid) {
		t.Fatalf("expected invalid for empty message, got %v", err)
	}
}

func TestMarkDownloadedChecksParticipants(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	result, err := fixture.service.SendMessage(ctx, SendMessageInput{SenderEmail: "a@x.com", ReceiverEmail: "b@x.com", Message: "file soon"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	updated, err := fixture.service.MarkDownloaded(ctx, result.ID, "A@x.com")
	if err != nil {
		t.Fatalf("mark downloaded failed: %v", err)
	}
	if !updated.DownloadedBySender || updated.DownloadedByReceiver {
		t.Fatalf("unexpected flags %+v", updated)
	}
	if _, err := fixture.service.MarkDownloaded(ctx, result.ID, "eve@x.com"); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden for outsider, got %v", err)
	}
}

func TestOpenFileStreamsContentAndReportsMissing(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	descriptor, err := fixture.service.Upload(ctx, UploadInput{OriginalName: "a.txt", MimeType: "text/plain", Body: strings.NewReader("body")})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	reader, info, err := fixture.service.OpenFile(ctx, descriptor.Filename)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	content, _ := io.ReadAll(reader)
	_ = reader.Close()
	if string(content) != "body" || info.Size != 4 {
		t.Fatalf("unexpected content %q info %+v", content, info)
	}

	if _, err := fixture.service.FileInfo(ctx, "missing.txt"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := fixture.service.OpenFile(ctx, "../etc/passwd"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected traversal to look missing, got %v", err)
	}
}
