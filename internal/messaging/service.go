package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aidarkhanov/nanoid/v2"
	"github.com/beresta/messenger/internal/apperr"
	"github.com/beresta/messenger/internal/blobstore"
	"go.uber.org/zap"
)

const (
	opServiceNew  = "messaging.service.new"
	opUpload      = "messaging.upload"
	opSendMessage = "messaging.send_message"
	opFileInfo    = "messaging.file_info"
	opOpenFile    = "messaging.open_file"

	reasonBlobWriteFailed   = "blob_write_failed"
	reasonBlobReadFailed    = "blob_read_failed"
	reasonTempFileFailed    = "temp_file_failed"
	reasonThumbnailFailed   = "thumbnail_failed"
	reasonFriendEdgesFailed = "friend_edges_failed"
	reasonNameFailed        = "filename_generation_failed"

	fieldFilename = "filename"
	fieldSender   = "sender_email"
	fieldReceiver = "receiver_email"

	filenameAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ_-"
	filenameIDLength = 9
	thumbnailSuffix  = "_thumb.jpg"

	uploadsPrefix  = "/uploads/"
	downloadPrefix = "/download/"
)

var (
	errMissingRepository = errors.New("messaging: repository is required")
	errMissingBlobs      = errors.New("messaging: blob store is required")
)

// Thumbnailer renders a still frame of a video file on disk.
type Thumbnailer interface {
	Generate(ctx context.Context, src, dst string) error
}

type ServiceConfig struct {
	Repository  Repository
	Blobs       blobstore.Store
	Thumbnailer Thumbnailer
	Events      EventPublisher
	Clock       func() time.Time
	TempDir     string
	Logger      *zap.Logger
}

// Service implements messaging, attachments and the social graph on top of
// a Repository and a blob store.
type Service struct {
	repo        Repository
	blobs       blobstore.Store
	thumbnailer Thumbnailer
	events      EventPublisher
	clock       func() time.Time
	tempDir     string
	logger      *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, apperr.Internal(opServiceNew, errMissingRepository)
	}
	if cfg.Blobs == nil {
		return nil, apperr.Internal(opServiceNew, errMissingBlobs)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	events := cfg.Events
	if events == nil {
		events = discardPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:        cfg.Repository,
		blobs:       cfg.Blobs,
		thumbnailer: cfg.Thumbnailer,
		events:      events,
		clock:       clock,
		tempDir:     cfg.TempDir,
		logger:      logger,
	}, nil
}

// UploadInput is one file received from a client.
type UploadInput struct {
	OriginalName string
	MimeType     string
	Size         int64
	Body         io.Reader
}

// FileDescriptor describes a stored upload.
type FileDescriptor struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	Type         string `json:"type"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
	Thumbnail    string `json:"thumbnail,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// Upload stores a file under a generated name. Videos also get a thumbnail
// when a thumbnailer is configured; thumbnail failures never fail the upload.
func (s *Service) Upload(ctx context.Context, input UploadInput) (FileDescriptor, error) {
	if input.Body == nil {
		return FileDescriptor{}, apperr.Invalid("file is required")
	}
	filename, err := s.newFilename(input.OriginalName)
	if err != nil {
		s.logError(opUpload, reasonNameFailed, err)
		return FileDescriptor{}, apperr.Internal(opUpload, err)
	}
	mimeType := strings.TrimSpace(input.MimeType)
	if mimeType == "" {
		mimeType = blobstore.ContentTypeFor(input.OriginalName)
	}
	fileType := ClassifyMIME(mimeType)

	descriptor := FileDescriptor{
		Filename:     filename,
		OriginalName: input.OriginalName,
		Type:         fileType,
		MimeType:     mimeType,
		URL:          uploadsPrefix + filename,
	}

	if fileType == FileTypeVideo && s.thumbnailer != nil {
		return s.uploadVideo(ctx, input, descriptor)
	}

	info, err := s.blobs.Put(ctx, filename, input.Body, input.Size, mimeType)
	if err != nil {
		s.logError(opUpload, reasonBlobWriteFailed, err, zap.String(fieldFilename, filename))
		return FileDescriptor{}, apperr.Internal(opUpload, err)
	}
	descriptor.Size = info.Size
	return descriptor, nil
}

// uploadVideo spools the body to a temp file so ffmpeg can read it.
func (s *Service) uploadVideo(ctx context.Context, input UploadInput, descriptor FileDescriptor) (FileDescriptor, error) {
	spool, err := os.CreateTemp(s.tempDir, "video-*"+filepath.Ext(descriptor.Filename))
	if err != nil {
		s.logError(opUpload, reasonTempFileFailed, err)
		return FileDescriptor{}, apperr.Internal(opUpload, err)
	}
	spoolPath := spool.Name()
	defer os.Remove(spoolPath)

	size, copyErr := io.Copy(spool, input.Body)
	closeErr := spool.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		s.logError(opUpload, reasonTempFileFailed, err)
		return FileDescriptor{}, apperr.Internal(opUpload, err)
	}

	if err := s.putFile(ctx, descriptor.Filename, spoolPath, size, descriptor.MimeType); err != nil {
		s.logError(opUpload, reasonBlobWriteFailed, err, zap.String(fieldFilename, descriptor.Filename))
		return FileDescriptor{}, apperr.Internal(opUpload, err)
	}
	descriptor.Size = size

	thumbnail := strings.TrimSuffix(descriptor.Filename, filepath.Ext(descriptor.Filename)) + thumbnailSuffix
	thumbPath := spoolPath + thumbnailSuffix
	defer os.Remove(thumbPath)
	if err := s.thumbnailer.Generate(ctx, spoolPath, thumbPath); err != nil {
		s.logError(opUpload, reasonThumbnailFailed, err, zap.String(fieldFilename, descriptor.Filename))
		return descriptor, nil
	}
	stat, err := os.Stat(thumbPath)
	if err != nil {
		s.logError(opUpload, reasonThumbnailFailed, err, zap.String(fieldFilename, descriptor.Filename))
		return descriptor, nil
	}
	if err := s.putFile(ctx, thumbnail, thumbPath, stat.Size(), "image/jpeg"); err != nil {
		s.logError(opUpload, reasonThumbnailFailed, err, zap.String(fieldFilename, thumbnail))
		return descriptor, nil
	}
	descriptor.Thumbnail = thumbnail
	descriptor.ThumbnailURL = uploadsPrefix + thumbnail
	return descriptor, nil
}

func (s *Service) putFile(ctx context.Context, name, path string, size int64, contentType string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = s.blobs.Put(ctx, name, file, size, contentType)
	return err
}

func (s *Service) newFilename(originalName string) (string, error) {
	suffix, err := nanoid.GenerateString(filenameAlphabet, filenameIDLength)
	if err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalName)))
	if strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	return fmt.Sprintf("%d-%s%s", s.clock().UnixMilli(), suffix, ext), nil
}

// SendMessageInput carries a direct message and an optional attachment.
type SendMessageInput struct {
	SenderEmail   string
	ReceiverEmail string
	Message       string
	Duration      int64
	Thumbnail     string
	Attachment    *UploadInput
}

type SendResult struct {
	ID        int64             `json:"messageId"`
	Timestamp time.Time         `json:"timestamp"`
	Message   ConversationEntry `json:"message"`
}

// SendMessage persists a direct message, links the two users as friends and
// notifies both of them.
func (s *Service) SendMessage(ctx context.Context, input SendMessageInput) (SendResult, error) {
	sender := NormalizeEmail(input.SenderEmail)
	receiver := NormalizeEmail(input.ReceiverEmail)
	if sender == "" || receiver == "" {
		return SendResult{}, apperr.Invalid("senderEmail and receiverEmail are required")
	}
	if strings.TrimSpace(input.Message) == "" && input.Attachment == nil {
		return SendResult{}, apperr.Invalid("message text or attachment is required")
	}

	attachment, err := s.attach(ctx, input.Attachment, input.Duration, input.Thumbnail)
	if err != nil {
		return SendResult{}, err
	}

	now := s.clock().UTC()
	if err := s.repo.AddChatsAutomatically(ctx, sender, receiver, now); err != nil {
		s.logError(opSendMessage, reasonFriendEdgesFailed, err,
			zap.String(fieldSender, sender),
			zap.String(fieldReceiver, receiver))
	}

	stored, err := s.repo.CreateMessage(ctx, Message{
		SenderEmail:   sender,
		ReceiverEmail: receiver,
		Body:          input.Message,
		Attachment:    attachment,
		Status:        StatusSent,
		Timestamp:     now,
	})
	if err != nil {
		return SendResult{}, err
	}

	entry := annotate(stored)
	s.events.Publish(Event{Type: EventMessage, Recipients: uniqueEmails(sender, receiver), Payload: entry})
	return SendResult{ID: stored.ID, Timestamp: stored.Timestamp, Message: entry}, nil
}

// attach uploads an optional file and builds the inline descriptor. Client
// supplied duration and thumbnail win over generated values.
func (s *Service) attach(ctx context.Context, upload *UploadInput, duration int64, thumbnail string) (Attachment, error) {
	if upload == nil {
		return Attachment{}, nil
	}
	descriptor, err := s.Upload(ctx, *upload)
	if err != nil {
		return Attachment{}, err
	}
	if strings.TrimSpace(thumbnail) == "" {
		thumbnail = descriptor.Thumbnail
	}
	return Attachment{
		Type:         descriptor.Type,
		Filename:     descriptor.Filename,
		OriginalName: descriptor.OriginalName,
		MimeType:     descriptor.MimeType,
		Size:         descriptor.Size,
		Duration:     duration,
		Thumbnail:    thumbnail,
	}, nil
}

// ConversationEntry is a message annotated with retrieval URLs.
type ConversationEntry struct {
	Message
	DownloadURL  string `json:"downloadUrl,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

func annotate(message Message) ConversationEntry {
	entry := ConversationEntry{Message: message}
	if message.Attachment.Present() {
		entry.DownloadURL = downloadPrefix + message.Attachment.Filename
	}
	if message.Attachment.Thumbnail != "" {
		entry.ThumbnailURL = uploadsPrefix + message.Attachment.Thumbnail
	}
	return entry
}

// Conversation returns messages between a and b in both directions, oldest first.
func (s *Service) Conversation(ctx context.Context, a, b string) ([]ConversationEntry, error) {
	a, b = NormalizeEmail(a), NormalizeEmail(b)
	if a == "" || b == "" {
		return nil, apperr.Invalid("userEmail and friendEmail are required")
	}
	messages, err := s.repo.MessagesBetween(ctx, a, b)
	if err != nil {
		return nil, err
	}
	entries := make([]ConversationEntry, 0, len(messages))
	for _, message := range messages {
		entries = append(entries, annotate(message))
	}
	return entries, nil
}

// MarkDownloaded flags the message as downloaded by whichever party email is.
func (s *Service) MarkDownloaded(ctx context.Context, messageID int64, email string) (Message, error) {
	email = NormalizeEmail(email)
	if messageID <= 0 || email == "" {
		return Message{}, apperr.Invalid("message id and email are required")
	}
	message, err := s.repo.MessageByID(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	var party Party
	switch email {
	case message.SenderEmail:
		party = PartySender
	case message.ReceiverEmail:
		party = PartyReceiver
	default:
		return Message{}, apperr.Forbidden("only conversation participants can mark a message downloaded")
	}
	return s.repo.MarkDownloaded(ctx, messageID, party)
}

// FileInfo describes a stored upload.
type FileInfo struct {
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"modifiedAt"`
	ContentType string    `json:"contentType"`
	URL         string    `json:"url"`
}

func toFileInfo(info blobstore.Info) FileInfo {
	contentType := info.ContentType
	if forced, ok := VideoContentType(info.Name); ok {
		contentType = forced
	}
	return FileInfo{
		Filename:    info.Name,
		Size:        info.Size,
		ModifiedAt:  info.ModifiedAt,
		ContentType: contentType,
		URL:         uploadsPrefix + info.Name,
	}
}

func (s *Service) FileInfo(ctx context.Context, filename string) (FileInfo, error) {
	info, err := s.blobs.Stat(ctx, filename)
	if err != nil {
		return FileInfo{}, s.blobError(opFileInfo, filename, err)
	}
	return toFileInfo(info), nil
}

// OpenFile streams a stored upload. Callers close the reader.
func (s *Service) OpenFile(ctx context.Context, filename string) (io.ReadCloser, FileInfo, error) {
	reader, info, err := s.blobs.Open(ctx, filename)
	if err != nil {
		return nil, FileInfo{}, s.blobError(opOpenFile, filename, err)
	}
	return reader, toFileInfo(info), nil
}

func (s *Service) blobError(op, filename string, err error) error {
	if errors.Is(err, blobstore.ErrNotFound) {
		return apperr.NotFound("file not found")
	}
	s.logError(op, reasonBlobReadFailed, err, zap.String(fieldFilename, filename))
	return apperr.Internal(op, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("messaging service error", attrs...)
}

func uniqueEmails(emails ...string) []string {
	seen := make(map[string]struct{}, len(emails))
	unique := make([]string, 0, len(emails))
	for _, email := range emails {
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		unique = append(unique, email)
	}
	return unique
}
