package messaging

import (
	"path/filepath"
	"strings"
)

const (
	FileTypeImage    = "image"
	FileTypeVideo    = "video"
	FileTypeAudio    = "audio"
	FileTypeDocument = "document"
	FileTypeArchive  = "archive"
	FileTypeFile     = "file"
)

var (
	documentMarkers = []string{"pdf", "msword", "officedocument", "text", "rtf"}
	archiveMarkers  = []string{"zip", "rar", "7z", "tar", "gzip", "compressed"}

	videoContentTypes = map[string]string{
		".mp4":  "video/mp4",
		".mov":  "video/quicktime",
		".webm": "video/webm",
		".avi":  "video/x-msvideo",
		".mkv":  "video/x-matroska",
		".m4v":  "video/x-m4v",
		".3gp":  "video/3gpp",
	}
)

// ClassifyMIME buckets a MIME type into one of the attachment types.
func ClassifyMIME(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return FileTypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return FileTypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return FileTypeAudio
	}
	for _, marker := range documentMarkers {
		if strings.Contains(mimeType, marker) {
			return FileTypeDocument
		}
	}
	for _, marker := range archiveMarkers {
		if strings.Contains(mimeType, marker) {
			return FileTypeArchive
		}
	}
	return FileTypeFile
}

// VideoContentType returns the forced content type for video extensions
// browsers otherwise refuse to stream.
func VideoContentType(filename string) (string, bool) {
	contentType, ok := videoContentTypes[strings.ToLower(filepath.Ext(filename))]
	return contentType, ok
}
