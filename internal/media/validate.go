// Package media validates uploaded video files and drives the ffmpeg
// toolchain used for metadata, thumbnails and concatenation.
package media

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
)

// DefaultMaxUploadSize is the largest accepted upload (500MB).
const DefaultMaxUploadSize int64 = 500 * 1024 * 1024

var ErrInvalidFile = errors.New("invalid video file")

var supportedExtensions = map[string]string{
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
}

// SupportedExtensions lists accepted file extensions.
func SupportedExtensions() []string {
	return []string{".mp4", ".avi", ".mov", ".mkv", ".webm"}
}

// ValidExtension reports whether filename carries a supported extension.
func ValidExtension(filename string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// ValidSize reports whether size is within (0, max].
func ValidSize(size, max int64) bool {
	return size > 0 && size <= max
}

// ValidateUpload checks an upload's name, declared content type and size.
// A size of -1 means unknown and skips the size check.
func ValidateUpload(filename, contentType string, size, max int64) error {
	if max <= 0 {
		max = DefaultMaxUploadSize
	}
	if strings.TrimSpace(filename) == "" {
		return fmt.Errorf("%w: file name is required", ErrInvalidFile)
	}
	if !ValidExtension(filename) {
		return fmt.Errorf("%w: unsupported format %q, allowed: %s", ErrInvalidFile,
			filepath.Ext(filename), strings.Join(SupportedExtensions(), ", "))
	}
	if size != -1 && !ValidSize(size, max) {
		return fmt.Errorf("%w: file size must be between 1 byte and %s", ErrInvalidFile, humanize.IBytes(uint64(max)))
	}
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || !strings.HasPrefix(mediaType, "video/") {
			return fmt.Errorf("%w: content type %q is not a video", ErrInvalidFile, contentType)
		}
	}
	return nil
}

// ContentTypeFor guesses a MIME type from the file extension.
func ContentTypeFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ct, ok := supportedExtensions[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

var unsafeFilenameChars = regexp.MustCompile(`[^\w\-.]`)

// SafeFilename replaces every character outside [A-Za-z0-9_.-] with an
// underscore and strips any directory part.
func SafeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}

// SizeMB converts bytes to megabytes rounded to two decimals.
func SizeMB(size int64) float64 {
	mb := float64(size) / (1024 * 1024)
	return float64(int64(mb*100+0.5)) / 100
}
