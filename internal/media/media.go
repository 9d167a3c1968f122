// Package media stores inbound channel attachments on disk so agent
// runs can reference them by local path. Oversized images are
// downscaled before storage to keep vision payloads bounded.
package media

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/chozzz/vargos-sub004/internal/logging"
)

const (
	// maxBytes is the hard cap on a single ingested attachment (20MB).
	maxBytes int64 = 20 * 1024 * 1024

	// maxDimension is the largest width or height kept for inbound
	// images. Anything bigger is downscaled to fit.
	maxDimension = 2048
)

// File describes a stored attachment.
type File struct {
	Path string // absolute local path
	MIME string
	Size int64 // bytes written after any downscale
}

// Store saves attachments under <dataDir>/media, one subdirectory per
// session key (colons replaced with dashes so keys stay path-safe).
type Store struct {
	root string
	now  func() time.Time
	log  *slog.Logger
}

// NewStore returns a store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{
		root: filepath.Join(dataDir, "media"),
		now:  time.Now,
		log:  logging.Scoped("media"),
	}
}

// SetClock overrides the time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Ingest reads one attachment and writes it to disk. The stored name is
// <date>_<time>_<hash4>.<ext> where hash4 is the first four hex digits
// of the content sha256, so identical bytes arriving in the same second
// collapse to one file. Images wider or taller than 2048px are
// downscaled first; when the image cannot be re-encoded the original
// bytes are kept.
func (s *Store) Ingest(sessionKey, mimeType string, r io.Reader) (*File, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("attachment too large: exceeds %d bytes", maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty attachment")
	}

	if shrunk, ok := s.downscale(data, mimeType); ok {
		data = shrunk
	}

	dir := filepath.Join(s.root, strings.ReplaceAll(sessionKey, ":", "-"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}

	sum := sha256.Sum256(data)
	name := fmt.Sprintf("%s_%s%s",
		s.now().Format("2006-01-02_150405"),
		hex.EncodeToString(sum[:2]),
		ExtForMIME(mimeType),
	)
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}

	s.log.Debug("attachment stored", "path", path, "mime", mimeType, "size", len(data))
	return &File{Path: path, MIME: mimeType, Size: int64(len(data))}, nil
}

// downscale re-encodes jpeg/png images that exceed maxDimension.
// Animated formats are stored untouched. Returns ok=false when the
// input is not an image we resize or when decoding fails.
func (s *Store) downscale(data []byte, mimeType string) ([]byte, bool) {
	var format imaging.Format
	switch mimeType {
	case "image/jpeg":
		format = imaging.JPEG
	case "image/png":
		format = imaging.PNG
	default:
		return nil, false
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		s.log.Warn("image decode failed, storing original", "mime", mimeType, "error", err)
		return nil, false
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxDimension && bounds.Dy() <= maxDimension {
		return nil, false
	}

	resized := imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format, imaging.JPEGQuality(85)); err != nil {
		s.log.Warn("image encode failed, storing original", "mime", mimeType, "error", err)
		return nil, false
	}

	s.log.Debug("image downscaled",
		"from", fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy()),
		"to", fmt.Sprintf("%dx%d", resized.Bounds().Dx(), resized.Bounds().Dy()),
	)
	return buf.Bytes(), true
}

// ExtForMIME maps a MIME type to a file extension, ".bin" when unknown.
func ExtForMIME(mimeType string) string {
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4", "audio/x-m4a":
		return ".m4a"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "application/pdf":
		return ".pdf"
	case "text/plain":
		return ".txt"
	default:
		return ".bin"
	}
}
