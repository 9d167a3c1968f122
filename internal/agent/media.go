package agent

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/chozzz/vargos-sub004/internal/logging"
)

// maxImageBytes is the safety limit for reading attachment files.
const maxImageBytes = 10 * 1024 * 1024

// loadImages reads local image attachments into base64 content blocks.
// Non-image files and unreadable files are skipped with a warning.
func loadImages(paths []string) []ImageContent {
	if len(paths) == 0 {
		return nil
	}

	log := logging.Scoped("agent")
	var images []ImageContent
	for _, p := range paths {
		mime := inferImageMime(p)
		if mime == "" {
			continue
		}

		// Stat first so an oversized file is never read into memory.
		info, err := os.Stat(p)
		if err != nil {
			log.Warn("attachment unreadable, skipping", "path", p, "error", err)
			continue
		}
		if info.Size() > maxImageBytes {
			log.Warn("attachment too large, skipping", "path", p, "size", info.Size())
			continue
		}

		data, err := os.ReadFile(p)
		if err != nil {
			log.Warn("attachment unreadable, skipping", "path", p, "error", err)
			continue
		}

		images = append(images, ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}

// inferImageMime maps supported image extensions to MIME types;
// anything else returns "".
func inferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
