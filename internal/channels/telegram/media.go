package telegram

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mymmrac/telego"

	"github.com/chozzz/vargos-sub004/internal/bus"
)

const (
	// defaultMediaMaxBytes is the default max download size (20MB, Telegram Bot API limit).
	defaultMediaMaxBytes int64 = 20 * 1024 * 1024

	// downloadMaxRetries is the number of getFile retry attempts.
	downloadMaxRetries = 3
)

// resolveMedia downloads the message attachments into the media store
// and reports the staged paths plus the dominant input kind. Failures
// are logged per attachment; the message still flows with whatever
// survived.
func (c *Channel) resolveMedia(ctx context.Context, msg *telego.Message, sessionKey string) ([]string, bus.InputType) {
	hasMedia := len(msg.Photo) > 0 || msg.Voice != nil || msg.Audio != nil || msg.Document != nil ||
		msg.Video != nil || msg.VideoNote != nil || msg.Animation != nil
	if !hasMedia {
		return nil, bus.InputText
	}
	if c.media == nil {
		c.log.Debug("media store not configured, dropping attachments", "chat", msg.Chat.ID)
		return nil, bus.InputText
	}

	maxBytes := c.cfg.MediaMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMediaMaxBytes
	}

	var paths []string
	kind := bus.InputText
	record := func(path string, k bus.InputType) {
		paths = append(paths, path)
		if kind == bus.InputText {
			kind = k
		}
	}

	// Photos arrive as a resolution ladder; the last entry is the largest.
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		path, err := c.fetchMedia(ctx, photo.FileID, "image/jpeg", sessionKey, maxBytes)
		if err != nil {
			c.log.Warn("photo download failed", "fileId", photo.FileID, "error", err)
		} else {
			record(path, bus.InputImage)
		}
	}

	if msg.Voice != nil {
		mime := msg.Voice.MimeType
		if mime == "" {
			mime = "audio/ogg"
		}
		path, err := c.fetchMedia(ctx, msg.Voice.FileID, mime, sessionKey, maxBytes)
		if err != nil {
			c.log.Warn("voice download failed", "fileId", msg.Voice.FileID, "error", err)
		} else {
			record(path, bus.InputVoice)
		}
	}

	if msg.Audio != nil {
		mime := msg.Audio.MimeType
		if mime == "" {
			mime = "audio/mpeg"
		}
		path, err := c.fetchMedia(ctx, msg.Audio.FileID, mime, sessionKey, maxBytes)
		if err != nil {
			c.log.Warn("audio download failed", "fileId", msg.Audio.FileID, "error", err)
		} else {
			record(path, bus.InputVoice)
		}
	}

	if msg.Document != nil {
		mime := msg.Document.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		path, err := c.fetchMedia(ctx, msg.Document.FileID, mime, sessionKey, maxBytes)
		if err != nil {
			c.log.Warn("document download failed", "fileId", msg.Document.FileID, "error", err)
		} else {
			record(path, bus.InputFile)
		}
	}

	// Video is not downloaded; the agent cannot watch it and most
	// clips exceed the Bot API download cap. Captions still flow.
	if msg.Video != nil || msg.VideoNote != nil || msg.Animation != nil {
		c.log.Debug("video attachment skipped", "chat", msg.Chat.ID)
		if len(paths) == 0 {
			kind = bus.InputVideo
		}
	}

	return paths, kind
}

// fetchMedia resolves a file_id to a download URL and stages the bytes
// through the media store. getFile is retried; Telegram occasionally
// times out on the first call after an upload.
func (c *Channel) fetchMedia(ctx context.Context, fileID, mimeType, sessionKey string, maxBytes int64) (string, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			c.log.Debug("retrying getFile", "fileId", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file id %s", fileID)
	}

	// Size check before downloading.
	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	stored, err := c.media.Ingest(sessionKey, mimeType, resp.Body)
	if err != nil {
		return "", fmt.Errorf("stage media: %w", err)
	}
	return stored.Path, nil
}
