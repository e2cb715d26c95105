package gateway

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// maxMediaBytes bounds a single downloaded attachment.
const maxMediaBytes = 64 << 20

// SaveMedia writes r under dir/endpointID/ and returns the file path. The
// extension is derived from mimeType.
func SaveMedia(dir, endpointID, externalID, mimeType string, r io.Reader) (string, error) {
	epDir := filepath.Join(dir, sanitize(endpointID))
	if err := os.MkdirAll(epDir, 0o755); err != nil {
		return "", fmt.Errorf("gateway: create media dir: %w", err)
	}
	path := filepath.Join(epDir, sanitize(externalID)+extensionFor(mimeType))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("gateway: create media file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, maxMediaBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxMediaBytes {
		err = fmt.Errorf("attachment exceeds %d bytes", maxMediaBytes)
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("gateway: write media %s: %w", externalID, err)
	}
	return path, nil
}

// KindForMime maps a MIME type to a message kind.
func KindForMime(mimeType string) string {
	major, _, _ := strings.Cut(mimeType, "/")
	switch major {
	case "image":
		if strings.HasSuffix(mimeType, "webp") {
			return KindSticker
		}
		return KindImage
	case "audio":
		return KindAudio
	case "video":
		return KindVideo
	case "application", "text":
		return KindDocument
	}
	return KindOther
}

func extensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.TrimSpace(base) {
	case "image/jpeg":
		return ".jpg"
	case "audio/ogg":
		return ".ogg"
	case "":
		return ".bin"
	}
	exts, err := mime.ExtensionsByType(strings.TrimSpace(base))
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
