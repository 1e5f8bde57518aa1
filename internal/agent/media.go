package agent

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/beacon/internal/providers"
)

const (
	// maxImageBytes is the pass-through limit; larger files are re-encoded.
	maxImageBytes = 5 * 1024 * 1024
	// maxImageDim bounds either image dimension before provider upload.
	maxImageDim = 1568
	jpegQuality = 85
)

// loadImages reads the media file paths attached to an inbound message and
// returns provider-ready image content. Oversized images are downscaled and
// re-encoded as JPEG; non-images and unreadable files are skipped with a
// warning.
func loadImages(paths []string) []providers.ImageContent {
	if len(paths) == 0 {
		return nil
	}

	var images []providers.ImageContent
	for _, p := range paths {
		mime := inferImageMime(p)
		if mime == "" {
			continue
		}
		img, err := loadImage(p, mime)
		if err != nil {
			slog.Warn("vision: skipping image", "path", p, "error", err)
			continue
		}
		images = append(images, img)
	}
	return images
}

func loadImage(path, mime string) (providers.ImageContent, error) {
	// webp has no decoder here; pass it through under the size cap.
	if mime == "image/webp" {
		data, err := os.ReadFile(path)
		if err != nil {
			return providers.ImageContent{}, err
		}
		if len(data) > maxImageBytes {
			return providers.ImageContent{}, fmt.Errorf("webp too large (%d bytes)", len(data))
		}
		return providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		}, nil
	}

	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return providers.ImageContent{}, err
	}

	bounds := src.Bounds()
	small := bounds.Dx() <= maxImageDim && bounds.Dy() <= maxImageDim
	if small {
		data, err := os.ReadFile(path)
		if err != nil {
			return providers.ImageContent{}, err
		}
		if len(data) <= maxImageBytes {
			return providers.ImageContent{
				MimeType: mime,
				Data:     base64.StdEncoding.EncodeToString(data),
			}, nil
		}
	}

	fitted := imaging.Fit(src, maxImageDim, maxImageDim, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return providers.ImageContent{}, err
	}
	slog.Debug("vision: image downscaled", "path", path,
		"from", bounds.Dx()*bounds.Dy(), "bytes", buf.Len())
	return providers.ImageContent{
		MimeType: "image/jpeg",
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// inferImageMime returns the MIME type for supported image extensions, or ""
// when the file is not an image we can send.
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
