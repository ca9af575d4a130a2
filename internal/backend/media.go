package backend

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const sniffLen = 512

// MediaKind tells which upload endpoint a file belongs to.
type MediaKind int

const (
	MediaUnknown MediaKind = iota
	MediaImage
	MediaVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaImage:
		return "image"
	case MediaVideo:
		return "video"
	}
	return "unknown"
}

func (k MediaKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ErrUnsupportedMedia is returned for files that are neither image nor video.
var ErrUnsupportedMedia = errors.New("unsupported media type")

// MediaInfo describes a sniffed upload.
type MediaInfo struct {
	Kind        MediaKind `json:"kind"`
	ContentType string    `json:"contentType"`

	// Format and dimensions are set for images only.
	Format string `json:"format,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// SniffMedia classifies r as an image or a video. Images are confirmed by
// decoding their header, so a truncated or mislabeled file is rejected before
// upload. r is rewound to the start on return.
func SniffMedia(r io.ReadSeeker) (MediaInfo, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return MediaInfo{}, fmt.Errorf("failed to read media header: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return MediaInfo{}, fmt.Errorf("failed to rewind media: %w", err)
	}
	if n == 0 {
		return MediaInfo{}, fmt.Errorf("%w: empty file", ErrUnsupportedMedia)
	}

	contentType := http.DetectContentType(head[:n])
	info := MediaInfo{ContentType: contentType}

	cfg, format, decodeErr := image.DecodeConfig(r)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return MediaInfo{}, fmt.Errorf("failed to rewind media: %w", err)
	}
	if decodeErr == nil {
		info.Kind = MediaImage
		info.Format = format
		info.Width = cfg.Width
		info.Height = cfg.Height
		if !strings.HasPrefix(contentType, "image/") {
			info.ContentType = "image/" + format
		}
		return info, nil
	}

	if strings.HasPrefix(contentType, "video/") || isVideoContainer(head[:n]) {
		info.Kind = MediaVideo
		return info, nil
	}
	if strings.HasPrefix(contentType, "image/") {
		return MediaInfo{}, fmt.Errorf("%w: corrupt %s: %v", ErrUnsupportedMedia, contentType, decodeErr)
	}
	return MediaInfo{}, fmt.Errorf("%w: %s", ErrUnsupportedMedia, contentType)
}

// isVideoContainer recognizes containers DetectContentType misses:
// ISO base media (mp4, mov) and Matroska.
func isVideoContainer(head []byte) bool {
	if len(head) >= 12 && string(head[4:8]) == "ftyp" {
		return true
	}
	return len(head) >= 4 && head[0] == 0x1A && head[1] == 0x45 && head[2] == 0xDF && head[3] == 0xA3
}
