package backend

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	return img
}

func encoded(t *testing.T, encode func(io.Writer, image.Image) error) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := encode(&buf, testImage()); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return buf.Bytes()
}

func TestSniffMediaImages(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		format string
	}{
		{"png", encoded(t, png.Encode), "png"},
		{"bmp", encoded(t, bmp.Encode), "bmp"},
		{"tiff", encoded(t, func(w io.Writer, m image.Image) error { return tiff.Encode(w, m, nil) }), "tiff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bytes.NewReader(tt.data)
			info, err := SniffMedia(r)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if info.Kind != MediaImage {
				t.Errorf("Expected image, got %s", info.Kind)
			}
			if info.Format != tt.format {
				t.Errorf("Expected format %s, got %s", tt.format, info.Format)
			}
			if info.Width != 4 || info.Height != 3 {
				t.Errorf("Expected 4x3, got %dx%d", info.Width, info.Height)
			}
			if pos, _ := r.Seek(0, io.SeekCurrent); pos != 0 {
				t.Errorf("Expected reader rewound, at %d", pos)
			}
		})
	}
}

func TestSniffMediaVideo(t *testing.T) {
	mp4 := append([]byte{0x00, 0x00, 0x00, 0x18}, []byte("ftypmp42\x00\x00\x00\x00mp42isom")...)
	mkv := []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01, 0x00, 0x00, 0x00}

	for name, data := range map[string][]byte{"mp4": mp4, "mkv": mkv} {
		info, err := SniffMedia(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if info.Kind != MediaVideo {
			t.Errorf("%s: expected video, got %s", name, info.Kind)
		}
	}
}

func TestSniffMediaRejects(t *testing.T) {
	corruptPNG := encoded(t, png.Encode)[:20]

	tests := map[string][]byte{
		"empty":       {},
		"text":        []byte("just some notes"),
		"corrupt png": corruptPNG,
	}
	for name, data := range tests {
		_, err := SniffMedia(bytes.NewReader(data))
		if !errors.Is(err, ErrUnsupportedMedia) {
			t.Errorf("%s: expected ErrUnsupportedMedia, got %v", name, err)
		}
	}
}
