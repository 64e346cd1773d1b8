package filehandler

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"golang.org/x/image/bmp"
)

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	return img
}

func TestExtractImageMetadata_PNGDimensions(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(8, 5)); err != nil {
		t.Fatalf("encode: %v", err)
	}

	meta, err := ExtractImageMetadata(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if meta.Format != "png" || meta.Width != 8 || meta.Height != 5 {
		t.Errorf("expected png 8x5, got %s %dx%d", meta.Format, meta.Width, meta.Height)
	}
	if meta.HasGPS || meta.HasDate {
		t.Error("expected no EXIF fields for a bare PNG")
	}
}

func TestExtractImageMetadata_BMPDimensions(t *testing.T) {
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, solid(3, 7)); err != nil {
		t.Fatalf("encode: %v", err)
	}

	meta, err := ExtractImageMetadata(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if meta.Format != "bmp" || meta.Width != 3 || meta.Height != 7 {
		t.Errorf("expected bmp 3x7, got %s %dx%d", meta.Format, meta.Width, meta.Height)
	}
}

func TestExtractImageMetadata_NotAnImage(t *testing.T) {
	_, err := ExtractImageMetadata(strings.NewReader("definitely not an image"))
	if !errors.Is(err, ErrNoMetadata) {
		t.Errorf("expected ErrNoMetadata, got %v", err)
	}
}

func TestImageMetadata_Embedded(t *testing.T) {
	meta := &ImageMetadata{
		Format:      "jpeg",
		Width:       4032,
		Height:      3024,
		Latitude:    40.7128,
		Longitude:   -74.0060,
		HasGPS:      true,
		DateTaken:   time.Date(2024, 12, 31, 10, 30, 0, 0, time.UTC),
		HasDate:     true,
		CameraMake:  "Apple",
		CameraModel: "iPhone 15 Pro",
	}

	got := meta.Embedded()
	if got["Width"] != 4032 || got["Height"] != 3024 {
		t.Errorf("expected 4032x3024, got %v x %v", got["Width"], got["Height"])
	}
	if got["DateTimeOriginal"] != "2024-12-31T10:30:00Z" {
		t.Errorf("unexpected date %v", got["DateTimeOriginal"])
	}
	if got["Make"] != "Apple" || got["Model"] != "iPhone 15 Pro" {
		t.Errorf("unexpected camera %v %v", got["Make"], got["Model"])
	}
	if !strings.HasSuffix(got["GPSPosition"].(string), "W") {
		t.Errorf("expected western longitude, got %v", got["GPSPosition"])
	}
}

func TestImageMetadata_EmbeddedOmitsMissing(t *testing.T) {
	got := (&ImageMetadata{Format: "png"}).Embedded()
	if len(got) != 1 {
		t.Errorf("expected only Format, got %v", got)
	}
}

// --- Extensions ---

func TestGetMIMEType(t *testing.T) {
	tests := []struct {
		ext     string
		want    string
		wantErr bool
	}{
		{".HEIC", "image/heic", false},
		{".jpeg", "image/jpeg", false},
		{".tif", "image/tiff", false},
		{".mp4", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := GetMIMEType(tt.ext)
		if (err != nil) != tt.wantErr {
			t.Errorf("GetMIMEType(%q): expected error %v, got %v", tt.ext, tt.wantErr, err)
		}
		if got != tt.want {
			t.Errorf("GetMIMEType(%q): expected %q, got %q", tt.ext, tt.want, got)
		}
	}
}

func TestCoordinatesToDMS(t *testing.T) {
	got := CoordinatesToDMS(40.5, -74.25)
	if !strings.HasPrefix(got, "40°30'") || !strings.Contains(got, "74°15'") {
		t.Errorf("unexpected DMS %q", got)
	}
}
