package filehandler

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrNoMetadata is returned when neither EXIF nor dimensions could be read.
var ErrNoMetadata = errors.New("no readable image metadata")

// ImageMetadata is what a step can learn from an image without decoding its
// pixels.
type ImageMetadata struct {
	Format string
	Width  int
	Height int

	// GPS coordinates (converted from EXIF Rational format to float64)
	Latitude  float64
	Longitude float64
	HasGPS    bool

	DateTaken time.Time
	HasDate   bool

	CameraMake  string
	CameraModel string
}

// ExtractImageMetadata reads dimensions and EXIF from r. Either half may be
// missing (PNG rarely carries EXIF, HEIC has no registered decoder); only
// when both fail is an error returned.
func ExtractImageMetadata(r io.ReadSeeker) (*ImageMetadata, error) {
	metadata := &ImageMetadata{}

	cfg, format, cfgErr := image.DecodeConfig(r)
	if cfgErr == nil {
		metadata.Format = format
		metadata.Width = cfg.Width
		metadata.Height = cfg.Height
	} else {
		log.Debug().Err(cfgErr).Msg("Image dimensions unavailable")
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind image: %w", err)
	}

	exifErr := readExif(r, metadata)
	if exifErr != nil {
		log.Debug().Err(exifErr).Msg("EXIF metadata unavailable")
	}

	if cfgErr != nil && exifErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMetadata, errors.Join(cfgErr, exifErr))
	}

	log.Debug().
		Str("format", metadata.Format).
		Int("width", metadata.Width).
		Int("height", metadata.Height).
		Bool("has_gps", metadata.HasGPS).
		Bool("has_date", metadata.HasDate).
		Msg("Image metadata extraction complete")
	return metadata, nil
}

// readExif fills the EXIF-derived fields. imagemeta only reads the metadata
// segments, not the whole object.
func readExif(r io.ReadSeeker, metadata *ImageMetadata) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("decode EXIF: %v", p)
		}
	}()

	exifData, err := imagemeta.Decode(r)
	if err != nil {
		return fmt.Errorf("decode EXIF: %w", err)
	}

	gps := exifData.GPS
	if gps.Latitude() != 0 || gps.Longitude() != 0 {
		metadata.Latitude = gps.Latitude()
		metadata.Longitude = gps.Longitude()
		metadata.HasGPS = true
	}

	// Priority: DateTimeOriginal > CreateDate > ModifyDate
	switch {
	case !exifData.DateTimeOriginal().IsZero():
		metadata.DateTaken = exifData.DateTimeOriginal()
		metadata.HasDate = true
	case !exifData.CreateDate().IsZero():
		metadata.DateTaken = exifData.CreateDate()
		metadata.HasDate = true
	case !exifData.ModifyDate().IsZero():
		metadata.DateTaken = exifData.ModifyDate()
		metadata.HasDate = true
	}

	metadata.CameraMake = strings.TrimSpace(exifData.Make)
	metadata.CameraModel = strings.TrimSpace(exifData.Model)
	return nil
}

// Embedded renders the metadata in the asset record's EmbeddedMetadata
// layout. Absent values are omitted.
func (m *ImageMetadata) Embedded() map[string]any {
	out := map[string]any{}
	if m.Format != "" {
		out["Format"] = m.Format
	}
	if m.Width > 0 && m.Height > 0 {
		out["Width"] = m.Width
		out["Height"] = m.Height
	}
	if m.CameraMake != "" {
		out["Make"] = m.CameraMake
	}
	if m.CameraModel != "" {
		out["Model"] = m.CameraModel
	}
	if m.HasDate {
		out["DateTimeOriginal"] = m.DateTaken.Format(time.RFC3339)
	}
	if m.HasGPS {
		out["GPSLatitude"] = m.Latitude
		out["GPSLongitude"] = m.Longitude
		out["GPSPosition"] = CoordinatesToDMS(m.Latitude, m.Longitude)
	}
	return out
}
