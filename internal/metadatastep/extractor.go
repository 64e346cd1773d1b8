// Package metadatastep is the business logic of the image-metadata pipeline
// step: it reads an asset's primary image from S3 and records its embedded
// metadata on the asset.
package metadatastep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/fpang/media-pipeline/internal/event"
	"github.com/fpang/media-pipeline/internal/filehandler"
	"github.com/fpang/media-pipeline/internal/jsonutil"
	"github.com/fpang/media-pipeline/internal/pipeline"
	"github.com/fpang/media-pipeline/internal/retry"
	"github.com/fpang/media-pipeline/internal/s3util"
)

var (
	ErrNoAsset     = errors.New("no asset in event")
	ErrNoLocation  = errors.New("asset has no primary storage location")
	ErrUnsupported = errors.New("unsupported media type")
)

// Extractor implements pipeline.Handler for image assets.
type Extractor struct {
	s3 s3util.API
}

// NewExtractor creates an Extractor reading objects through api.
func NewExtractor(api s3util.API) *Extractor {
	return &Extractor{s3: api}
}

// Handle extracts embedded metadata for the first asset of the event.
// Input problems are permanent; only the S3 download is worth retrying.
func (m *Extractor) Handle(ctx context.Context, evt *event.StandardEvent) (any, error) {
	logger := pipeline.Logger(ctx)

	if len(evt.Payload.Assets) == 0 {
		return nil, retry.Permanent(ErrNoAsset)
	}
	asset := evt.Payload.Assets[0]

	bucket, key, ok := primaryLocation(asset)
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("%w: asset %s", ErrNoLocation, asset.ID()))
	}
	mimeType, err := filehandler.GetMIMEType(path.Ext(key))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrUnsupported, key))
	}

	tmpPath, cleanup, err := s3util.DownloadToTempFile(ctx, m.s3, bucket, key)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	f, err := os.Open(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("open download: %w", err)
	}
	defer f.Close()

	meta, err := filehandler.ExtractImageMetadata(f)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("extract %s: %w", key, err))
	}
	logger.Info().
		Str("assetId", asset.ID()).
		Str("key", key).
		Str("mimeType", mimeType).
		Int("width", meta.Width).
		Int("height", meta.Height).
		Bool("hasGps", meta.HasGPS).
		Msg("Image metadata extracted")

	return map[string]any{
		"updatedAsset": withEmbeddedMetadata(asset, meta.Embedded()),
		"inventoryId":  asset.ID(),
		"source":       map[string]any{"bucket": bucket, "key": key, "mimeType": mimeType},
	}, nil
}

// primaryLocation reads DigitalSourceAsset.MainRepresentation.StorageInfo.PrimaryLocation.
func primaryLocation(asset event.AssetRecord) (bucket, key string, ok bool) {
	loc, found := jsonutil.LookupObject(asset, "DigitalSourceAsset", "MainRepresentation", "StorageInfo", "PrimaryLocation")
	if !found {
		return "", "", false
	}
	bucket = jsonutil.String(loc, "Bucket")
	key = jsonutil.String(loc, "ObjectKey", "FullPath")
	return bucket, key, bucket != "" && key != ""
}

// withEmbeddedMetadata returns a copy of asset with Metadata.EmbeddedMetadata
// replaced. Other Metadata members are kept.
func withEmbeddedMetadata(asset event.AssetRecord, embedded map[string]any) event.AssetRecord {
	updated, _ := jsonutil.Clone(map[string]any(asset)).(map[string]any)
	md, ok := jsonutil.Object(updated["Metadata"])
	if !ok {
		md = map[string]any{}
	}
	md["EmbeddedMetadata"] = embedded
	updated["Metadata"] = md
	return updated
}
