// Package main is the image-metadata pipeline step.
//
// The step receives one asset per invocation (directly from EventBridge or
// as a Step Functions Map item), downloads the asset's primary image from
// S3, extracts EXIF and pixel dimensions, and returns the asset with
// Metadata.EmbeddedMetadata filled in. Normalization, retry, offload and
// publishing are handled by the pipeline middleware.
//
// Environment: see internal/config. Memory: 512 MB. Timeout: 1 minute.
package main

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-pipeline/internal/event"
	"github.com/fpang/media-pipeline/internal/lambdaboot"
	"github.com/fpang/media-pipeline/internal/metadatastep"
	"github.com/fpang/media-pipeline/internal/pipeline"
)

// commitHash is set at build time with -ldflags "-X main.commitHash=...".
var commitHash string

var (
	step      *pipeline.Step
	coldStart = true
)

func init() {
	rt := lambdaboot.Boot("image-metadata-lambda", commitHash, func(c lambdaboot.AWSClients) pipeline.Handler {
		return metadatastep.NewExtractor(c.S3).Handle
	})
	step = rt.Step
}

func handler(ctx context.Context, raw json.RawMessage) (*event.OutputEnvelope, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "image-metadata-lambda").Msg("Cold start — first invocation")
	}
	return step.Handle(ctx, raw)
}

func main() {
	lambda.Start(handler)
}
