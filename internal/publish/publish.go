// Package publish emits a step's output envelope to the pipeline event bus.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-pipeline/internal/event"
	"github.com/fpang/media-pipeline/internal/steperr"
)

// ErrNoEventBus is returned when no bus name was configured.
var ErrNoEventBus = errors.New("event bus name not configured")

// EventsAPI is the subset of the EventBridge client used here.
type EventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Publisher sends output envelopes to one event bus.
type Publisher struct {
	client  EventsAPI
	busName string
	source  string
}

// New creates a Publisher. source becomes the event Source, normally the
// service name.
func New(client EventsAPI, busName, source string) *Publisher {
	return &Publisher{client: client, busName: busName, source: source}
}

// BusName returns the configured event bus.
func (p *Publisher) BusName() string { return p.busName }

// Publish sends env with detail-type "<stepName>Output". Every failure is
// logged and returned as a publish-stage StepError; callers treat it as
// non-fatal.
func (p *Publisher) Publish(ctx context.Context, stepName string, env *event.OutputEnvelope) error {
	if p.busName == "" {
		return steperr.New(steperr.StagePublish, ErrNoEventBus)
	}
	detail, err := json.Marshal(env)
	if err != nil {
		return steperr.New(steperr.StagePublish, fmt.Errorf("marshal output envelope: %w", err))
	}

	detailType := event.DetailType(stepName)
	traceID := env.Metadata.PipelineTraceID
	input := &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{
			{
				Source:       aws.String(p.source),
				DetailType:   aws.String(detailType),
				Detail:       aws.String(string(detail)),
				EventBusName: aws.String(p.busName),
			},
		},
	}

	result, err := p.client.PutEvents(ctx, input)
	if err != nil {
		log.Error().Err(err).
			Str("eventBus", p.busName).
			Str("detailType", detailType).
			Str("pipelineTraceId", traceID).
			Msg("EventBridge PutEvents failed")
		return steperr.New(steperr.StagePublish, fmt.Errorf("PutEvents: %w", err))
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil || entry.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(entry.ErrorCode)).
					Str("errorMessage", aws.ToString(entry.ErrorMessage)).
					Str("eventBus", p.busName).
					Str("detailType", detailType).
					Str("pipelineTraceId", traceID).
					Msg("EventBridge PutEvents entry failed")
				return steperr.New(steperr.StagePublish,
					fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage)))
			}
		}
		return steperr.New(steperr.StagePublish, fmt.Errorf("PutEvents reported %d failed entries", result.FailedEntryCount))
	}

	log.Debug().
		Str("eventBus", p.busName).
		Str("detailType", detailType).
		Str("pipelineTraceId", traceID).
		Int("bytes", len(detail)).
		Msg("Step output published")
	return nil
}
