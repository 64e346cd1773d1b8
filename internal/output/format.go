// Package output builds the envelope a pipeline step publishes and returns:
// job-correlation signals are lifted out of the handler result, timing and
// pipeline status are derived, assets are assembled, and oversized data is
// offloaded and replaced by index stubs for Map-state fan-out.
package output

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-pipeline/internal/event"
	"github.com/fpang/media-pipeline/internal/jsonutil"
	"github.com/fpang/media-pipeline/internal/normalize"
)

// Result keys lifted into metadata or assets rather than kept as data.
const (
	keyExternalJobID     = "externalJobId"
	keyExternalJobStatus = "externalJobStatus"
	keyExternalJobResult = "externalJobResult"
	keyUpdatedAsset      = "updatedAsset"
)

// Offloader stores oversized data out of band.
type Offloader interface {
	Offload(ctx context.Context, executionID string, data any) (event.PayloadLocation, error)
	ExceedsThreshold(size int) bool
}

// Settings identifies the step and its position in the pipeline.
type Settings struct {
	Service      string
	StepName     string
	PipelineName string
	IsFirst      bool
	IsLast       bool
}

// Formatter builds output envelopes.
type Formatter struct {
	settings   Settings
	payloads   Offloader
	now        func() time.Time
	newTraceID func() string
}

// Option customises a Formatter.
type Option func(*Formatter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Formatter) { f.now = now }
}

// WithTraceIDGenerator overrides the generator used when no trace id was carried.
func WithTraceIDGenerator(fn func() string) Option {
	return func(f *Formatter) { f.newTraceID = fn }
}

// New creates a Formatter.
func New(settings Settings, payloads Offloader, opts ...Option) *Formatter {
	f := &Formatter{
		settings:   settings,
		payloads:   payloads,
		now:        time.Now,
		newTraceID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// DeriveStatus computes the pipeline status for a step.
func DeriveStatus(isFirst, isLast bool, externalJobStatus string) event.PipelineStatus {
	switch {
	case isFirst:
		return event.StatusStarted
	case isLast && (externalJobStatus == "" || strings.EqualFold(externalJobStatus, "completed")):
		return event.StatusCompleted
	default:
		return event.StatusInProgress
	}
}

// Format builds the envelope for result. in is the normalized input, raw the
// invocation as received, start the time the invocation began.
func (f *Formatter) Format(ctx context.Context, result any, in *event.StandardEvent, raw map[string]any, start time.Time) (*event.OutputEnvelope, error) {
	if in == nil {
		in = &event.StandardEvent{}
	}
	data, fields, err := splitResult(result)
	if err != nil {
		return nil, err
	}

	md := in.Metadata
	md.Extra = cloneMap(in.Metadata.Extra)
	f.applyIdentity(&md)
	applyJobSignals(&md, fields)

	end := f.now()
	stepStart := start
	if md.StepExecutionStartTime != nil {
		stepStart = fromEpoch(*md.StepExecutionStartTime)
	}
	startSecs, endSecs := epoch(stepStart), epoch(end)
	duration := round3(endSecs - startSecs)
	md.StepExecutionStartTime = &startSecs
	md.StepExecutionEndTime = &endSecs
	md.StepExecutionDuration = &duration

	md.PipelineStatus = DeriveStatus(f.settings.IsFirst, f.settings.IsLast, md.ExternalJobStatus)
	if f.settings.IsFirst && md.PipelineExecutionStartTime == "" {
		md.PipelineExecutionStartTime = start.UTC().Format(time.RFC3339Nano)
	}
	if md.PipelineStatus == event.StatusCompleted {
		md.PipelineExecutionEndTime = end.UTC().Format(time.RFC3339Nano)
	}
	if md.PipelineTraceID == "" {
		md.PipelineTraceID = f.newTraceID()
	}

	var assets []event.AssetRecord
	if updated, ok := jsonutil.Object(fields[keyUpdatedAsset]); ok {
		assets = []event.AssetRecord{event.AssetRecord(updated)}
	} else {
		assets = mergeAssets(in.Payload.Assets, currentAssets(raw))
	}

	out := &event.OutputEnvelope{
		Metadata: md,
		Payload: event.Payload{
			Data:   data,
			Assets: assets,
			Map:    in.Payload.Map,
			Extra:  cloneMap(in.Payload.Extra),
		},
	}
	out.EnsurePayload()

	if err := f.applyOffload(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Formatter) applyIdentity(md *event.Metadata) {
	if f.settings.Service != "" {
		md.Service = f.settings.Service
	}
	if f.settings.StepName != "" {
		md.StepName = f.settings.StepName
	}
	if f.settings.PipelineName != "" {
		md.PipelineName = f.settings.PipelineName
	}
}

// splitResult separates a handler result into business data and the lifted
// fields. Non-object results are carried as data unchanged.
func splitResult(result any) (any, map[string]any, error) {
	fields := map[string]any{}
	var v any
	switch r := result.(type) {
	case nil:
		return map[string]any{}, fields, nil
	case map[string]any:
		if r == nil {
			return map[string]any{}, fields, nil
		}
		v = r
	default:
		if err := jsonutil.Convert(result, &v); err != nil {
			return nil, nil, fmt.Errorf("encode handler result: %w", err)
		}
	}
	obj, ok := jsonutil.Object(v)
	if !ok {
		return v, fields, nil
	}
	data := make(map[string]any, len(obj))
	for k, val := range obj {
		switch k {
		case keyExternalJobID, keyExternalJobStatus, keyExternalJobResult, keyUpdatedAsset:
			fields[k] = val
		default:
			data[k] = val
		}
	}
	return data, fields, nil
}

// applyJobSignals replaces the job-correlation fields with this step's values.
// Values carried in Extra belong to an earlier step and are dropped.
func applyJobSignals(md *event.Metadata, fields map[string]any) {
	for _, k := range []string{keyExternalJobID, keyExternalJobStatus, keyExternalJobResult} {
		delete(md.Extra, k)
	}
	md.ExternalJobID = scalarString(fields[keyExternalJobID])
	md.ExternalJobStatus = scalarString(fields[keyExternalJobStatus])
	md.ExternalJobResult = fields[keyExternalJobResult]
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// currentAssets extracts the asset carried by the raw invocation itself,
// using the same rule as normalization: a standardized detail contributes
// its assets, anything else is one asset.
func currentAssets(raw map[string]any) []event.AssetRecord {
	for _, k := range []string{"detail", "asset"} {
		v, ok := jsonutil.Object(raw[k])
		if !ok {
			continue
		}
		if normalize.IsStandardized(v) {
			pl, _ := jsonutil.LookupObject(v, "payload")
			return normalize.ToAssets(pl["assets"])
		}
		return []event.AssetRecord{event.AssetRecord(v)}
	}
	return nil
}

// mergeAssets appends current to previous, skipping records already present.
func mergeAssets(previous, current []event.AssetRecord) []event.AssetRecord {
	out := make([]event.AssetRecord, 0, len(previous)+len(current))
	out = append(out, previous...)
	for _, c := range current {
		dup := false
		for _, p := range out {
			if reflect.DeepEqual(p, c) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

// applyOffload moves oversized data to the payload store and leaves index
// stubs behind. Data exactly at the threshold stays inline.
func (f *Formatter) applyOffload(ctx context.Context, out *event.OutputEnvelope) error {
	size, err := jsonutil.Size(out.Payload.Data)
	if err != nil {
		return fmt.Errorf("measure output data: %w", err)
	}
	if f.payloads == nil || !f.payloads.ExceedsThreshold(size) {
		out.Metadata.StepExternalPayload = event.ExternalPayloadFalse
		out.Metadata.StepExternalPayloadLocation = nil
		return nil
	}

	loc, err := f.payloads.Offload(ctx, out.Metadata.PipelineExecutionID, out.Payload.Data)
	if err != nil {
		return err
	}
	log.Info().
		Int("size", size).
		Str("bucket", loc.Bucket).
		Str("key", loc.Key).
		Msg("Output data exceeds threshold, offloaded")

	out.Metadata.StepExternalPayload = event.ExternalPayloadTrue
	out.Metadata.StepExternalPayloadLocation = &loc
	out.Payload.Data = indexStubs(out.Payload.Data, loc, out.Payload.Assets)
	return nil
}

// indexStubs builds one stub per array element (one for a non-array) so a
// downstream Map state can fan out without reading the object per branch.
func indexStubs(data any, loc event.PayloadLocation, assets []event.AssetRecord) []any {
	elems, isArray := data.([]any)
	if !isArray {
		elems = []any{data}
	}
	fallbackID := ""
	if len(assets) > 0 {
		fallbackID = assets[0].ID()
	}
	stubs := make([]any, len(elems))
	for i, el := range elems {
		assetID := fallbackID
		if obj, ok := jsonutil.Object(el); ok {
			if id := event.AssetRecord(obj).ID(); id != "" {
				assetID = id
			}
		}
		stubs[i] = map[string]any{
			"asset_id":                    assetID,
			"stepExternalPayload":         event.ExternalPayloadTrue,
			"stepExternalPayloadLocation": map[string]any{"bucket": loc.Bucket, "key": loc.Key},
			"index":                       i,
		}
	}
	return stubs
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c, _ := jsonutil.Clone(m).(map[string]any)
	return c
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromEpoch(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9))
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
