package normalize

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fpang/media-pipeline/internal/event"
	"github.com/fpang/media-pipeline/internal/jsonutil"
	"github.com/fpang/media-pipeline/internal/payload"
)

// Rule names, in precedence order.
const (
	ruleExternalPayload   = "external-payload"
	ruleStepFunctionsTask = "step-functions-task"
	ruleMapItem           = "map-item"
	ruleStandardized      = "standardized"
	ruleEventBridgeStd    = "eventbridge-standardized"
	ruleEventBridgeDetail = "eventbridge-detail"
	ruleFallback          = "fallback"
)

// DefaultRules returns the dispatch table. Order is precedence: the first
// match wins.
func DefaultRules() []Rule {
	return []Rule{
		{Name: ruleExternalPayload, Match: matchExternalPayload, Apply: applyExternalPayload},
		{Name: ruleStepFunctionsTask, Match: matchStepFunctionsTask, Apply: applyStepFunctionsTask},
		{Name: ruleMapItem, Match: matchMapItem, Apply: applyMapItem},
		{Name: ruleStandardized, Match: matchStandardized, Apply: applyStandardized},
		{Name: ruleEventBridgeStd, Match: matchEventBridgeStandardized, Apply: applyEventBridgeStandardized},
		{Name: ruleEventBridgeDetail, Match: matchEventBridgeDetail, Apply: applyEventBridgeDetail},
		{Name: ruleFallback, Match: func(map[string]any) bool { return true }, Apply: applyFallback},
	}
}

// --- 1. Top-level offloaded payload ---

func matchExternalPayload(raw map[string]any) bool {
	return jsonutil.String(raw, "metadata", "stepExternalPayload") == event.ExternalPayloadTrue
}

func applyExternalPayload(ctx context.Context, n *Normalizer, raw map[string]any, _ int) (*event.StandardEvent, error) {
	locRaw, _ := jsonutil.Lookup(raw, "metadata", "stepExternalPayloadLocation")
	loc, ok := payload.ParseLocation(locRaw)
	if !ok {
		return nil, ErrMissingLocation
	}
	content, err := n.rehydrate(ctx, loc, nil)
	if err != nil {
		return nil, err
	}

	var data any = content
	if arr, ok := content.([]any); ok {
		stubs := make([]any, len(arr))
		for i := range arr {
			stubs[i] = map[string]any{
				"s3_bucket": loc.Bucket,
				"s3_key":    loc.Key,
				"index":     i,
			}
		}
		data = stubs
	}

	md, err := decodeMetadata(raw["metadata"])
	if err != nil {
		return nil, err
	}
	n.ensureTraceID(&md)
	pl, _ := jsonutil.LookupObject(raw, "payload")
	return &event.StandardEvent{
		Metadata: md,
		Payload: event.Payload{
			Data:   data,
			Assets: toAssets(pl["assets"]),
			Map:    objectOrNil(pl["map"]),
		},
	}, nil
}

// --- 2. Step Functions task wrapper ---

func matchStepFunctionsTask(raw map[string]any) bool {
	_, execOK := raw["executionName"].(string)
	_, arnOK := raw["stateMachineArn"].(string)
	_, payloadOK := jsonutil.LookupObject(raw, "payload")
	return execOK && arnOK && payloadOK
}

func applyStepFunctionsTask(ctx context.Context, n *Normalizer, raw map[string]any, depth int) (*event.StandardEvent, error) {
	inner, _ := jsonutil.LookupObject(raw, "payload")
	evt, _, err := n.dispatch(ctx, inner, depth+1)
	if err != nil {
		return nil, err
	}
	injectExecution(&evt.Metadata, raw)
	return evt, nil
}

// --- 3. Map / Task iterator item ---

func matchMapItem(raw map[string]any) bool {
	item, ok := jsonutil.LookupObject(raw, "item")
	return ok && jsonutil.Has(item, "asset_id")
}

func applyMapItem(ctx context.Context, n *Normalizer, raw map[string]any, _ int) (*event.StandardEvent, error) {
	item, _ := jsonutil.LookupObject(raw, "item")
	if jsonutil.String(item, "stepExternalPayload") == event.ExternalPayloadTrue {
		return n.offloadedItem(ctx, item)
	}

	assetID, _ := item["asset_id"].(string)
	assets := []event.AssetRecord{}
	if n.assets != nil {
		if rec := n.assets.Get(ctx, assetID); rec != nil {
			assets = append(assets, rec)
		}
	}
	return &event.StandardEvent{
		Metadata: event.Metadata{PipelineTraceID: n.newTraceID()},
		Payload: event.Payload{
			Data:   item,
			Assets: assets,
			Map:    map[string]any{"item": item},
		},
	}, nil
}

// offloadedItem rehydrates one Map-state branch from an index stub.
func (n *Normalizer) offloadedItem(ctx context.Context, item map[string]any) (*event.StandardEvent, error) {
	loc, ok := payload.ParseLocation(item["stepExternalPayloadLocation"])
	if !ok {
		return nil, ErrMissingLocation
	}
	var index *int
	if i, ok := jsonutil.Index(item["index"]); ok {
		index = &i
	}
	value, err := n.rehydrate(ctx, loc, index)
	if err != nil {
		return nil, err
	}
	return &event.StandardEvent{
		Metadata: event.Metadata{
			PipelineTraceID:             n.newTraceID(),
			StepExternalPayload:         event.ExternalPayloadTrue,
			StepExternalPayloadLocation: &loc,
		},
		Payload: event.Payload{
			Data:   map[string]any{"item": value},
			Assets: []event.AssetRecord{},
		},
	}, nil
}

// --- 4. Already standardized ---

func isStandardized(m map[string]any) bool {
	if _, ok := jsonutil.LookupObject(m, "metadata"); !ok {
		return false
	}
	pl, ok := jsonutil.LookupObject(m, "payload")
	return ok && jsonutil.Has(pl, "data") && jsonutil.Has(pl, "assets")
}

func matchStandardized(raw map[string]any) bool {
	return isStandardized(raw)
}

func applyStandardized(_ context.Context, _ *Normalizer, raw map[string]any, _ int) (*event.StandardEvent, error) {
	return fromStandardized(raw)
}

// fromStandardized builds a StandardEvent from a map that already has the
// metadata/payload layout.
func fromStandardized(m map[string]any) (*event.StandardEvent, error) {
	md, err := decodeMetadata(m["metadata"])
	if err != nil {
		return nil, err
	}
	pl, _ := jsonutil.LookupObject(m, "payload")
	return &event.StandardEvent{
		Metadata: md,
		Payload: event.Payload{
			Data:   pl["data"],
			Assets: toAssets(pl["assets"]),
			Map:    objectOrNil(pl["map"]),
			Extra:  payloadExtra(pl),
		},
	}, nil
}

// payloadExtra returns the payload members other than data, assets and map.
func payloadExtra(pl map[string]any) map[string]any {
	var extra map[string]any
	for k, v := range pl {
		switch k {
		case "data", "assets", "map":
			continue
		}
		if extra == nil {
			extra = map[string]any{}
		}
		extra[k] = v
	}
	return extra
}

// --- 5. EventBridge envelope around a standardized event ---

func matchEventBridgeStandardized(raw map[string]any) bool {
	detail, ok := jsonutil.LookupObject(raw, "detail")
	return ok && jsonutil.Has(detail, "metadata") && jsonutil.Has(detail, "payload")
}

func applyEventBridgeStandardized(_ context.Context, n *Normalizer, raw map[string]any, _ int) (*event.StandardEvent, error) {
	detail, _ := jsonutil.LookupObject(raw, "detail")
	evt, err := fromStandardized(detail)
	if err != nil {
		return nil, err
	}
	injectExecution(&evt.Metadata, raw)
	n.ensureTraceID(&evt.Metadata)
	return evt, nil
}

// --- 6. EventBridge raw detail ---

func matchEventBridgeDetail(raw map[string]any) bool {
	if _, ok := jsonutil.LookupObject(raw, "detail"); !ok {
		return false
	}
	return !jsonutil.Has(raw, "payload") && !jsonutil.Has(raw, "assets")
}

func applyEventBridgeDetail(_ context.Context, n *Normalizer, raw map[string]any, _ int) (*event.StandardEvent, error) {
	detail, _ := jsonutil.LookupObject(raw, "detail")
	return &event.StandardEvent{
		Metadata: event.Metadata{PipelineTraceID: n.newTraceID()},
		Payload: event.Payload{
			Data:   map[string]any{},
			Assets: []event.AssetRecord{event.AssetRecord(detail)},
		},
	}, nil
}

// --- 7. Fallback ---

func applyFallback(_ context.Context, n *Normalizer, raw map[string]any, _ int) (*event.StandardEvent, error) {
	md := event.Metadata{}
	if mdRaw, ok := jsonutil.LookupObject(raw, "metadata"); ok {
		decoded, err := decodeMetadata(mdRaw)
		if err != nil {
			return nil, err
		}
		md = decoded
	}
	n.ensureTraceID(&md)

	assets := firstPresent(raw, []string{"payload", "assets"}, []string{"assets"})
	mapv := firstPresent(raw, []string{"payload", "map"}, []string{"map"})
	return &event.StandardEvent{
		Metadata: md,
		Payload: event.Payload{
			Data:   jsonutil.Clone(raw),
			Assets: toAssets(assets),
			Map:    objectOrNil(mapv),
		},
	}, nil
}

// --- helpers ---

func firstPresent(m map[string]any, paths ...[]string) any {
	for _, p := range paths {
		if v, ok := jsonutil.Lookup(m, p...); ok && v != nil {
			return v
		}
	}
	return nil
}

func decodeMetadata(v any) (event.Metadata, error) {
	var md event.Metadata
	if v == nil {
		return md, nil
	}
	if err := jsonutil.Convert(v, &md); err != nil {
		return md, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

// toAssets keeps the object elements of a JSON array. A single object is
// treated as a one-element list.
func toAssets(v any) []event.AssetRecord {
	out := []event.AssetRecord{}
	switch t := v.(type) {
	case []any:
		for i, a := range t {
			if obj, ok := jsonutil.Object(a); ok {
				out = append(out, event.AssetRecord(obj))
				continue
			}
			log.Warn().Int("index", i).Str("type", jsonutil.Kind(a)).Msg("Dropping non-object asset entry")
		}
	case []event.AssetRecord:
		out = append(out, t...)
	case map[string]any:
		out = append(out, event.AssetRecord(t))
	}
	return out
}

// ToAssets exposes the asset-list coercion used during normalization.
func ToAssets(v any) []event.AssetRecord { return toAssets(v) }

// IsStandardized reports whether m has the metadata/payload.data/payload.assets layout.
func IsStandardized(m map[string]any) bool { return isStandardized(m) }

func objectOrNil(v any) map[string]any {
	m, _ := jsonutil.Object(v)
	return m
}
