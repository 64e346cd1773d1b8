// Package normalize turns any recognised raw invocation shape into a
// StandardEvent.
//
// Recognition is an ordered table of rules; the first rule whose Match
// accepts the raw event builds the result. Before dispatch, wrappers added by
// retry/replay tooling (originalEvent, payload.event) are peeled off.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-pipeline/internal/event"
	"github.com/fpang/media-pipeline/internal/jsonutil"
)

// DefaultMaxDepth bounds both wrapper unwrapping and nested task recursion.
const DefaultMaxDepth = 10

var (
	// ErrMaxDepth is returned when an event nests deeper than the configured bound.
	ErrMaxDepth = errors.New("normalize: maximum nesting depth exceeded")
	// ErrMissingLocation is returned when an offloaded payload has no usable location.
	ErrMissingLocation = errors.New("normalize: external payload flagged without a location")
	// ErrNoPayloadStore is returned when an offloaded payload arrives but no store is configured.
	ErrNoPayloadStore = errors.New("normalize: no payload store configured")
)

// Rehydrator reads offloaded payloads back.
type Rehydrator interface {
	Rehydrate(ctx context.Context, loc event.PayloadLocation, index *int) (any, error)
}

// AssetResolver looks up full asset records. It returns nil when no record
// is available and never fails.
type AssetResolver interface {
	Get(ctx context.Context, assetID string) event.AssetRecord
}

// Rule is one entry of the dispatch table.
type Rule struct {
	Name  string
	Match func(raw map[string]any) bool
	Apply func(ctx context.Context, n *Normalizer, raw map[string]any, depth int) (*event.StandardEvent, error)
}

// Normalizer converts raw invocations into StandardEvents.
type Normalizer struct {
	payloads   Rehydrator
	assets     AssetResolver
	maxDepth   int
	newTraceID func() string
	rules      []Rule
}

// Option customises a Normalizer.
type Option func(*Normalizer)

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(d int) Option {
	return func(n *Normalizer) {
		if d > 0 {
			n.maxDepth = d
		}
	}
}

// WithTraceIDGenerator overrides the pipelineTraceId generator.
func WithTraceIDGenerator(fn func() string) Option {
	return func(n *Normalizer) { n.newTraceID = fn }
}

// New creates a Normalizer. assets may be nil to disable enrichment.
func New(payloads Rehydrator, assets AssetResolver, opts ...Option) *Normalizer {
	n := &Normalizer{
		payloads:   payloads,
		assets:     assets,
		maxDepth:   DefaultMaxDepth,
		newTraceID: uuid.NewString,
		rules:      DefaultRules(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// RuleNames lists the dispatch table in precedence order.
func (n *Normalizer) RuleNames() []string {
	names := make([]string, len(n.rules))
	for i, r := range n.rules {
		names[i] = r.Name
	}
	return names
}

// NormalizeJSON decodes raw JSON and normalizes it. Non-object inputs are
// carried as payload data.
func (n *Normalizer) NormalizeJSON(ctx context.Context, raw []byte) (*event.StandardEvent, string, error) {
	v, err := jsonutil.Decode(raw)
	if err != nil {
		return nil, "", err
	}
	obj, ok := jsonutil.Object(v)
	if !ok {
		evt := &event.StandardEvent{
			Metadata: event.Metadata{PipelineTraceID: n.newTraceID()},
			Payload:  event.Payload{Data: v},
		}
		evt.EnsurePayload()
		return evt, ruleFallback, nil
	}
	return n.Normalize(ctx, obj)
}

// Normalize classifies raw and builds its StandardEvent. It returns the
// name of the rule (or rule chain, for nested task input) that matched.
func (n *Normalizer) Normalize(ctx context.Context, raw map[string]any) (*event.StandardEvent, string, error) {
	inner, outer, err := n.Unwrap(raw)
	if err != nil {
		return nil, "", err
	}
	evt, rule, err := n.dispatch(ctx, inner, 0)
	if err != nil {
		return nil, rule, err
	}
	// Execution ids seen on a peeled-off wrapper still identify this run.
	injectExecution(&evt.Metadata, outer)
	return evt, rule, nil
}

// Unwrap follows originalEvent and payload.event links to the innermost
// event. The second return value holds the first executionName and
// stateMachineArn seen on the way down.
func (n *Normalizer) Unwrap(raw map[string]any) (map[string]any, map[string]any, error) {
	cur := raw
	outer := map[string]any{}
	for depth := 0; ; depth++ {
		next, ok := innerEvent(cur)
		if !ok {
			return cur, outer, nil
		}
		if depth >= n.maxDepth {
			return nil, nil, fmt.Errorf("%w: unwrap passed %d levels", ErrMaxDepth, n.maxDepth)
		}
		for _, k := range []string{"executionName", "stateMachineArn"} {
			if _, seen := outer[k]; !seen {
				if s, ok := cur[k].(string); ok && s != "" {
					outer[k] = s
				}
			}
		}
		cur = next
	}
}

// innerEvent returns the wrapped event one level down, if any.
func innerEvent(raw map[string]any) (map[string]any, bool) {
	if inner, ok := jsonutil.LookupObject(raw, "originalEvent"); ok {
		return inner, true
	}
	if inner, ok := jsonutil.LookupObject(raw, "payload", "event"); ok {
		return inner, true
	}
	return nil, false
}

func (n *Normalizer) dispatch(ctx context.Context, raw map[string]any, depth int) (*event.StandardEvent, string, error) {
	if depth > n.maxDepth {
		return nil, "", fmt.Errorf("%w: task nesting passed %d levels", ErrMaxDepth, n.maxDepth)
	}
	for _, r := range n.rules {
		if !r.Match(raw) {
			continue
		}
		log.Debug().Str("rule", r.Name).Int("depth", depth).Msg("Normalization rule matched")
		evt, err := r.Apply(ctx, n, raw, depth)
		if err != nil {
			return nil, r.Name, fmt.Errorf("%s: %w", r.Name, err)
		}
		evt.EnsurePayload()
		return evt, r.Name, nil
	}
	// DefaultRules ends with a catch-all; a custom table may not.
	return nil, "", fmt.Errorf("normalize: no rule matched event with keys [%s]", strings.Join(keys(raw), ", "))
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// injectExecution sets the pipeline execution and state machine ids from a
// Step Functions task wrapper, without overwriting values already present.
func injectExecution(md *event.Metadata, wrapper map[string]any) {
	if md.PipelineExecutionID == "" {
		md.PipelineExecutionID = jsonutil.String(wrapper, "executionName")
	}
	if md.PipelineID == "" {
		md.PipelineID = jsonutil.String(wrapper, "stateMachineArn")
	}
}

// ensureTraceID assigns a fresh pipelineTraceId only when none is carried.
func (n *Normalizer) ensureTraceID(md *event.Metadata) {
	if md.PipelineTraceID == "" {
		md.PipelineTraceID = n.newTraceID()
	}
}

func (n *Normalizer) rehydrate(ctx context.Context, loc event.PayloadLocation, index *int) (any, error) {
	if n.payloads == nil {
		return nil, ErrNoPayloadStore
	}
	return n.payloads.Rehydrate(ctx, loc, index)
}
