// Package pipeline composes the step middleware around a business handler:
// normalize the raw invocation, run the handler with bounded retry, format
// the output envelope (offloading oversized data), publish it best-effort,
// and return it to the orchestrator.
package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-pipeline/internal/config"
	"github.com/fpang/media-pipeline/internal/event"
	"github.com/fpang/media-pipeline/internal/jsonutil"
	"github.com/fpang/media-pipeline/internal/metrics"
	"github.com/fpang/media-pipeline/internal/normalize"
	"github.com/fpang/media-pipeline/internal/output"
	"github.com/fpang/media-pipeline/internal/payload"
	"github.com/fpang/media-pipeline/internal/retry"
	"github.com/fpang/media-pipeline/internal/steperr"
)

// Handler is the business logic of a step. It receives the normalized event
// and returns any JSON-encodable result; an object result may carry
// externalJobId, externalJobStatus, externalJobResult and updatedAsset.
//
// A failing handler is called again with the same event, up to the
// configured attempt count. Handlers with side effects must tolerate being
// run more than once for one invocation; the middleware offers no
// idempotency key. Return retry.Permanent(err) to stop retrying.
type Handler func(ctx context.Context, evt *event.StandardEvent) (any, error)

// Publisher delivers an output envelope. Errors are logged and counted but
// never fail the invocation.
type Publisher interface {
	Publish(ctx context.Context, stepName string, env *event.OutputEnvelope) error
}

// Step is a handler wrapped in the middleware. It holds no per-invocation
// state and is safe for concurrent use.
type Step struct {
	handler    Handler
	normalizer *normalize.Normalizer
	formatter  *output.Formatter
	publisher  Publisher
	settings   output.Settings
	policy     retry.Policy
	namespace  string
	metricsOut io.Writer
	now        func() time.Time
}

type options struct {
	settings   output.Settings
	policy     retry.Policy
	maxDepth   int
	namespace  string
	metricsOut io.Writer
	now        func() time.Time
	newTraceID func() string
}

// Option customises a Step.
type Option func(*options)

// WithSettings sets the step identity and pipeline position.
func WithSettings(s output.Settings) Option {
	return func(o *options) { o.settings = s }
}

// WithRetryPolicy sets the handler retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithMaxUnwrapDepth bounds originalEvent/payload.event unwrapping.
func WithMaxUnwrapDepth(n int) Option {
	return func(o *options) { o.maxDepth = n }
}

// WithMetrics sets the EMF namespace and destination.
func WithMetrics(namespace string, w io.Writer) Option {
	return func(o *options) {
		o.namespace = namespace
		o.metricsOut = w
	}
}

// WithClock overrides time.Now for timing fields.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTraceIDGenerator overrides the generator for fresh trace ids.
func WithTraceIDGenerator(fn func() string) Option {
	return func(o *options) { o.newTraceID = fn }
}

// FromConfig translates loaded configuration into Step options.
func FromConfig(cfg *config.Config) []Option {
	return []Option{
		WithSettings(output.Settings{
			Service:      cfg.Service,
			StepName:     cfg.StepName,
			PipelineName: cfg.PipelineName,
			IsFirst:      cfg.IsFirst,
			IsLast:       cfg.IsLast,
		}),
		WithRetryPolicy(retry.Policy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		}),
		WithMaxUnwrapDepth(cfg.MaxUnwrapDepth),
		WithMetrics(cfg.MetricsNamespace, os.Stdout),
	}
}

// NewStep wraps handler. payloads backs offload and rehydration; assets may
// be nil to disable enrichment; publisher may be nil to skip publishing.
func NewStep(handler Handler, payloads *payload.Store, assets normalize.AssetResolver, publisher Publisher, opts ...Option) *Step {
	o := options{
		maxDepth:   normalize.DefaultMaxDepth,
		namespace:  metrics.DefaultNamespace,
		metricsOut: os.Stdout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var normOpts []normalize.Option
	var fmtOpts []output.Option
	normOpts = append(normOpts, normalize.WithMaxDepth(o.maxDepth))
	fmtOpts = append(fmtOpts, output.WithClock(o.now))
	if o.newTraceID != nil {
		normOpts = append(normOpts, normalize.WithTraceIDGenerator(o.newTraceID))
		fmtOpts = append(fmtOpts, output.WithTraceIDGenerator(o.newTraceID))
	}

	var offloader output.Offloader
	var rehydrator normalize.Rehydrator
	if payloads != nil {
		offloader, rehydrator = payloads, payloads
	}

	return &Step{
		handler:    handler,
		normalizer: normalize.New(rehydrator, assets, normOpts...),
		formatter:  output.New(o.settings, offloader, fmtOpts...),
		publisher:  publisher,
		settings:   o.settings,
		policy:     o.policy,
		namespace:  o.namespace,
		metricsOut: o.metricsOut,
		now:        o.now,
	}
}

// Handle runs one invocation. Its signature fits lambda.Start. On success
// the envelope is returned whether or not publishing succeeded; on failure
// the error is a *steperr.StepError and nothing is published.
func (s *Step) Handle(ctx context.Context, raw json.RawMessage) (*event.OutputEnvelope, error) {
	start := s.now()
	rec := metrics.ForStep(s.namespace, s.settings.Service, s.settings.StepName, s.metricsOut)
	defer func() {
		rec.Duration(metrics.MetricStepDuration, s.now().Sub(start))
		rec.Flush()
	}()

	logCtx := log.With().Str("step", s.settings.StepName)
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		logCtx = logCtx.Str("requestId", lc.AwsRequestID)
	}
	logger := logCtx.Logger()

	fail := func(err error) (*event.OutputEnvelope, error) {
		stage, _ := steperr.StageOf(err)
		logger.Error().Err(err).Str("stage", string(stage)).Bool("fatal", stage.Fatal()).Msg("Step invocation failed")
		rec.Count(metrics.MetricInvocationFailures, 1)
		return nil, err
	}

	// RECEIVED -> NORMALIZED
	rawObj, evt, rule, err := s.normalize(ctx, raw)
	if err != nil {
		return fail(steperr.New(steperr.StageNormalize, err))
	}
	logger = logger.With().
		Str("pipelineTraceId", evt.Metadata.PipelineTraceID).
		Str("pipelineExecutionId", evt.Metadata.PipelineExecutionID).
		Logger()
	logger.Debug().Str("rule", rule).Int("assets", len(evt.Payload.Assets)).Msg("Event normalized")
	rec.Property("normalizeRule", rule).Property("pipelineTraceId", evt.Metadata.PipelineTraceID)
	ctx = logger.WithContext(ctx)

	// NORMALIZED -> EXECUTING
	result, attempts, err := retry.Do(ctx, s.policy, func(ctx context.Context) (any, error) {
		return s.handler(ctx, cloneEvent(evt))
	})
	rec.Count(metrics.MetricHandlerAttempts, attempts)
	if err != nil {
		return fail(steperr.Handler(attempts, err))
	}

	// EXECUTING -> FORMATTED
	env, err := s.formatter.Format(ctx, result, evt, rawObj, start)
	if err != nil {
		return fail(steperr.New(steperr.StageFormat, err))
	}
	offloaded := 0
	if env.Metadata.IsExternalPayload() {
		offloaded = 1
	}
	rec.Count(metrics.MetricPayloadOffloaded, offloaded)

	// FORMATTED -> PUBLISHED
	publishFailures := 0
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, s.settings.StepName, env); err != nil {
			stage, _ := steperr.StageOf(err)
			logger.Error().Err(err).Str("stage", string(stage)).Bool("fatal", stage.Fatal()).Msg("Output not published, continuing")
			publishFailures = 1
		}
	}
	rec.Count(metrics.MetricPublishFailures, publishFailures)

	logger.Info().
		Str("pipelineStatus", string(env.Metadata.PipelineStatus)).
		Int("attempts", attempts).
		Bool("offloaded", offloaded == 1).
		Dur("elapsed", s.now().Sub(start)).
		Msg("Step complete")
	return env, nil
}

// normalize decodes raw once, returning the decoded object (nil for
// non-object input) alongside the normalized event.
func (s *Step) normalize(ctx context.Context, raw json.RawMessage) (map[string]any, *event.StandardEvent, string, error) {
	v, err := jsonutil.Decode(raw)
	if err != nil {
		return nil, nil, "", err
	}
	obj, ok := jsonutil.Object(v)
	if !ok {
		evt, rule, err := s.normalizer.NormalizeJSON(ctx, raw)
		return nil, evt, rule, err
	}
	evt, rule, err := s.normalizer.Normalize(ctx, obj)
	return obj, evt, rule, err
}

// cloneEvent gives each handler attempt its own copy so a failed attempt's
// mutations do not leak into the next one or into the output.
func cloneEvent(evt *event.StandardEvent) *event.StandardEvent {
	c := *evt
	if evt.Metadata.Extra != nil {
		c.Metadata.Extra, _ = jsonutil.Clone(evt.Metadata.Extra).(map[string]any)
	}
	c.Payload.Data = jsonutil.Clone(evt.Payload.Data)
	if evt.Payload.Assets != nil {
		c.Payload.Assets = make([]event.AssetRecord, len(evt.Payload.Assets))
		for i, a := range evt.Payload.Assets {
			m, _ := jsonutil.Clone(map[string]any(a)).(map[string]any)
			c.Payload.Assets[i] = m
		}
	}
	if evt.Payload.Map != nil {
		c.Payload.Map, _ = jsonutil.Clone(evt.Payload.Map).(map[string]any)
	}
	if evt.Payload.Extra != nil {
		c.Payload.Extra, _ = jsonutil.Clone(evt.Payload.Extra).(map[string]any)
	}
	return &c
}

// Logger returns the invocation logger stored in ctx by Handle.
func Logger(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
