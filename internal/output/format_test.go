package output

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/fpang/media-pipeline/internal/event"
	"github.com/fpang/media-pipeline/internal/jsonutil"
	"github.com/fpang/media-pipeline/internal/memstore"
	"github.com/fpang/media-pipeline/internal/payload"
)

var (
	testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testEnd   = testStart.Add(1234 * time.Millisecond)
)

func newFormatter(settings Settings, store *payload.Store) *Formatter {
	return New(settings, store,
		WithClock(func() time.Time { return testEnd }),
		WithTraceIDGenerator(func() string { return "trace-gen" }),
	)
}

func newStore(maxSize int) (*payload.Store, *memstore.Objects) {
	objects := memstore.NewObjects()
	return payload.NewStore(objects, "payloads",
		payload.WithMaxSize(maxSize),
		payload.WithIDGenerator(func() string { return "obj" }),
	), objects
}

func inputEvent() *event.StandardEvent {
	return &event.StandardEvent{
		Metadata: event.Metadata{PipelineTraceID: "trace-in", PipelineExecutionID: "exec-1"},
		Payload: event.Payload{
			Data:   map[string]any{},
			Assets: []event.AssetRecord{{"InventoryID": "A1"}},
		},
	}
}

// --- Status ---

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name            string
		isFirst, isLast bool
		jobStatus       string
		want            event.PipelineStatus
	}{
		{"first", true, false, "", event.StatusStarted},
		{"first and last", true, true, "", event.StatusStarted},
		{"last no job", false, true, "", event.StatusCompleted},
		{"last job completed", false, true, "COMPLETED", event.StatusCompleted},
		{"last job running", false, true, "RUNNING", event.StatusInProgress},
		{"middle", false, false, "", event.StatusInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.isFirst, tt.isLast, tt.jobStatus); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

// --- Metadata ---

func TestFormat_LiftsJobSignals(t *testing.T) {
	store, _ := newStore(payload.DefaultMaxSize)
	f := newFormatter(Settings{Service: "svc", StepName: "transcode", PipelineName: "video", IsLast: true}, store)

	result := map[string]any{
		"externalJobId":     "job-7",
		"externalJobStatus": "Submitted",
		"externalJobResult": map[string]any{"queue": "q1"},
		"output":            "s3://x",
	}
	out, err := f.Format(context.Background(), result, inputEvent(), nil, testStart)
	if err != nil {
		t.Fatalf("format: %v", err)
	}

	md := out.Metadata
	if md.ExternalJobID != "job-7" || md.ExternalJobStatus != "Submitted" {
		t.Errorf("unexpected job signals %s/%s", md.ExternalJobID, md.ExternalJobStatus)
	}
	if !reflect.DeepEqual(md.ExternalJobResult, map[string]any{"queue": "q1"}) {
		t.Errorf("unexpected job result %v", md.ExternalJobResult)
	}
	if !reflect.DeepEqual(out.Payload.Data, map[string]any{"output": "s3://x"}) {
		t.Errorf("expected job fields stripped from data, got %v", out.Payload.Data)
	}
	if md.PipelineStatus != event.StatusInProgress {
		t.Errorf("expected InProgress while external job runs, got %s", md.PipelineStatus)
	}
	if md.Service != "svc" || md.StepName != "transcode" || md.PipelineName != "video" {
		t.Errorf("unexpected identity %s/%s/%s", md.Service, md.StepName, md.PipelineName)
	}
	if md.PipelineTraceID != "trace-in" {
		t.Errorf("expected trace id carried, got %s", md.PipelineTraceID)
	}
}

func TestFormat_Timing(t *testing.T) {
	store, _ := newStore(payload.DefaultMaxSize)
	f := newFormatter(Settings{}, store)

	out, err := f.Format(context.Background(), map[string]any{}, inputEvent(), nil, testStart)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	md := out.Metadata
	if *md.StepExecutionDuration != 1.234 {
		t.Errorf("expected duration 1.234, got %v", *md.StepExecutionDuration)
	}
	if *md.StepExecutionStartTime != float64(testStart.Unix()) {
		t.Errorf("expected start %d, got %v", testStart.Unix(), *md.StepExecutionStartTime)
	}
	if *md.StepExecutionEndTime <= *md.StepExecutionStartTime {
		t.Errorf("expected end after start")
	}
}

func TestFormat_TimingCarriedStart(t *testing.T) {
	store, _ := newStore(payload.DefaultMaxSize)
	f := newFormatter(Settings{}, store)
	in := inputEvent()
	carried := float64(testStart.Add(-2 * time.Second).Unix())
	in.Metadata.StepExecutionStartTime = &carried

	out, err := f.Format(context.Background(), nil, in, nil, testStart)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if *out.Metadata.StepExecutionStartTime != carried {
		t.Errorf("expected carried start %v, got %v", carried, *out.Metadata.StepExecutionStartTime)
	}
	if *out.Metadata.StepExecutionDuration != 3.234 {
		t.Errorf("expected duration 3.234, got %v", *out.Metadata.StepExecutionDuration)
	}
	if *in.Metadata.StepExecutionStartTime != carried {
		t.Error("expected input metadata left untouched")
	}
}

func TestFormat_PipelineTimes(t *testing.T) {
	store, _ := newStore(payload.DefaultMaxSize)

	first := newFormatter(Settings{IsFirst: true}, store)
	out, _ := first.Format(context.Background(), nil, inputEvent(), nil, testStart)
	if out.Metadata.PipelineExecutionStartTime == "" {
		t.Error("expected first step to stamp pipeline start")
	}
	if out.Metadata.PipelineStatus != event.StatusStarted {
		t.Errorf("expected Started, got %s", out.Metadata.PipelineStatus)
	}

	last := newFormatter(Settings{IsLast: true}, store)
	out, _ = last.Format(context.Background(), nil, inputEvent(), nil, testStart)
	if out.Metadata.PipelineExecutionEndTime == "" {
		t.Error("expected completed pipeline to stamp end time")
	}
}

func TestFormat_GeneratesMissingTraceID(t *testing.T) {
	store, _ := newStore(payload.DefaultMaxSize)
	f := newFormatter(Settings{}, store)
	out, _ := f.Format(context.Background(), nil, &event.StandardEvent{}, nil, testStart)
	if out.Metadata.PipelineTraceID != "trace-gen" {
		t.Errorf("expected generated trace id, got %s", out.Metadata.PipelineTraceID)
	}
}

// --- Assets ---

func TestFormat_UpdatedAssetReplacesAssets(t *testing.T) {
	store, _ := newStore(payload.DefaultMaxSize)
	f := newFormatter(Settings{}, store)

	result := map[string]any{
		"updatedAsset": map[string]any{"InventoryID": "A1", "Metadata": map[string]any{"w": 10}},
		"note":         "done",
	}
	out, err := f.Format(context.Background(), result, inputEvent(), nil, testStart)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if len(out.Payload.Assets) != 1 || out.Payload.Assets[0]["Metadata"] == nil {
		t.Errorf("expected updated asset only, got %v", out.Payload.Assets)
	}
	if _, ok := out.Payload.Data.(map[string]any)["updatedAsset"]; ok {
		t.Error("expected updatedAsset removed from data")
	}
}

func TestFormat_MergesCurrentDetailAsset(t *testing.T) {
	store, _ := newStore(payload.DefaultMaxSize)
	f := newFormatter(Settings{}, store)

	raw := map[string]any{"detail": map[string]any{"InventoryID": "A2"}}
	out, _ := f.Format(context.Background(), nil, inputEvent(), raw, testStart)

	want := []event.AssetRecord{{"InventoryID": "A1"}, {"InventoryID": "A2"}}
	if !reflect.DeepEqual(out.Payload.Assets, want) {
		t.Errorf("expected %v, got %v", want, out.Payload.Assets)
	}
}

func TestFormat_MergeSkipsDuplicates(t *testing.T) {
	store, _ := newStore(payload.DefaultMaxSize)
	f := newFormatter(Settings{}, store)

	raw := map[string]any{"detail": map[string]any{"InventoryID": "A1"}}
	out, _ := f.Format(context.Background(), nil, inputEvent(), raw, testStart)
	if len(out.Payload.Assets) != 1 {
		t.Errorf("expected duplicate skipped, got %v", out.Payload.Assets)
	}
}

func TestFormat_StandardizedDetailContributesItsAssets(t *testing.T) {
	store, _ := newStore(payload.DefaultMaxSize)
	f := newFormatter(Settings{}, store)

	raw := map[string]any{"detail": map[string]any{
		"metadata": map[string]any{},
		"payload":  map[string]any{"data": map[string]any{}, "assets": []any{map[string]any{"InventoryID": "A9"}}},
	}}
	out, _ := f.Format(context.Background(), nil, inputEvent(), raw, testStart)
	if len(out.Payload.Assets) != 2 || out.Payload.Assets[1].ID() != "A9" {
		t.Errorf("expected A1 then A9, got %v", out.Payload.Assets)
	}
}

func TestFormat_PropagatesMap(t *testing.T) {
	store, _ := newStore(payload.DefaultMaxSize)
	f := newFormatter(Settings{}, store)
	in := inputEvent()
	in.Payload.Map = map[string]any{"item": map[string]any{"asset_id": "A1"}}

	out, _ := f.Format(context.Background(), nil, in, nil, testStart)
	if !reflect.DeepEqual(out.Payload.Map, in.Payload.Map) {
		t.Errorf("expected map propagated, got %v", out.Payload.Map)
	}
}

func TestFormat_PropagatesPayloadExtra(t *testing.T) {
	store, _ := newStore(payload.DefaultMaxSize)
	f := newFormatter(Settings{}, store)
	in := inputEvent()
	in.Payload.Extra = map[string]any{"note": "keep"}

	out, _ := f.Format(context.Background(), nil, in, nil, testStart)
	if out.Payload.Extra["note"] != "keep" {
		t.Errorf("expected payload extra propagated, got %v", out.Payload.Extra)
	}
}

func TestFormat_DropsCarriedJobSignalsFromExtra(t *testing.T) {
	store, _ := newStore(payload.DefaultMaxSize)
	f := newFormatter(Settings{}, store)
	in := inputEvent()
	in.Metadata.Extra = map[string]any{"externalJobId": 12345, "custom": "c"}

	out, _ := f.Format(context.Background(), map[string]any{}, in, nil, testStart)
	if _, ok := out.Metadata.Extra["externalJobId"]; ok {
		t.Errorf("expected previous step's job id dropped, got %v", out.Metadata.Extra)
	}
	if out.Metadata.Extra["custom"] != "c" {
		t.Errorf("expected other extra kept, got %v", out.Metadata.Extra)
	}
	if in.Metadata.Extra["externalJobId"] != 12345 {
		t.Error("expected input metadata untouched")
	}
}

// --- Offload ---

func TestFormat_ThresholdBoundary(t *testing.T) {
	data := map[string]any{"k": strings.Repeat("v", 50)}
	size, _ := jsonutil.Size(data)

	atLimit, objects := newStore(size)
	out, err := newFormatter(Settings{}, atLimit).Format(context.Background(), data, inputEvent(), nil, testStart)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if out.Metadata.StepExternalPayload != event.ExternalPayloadFalse || objects.Len() != 0 {
		t.Errorf("expected data at threshold to stay inline, flag=%s objects=%d", out.Metadata.StepExternalPayload, objects.Len())
	}

	overLimit, objects := newStore(size - 1)
	out, err = newFormatter(Settings{}, overLimit).Format(context.Background(), data, inputEvent(), nil, testStart)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if out.Metadata.StepExternalPayload != event.ExternalPayloadTrue || objects.Len() != 1 {
		t.Errorf("expected one byte over to offload, flag=%s objects=%d", out.Metadata.StepExternalPayload, objects.Len())
	}
}

func TestFormat_LargeObjectScenario(t *testing.T) {
	store, objects := newStore(payload.DefaultMaxSize)
	f := newFormatter(Settings{IsLast: true}, store)

	result := map[string]any{"blob": strings.Repeat("x", 500*1024)}
	out, err := f.Format(context.Background(), result, inputEvent(), nil, testStart)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	md := out.Metadata
	if md.StepExternalPayload != event.ExternalPayloadTrue {
		t.Errorf("expected stepExternalPayload True, got %s", md.StepExternalPayload)
	}
	if md.StepExternalPayloadLocation == nil || md.StepExternalPayloadLocation.Key != "external-payloads/exec-1/obj.json" {
		t.Errorf("unexpected location %v", md.StepExternalPayloadLocation)
	}
	if md.PipelineStatus != event.StatusCompleted {
		t.Errorf("expected Completed, got %s", md.PipelineStatus)
	}
	stubs, ok := out.Payload.Data.([]any)
	if !ok || len(stubs) != 1 {
		t.Fatalf("expected one index stub, got %v", out.Payload.Data)
	}
	stub := stubs[0].(map[string]any)
	if stub["asset_id"] != "A1" || stub["index"] != 0 || stub["stepExternalPayload"] != "True" {
		t.Errorf("unexpected stub %v", stub)
	}

	stored, err := store.Rehydrate(context.Background(), *md.StepExternalPayloadLocation, nil)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if !reflect.DeepEqual(stored, result) {
		t.Error("expected stored object to equal the handler data")
	}
	if objects.Len() != 1 {
		t.Errorf("expected 1 stored object, got %d", objects.Len())
	}
}

func TestFormat_ArrayOffloadStubsPerElement(t *testing.T) {
	store, _ := newStore(64)
	f := newFormatter(Settings{}, store)

	result := []any{
		map[string]any{"asset_id": "X1", "pad": strings.Repeat("a", 40)},
		map[string]any{"InventoryID": "X2", "pad": strings.Repeat("b", 40)},
		"scalar",
	}
	out, err := f.Format(context.Background(), result, inputEvent(), nil, testStart)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	stubs := out.Payload.Data.([]any)
	if len(stubs) != 3 {
		t.Fatalf("expected 3 stubs, got %d", len(stubs))
	}
	ids := []any{stubs[0].(map[string]any)["asset_id"], stubs[1].(map[string]any)["asset_id"], stubs[2].(map[string]any)["asset_id"]}
	if !reflect.DeepEqual(ids, []any{"X1", "X2", "A1"}) {
		t.Errorf("unexpected stub asset ids %v", ids)
	}
	if stubs[2].(map[string]any)["index"] != 2 {
		t.Errorf("expected index 2, got %v", stubs[2].(map[string]any)["index"])
	}
}

func TestFormat_OffloadFailure(t *testing.T) {
	store, objects := newStore(1)
	objects.PutErr = errors.New("denied")
	f := newFormatter(Settings{}, store)

	if _, err := f.Format(context.Background(), map[string]any{"k": "v"}, inputEvent(), nil, testStart); err == nil {
		t.Error("expected offload failure to propagate")
	}
}

// --- Result shapes ---

type typedResult struct {
	Label         string `json:"label"`
	ExternalJobID string `json:"externalJobId,omitempty"`
}

func TestFormat_StructResult(t *testing.T) {
	store, _ := newStore(payload.DefaultMaxSize)
	f := newFormatter(Settings{}, store)

	out, err := f.Format(context.Background(), typedResult{Label: "x", ExternalJobID: "j1"}, inputEvent(), nil, testStart)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if out.Metadata.ExternalJobID != "j1" {
		t.Errorf("expected job id lifted from struct, got %s", out.Metadata.ExternalJobID)
	}
	if !reflect.DeepEqual(out.Payload.Data, map[string]any{"label": "x"}) {
		t.Errorf("unexpected data %v", out.Payload.Data)
	}
}

func TestFormat_ScalarResult(t *testing.T) {
	store, _ := newStore(payload.DefaultMaxSize)
	f := newFormatter(Settings{}, store)
	out, err := f.Format(context.Background(), "ok", inputEvent(), nil, testStart)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if out.Payload.Data != "ok" {
		t.Errorf("expected scalar data, got %v", out.Payload.Data)
	}
}
