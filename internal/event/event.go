// Package event defines the canonical pipeline step event that every wrapped
// Lambda receives, and the output envelope it republishes.
//
// A StandardEvent is built once per invocation from whatever raw shape the
// orchestrator delivered (see package normalize). The same shape is used for
// the OutputEnvelope handed to the next step.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// PipelineStatus is the coarse lifecycle state of a whole pipeline execution
// as seen from one step.
type PipelineStatus string

const (
	StatusStarted    PipelineStatus = "Started"
	StatusInProgress PipelineStatus = "InProgress"
	StatusCompleted  PipelineStatus = "Completed"
)

// String flags used on the wire for stepExternalPayload. Downstream state
// machines compare these literally, so they are not booleans.
const (
	ExternalPayloadTrue  = "True"
	ExternalPayloadFalse = "False"
)

// AssetRecord is an opaque asset row owned by the asset-management store.
// The middleware only reads and forwards it.
type AssetRecord map[string]any

// ID returns the record's inventory identifier, checking the conventional
// key spellings.
func (a AssetRecord) ID() string {
	for _, k := range []string{"InventoryID", "asset_id", "assetId"} {
		if s, ok := a[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// PayloadLocation points at an offloaded JSON object.
type PayloadLocation struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (l PayloadLocation) String() string {
	return fmt.Sprintf("s3://%s/%s", l.Bucket, l.Key)
}

// Metadata is the step metadata block. Fields the middleware does not know
// about are kept in Extra and written back out unchanged, so an event that is
// already standardized survives a decode/encode cycle intact.
type Metadata struct {
	Service                     string           `json:"service,omitempty"`
	StepName                    string           `json:"stepName,omitempty"`
	PipelineName                string           `json:"pipelineName,omitempty"`
	PipelineTraceID             string           `json:"pipelineTraceId,omitempty"`
	PipelineExecutionID         string           `json:"pipelineExecutionId,omitempty"`
	PipelineID                  string           `json:"pipelineId,omitempty"`
	StepExecutionStartTime      *float64         `json:"stepExecutionStartTime,omitempty"`
	StepExecutionEndTime        *float64         `json:"stepExecutionEndTime,omitempty"`
	StepExecutionDuration       *float64         `json:"stepExecutionDuration,omitempty"`
	PipelineExecutionStartTime  string           `json:"pipelineExecutionStartTime,omitempty"`
	PipelineExecutionEndTime    string           `json:"pipelineExecutionEndTime,omitempty"`
	PipelineStatus              PipelineStatus   `json:"pipelineStatus,omitempty"`
	ExternalJobID               string           `json:"externalJobId,omitempty"`
	ExternalJobStatus           string           `json:"externalJobStatus,omitempty"`
	ExternalJobResult           any              `json:"externalJobResult,omitempty"`
	StepExternalPayload         string           `json:"stepExternalPayload,omitempty"`
	StepExternalPayloadLocation *PayloadLocation `json:"stepExternalPayloadLocation,omitempty"`

	Extra map[string]any `json:"-"`
}

// metadataFields maps each typed field's JSON name to its index in Metadata.
var metadataFields = func() map[string]int {
	t := reflect.TypeOf(Metadata{})
	idx := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			idx[name] = i
		}
	}
	return idx
}()

// metadataAlias strips the methods so the default codec can be reused.
type metadataAlias Metadata

// UnmarshalJSON decodes the typed fields and keeps everything else in Extra.
// A known key whose value does not fit its field (an ISO string where epoch
// seconds are expected, say) is kept in Extra as written rather than failing
// the decode.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(b, &members); err != nil {
		return err
	}
	var out Metadata
	fields := reflect.ValueOf(&out).Elem()
	for k, raw := range members {
		if i, known := metadataFields[k]; known && decodeInto(fields.Field(i), raw) {
			continue
		}
		var v any
		if err := decodeNumbers(raw, &v); err != nil {
			return err
		}
		if out.Extra == nil {
			out.Extra = map[string]any{}
		}
		out.Extra[k] = v
	}
	*m = out
	return nil
}

// decodeInto sets f from raw, reporting whether the value fit the field.
func decodeInto(f reflect.Value, raw json.RawMessage) bool {
	ptr := reflect.New(f.Type())
	if err := decodeNumbers(raw, ptr.Interface()); err != nil {
		return false
	}
	f.Set(ptr.Elem())
	return true
}

// decodeNumbers decodes with UseNumber so large integers survive untouched.
func decodeNumbers(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(dst)
}

// MarshalJSON writes the typed fields merged with Extra. Typed fields win on
// a key collision.
func (m Metadata) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(metadataAlias(m))
	if err != nil {
		return nil, err
	}
	return mergeExtra(typed, m.Extra)
}

// mergeExtra overlays the encoded object typed on extra.
func mergeExtra(typed []byte, extra map[string]any) ([]byte, error) {
	if len(extra) == 0 {
		return typed, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(typed, &fields); err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(extra)+len(fields))
	for k, v := range extra {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// IsExternalPayload reports whether the metadata flags an offloaded payload.
func (m *Metadata) IsExternalPayload() bool {
	return m.StepExternalPayload == ExternalPayloadTrue
}

// Payload is the business content of a StandardEvent. Data is usually an
// object but becomes a list of index stubs when the content was offloaded.
// Members other than data, assets and map are carried in Extra.
type Payload struct {
	Data   any            `json:"data"`
	Assets []AssetRecord  `json:"assets"`
	Map    map[string]any `json:"map,omitempty"`

	Extra map[string]any `json:"-"`
}

type payloadAlias Payload

// UnmarshalJSON decodes data, assets and map and keeps any other member in
// Extra.
func (p *Payload) UnmarshalJSON(b []byte) error {
	var typed payloadAlias
	if err := decodeNumbers(b, &typed); err != nil {
		return err
	}
	var all map[string]any
	if err := decodeNumbers(b, &all); err != nil {
		return err
	}
	delete(all, "data")
	delete(all, "assets")
	delete(all, "map")
	*p = Payload(typed)
	p.Extra = nil
	if len(all) > 0 {
		p.Extra = all
	}
	return nil
}

// MarshalJSON writes data, assets and map merged with Extra.
func (p Payload) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(payloadAlias(p))
	if err != nil {
		return nil, err
	}
	return mergeExtra(typed, p.Extra)
}

// StandardEvent is the canonical event a business handler receives.
type StandardEvent struct {
	Metadata Metadata `json:"metadata"`
	Payload  Payload  `json:"payload"`
}

// OutputEnvelope is what a step publishes and returns. It has the same shape
// as its input.
type OutputEnvelope = StandardEvent

// EnsurePayload fills in the data and assets members so they are always
// present once an event has been normalized.
func (e *StandardEvent) EnsurePayload() {
	if e.Payload.Data == nil {
		e.Payload.Data = map[string]any{}
	}
	if e.Payload.Assets == nil {
		e.Payload.Assets = []AssetRecord{}
	}
}

// DetailType is the EventBridge detail-type used when publishing a step's
// output.
func DetailType(stepName string) string {
	return strings.TrimSpace(stepName) + "Output"
}
