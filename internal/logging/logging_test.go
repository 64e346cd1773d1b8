package logging

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): expected %s, got %s", in, want, got)
		}
	}
}

func TestStartupLogger_StructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWith("info", &buf, true)
	defer InitWith("info", &bytes.Buffer{}, false)

	NewStartupLogger("image-metadata-lambda").
		S3Bucket("payloads", "payload-bucket").
		EventBus("output", "pipeline-bus").
		Feature("isLast", true).
		Config("maxResponseSize", "245760").
		InitDuration(15 * time.Millisecond).
		Log()

	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if doc["message"] != "Lambda cold start complete" {
		t.Errorf("unexpected message %v", doc["message"])
	}
	resources, ok := doc["resources"].(map[string]any)
	if !ok {
		t.Fatal("expected resources block")
	}
	buses := resources["eventBuses"].(map[string]any)
	if buses["output"] != "pipeline-bus" {
		t.Errorf("expected output bus, got %v", buses["output"])
	}
	if doc["features"].(map[string]any)["isLast"] != true {
		t.Errorf("expected isLast feature true")
	}
}
