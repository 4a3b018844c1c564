package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriterLevels(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "prod").Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug must be suppressed outside dev: %s", buf.String())
	}
	NewWithWriter(&buf, "dev").Debug("shown", "material_id", "Mat1")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["msg"] != "shown" || entry["material_id"] != "Mat1" || entry["service"] != "custodyledger" {
		t.Fatalf("unexpected entry %v", entry)
	}
}
