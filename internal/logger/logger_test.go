package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	Info("task completed", KeyTaskID, "transformat_202512060001", KeyRows, 42)

	out := buf.String()
	if !strings.Contains(out, "[INFO] task completed") {
		t.Errorf("missing message in output: %q", out)
	}
	if !strings.Contains(out, "task_id=transformat_202512060001") {
		t.Errorf("missing task_id attr: %q", out)
	}
	if !strings.Contains(out, "rows=42") {
		t.Errorf("missing rows attr: %q", out)
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")

	Info("batch done", KeySucceeded, 3, KeyFailed, 1, KeySkipped, 2)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "batch done" {
		t.Errorf("unexpected msg: %v", rec["msg"])
	}
	if rec["succeeded"] != float64(3) {
		t.Errorf("unexpected succeeded: %v", rec["succeeded"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")

	Debug("noise")
	Info("also noise")
	Warn("stale task detected", KeyTaskID, "transformat_202512060002")

	out := buf.String()
	if strings.Contains(out, "noise") {
		t.Errorf("below-threshold records leaked: %q", out)
	}
	if !strings.Contains(out, "stale task detected") {
		t.Errorf("warn record missing: %q", out)
	}

	// restore default so other tests are unaffected
	SetLevel("INFO")
}

func TestInvalidLevelIgnored(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	SetLevel("NOISY")
	Info("still logging")

	if !strings.Contains(buf.String(), "still logging") {
		t.Errorf("invalid level should leave configuration untouched")
	}
}

func TestWithBindsAttrs(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	l := With(KeyTaskID, "transformat_202512060003")
	l.Info("processing file", KeyFileName, "customer.txt")

	out := buf.String()
	if !strings.Contains(out, "task_id=transformat_202512060003") {
		t.Errorf("bound attr missing: %q", out)
	}
	if !strings.Contains(out, "file_name=customer.txt") {
		t.Errorf("call attr missing: %q", out)
	}
}
