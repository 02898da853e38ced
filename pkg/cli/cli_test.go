package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nevil-robotics/nevil-core/pkg/launch"
	"github.com/nevil-robotics/nevil-core/pkg/node"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		ms   int
		want string
	}{
		{500, "500ms"},
		{1500, "1.5s"},
		{90000, "1m30.0s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.ms); got != tt.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestPrinterJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := (Printer{Format: FormatJSON, Out: &buf}).Print(map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	var m map[string]int
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m["n"] != 1 {
		t.Fatalf("decoded = %v", m)
	}
}

func TestPrinterYAMLDefault(t *testing.T) {
	var buf bytes.Buffer
	if err := (Printer{Out: &buf}).Print(map[string]string{"state": "connected"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "state: connected") {
		t.Fatalf("yaml output = %q", buf.String())
	}
}

func TestPrinterRawPassThrough(t *testing.T) {
	var buf bytes.Buffer
	if err := (Printer{Format: FormatRaw, Out: &buf}).Print("plain text\n"); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "plain text\n" {
		t.Fatalf("raw output = %q", buf.String())
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatYAML {
		t.Fatalf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatal("ParseFormat accepted xml")
	}
}

func TestRenderStatusContainsNodeRows(t *testing.T) {
	snap := launch.Snapshot{
		UptimeSeconds: 42,
		Nodes: []node.Info{
			{Name: "ai_cognition", Status: "running", UptimeSeconds: 40},
			{Name: "speech_synthesis", Status: "error", ErrorCount: 3, UptimeSeconds: 40},
		},
	}
	snap.Mutex.MicrophoneAvailable = true
	snap.Realtime.State = "connected"

	out := RenderStatus(snap, NewStyles(DefaultTheme))
	for _, want := range []string{"ai_cognition", "speech_synthesis", "running", "error", "available", "connected"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q", want)
		}
	}
}
