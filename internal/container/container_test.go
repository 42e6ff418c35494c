package container

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestStripInternal(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hello world", "hello world"},
		{"hello <internal>secret plan</internal> world", "hello  world"},
		{"<internal>a</internal><internal>b</internal>", ""},
		{"no closing <internal>tag", "no closing <internal>tag"},
	}
	for _, tt := range tests {
		if got := StripInternal(tt.in); got != tt.want {
			t.Errorf("StripInternal(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReadNDJSON_ResultSessionStatus(t *testing.T) {
	lines := strings.Join([]string{
		`{"type":"result","result":"hello"}`,
		`{"type":"session-update","sessionId":"sess-1"}`,
		`{"type":"result","result":"world"}`,
		`{"type":"status","status":"success"}`,
	}, "\n")

	var outputs []Output
	result := readNDJSON(strings.NewReader(lines), "", slog.Default(), func(o Output) {
		outputs = append(outputs, o)
	}, nil)

	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d: %+v", len(outputs), outputs)
	}
	if outputs[0].Text != "hello" || outputs[0].SessionID != "" {
		t.Fatalf("unexpected first output: %+v", outputs[0])
	}
	if outputs[1].Text != "world" || outputs[1].SessionID != "sess-1" {
		t.Fatalf("unexpected second output: %+v", outputs[1])
	}
	if result.Status != "success" || result.SessionID != "sess-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestReadNDJSON_MalformedLineDiscarded(t *testing.T) {
	lines := strings.Join([]string{
		`not json at all`,
		`{"type":"result","result":"still works"}`,
		`{"type":"status","status":"success"}`,
	}, "\n")

	var outputs []Output
	result := readNDJSON(strings.NewReader(lines), "", slog.Default(), func(o Output) {
		outputs = append(outputs, o)
	}, nil)

	if len(outputs) != 1 || outputs[0].Text != "still works" {
		t.Fatalf("expected malformed line skipped, got %+v", outputs)
	}
	if result.Status != "success" {
		t.Fatalf("expected success status, got %+v", result)
	}
}

func TestReadNDJSON_EmptyAfterStripNotDelivered(t *testing.T) {
	lines := strings.Join([]string{
		`{"type":"result","result":"<internal>only internal content</internal>"}`,
		`{"type":"status","status":"success"}`,
	}, "\n")

	var outputs []Output
	readNDJSON(strings.NewReader(lines), "", slog.Default(), func(o Output) {
		outputs = append(outputs, o)
	}, nil)

	if len(outputs) != 0 {
		t.Fatalf("expected no delivered output for all-internal result, got %+v", outputs)
	}
}

func TestReadNDJSON_OnStatusFiresOnTerminalStatusLine(t *testing.T) {
	lines := strings.Join([]string{
		`{"type":"result","result":"hello"}`,
		`{"type":"status","status":"success"}`,
	}, "\n")

	var statusSeen Result
	var sawStatusBeforeReturn bool
	readNDJSON(strings.NewReader(lines), "", slog.Default(), func(Output) {}, func(res Result) {
		statusSeen = res
		sawStatusBeforeReturn = true
	})

	if !sawStatusBeforeReturn {
		t.Fatal("expected onStatus to fire while still reading the stream")
	}
	if statusSeen.Status != "success" {
		t.Fatalf("onStatus received %+v, want status=success", statusSeen)
	}
}

func TestReadNDJSON_NoTerminalStatusYieldsError(t *testing.T) {
	result := readNDJSON(strings.NewReader(`{"type":"result","result":"hi"}`), "", slog.Default(), func(Output) {}, nil)
	if result.Status != "error" {
		t.Fatalf("expected synthesized error status when stream ends without one, got %+v", result)
	}
}

func TestReadNDJSON_StructuredResultRendersAsJSON(t *testing.T) {
	lines := strings.Join([]string{
		`{"type":"result","result":{"kind":"note","body":"hi"}}`,
		`{"type":"status","status":"success"}`,
	}, "\n")

	var outputs []Output
	readNDJSON(strings.NewReader(lines), "", slog.Default(), func(o Output) {
		outputs = append(outputs, o)
	}, nil)
	if len(outputs) != 1 || !strings.Contains(outputs[0].Text, "\"kind\":\"note\"") {
		t.Fatalf("expected structured result rendered to JSON text, got %+v", outputs)
	}
}

type fakeWriteCloser struct {
	buf    bytes.Buffer
	closed bool
}

func (f *fakeWriteCloser) Write(p []byte) (int, error) {
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	return f.buf.Write(p)
}

func (f *fakeWriteCloser) Close() error {
	f.closed = true
	return nil
}

func TestProcess_SendMessage_ClosedReturnsFalse(t *testing.T) {
	fw := &fakeWriteCloser{}
	p := &Process{stdin: fw}

	if !p.SendMessage("hello") {
		t.Fatal("expected SendMessage to succeed while open")
	}
	if !strings.Contains(fw.buf.String(), "hello") {
		t.Fatalf("expected payload written, got %q", fw.buf.String())
	}

	p.CloseStdin()
	if p.SendMessage("after close") {
		t.Fatal("expected SendMessage to fail after CloseStdin")
	}
}

func TestRenderResult_StringVsStructured(t *testing.T) {
	if got := renderResult([]byte(`"plain string"`)); got != "plain string" {
		t.Fatalf("got %q", got)
	}
	if got := renderResult([]byte(`{"a":1}`)); got != `{"a":1}` {
		t.Fatalf("got %q", got)
	}
	if got := renderResult(nil); got != "" {
		t.Fatalf("expected empty for nil raw, got %q", got)
	}
}
