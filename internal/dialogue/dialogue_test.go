package dialogue

import "testing"

func TestReplyFromTracesConcatenatesTextInOrder(t *testing.T) {
	traces := []Trace{
		{Type: "text", Payload: TracePayload{Message: "Hello"}},
		{Type: "visual"},
		{Type: "text", Payload: TracePayload{Message: "world"}},
	}
	if got := ReplyFromTraces(traces); got != "Hello world" {
		t.Fatalf("ReplyFromTraces() = %q, want %q", got, "Hello world")
	}
}

func TestReplyFromTracesIgnoresNonText(t *testing.T) {
	traces := []Trace{
		{Type: "visual"},
		{Type: "choice"},
		{Type: "path"},
	}
	if got := ReplyFromTraces(traces); got != "" {
		t.Fatalf("ReplyFromTraces() = %q, want empty", got)
	}
}

func TestReplyFromTracesTrims(t *testing.T) {
	traces := []Trace{
		{Type: "text", Payload: TracePayload{Message: "  We open at nine  "}},
	}
	if got := ReplyFromTraces(traces); got != "We open at nine" {
		t.Fatalf("ReplyFromTraces() = %q", got)
	}
}

func TestReplyFromTracesEmptyInput(t *testing.T) {
	if got := ReplyFromTraces(nil); got != "" {
		t.Fatalf("ReplyFromTraces(nil) = %q, want empty", got)
	}
}
