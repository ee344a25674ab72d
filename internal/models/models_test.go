package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestContentUnmarshalStringOrParts(t *testing.T) {
	var msg ChatMessage
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg); err != nil {
		t.Fatalf("unmarshal text: %v", err)
	}
	if msg.Content.IsMulti() || msg.Content.String() != "hello" {
		t.Fatalf("unexpected text content: %+v", msg.Content)
	}

	raw := `{"role":"user","content":[{"type":"text","text":"look"},{"type":"image","image":{"encoding":"url","url":"https://x/y.png"}}]}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal parts: %v", err)
	}
	if !msg.Content.IsMulti() {
		t.Fatalf("expected multi-part content")
	}
	if got := msg.Content.String(); got != "look" {
		t.Fatalf("expected text %q, got %q", "look", got)
	}
	images := msg.Content.Images()
	if len(images) != 1 || images[0].URL != "https://x/y.png" {
		t.Fatalf("unexpected images: %+v", images)
	}
}

func TestContentMarshalKeepsShape(t *testing.T) {
	data, err := json.Marshal(Text("hi"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"hi"` {
		t.Fatalf("expected string form, got %s", data)
	}

	data, err = json.Marshal(Parts(TextPart("a")))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `[{"type":"text","text":"a"}]` {
		t.Fatalf("expected array form, got %s", data)
	}
}

func TestContentAppend(t *testing.T) {
	merged := Text("one").Append(Text("two"), "\n\n")
	if merged.IsMulti() || merged.String() != "one\n\ntwo" {
		t.Fatalf("unexpected text merge: %q", merged.String())
	}

	merged = Text("one").Append(Parts(Base64ImagePart("image/png", "AAAA")), "\n")
	if !merged.IsMulti() || len(merged.Parts()) != 2 {
		t.Fatalf("expected promotion to parts, got %+v", merged)
	}
}

func TestFinishReasonNullIsDistinctFromAbsent(t *testing.T) {
	data, err := json.Marshal(StreamChunk{ID: "c1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"finish_reason":null`) {
		t.Fatalf("expected explicit null finish_reason, got %s", data)
	}

	data, err = json.Marshal(StreamChunk{ID: "c2", FinishReason: Reason(FinishStop)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"finish_reason":"stop"`) {
		t.Fatalf("expected stop finish_reason, got %s", data)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     ChatRequest
		wantErr bool
	}{
		{
			name: "valid",
			req:  ChatRequest{Model: "m", Messages: []ChatMessage{{Role: RoleUser, Content: Text("hi")}}},
		},
		{
			name:    "missing model",
			req:     ChatRequest{Messages: []ChatMessage{{Role: RoleUser, Content: Text("hi")}}},
			wantErr: true,
		},
		{
			name:    "unknown role",
			req:     ChatRequest{Model: "m", Messages: []ChatMessage{{Role: "robot", Content: Text("hi")}}},
			wantErr: true,
		},
		{
			name:    "tool without id",
			req:     ChatRequest{Model: "m", Messages: []ChatMessage{{Role: RoleTool, Content: Text("{}")}}},
			wantErr: true,
		},
		{
			name: "image without data",
			req: ChatRequest{Model: "m", Messages: []ChatMessage{{Role: RoleUser, Content: Parts(ContentPart{
				Type: PartImage, Image: &ImageSource{Encoding: ImageBase64},
			})}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestToolCallAccumulatorConcatenatesByIndex(t *testing.T) {
	var acc ToolCallAccumulator
	acc.Add(ToolCallDelta{Index: 0, ID: "call_1", FunctionName: "lookup"})
	acc.Add(ToolCallDelta{Index: 0, Arguments: `{"a":`})
	acc.Add(ToolCallDelta{Index: 1, ID: "call_2", FunctionName: "noop"})
	acc.Add(ToolCallDelta{Index: 0, Arguments: `1}`})

	calls := acc.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Arguments != `{"a":1}` {
		t.Fatalf("unexpected arguments: %s", calls[0].Arguments)
	}
	var parsed map[string]int
	if err := json.Unmarshal([]byte(calls[0].Arguments), &parsed); err != nil || parsed["a"] != 1 {
		t.Fatalf("arguments should parse after accumulation: %v %v", parsed, err)
	}
	if calls[1].Arguments != "{}" {
		t.Fatalf("empty arguments should normalise to {}, got %q", calls[1].Arguments)
	}
}

func TestPricingCost(t *testing.T) {
	cached := 500_000
	p := Pricing{InputPerMillion: 3, OutputPerMillion: 15, CachedInputPerMillion: 0.3}
	got := p.Cost(Usage{PromptTokens: 1_000_000, CompletionTokens: 100_000, CachedTokens: &cached})
	want := 1.5 + 0.15 + 1.5
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected cost %v, got %v", want, got)
	}
}

func TestErrorCodeRetryable(t *testing.T) {
	retryable := map[ErrorCode]bool{
		ErrRateLimit:     true,
		ErrServer:        true,
		ErrNetwork:       true,
		ErrInvalidAPIKey: false,
		ErrTimeout:       false,
		ErrQuotaExceeded: false,
	}
	for code, want := range retryable {
		if got := NewProviderError("p", code, 0, "x").Retryable; got != want {
			t.Fatalf("%s retryable = %v, want %v", code, got, want)
		}
	}
}
