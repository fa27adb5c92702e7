package providers

import "testing"

func TestExtractToolCall(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantName string
		wantOK   bool
	}{
		{
			name:     "action key",
			text:     `{"action":"web_search","query":"go generics"}`,
			wantName: "web_search",
			wantOK:   true,
		},
		{
			name:     "tool key with surrounding prose",
			text:     `Let me think... {"tool":"shell_execute","command":"ls"} that should work`,
			wantName: "shell_execute",
			wantOK:   true,
		},
		{
			name:     "name key",
			text:     `{"name":"memory_search","query":"birthday"}`,
			wantName: "memory_search",
			wantOK:   true,
		},
		{
			name:   "no tool name key",
			text:   `{"query":"orphaned"}`,
			wantOK: false,
		},
		{
			name:   "no json at all",
			text:   "just plain text, no braces here",
			wantOK: false,
		},
		{
			name:   "malformed json",
			text:   `{"action": "broken`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, ok := ExtractToolCall(tt.text)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if tc.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", tc.Name, tt.wantName)
			}
			if tc.ID == "" {
				t.Error("expected synthesized id")
			}
		})
	}
}

func TestExtractToolCall_NestedArguments(t *testing.T) {
	tc, ok := ExtractToolCall(`{"action":"read_file","arguments":{"path":"doc.md"}}`)
	if !ok {
		t.Fatal("expected extraction")
	}
	if got := tc.Arguments["filename"]; got != "doc.md" {
		t.Errorf("Arguments[filename] = %v, want doc.md (path alias)", got)
	}
}

func TestExtractToolCall_AliasesOnlyWhenFilenameAbsent(t *testing.T) {
	tc, ok := ExtractToolCall(`{"action":"read_file","filename":"keep.md","path":"ignore.md"}`)
	if !ok {
		t.Fatal("expected extraction")
	}
	if got := tc.Arguments["filename"]; got != "keep.md" {
		t.Errorf("Arguments[filename] = %v, want keep.md", got)
	}
}

func TestNormalizeArguments(t *testing.T) {
	if got := NormalizeArguments(`{"a":1}`); got["a"] == nil {
		t.Error("JSON string arguments not parsed")
	}
	m := map[string]interface{}{"b": 2}
	if got := NormalizeArguments(m); got["b"] != 2 {
		t.Error("mapping arguments not passed through")
	}
	if got := NormalizeArguments(nil); got == nil || len(got) != 0 {
		t.Error("nil arguments should yield empty mapping")
	}
	if got := NormalizeArguments("not json"); len(got) != 0 {
		t.Error("unparseable string should yield empty mapping")
	}
}
