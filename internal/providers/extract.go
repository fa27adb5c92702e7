package providers

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// ExtractToolCall attempts the legacy text-fallback tool-call path: some
// models emit a JSON object describing a tool invocation inside free text or
// a thinking field instead of a native tool_calls block. We slice the widest
// {...} span, parse it, and accept it when it carries a tool-name key.
//
// The same extraction rules apply to the primary loop and delegate runs.
func ExtractToolCall(texts ...string) (ToolCall, bool) {
	for _, text := range texts {
		if tc, ok := extractFromText(text); ok {
			return tc, true
		}
	}
	return ToolCall{}, false
}

// nameKeys are accepted, in order, as the tool-name carrier.
var nameKeys = []string{"action", "tool", "name"}

func extractFromText(text string) (ToolCall, bool) {
	raw, ok := widestJSONObject(text)
	if !ok {
		return ToolCall{}, false
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return ToolCall{}, false
	}

	var name string
	for _, key := range nameKeys {
		if v, ok := parsed[key].(string); ok && v != "" {
			name = v
			delete(parsed, key)
			break
		}
	}
	if name == "" {
		return ToolCall{}, false
	}

	// Remaining keys become the arguments. A nested "arguments"/"args"
	// mapping is flattened into the argument set.
	args := make(map[string]interface{})
	for k, v := range parsed {
		if k == "arguments" || k == "args" {
			if nested, ok := v.(map[string]interface{}); ok {
				for nk, nv := range nested {
					args[nk] = nv
				}
				continue
			}
		}
		args[k] = v
	}
	normalizeArgAliases(args)

	return ToolCall{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		Arguments: args,
	}, true
}

// normalizeArgAliases maps common argument aliases emitted by weaker models:
// file_path/path → filename when filename is absent.
func normalizeArgAliases(args map[string]interface{}) {
	if _, ok := args["filename"]; ok {
		return
	}
	for _, alias := range []string{"file_path", "path"} {
		if v, ok := args[alias]; ok {
			args["filename"] = v
			delete(args, alias)
			return
		}
	}
}

// widestJSONObject returns the substring spanning the first '{' through the
// last '}' of text. The slice is deliberately greedy: nested objects stay
// intact and trailing prose is excluded.
func widestJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// NormalizeArguments accepts tool-call argument payloads that arrive either
// as parsed mappings or as JSON-encoded strings and returns a mapping.
func NormalizeArguments(raw interface{}) map[string]interface{} {
	switch v := raw.(type) {
	case map[string]interface{}:
		return v
	case string:
		args := make(map[string]interface{})
		if err := json.Unmarshal([]byte(v), &args); err == nil {
			return args
		}
		return map[string]interface{}{}
	case nil:
		return map[string]interface{}{}
	default:
		return map[string]interface{}{}
	}
}
