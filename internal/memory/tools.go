package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/tinyclawhq/tinyclaw/internal/store"
	"github.com/tinyclawhq/tinyclaw/internal/tools"
)

// StoreTool lets the model save a fact about the user.
type StoreTool struct {
	Engine *Engine
	UserID string
}

func (t *StoreTool) Name() string { return "memory_store" }

func (t *StoreTool) Description() string {
	return "Store a fact about the user for later recall. Use for stable facts, not chit-chat."
}

func (t *StoreTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember, phrased as a standalone sentence.",
			},
		},
		"required": []string{"content"},
	}
}

func (t *StoreTool) Execute(ctx context.Context, args map[string]interface{}) string {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return tools.Errorf("content is required")
	}
	id, err := t.Engine.Record(ctx, t.UserID, store.EventFactStored, content, "")
	if err != nil {
		return tools.Errorf("could not store memory: %v", err)
	}
	return "Remembered (" + id + ")."
}

// SearchTool lets the model recall stored facts.
type SearchTool struct {
	Engine *Engine
	UserID string
}

func (t *SearchTool) Name() string { return "memory_search" }

func (t *SearchTool) Description() string {
	return "Search stored memories about the user by keyword."
}

func (t *SearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Keywords to search for.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]interface{}) string {
	query, _ := args["query"].(string)
	hits, err := t.Engine.Search(ctx, t.UserID, query, 5)
	if err != nil {
		return tools.Errorf("search failed: %v", err)
	}
	if len(hits) == 0 {
		return "No matching memories."
	}
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s (relevance %.2f)", h.Event.Content, h.Relevance)
		// Recall counts as use.
		_ = t.Engine.Reinforce(ctx, h.Event.ID)
	}
	return b.String()
}
