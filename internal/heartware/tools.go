package heartware

import (
	"context"
	"strings"

	"github.com/tinyclawhq/tinyclaw/internal/tools"
)

// UpdateTool lets the model revise its own persona files. Every edit is
// backed up and audited.
type UpdateTool struct {
	Manager *Manager
}

func (t *UpdateTool) Name() string { return "heartware_update" }

func (t *UpdateTool) Description() string {
	return "Rewrite one of your persona files. The previous version is kept as a backup."
}

func (t *UpdateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"file": map[string]interface{}{
				"type":        "string",
				"description": "Persona file name, e.g. \"identity.md\".",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The full new content of the file.",
			},
		},
		"required": []string{"file", "content"},
	}
}

func (t *UpdateTool) Execute(ctx context.Context, args map[string]interface{}) string {
	file, _ := args["file"].(string)
	content, _ := args["content"].(string)
	if strings.TrimSpace(file) == "" || content == "" {
		return tools.Errorf("file and content are required")
	}
	if err := t.Manager.Update(file, content, "agent"); err != nil {
		return tools.Errorf("could not update %s: %v", file, err)
	}
	return "Updated " + file + "."
}
