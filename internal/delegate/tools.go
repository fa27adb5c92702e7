package delegate

import (
	"context"
	"fmt"
	"strings"

	"github.com/tinyclawhq/tinyclaw/internal/store"
	"github.com/tinyclawhq/tinyclaw/internal/tools"
)

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

// TaskTool delegates work to a sub-agent in the background. A matching role
// template seeds the agent; otherwise one is created from the given role.
type TaskTool struct {
	Lifecycle  *Lifecycle
	Templates  *Templates
	Background *Background
	UserID     string
}

func (t *TaskTool) Name() string { return "delegate_task" }

func (t *TaskTool) Description() string {
	return "Delegate a task to a specialized sub-agent that works in the background. " +
		"The result is announced when ready; do not wait for it."
}

func (t *TaskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "What the sub-agent should do, self-contained.",
			},
			"role": map[string]interface{}{
				"type":        "string",
				"description": "Short role name for the sub-agent, e.g. \"research assistant\".",
			},
		},
		"required": []string{"task", "role"},
	}
}

func (t *TaskTool) Execute(ctx context.Context, args map[string]interface{}) string {
	task := stringArg(args, "task")
	role := stringArg(args, "role")
	if task == "" || role == "" {
		return tools.Errorf("task and role are required")
	}

	params := CreateParams{
		UserID:       t.UserID,
		Role:         role,
		SystemPrompt: "You are a " + role + ". Complete the assigned task and report the outcome concisely.",
	}
	if tpl, err := t.Templates.FindBestMatch(ctx, t.UserID, task); err == nil && tpl != nil {
		params.Role = tpl.Name
		params.SystemPrompt = tpl.RoleDescription
		params.ToolsGranted = tpl.DefaultTools
		params.TierPreference = tpl.DefaultTier
		params.TemplateID = tpl.ID
	}

	rec, err := t.Lifecycle.Create(ctx, params)
	if err != nil {
		return tools.Errorf("could not create sub-agent: %v", err)
	}

	taskID, err := t.Background.Start(ctx, StartParams{
		UserID:       t.UserID,
		AgentID:      rec.ID,
		Description:  task,
		AutoTemplate: params.TemplateID == "",
	})
	if err != nil {
		return tools.Errorf("could not start task: %v", err)
	}
	return fmt.Sprintf("Delegated to %s (task %s). The result will be announced when ready.", rec.Role, taskID)
}

// StatusTool reports the state of a background task.
type StatusTool struct {
	Store  *store.Store
	UserID string
}

func (t *StatusTool) Name() string { return "delegate_status" }

func (t *StatusTool) Description() string {
	return "Check the status of a delegated background task by id."
}

func (t *StatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_id": map[string]interface{}{"type": "string"},
		},
		"required": []string{"task_id"},
	}
}

func (t *StatusTool) Execute(ctx context.Context, args map[string]interface{}) string {
	taskID := stringArg(args, "task_id")
	task, err := t.Store.GetTask(ctx, taskID)
	if err != nil {
		return tools.Errorf("task %s not found", taskID)
	}
	if task.UserID != t.UserID {
		return tools.Errorf("task %s not found", taskID)
	}
	if task.Status == store.TaskStatusRunning {
		return fmt.Sprintf("Task %s is still running.", taskID)
	}
	return fmt.Sprintf("Task %s is %s: %s", taskID, task.Status, task.Result)
}

// CancelTool aborts a running background task.
type CancelTool struct {
	Store      *store.Store
	Background *Background
	UserID     string
}

func (t *CancelTool) Name() string { return "delegate_cancel" }

func (t *CancelTool) Description() string {
	return "Cancel a running delegated background task by id."
}

func (t *CancelTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_id": map[string]interface{}{"type": "string"},
		},
		"required": []string{"task_id"},
	}
}

func (t *CancelTool) Execute(ctx context.Context, args map[string]interface{}) string {
	taskID := stringArg(args, "task_id")
	task, err := t.Store.GetTask(ctx, taskID)
	if err != nil || task.UserID != t.UserID {
		return tools.Errorf("task %s not found", taskID)
	}
	if err := t.Background.Cancel(taskID); err != nil {
		return tools.Errorf("could not cancel: %v", err)
	}
	return fmt.Sprintf("Task %s cancelled.", taskID)
}

// ListAgentsTool lists the user's sub-agents.
type ListAgentsTool struct {
	Lifecycle *Lifecycle
	UserID    string
}

func (t *ListAgentsTool) Name() string { return "delegate_list_agents" }

func (t *ListAgentsTool) Description() string {
	return "List your sub-agents with their status and track record."
}

func (t *ListAgentsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *ListAgentsTool) Execute(ctx context.Context, args map[string]interface{}) string {
	agents, err := t.Lifecycle.List(ctx, t.UserID, "")
	if err != nil {
		return tools.Errorf("could not list agents: %v", err)
	}
	if len(agents) == 0 {
		return "No sub-agents yet."
	}
	var b strings.Builder
	for i, a := range agents {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s (%s, %s): %d/%d tasks succeeded",
			a.Role, a.ID, a.Status, a.SuccessfulTasks, a.TotalTasks)
	}
	return b.String()
}

// ListTemplatesTool lists the user's role templates, most used first.
type ListTemplatesTool struct {
	Templates *Templates
	UserID    string
}

func (t *ListTemplatesTool) Name() string { return "delegate_list_templates" }

func (t *ListTemplatesTool) Description() string {
	return "List your saved sub-agent role templates."
}

func (t *ListTemplatesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *ListTemplatesTool) Execute(ctx context.Context, args map[string]interface{}) string {
	tpls, err := t.Templates.List(ctx, t.UserID)
	if err != nil {
		return tools.Errorf("could not list templates: %v", err)
	}
	if len(tpls) == 0 {
		return "No role templates yet."
	}
	sortTemplatesByUse(tpls)
	var b strings.Builder
	for i, tpl := range tpls {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s (used %d times, avg performance %.2f)",
			tpl.Name, tpl.TimesUsed, tpl.AvgPerformance)
	}
	return b.String()
}
