package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/tinyclawhq/tinyclaw/internal/shellguard"
)

// shellTimeoutExitCode is reported when a command exceeds its budget,
// matching the coreutils timeout(1) convention.
const shellTimeoutExitCode = 124

// ApprovalFunc asks a human whether command may run. A nil ApprovalFunc
// (sub-agent and background contexts) means approval cannot be granted.
type ApprovalFunc func(ctx context.Context, command string) bool

// ShellTool executes shell commands under the permission engine.
type ShellTool struct {
	guard      *shellguard.Engine
	workingDir string
	timeout    time.Duration
	approve    ApprovalFunc
}

// NewShellTool creates a shell_execute tool. approve may be nil.
func NewShellTool(guard *shellguard.Engine, workingDir string, timeout time.Duration, approve ApprovalFunc) *ShellTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ShellTool{guard: guard, workingDir: workingDir, timeout: timeout, approve: approve}
}

func (t *ShellTool) Name() string { return "shell_execute" }

func (t *ShellTool) Description() string {
	return "Execute a shell command and return its output"
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) string {
	command, _ := args["command"].(string)
	if command == "" {
		return Errorf("command is required")
	}

	verdict := t.guard.Evaluate(command)
	switch verdict.Decision {
	case shellguard.DecisionDeny:
		return Errorf("command denied by security policy: %s", verdict.Reason)
	case shellguard.DecisionRequireApproval:
		if t.approve == nil {
			return Errorf("command requires approval and none can be requested here: %s", command)
		}
		if !t.approve(ctx, command) {
			return Errorf("command denied by user: %s", command)
		}
	}

	cwd := t.workingDir
	if wd, _ := args["working_dir"].(string); wd != "" {
		cwd = wd
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + stderr.String()
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Errorf("command timed out after %s (exit code %d)", t.timeout, shellTimeoutExitCode)
	}
	if err != nil {
		if output == "" {
			output = err.Error()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			output = fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), output)
		}
		return Errorf("%s", output)
	}

	if output == "" {
		output = "(command completed with no output)"
	}
	return output
}
