// Package shellguard gates shell execution: a fixed deny set always wins,
// read-only builtins pass, version-control and package-manager subcommands
// get per-subcommand treatment, then user allow patterns and the approval
// store are consulted. Anything left over requires approval.
package shellguard

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
)

// Decision values.
const (
	DecisionAllow           = "allow"
	DecisionRequireApproval = "require_approval"
	DecisionDeny            = "deny"
)

// Verdict is the evaluation result for one command.
type Verdict struct {
	Decision    string
	MatchedRule string
	Reason      string
}

// Approval records an explicitly approved command string.
type Approval struct {
	Command    string `json:"command"`
	Persistent bool   `json:"persistent"`
	ApprovedAt int64  `json:"approved_at"`
}

type denyRule struct {
	name string
	re   *regexp.Regexp
}

// Deny rules win over every allow path, approvals included.
var denyRules = []denyRule{
	{"sudo", regexp.MustCompile(`\bsudo\b`)},
	{"su", regexp.MustCompile(`\bsu\s`)},
	{"rm-rf-root", regexp.MustCompile(`\brm\s+-[a-z]*r[a-z]*f[a-z]*\s+/`)},
	{"mkfs", regexp.MustCompile(`\bmkfs\b`)},
	{"dd-to-device", regexp.MustCompile(`\bdd\s+if=\S+\s+of=/dev/`)},
	{"chmod-777-root", regexp.MustCompile(`\bchmod\s+777\s+/`)},
	{"chown-root", regexp.MustCompile(`\bchown\s+root\b`)},
	{"eval", regexp.MustCompile(`\beval\b`)},
	{"exec", regexp.MustCompile(`\bexec\b`)},
	{"source", regexp.MustCompile(`\bsource\b`)},
	{"pipe-to-shell", regexp.MustCompile(`\|\s*(sh|bash|zsh)\b`)},
	{"shutdown", regexp.MustCompile(`\bshutdown\b`)},
	{"reboot", regexp.MustCompile(`\breboot\b`)},
	{"systemctl", regexp.MustCompile(`\bsystemctl\b`)},
	{"export-env", regexp.MustCompile(`\bexport\s+\w+=`)},
	{"ssh", regexp.MustCompile(`\bssh\b`)},
	{"cat-dotenv", regexp.MustCompile(`\bcat\b.*\.env\b`)},
	{"nc-listen", regexp.MustCompile(`\bnc\s+(-\S+\s+)*-\S*l`)},
	{"ncat-listen", regexp.MustCompile(`\bncat\s+(-\S+\s+)*-\S*l`)},
}

// builtinAllow are read-only core utilities, matched on the command head.
var builtinAllow = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"find": true, "tree": true, "du": true, "df": true, "grep": true,
	"sort": true, "uniq": true, "diff": true, "echo": true, "pwd": true,
	"whoami": true, "hostname": true, "uname": true, "date": true,
	"uptime": true, "which": true, "ping": true, "curl": true, "dig": true,
	"ps": true,
}

var gitReadSubs = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "branch": true,
	"tag": true, "remote": true, "blame": true, "stash": true, "ls-files": true,
}

var gitWriteSubs = map[string]bool{
	"push": true, "pull": true, "commit": true, "add": true, "reset": true,
	"checkout": true, "merge": true, "rebase": true,
}

var pkgManagerSafeSubs = map[string]bool{
	"ls": true, "list": true, "outdated": true, "audit": true, "pm": true,
}

// Engine evaluates commands and maintains the approval store and user allow
// patterns. Safe for concurrent use. Persistence of persistent approvals and
// patterns is delegated to the optional saver callback.
type Engine struct {
	mu        sync.Mutex
	patterns  []string
	approvals map[string]Approval
	clk       clock.Clock
	saver     func(State)
}

// State is the durable portion of the engine, handed to the saver on every
// mutation and accepted back at construction.
type State struct {
	Patterns  []string   `json:"patterns"`
	Approvals []Approval `json:"approvals"`
}

// NewEngine creates an Engine seeded from state. saver may be nil.
func NewEngine(clk clock.Clock, state State, saver func(State)) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	e := &Engine{
		patterns:  append([]string(nil), state.Patterns...),
		approvals: make(map[string]Approval),
		clk:       clk,
		saver:     saver,
	}
	for _, a := range state.Approvals {
		if a.Persistent {
			e.approvals[a.Command] = a
		}
	}
	return e
}

// Evaluate decides whether command may run. The stages are ordered; the
// first stage that produces a verdict wins.
func (e *Engine) Evaluate(command string) Verdict {
	command = strings.TrimSpace(command)
	if command == "" {
		return Verdict{Decision: DecisionDeny, Reason: "empty command"}
	}

	for _, rule := range denyRules {
		if rule.re.MatchString(command) {
			return Verdict{
				Decision:    DecisionDeny,
				MatchedRule: "deny:" + rule.name,
				Reason:      fmt.Sprintf("command matches dangerous pattern %q", rule.name),
			}
		}
	}

	fields := strings.Fields(command)
	head := fields[0]

	if builtinAllow[head] {
		return Verdict{Decision: DecisionAllow, MatchedRule: "builtin:" + head}
	}

	if v, ok := e.subcommandVerdict(head, fields); ok {
		return v
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, pattern := range e.patterns {
		if globMatch(pattern, command) {
			return Verdict{Decision: DecisionAllow, MatchedRule: "pattern:" + pattern}
		}
	}

	if a, ok := e.approvals[command]; ok {
		kind := "session"
		if a.Persistent {
			kind = "persistent"
		}
		return Verdict{Decision: DecisionAllow, MatchedRule: "approval:" + kind}
	}

	return Verdict{
		Decision: DecisionRequireApproval,
		Reason:   fmt.Sprintf("%q is not in the allowlist", head),
	}
}

func (e *Engine) subcommandVerdict(head string, fields []string) (Verdict, bool) {
	switch head {
	case "git":
		if len(fields) < 2 {
			return Verdict{}, false
		}
		sub := fields[1]
		if gitReadSubs[sub] {
			return Verdict{Decision: DecisionAllow, MatchedRule: "subcommand:git:" + sub}, true
		}
		if gitWriteSubs[sub] {
			return Verdict{
				Decision:    DecisionRequireApproval,
				MatchedRule: "subcommand:git:" + sub,
				Reason:      fmt.Sprintf("git %s mutates repository state", sub),
			}, true
		}
		return Verdict{}, false
	case "npm", "bun", "node":
		if len(fields) >= 2 {
			sub := fields[1]
			if sub == "--version" || pkgManagerSafeSubs[sub] {
				return Verdict{Decision: DecisionAllow, MatchedRule: "subcommand:" + head + ":" + sub}, true
			}
		}
		return Verdict{
			Decision:    DecisionRequireApproval,
			MatchedRule: "subcommand:" + head,
			Reason:      fmt.Sprintf("%s may execute or install code", head),
		}, true
	}
	return Verdict{}, false
}

// Approve records command as allowed. Commands matching the deny set are
// never approvable.
func (e *Engine) Approve(command string, persistent bool) error {
	command = strings.TrimSpace(command)
	for _, rule := range denyRules {
		if rule.re.MatchString(command) {
			return fmt.Errorf("shellguard: %q matches deny rule %q and cannot be approved", command, rule.name)
		}
	}

	e.mu.Lock()
	e.approvals[command] = Approval{Command: command, Persistent: persistent, ApprovedAt: e.clk.NowMs()}
	e.mu.Unlock()
	e.persist()
	return nil
}

// Revoke removes one approval.
func (e *Engine) Revoke(command string) {
	e.mu.Lock()
	delete(e.approvals, strings.TrimSpace(command))
	e.mu.Unlock()
	e.persist()
}

// ClearSessionApprovals drops all non-persistent approvals.
func (e *Engine) ClearSessionApprovals() {
	e.mu.Lock()
	for cmd, a := range e.approvals {
		if !a.Persistent {
			delete(e.approvals, cmd)
		}
	}
	e.mu.Unlock()
}

// AddAllowPattern installs a user glob pattern ('*' wildcards).
func (e *Engine) AddAllowPattern(pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return fmt.Errorf("shellguard: pattern %q is too broad", pattern)
	}
	e.mu.Lock()
	for _, p := range e.patterns {
		if p == pattern {
			e.mu.Unlock()
			return nil
		}
	}
	e.patterns = append(e.patterns, pattern)
	e.mu.Unlock()
	e.persist()
	return nil
}

// RemoveAllowPattern removes a pattern. Unknown patterns are a no-op.
func (e *Engine) RemoveAllowPattern(pattern string) {
	e.mu.Lock()
	kept := e.patterns[:0]
	for _, p := range e.patterns {
		if p != pattern {
			kept = append(kept, p)
		}
	}
	e.patterns = kept
	e.mu.Unlock()
	e.persist()
}

// ListAllowPatterns returns a copy of the installed patterns.
func (e *Engine) ListAllowPatterns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.patterns...)
}

// ListApprovals returns a copy of the approval store.
func (e *Engine) ListApprovals() []Approval {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Approval, 0, len(e.approvals))
	for _, a := range e.approvals {
		out = append(out, a)
	}
	return out
}

func (e *Engine) persist() {
	if e.saver == nil {
		return
	}
	e.mu.Lock()
	state := State{Patterns: append([]string(nil), e.patterns...)}
	for _, a := range e.approvals {
		if a.Persistent {
			state.Approvals = append(state.Approvals, a)
		}
	}
	e.mu.Unlock()
	e.saver(state)
}

// globMatch matches command against pattern where '*' spans any text.
func globMatch(pattern, command string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == command
	}
	if !strings.HasPrefix(command, parts[0]) {
		return false
	}
	command = command[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(command, part)
		if idx < 0 {
			return false
		}
		command = command[idx+len(part):]
	}
	return strings.HasSuffix(command, parts[len(parts)-1])
}
