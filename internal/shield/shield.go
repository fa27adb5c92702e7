// Package shield evaluates a declarative threat feed against policy events:
// tool calls, skill installs, network egress and inbound prompts. The feed is
// a markdown document carrying fenced YAML threat entries whose
// recommendation_agent field holds BLOCK/APPROVE/LOG directives.
package shield

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
)

// Event scopes.
const (
	ScopeToolCall      = "tool.call"
	ScopeSkillInstall  = "skill.install"
	ScopeNetworkEgress = "network.egress"
	ScopePromptIn      = "prompt.in"
)

// Event is one occurrence submitted for evaluation. Only the fields relevant
// to the scope are consulted.
type Event struct {
	Scope     string
	ToolName  string
	ToolArgs  map[string]interface{}
	SkillName string
	Domain    string
	Text      string
}

// Decision is the collapsed verdict for one event.
type Decision struct {
	Action    string
	ThreatID  string // empty when no threat matched
	Scope     string
	MatchedOn string
	Reason    string
}

// Engine matches events against the loaded feed. Safe for concurrent reads;
// Load replaces the entry set wholesale.
type Engine struct {
	mu      sync.RWMutex
	entries []ThreatEntry
	clk     clock.Clock
}

// NewEngine creates an Engine with an empty (inactive) feed.
func NewEngine(clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{clk: clk}
}

// Load replaces the active feed.
func (e *Engine) Load(entries []ThreatEntry) {
	e.mu.Lock()
	e.entries = entries
	e.mu.Unlock()
}

// LoadFeed parses a markdown feed document and loads it.
func (e *Engine) LoadFeed(doc string) error {
	entries, err := ParseFeed(doc)
	if err != nil {
		return err
	}
	e.Load(entries)
	return nil
}

// directive is one parsed BLOCK/APPROVE/LOG clause.
type directive struct {
	action    string
	condition string
}

var directiveRe = regexp.MustCompile(`\b(BLOCK|APPROVE|LOG):`)

func parseDirectives(s string) []directive {
	locs := directiveRe.FindAllStringSubmatchIndex(s, -1)
	var out []directive
	for i, loc := range locs {
		end := len(s)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		action := ActionLog
		switch s[loc[2]:loc[3]] {
		case "BLOCK":
			action = ActionBlock
		case "APPROVE":
			action = ActionRequireApproval
		}
		out = append(out, directive{
			action:    action,
			condition: strings.TrimSpace(strings.Trim(strings.TrimSpace(s[loc[1]:end]), ";,")),
		})
	}
	return out
}

// categoryScopes maps a threat category to the event scopes it can gate.
var categoryScopes = map[string][]string{
	CategoryTool:          {ScopeToolCall},
	CategoryPrompt:        {ScopePromptIn},
	CategorySkill:         {ScopeSkillInstall},
	CategorySupplyChain:   {ScopeNetworkEgress, ScopeSkillInstall},
	CategoryVulnerability: {ScopeToolCall, ScopeSkillInstall},
}

func scopeCompatible(category, scope string) bool {
	for _, s := range categoryScopes[category] {
		if s == scope {
			return true
		}
	}
	return false
}

type match struct {
	entry     *ThreatEntry
	action    string
	matchedOn string
}

var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

var actionRank = map[string]int{
	ActionLog:             1,
	ActionRequireApproval: 2,
	ActionBlock:           3,
}

// Evaluate collapses all matching directives into a single decision.
// subAgent marks evaluation inside a delegated run, where require_approval
// hardens to block because there is no human to ask.
func (e *Engine) Evaluate(ev Event, subAgent bool) Decision {
	haystack := eventHaystack(ev)
	nowMs := e.clk.NowMs()

	e.mu.RLock()
	defer e.mu.RUnlock()

	var best *match
	for i := range e.entries {
		entry := &e.entries[i]
		if !entry.Active(nowMs) || !scopeCompatible(entry.Category, ev.Scope) {
			continue
		}
		for _, d := range parseDirectives(entry.RecommendationAgent) {
			matchedOn, ok := conditionMatches(d.condition, haystack)
			if !ok {
				continue
			}
			m := &match{entry: entry, action: d.action, matchedOn: matchedOn}
			if better(m, best) {
				best = m
			}
		}
	}

	if best == nil {
		return Decision{Action: ActionLog, Scope: ev.Scope, Reason: "no matching threat"}
	}

	action := best.action
	reason := best.entry.Title
	if reason == "" {
		reason = best.entry.ID
	}

	// Low-confidence blocks become approvals, except at critical severity.
	if action == ActionBlock && best.entry.Confidence < 0.85 && best.entry.Severity != SeverityCritical {
		action = ActionRequireApproval
		reason += " (confidence below block threshold)"
	}
	if subAgent && action == ActionRequireApproval {
		action = ActionBlock
		reason += " (approval unavailable in sub-agent context)"
	}

	return Decision{
		Action:    action,
		ThreatID:  best.entry.ID,
		Scope:     ev.Scope,
		MatchedOn: best.matchedOn,
		Reason:    reason,
	}
}

func better(a, b *match) bool {
	if b == nil {
		return true
	}
	if actionRank[a.action] != actionRank[b.action] {
		return actionRank[a.action] > actionRank[b.action]
	}
	if severityRank[a.entry.Severity] != severityRank[b.entry.Severity] {
		return severityRank[a.entry.Severity] > severityRank[b.entry.Severity]
	}
	return a.entry.Confidence > b.entry.Confidence
}

// eventHaystack flattens the scope-relevant event fields into one lowercase
// string for substring matching.
func eventHaystack(ev Event) string {
	var parts []string
	switch ev.Scope {
	case ScopeToolCall:
		parts = append(parts, ev.ToolName)
		if len(ev.ToolArgs) > 0 {
			if raw, err := json.Marshal(ev.ToolArgs); err == nil {
				parts = append(parts, string(raw))
			}
		}
	case ScopeSkillInstall:
		parts = append(parts, ev.SkillName)
	case ScopeNetworkEgress:
		parts = append(parts, ev.Domain)
	case ScopePromptIn:
		parts = append(parts, ev.Text)
	}
	return strings.ToLower(strings.Join(parts, " "))
}

var parenListRe = regexp.MustCompile(`\(([^)]+)\)`)

// conditionStopwords are the scope hints and connective words a condition
// carries around its match phrases.
var conditionStopwords = map[string]bool{
	"tool.call": true, "skill.install": true, "network.egress": true, "prompt.in": true,
	"tool": true, "skill": true, "call": true, "calls": true, "install": true,
	"with": true, "and": true, "or": true, "the": true, "a": true, "an": true,
	"to": true, "of": true, "in": true, "for": true, "any": true,
	"arguments": true, "argument": true, "containing": true, "contains": true,
	"name": true, "named": true, "syntax": true, "request": true, "requests": true,
	"outbound": true, "egress": true, "prompt": true, "text": true, "matching": true,
}

// conditionMatches tests a directive condition against the event haystack.
// A parenthesized keyword list matches when any listed keyword appears;
// otherwise any significant condition word must appear as a substring.
func conditionMatches(condition, haystack string) (string, bool) {
	if groups := parenListRe.FindAllStringSubmatch(condition, -1); len(groups) > 0 {
		for _, g := range groups {
			for _, kw := range strings.Split(g[1], ",") {
				kw = strings.ToLower(strings.TrimSpace(kw))
				if kw != "" && strings.Contains(haystack, kw) {
					return kw, true
				}
			}
		}
		return "", false
	}

	significant := false
	for _, word := range strings.Fields(strings.ToLower(condition)) {
		word = strings.Trim(word, `"'.,;`)
		if word == "" || conditionStopwords[word] {
			continue
		}
		significant = true
		if strings.Contains(haystack, word) {
			return word, true
		}
	}
	// A condition made only of scope hints gates the whole scope.
	if !significant {
		return condition, true
	}
	return "", false
}
