package shield

import (
	"testing"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
)

func sqlThreat(confidence float64, severity string) ThreatEntry {
	return ThreatEntry{
		ID:                  "THREAT-001",
		Fingerprint:         "sql-in-args",
		Category:            CategoryTool,
		Severity:            severity,
		Confidence:          confidence,
		Action:              ActionBlock,
		Title:               "SQL statements in tool arguments",
		RecommendationAgent: "BLOCK: tool.call with arguments containing SQL syntax (DROP, DELETE)",
	}
}

func sqlEvent() Event {
	return Event{
		Scope:    ScopeToolCall,
		ToolName: "db_query",
		ToolArgs: map[string]interface{}{"query": "DROP TABLE users;"},
	}
}

func newEngine(entries ...ThreatEntry) *Engine {
	e := NewEngine(&clock.Fake{Ms: 1_000_000})
	e.Load(entries)
	return e
}

func TestEvaluateBlocksHighConfidence(t *testing.T) {
	e := newEngine(sqlThreat(0.90, SeverityHigh))

	d := e.Evaluate(sqlEvent(), false)
	if d.Action != ActionBlock {
		t.Errorf("action = %s, want block", d.Action)
	}
	if d.ThreatID != "THREAT-001" {
		t.Errorf("threatID = %q, want THREAT-001", d.ThreatID)
	}
	if d.MatchedOn != "drop" {
		t.Errorf("matchedOn = %q, want drop", d.MatchedOn)
	}
}

func TestEvaluateConfidenceDowngrade(t *testing.T) {
	e := newEngine(sqlThreat(0.70, SeverityHigh))
	if d := e.Evaluate(sqlEvent(), false); d.Action != ActionRequireApproval {
		t.Errorf("action = %s, want require_approval (low-confidence block)", d.Action)
	}

	// Critical blocks are never downgraded.
	e = newEngine(sqlThreat(0.70, SeverityCritical))
	if d := e.Evaluate(sqlEvent(), false); d.Action != ActionBlock {
		t.Errorf("action = %s, want block (critical)", d.Action)
	}
}

func TestEvaluateSubAgentHardening(t *testing.T) {
	e := newEngine(sqlThreat(0.70, SeverityHigh))
	if d := e.Evaluate(sqlEvent(), true); d.Action != ActionBlock {
		t.Errorf("action = %s, want block (sub-agents cannot prompt for approval)", d.Action)
	}
}

func TestEvaluateNoMatchAndEmptyFeed(t *testing.T) {
	e := newEngine()
	d := e.Evaluate(sqlEvent(), false)
	if d.Action != ActionLog || d.ThreatID != "" {
		t.Errorf("empty feed: got %+v, want log with no threat id", d)
	}

	e = newEngine(sqlThreat(0.90, SeverityHigh))
	safe := Event{Scope: ScopeToolCall, ToolName: "read_file", ToolArgs: map[string]interface{}{"filename": "notes.txt"}}
	if d := e.Evaluate(safe, false); d.Action != ActionLog {
		t.Errorf("non-matching event: action = %s, want log", d.Action)
	}
}

func TestEvaluateRevokedAndExpired(t *testing.T) {
	revoked := sqlThreat(0.90, SeverityHigh)
	revoked.Revoked = true
	if d := newEngine(revoked).Evaluate(sqlEvent(), false); d.Action != ActionLog {
		t.Errorf("revoked entry still served: %+v", d)
	}

	expired := sqlThreat(0.90, SeverityHigh)
	expired.expiresAtMs = 999_999 // before the fake clock
	if d := newEngine(expired).Evaluate(sqlEvent(), false); d.Action != ActionLog {
		t.Errorf("expired entry still served: %+v", d)
	}
}

func TestEvaluateScopeCompatibility(t *testing.T) {
	egress := ThreatEntry{
		ID: "THREAT-EXFIL", Category: CategorySupplyChain, Severity: SeverityHigh,
		Confidence:          0.95,
		RecommendationAgent: "BLOCK: outbound request to evil.example.com",
	}
	e := newEngine(egress)

	d := e.Evaluate(Event{Scope: ScopeNetworkEgress, Domain: "api.evil.example.com"}, false)
	if d.Action != ActionBlock || d.ThreatID != "THREAT-EXFIL" {
		t.Errorf("egress event: %+v, want block by THREAT-EXFIL", d)
	}

	// A tool.call event must not match a supply_chain category entry.
	if d := e.Evaluate(sqlEvent(), false); d.Action != ActionLog {
		t.Errorf("category/scope mismatch still matched: %+v", d)
	}
}

func TestEvaluatePrecedence(t *testing.T) {
	logEntry := ThreatEntry{
		ID: "T-LOG", Category: CategoryTool, Severity: SeverityCritical, Confidence: 0.99,
		RecommendationAgent: "LOG: tool.call with arguments containing SQL syntax (DROP)",
	}
	approveEntry := ThreatEntry{
		ID: "T-APPROVE", Category: CategoryTool, Severity: SeverityLow, Confidence: 0.50,
		RecommendationAgent: "APPROVE: tool.call with arguments containing SQL syntax (DROP)",
	}
	e := newEngine(logEntry, approveEntry)

	d := e.Evaluate(sqlEvent(), false)
	if d.Action != ActionRequireApproval || d.ThreatID != "T-APPROVE" {
		t.Errorf("precedence: got %+v, want require_approval by T-APPROVE", d)
	}
}

func TestEvaluateSeverityTieBreak(t *testing.T) {
	low := sqlThreat(0.99, SeverityMedium)
	low.ID = "T-MEDIUM"
	high := sqlThreat(0.90, SeverityCritical)
	high.ID = "T-CRITICAL"
	e := newEngine(low, high)

	d := e.Evaluate(sqlEvent(), false)
	if d.ThreatID != "T-CRITICAL" {
		t.Errorf("tie break picked %s, want T-CRITICAL (higher severity)", d.ThreatID)
	}
}

func TestSkillNameMatch(t *testing.T) {
	entry := ThreatEntry{
		ID: "T-SKILL", Category: CategorySkill, Severity: SeverityMedium, Confidence: 0.9,
		RecommendationAgent: "APPROVE: skill name contains untrusted",
	}
	e := newEngine(entry)

	d := e.Evaluate(Event{Scope: ScopeSkillInstall, SkillName: "untrusted-scraper"}, false)
	if d.Action != ActionRequireApproval {
		t.Errorf("skill event: %+v, want require_approval", d)
	}
}

func TestParseFeed(t *testing.T) {
	doc := "# Threat feed\n\nIntro prose.\n\n```yaml\nid: T-1\nfingerprint: fp-1\ncategory: tool\nseverity: high\nconfidence: 0.9\naction: block\ntitle: Example\nrecommendation_agent: \"BLOCK: tool.call execute_code\"\nexpires_at: \"2027-01-01T00:00:00Z\"\n```\n\nMore prose.\n\n```yaml\nnot: [valid, threat\n```\n\n```yaml\nid: T-2\ncategory: prompt\nseverity: low\nconfidence: 0.4\naction: log\nrecommendation_agent: \"LOG: prompt text containing ignore previous instructions\"\nrevoked: true\n```\n"

	entries, err := ParseFeed(doc)
	if err != nil {
		t.Fatalf("ParseFeed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ParseFeed = %d entries, want 2 (malformed block skipped)", len(entries))
	}
	if entries[0].ID != "T-1" || entries[0].expiresAtMs == 0 {
		t.Errorf("entry 0 = %+v, want T-1 with parsed expiry", entries[0])
	}
	if !entries[1].Revoked {
		t.Error("entry 1 should be revoked")
	}
}

func TestParseDirectives(t *testing.T) {
	ds := parseDirectives("BLOCK: tool.call execute_code; APPROVE: tool.call write_file, LOG: anything else")
	if len(ds) != 3 {
		t.Fatalf("parseDirectives = %d, want 3", len(ds))
	}
	if ds[0].action != ActionBlock || ds[1].action != ActionRequireApproval || ds[2].action != ActionLog {
		t.Errorf("actions = %s/%s/%s", ds[0].action, ds[1].action, ds[2].action)
	}
	if ds[0].condition != "tool.call execute_code" {
		t.Errorf("condition 0 = %q", ds[0].condition)
	}
}
