package shield

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Threat categories.
const (
	CategoryTool          = "tool"
	CategoryPrompt        = "prompt"
	CategorySkill         = "skill"
	CategorySupplyChain   = "supply_chain"
	CategoryVulnerability = "vulnerability"
)

// Threat severities, weakest first.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Decision actions.
const (
	ActionBlock           = "block"
	ActionRequireApproval = "require_approval"
	ActionLog             = "log"
)

// ThreatEntry is one entry of the declarative threat feed.
type ThreatEntry struct {
	ID                  string  `yaml:"id"`
	Fingerprint         string  `yaml:"fingerprint"`
	Category            string  `yaml:"category"`
	Severity            string  `yaml:"severity"`
	Confidence          float64 `yaml:"confidence"`
	Action              string  `yaml:"action"`
	Title               string  `yaml:"title"`
	Description         string  `yaml:"description"`
	RecommendationAgent string  `yaml:"recommendation_agent"`
	ExpiresAt           string  `yaml:"expires_at"`
	Revoked             bool    `yaml:"revoked"`
	RevokedAt           string  `yaml:"revoked_at"`

	expiresAtMs int64
}

// Active reports whether the entry should be served at the given time.
func (t *ThreatEntry) Active(nowMs int64) bool {
	if t.Revoked {
		return false
	}
	if t.expiresAtMs > 0 && nowMs >= t.expiresAtMs {
		return false
	}
	return true
}

// ParseFeed extracts threat entries from a markdown document. Entries live in
// fenced yaml blocks; prose between blocks is ignored. Malformed blocks are
// skipped with a warning rather than failing the whole feed.
func ParseFeed(doc string) ([]ThreatEntry, error) {
	var entries []ThreatEntry
	for _, block := range fencedBlocks(doc, "yaml") {
		var entry ThreatEntry
		if err := yaml.Unmarshal([]byte(block), &entry); err != nil {
			slog.Warn("shield: skipping malformed feed block", "error", err)
			continue
		}
		if entry.ID == "" {
			slog.Warn("shield: skipping feed block without id")
			continue
		}
		if entry.ExpiresAt != "" {
			ts, err := time.Parse(time.RFC3339, entry.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("threat %s: bad expires_at %q: %w", entry.ID, entry.ExpiresAt, err)
			}
			entry.expiresAtMs = ts.UnixMilli()
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// fencedBlocks returns the bodies of ```<lang> fenced blocks in doc.
func fencedBlocks(doc, lang string) []string {
	var blocks []string
	lines := strings.Split(doc, "\n")
	var body []string
	inBlock := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if inBlock {
			if trimmed == "```" {
				blocks = append(blocks, strings.Join(body, "\n"))
				body = nil
				inBlock = false
				continue
			}
			body = append(body, line)
			continue
		}
		if trimmed == "```"+lang {
			inBlock = true
		}
	}
	return blocks
}
