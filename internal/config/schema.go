package config

import (
	"fmt"

	"github.com/tinyclawhq/tinyclaw/internal/providers"
)

// ValidationError rejects a config write. The tree is left untouched.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %q: %s", e.Key, e.Reason)
}

// topLevelSections is the closed set of config roots.
var topLevelSections = map[string]bool{
	"providers":  true,
	"channels":   true,
	"gateway":    true,
	"routing":    true,
	"rateLimits": true,
	"learning":   true,
	"heartware":  true,
	"agent":      true,
	"plugins":    true,
	"logging":    true,
	"compaction": true,
	"nudge":      true,
	"telemetry":  true,
	"mcp":        true,
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var mcpTransports = map[string]bool{"stdio": true, "sse": true, "streamable-http": true}

// Validate checks a whole config tree against the schema.
func Validate(tree map[string]interface{}) error {
	for key := range tree {
		if !topLevelSections[key] {
			return &ValidationError{Key: key, Reason: "unknown section"}
		}
	}

	if v, ok := lookup(tree, "logging.level"); ok {
		level, isStr := v.(string)
		if !isStr || !logLevels[level] {
			return &ValidationError{Key: "logging.level", Reason: "must be debug, info, warn, or error"}
		}
	}

	if v, ok := lookup(tree, "routing.tiers"); ok {
		tiers, isMap := v.(map[string]interface{})
		if !isMap {
			return &ValidationError{Key: "routing.tiers", Reason: "must be an object of tier to provider name"}
		}
		for tier, name := range tiers {
			if !providers.ValidTier(tier) {
				return &ValidationError{Key: "routing.tiers." + tier, Reason: "unknown tier"}
			}
			if _, isStr := name.(string); !isStr {
				return &ValidationError{Key: "routing.tiers." + tier, Reason: "provider name must be a string"}
			}
		}
	}

	for _, key := range []string{
		"gateway.port",
		"rateLimits.outboundPerMinute",
		"agent.maxIterations",
		"agent.historyLimit",
		"agent.maxBackgroundJobs",
		"compaction.threshold",
		"compaction.keepRecent",
		"nudge.suppressAfterMs",
	} {
		if v, ok := lookup(tree, key); ok {
			n, isNum := v.(float64)
			if !isNum || n < 0 {
				return &ValidationError{Key: key, Reason: "must be a non-negative number"}
			}
		}
	}

	for _, key := range []string{"learning.enabled", "nudge.enabled", "telemetry.enabled"} {
		if v, ok := lookup(tree, key); ok {
			if _, isBool := v.(bool); !isBool {
				return &ValidationError{Key: key, Reason: "must be a boolean"}
			}
		}
	}

	if v, ok := lookup(tree, "plugins.enabled"); ok {
		list, isList := v.([]interface{})
		if !isList {
			return &ValidationError{Key: "plugins.enabled", Reason: "must be a list of plugin names"}
		}
		for _, item := range list {
			if _, isStr := item.(string); !isStr {
				return &ValidationError{Key: "plugins.enabled", Reason: "plugin names must be strings"}
			}
		}
	}

	if v, ok := lookup(tree, "nudge.schedules"); ok {
		if _, isList := v.([]interface{}); !isList {
			return &ValidationError{Key: "nudge.schedules", Reason: "must be a list"}
		}
	}

	if v, ok := lookup(tree, "mcp.servers"); ok {
		servers, isMap := v.(map[string]interface{})
		if !isMap {
			return &ValidationError{Key: "mcp.servers", Reason: "must be an object of server name to settings"}
		}
		for name, entry := range servers {
			settings, isMap := entry.(map[string]interface{})
			if !isMap {
				return &ValidationError{Key: "mcp.servers." + name, Reason: "must be an object"}
			}
			if tr, ok := settings["transport"].(string); ok && !mcpTransports[tr] {
				return &ValidationError{Key: "mcp.servers." + name + ".transport", Reason: "must be stdio, sse, or streamable-http"}
			}
		}
	}

	return nil
}
