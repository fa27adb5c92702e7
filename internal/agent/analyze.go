package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tinyclawhq/tinyclaw/internal/store"
)

// Phrases that signal the user is correcting the assistant or stating a
// lasting preference. Matching is case-folded substring search.
var (
	correctionPhrases = []string{
		"that's wrong", "thats wrong", "that is wrong", "that's not right",
		"actually,", "actually ", "i meant", "no, i", "you misunderstood",
		"not what i asked", "not what i said", "you got that wrong",
	}
	preferencePhrases = []string{
		"i prefer", "i'd prefer", "i like", "i'd rather", "i would rather",
		"please always", "please never", "from now on", "call me",
		"don't use", "stop using", "keep it short", "be more",
	}
)

// analyze runs after a turn has been answered and records corrections and
// preferences as episodic events. Failures are logged, never surfaced.
func (l *Loop) analyze(userID, userMessage, reply string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lower := strings.ToLower(userMessage)
	if containsAny(lower, correctionPhrases) {
		if _, err := l.cfg.Memory.Record(ctx, userID, store.EventCorrection, userMessage, ""); err != nil {
			slog.Warn("analyze: record correction failed", "user", userID, "error", err)
		}
		return
	}
	if containsAny(lower, preferencePhrases) {
		if _, err := l.cfg.Memory.Record(ctx, userID, store.EventPreferenceLearned, userMessage, ""); err != nil {
			slog.Warn("analyze: record preference failed", "user", userID, "error", err)
		}
	}
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
