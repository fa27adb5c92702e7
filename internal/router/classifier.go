// Package router decides which provider answers a message: a rule-based
// classifier scores the message into a tier, and the registry maps tiers to
// providers with graceful fall-down.
package router

import (
	"math"
	"strings"

	"github.com/tinyclawhq/tinyclaw/internal/providers"
)

// Classification is the classifier output for one message.
type Classification struct {
	Tier       providers.Tier
	Score      float64
	Confidence float64
	Tokens     int
}

// Fixed keyword vocabularies. Matching is case-folded and word-bounded;
// multi-word phrases match as phrases.
var (
	reasoningKeywords = []string{
		"why", "prove", "proof", "explain", "analyze", "reason", "reasoning",
		"logic", "deduce", "derive", "justify", "theorem", "hypothesis",
		"tradeoff", "evaluate", "compare",
	}
	codeKeywords = []string{
		"code", "function", "bug", "debug", "compile", "refactor", "implement",
		"algorithm", "regex", "sql", "script", "class", "variable", "library",
		"framework", "unit test", "api", "json", "syntax", "stack trace",
	}
	multiStepMarkers = []string{
		"first", "then", "next", "finally", "after", "step", "followed",
		"subsequently", "phase", "stage",
	}
	technicalKeywords = []string{
		"algorithm", "database", "server", "network", "protocol", "encryption",
		"kubernetes", "docker", "linux", "concurrency", "thread", "latency",
		"throughput", "cache", "compiler", "binary", "hash", "kernel",
	}
	greetingPhrases = []string{
		"hi", "hello", "hey", "yo", "sup", "howdy", "good morning",
		"good afternoon", "good evening", "good night", "thanks", "thank you",
		"how are you",
	}
	constraintKeywords = []string{
		"must", "without", "at most", "at least", "only", "exactly", "limit",
		"constraint", "within", "maximum", "minimum", "no more than",
	}
	creativeKeywords = []string{
		"story", "poem", "haiku", "song", "fiction", "imagine", "creative",
		"brainstorm", "slogan", "joke", "lyrics", "once upon",
	}
)

// Tier boundaries on the weighted score.
const (
	simpleBound   = -0.05
	moderateBound = 0.15
	complexBound  = 0.35
)

// Classify scores message text into a tier. Pure: no I/O, equal inputs give
// equal outputs.
func Classify(text string) Classification {
	padded := normalize(text)
	tokens := estimateTokens(text)

	score := 0.0
	score += 0.20 * thresholded(countAll(padded, reasoningKeywords), 2, 1.0, 0.3)
	score += 0.18 * thresholded(countAll(padded, codeKeywords), 2, 1.0, 0.3)
	score += 0.15 * multiStepScore(countAll(padded, multiStepMarkers))
	score += 0.12 * thresholded(countAll(padded, technicalKeywords), 3, 1.0, 0.3)
	score += 0.10 * lengthScore(tokens)
	if countAll(padded, greetingPhrases) > 0 {
		score += 0.10 * -1.0
	}
	score += 0.08 * thresholded(countAll(padded, constraintKeywords), 2, 1.0, 0.3)
	if countAll(padded, creativeKeywords) > 0 {
		score += 0.07 * 0.7
	}

	tier := tierFor(score)
	return Classification{
		Tier:       tier,
		Score:      score,
		Confidence: confidence(score),
		Tokens:     tokens,
	}
}

func tierFor(score float64) providers.Tier {
	switch {
	case score < simpleBound:
		return providers.TierSimple
	case score < moderateBound:
		return providers.TierModerate
	case score < complexBound:
		return providers.TierComplex
	default:
		return providers.TierReasoning
	}
}

// confidence maps the distance to the nearest tier boundary through a
// logistic curve: scores far from every boundary are confident calls.
func confidence(score float64) float64 {
	d := math.Inf(1)
	for _, b := range []float64{simpleBound, moderateBound, complexBound} {
		if dist := math.Abs(score - b); dist < d {
			d = dist
		}
	}
	return 1.0 / (1.0 + math.Exp(-12.0*d))
}

func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func lengthScore(tokens int) float64 {
	switch {
	case tokens < 30:
		return -0.5
	case tokens > 200:
		return 0.8
	case tokens >= 100:
		return 0.3
	default:
		return 0
	}
}

func thresholded(count, high int, highScore, lowScore float64) float64 {
	switch {
	case count >= high:
		return highScore
	case count >= 1:
		return lowScore
	default:
		return 0
	}
}

func multiStepScore(count int) float64 {
	switch {
	case count >= 2:
		return 0.8
	case count == 1:
		return 0.4
	default:
		return 0
	}
}

// normalize lowercases, maps punctuation to spaces and pads the result so
// keyword matches are word-bounded.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 2)
	b.WriteByte(' ')
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastSpace = false
		} else if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	if !lastSpace {
		b.WriteByte(' ')
	}
	return b.String()
}

func countAll(padded string, keywords []string) int {
	total := 0
	for _, kw := range keywords {
		total += strings.Count(padded, " "+kw+" ")
	}
	return total
}
