// Package estimator budgets background runs: a task-type classifier plus
// historical P85 durations produce a timeout, and a pressure policy grants
// bounded mid-run extensions.
package estimator

import (
	"context"
	"sort"
	"strings"

	"github.com/tinyclawhq/tinyclaw/internal/providers"
	"github.com/tinyclawhq/tinyclaw/internal/store"
)

// Task types.
const (
	TaskResearch     = "research"
	TaskCode         = "code"
	TaskAnalysis     = "analysis"
	TaskWriting      = "writing"
	TaskSimpleLookup = "simple_lookup"
)

// Estimate basis values.
const (
	BasisTierDefault = "tier_default"
	BasisHistorical  = "historical"
)

const (
	minTimeoutMs = 15_000
	maxTimeoutMs = 300_000

	// historySample caps how many recent metrics feed the percentile.
	historySample = 50
	// minSamples is the row count below which history is ignored.
	minSamples = 5
	// maxExtensions caps how often one run may extend itself.
	maxExtensions = 2
)

var tierTimeoutMs = map[providers.Tier]int64{
	providers.TierSimple:    30_000,
	providers.TierModerate:  60_000,
	providers.TierComplex:   120_000,
	providers.TierReasoning: 180_000,
}

var tierIterations = map[providers.Tier]int{
	providers.TierSimple:    5,
	providers.TierModerate:  10,
	providers.TierComplex:   15,
	providers.TierReasoning: 20,
}

// taskTypeTier maps a classified task type to its default tier when the
// caller has none.
var taskTypeTier = map[string]providers.Tier{
	TaskResearch:     providers.TierComplex,
	TaskCode:         providers.TierComplex,
	TaskAnalysis:     providers.TierModerate,
	TaskWriting:      providers.TierModerate,
	TaskSimpleLookup: providers.TierSimple,
}

var taskKeywords = []struct {
	taskType string
	words    []string
}{
	{TaskResearch, []string{"research", "investigate", "find out", "look up", "survey", "gather", "sources", "search"}},
	{TaskCode, []string{"code", "implement", "refactor", "debug", "script", "function", "fix the bug", "write a test", "compile"}},
	{TaskAnalysis, []string{"analyze", "analysis", "compare", "evaluate", "assess", "review", "breakdown", "metrics"}},
	{TaskWriting, []string{"write", "draft", "summarize", "compose", "document", "blog", "email", "report"}},
}

// Estimate is the budget for one run.
type Estimate struct {
	TimeoutMs     int64
	MaxIterations int
	BasedOn       string
	Confidence    float64
}

// Extension is the ShouldExtend verdict.
type Extension struct {
	Extend          bool
	ExtraIterations int
	ExtraMs         int64
}

// Estimator computes budgets from recorded task metrics.
type Estimator struct {
	store *store.Store
}

// New creates an Estimator over st. st may be nil, which disables history.
func New(st *store.Store) *Estimator {
	return &Estimator{store: st}
}

// ClassifyTask buckets a task description by keywords. Descriptions that
// match nothing are simple lookups.
func ClassifyTask(description string) string {
	lower := strings.ToLower(description)
	for _, bucket := range taskKeywords {
		for _, w := range bucket.words {
			if strings.Contains(lower, w) {
				return bucket.taskType
			}
		}
	}
	return TaskSimpleLookup
}

// Estimate produces a timeout budget for the described task. With enough
// history for (taskType, tier) the budget is the P85 duration with headroom;
// otherwise the tier default applies at zero confidence.
func (e *Estimator) Estimate(ctx context.Context, description string, tier providers.Tier) Estimate {
	taskType := ClassifyTask(description)
	if _, ok := tierTimeoutMs[tier]; !ok {
		tier = taskTypeTier[taskType]
	}

	fallback := Estimate{
		TimeoutMs:     tierTimeoutMs[tier],
		MaxIterations: tierIterations[tier],
		BasedOn:       BasisTierDefault,
	}

	if e.store == nil {
		return fallback
	}
	durations, err := e.store.MetricDurations(ctx, taskType, string(tier), historySample)
	if err != nil || len(durations) < minSamples {
		return fallback
	}

	timeout := int64(float64(p85(durations)) * 1.5)
	if timeout < minTimeoutMs {
		timeout = minTimeoutMs
	}
	if timeout > maxTimeoutMs {
		timeout = maxTimeoutMs
	}

	confidence := float64(len(durations)) / 20.0
	if confidence > 1 {
		confidence = 1
	}
	return Estimate{
		TimeoutMs:     timeout,
		MaxIterations: tierIterations[tier],
		BasedOn:       BasisHistorical,
		Confidence:    confidence,
	}
}

// ShouldExtend grants a bounded extension when a run is pressed for
// iterations or time. At most maxExtensions grants per run.
func (e *Estimator) ShouldExtend(iterDone, iterMax int, elapsedMs, budgetMs int64, extensionsSoFar int) Extension {
	if extensionsSoFar >= maxExtensions {
		return Extension{}
	}

	// Near the iteration cap with time to spare: more iterations.
	if float64(iterDone) >= 0.7*float64(iterMax) && float64(elapsedMs) < 0.8*float64(budgetMs) {
		return Extension{Extend: true, ExtraIterations: 5}
	}

	// Near the time budget but early in the loop: more time.
	if float64(elapsedMs) >= 0.9*float64(budgetMs) && float64(iterDone) < 0.5*float64(iterMax) {
		return Extension{Extend: true, ExtraMs: 30_000}
	}

	return Extension{}
}

// Record appends one task metric.
func (e *Estimator) Record(ctx context.Context, m *store.TaskMetric) error {
	if e.store == nil {
		return nil
	}
	return e.store.RecordMetric(ctx, m)
}

// p85 returns the 85th percentile of durations.
func p85(durations []int64) int64 {
	sorted := append([]int64(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (85*len(sorted) + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
