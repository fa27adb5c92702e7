package estimator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
	"github.com/tinyclawhq/tinyclaw/internal/providers"
	"github.com/tinyclawhq/tinyclaw/internal/store"
)

func newTestEstimator(t *testing.T) (*Estimator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), &clock.Fake{Ms: 1_000_000})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func TestClassifyTask(t *testing.T) {
	tests := []struct {
		desc string
		want string
	}{
		{"research the best sqlite fts settings", TaskResearch},
		{"implement a parser for the config file", TaskCode},
		{"analyze last week's latency metrics", TaskAnalysis},
		{"draft an email to the team", TaskWriting},
		{"what's on my calendar", TaskSimpleLookup},
	}
	for _, tt := range tests {
		if got := ClassifyTask(tt.desc); got != tt.want {
			t.Errorf("ClassifyTask(%q) = %s, want %s", tt.desc, got, tt.want)
		}
	}
}

func TestEstimateTierDefaults(t *testing.T) {
	e, _ := newTestEstimator(t)
	got := e.Estimate(context.Background(), "what's on my calendar", providers.TierSimple)
	if got.TimeoutMs != 30_000 || got.BasedOn != BasisTierDefault || got.Confidence != 0 {
		t.Errorf("Estimate = %+v, want 30s tier default at zero confidence", got)
	}

	// Unknown tier falls back to the task type's default tier.
	got = e.Estimate(context.Background(), "research competitors", "")
	if got.TimeoutMs != 120_000 {
		t.Errorf("Estimate with unknown tier = %+v, want complex default (120s)", got)
	}
}

func TestEstimateHistorical(t *testing.T) {
	e, s := newTestEstimator(t)
	ctx := context.Background()

	// 10 samples, 10s..100s. P85 of these is 90s; with 1.5 headroom that
	// would be 135s but the clamp caps at 300s and floors at 15s.
	for i := 1; i <= 10; i++ {
		err := s.RecordMetric(ctx, &store.TaskMetric{
			UserID: "u1", TaskType: TaskResearch, Tier: "complex",
			DurationMs: int64(i * 10_000), Iterations: 3, Success: true,
		})
		if err != nil {
			t.Fatalf("RecordMetric: %v", err)
		}
	}

	got := e.Estimate(ctx, "research the market", providers.TierComplex)
	if got.BasedOn != BasisHistorical {
		t.Fatalf("BasedOn = %s, want historical", got.BasedOn)
	}
	if got.TimeoutMs != 135_000 {
		t.Errorf("TimeoutMs = %d, want 135000 (P85 90s x 1.5)", got.TimeoutMs)
	}
	if got.Confidence != 0.5 {
		t.Errorf("Confidence = %f, want 0.5 (10/20)", got.Confidence)
	}
}

func TestEstimateNeedsFiveSamples(t *testing.T) {
	e, s := newTestEstimator(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		s.RecordMetric(ctx, &store.TaskMetric{
			UserID: "u1", TaskType: TaskCode, Tier: "complex", DurationMs: 50_000,
		})
	}
	got := e.Estimate(ctx, "implement the feature", providers.TierComplex)
	if got.BasedOn != BasisTierDefault {
		t.Errorf("BasedOn = %s with 4 samples, want tier_default", got.BasedOn)
	}
}

func TestEstimateClamp(t *testing.T) {
	e, s := newTestEstimator(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		s.RecordMetric(ctx, &store.TaskMetric{
			UserID: "u1", TaskType: TaskCode, Tier: "complex", DurationMs: 400_000,
		})
	}
	got := e.Estimate(ctx, "implement the feature", providers.TierComplex)
	if got.TimeoutMs != maxTimeoutMs {
		t.Errorf("TimeoutMs = %d, want clamp at %d", got.TimeoutMs, maxTimeoutMs)
	}

	for i := 0; i < 6; i++ {
		s.RecordMetric(ctx, &store.TaskMetric{
			UserID: "u1", TaskType: TaskWriting, Tier: "simple", DurationMs: 1_000,
		})
	}
	got = e.Estimate(ctx, "draft a note", providers.TierSimple)
	if got.TimeoutMs != minTimeoutMs {
		t.Errorf("TimeoutMs = %d, want floor at %d", got.TimeoutMs, minTimeoutMs)
	}
}

func TestShouldExtend(t *testing.T) {
	e := New(nil)
	tests := []struct {
		name            string
		iterDone        int
		iterMax         int
		elapsed, budget int64
		extensions      int
		want            Extension
	}{
		{"iteration pressure", 7, 10, 40_000, 100_000, 0, Extension{Extend: true, ExtraIterations: 5}},
		{"time pressure", 2, 10, 95_000, 100_000, 0, Extension{Extend: true, ExtraMs: 30_000}},
		{"no pressure", 3, 10, 40_000, 100_000, 0, Extension{}},
		{"iterations high but slow", 8, 10, 90_000, 100_000, 0, Extension{}},
		{"cap reached", 7, 10, 40_000, 100_000, 2, Extension{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.ShouldExtend(tt.iterDone, tt.iterMax, tt.elapsed, tt.budget, tt.extensions)
			if got != tt.want {
				t.Errorf("ShouldExtend = %+v, want %+v", got, tt.want)
			}
		})
	}
}
