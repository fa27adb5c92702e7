package delegate

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
	"github.com/tinyclawhq/tinyclaw/internal/store"
)

// MaxTemplatesPerUser caps how many role templates one user can hold.
const MaxTemplatesPerUser = 50

// matchCutoff is the minimum query-token overlap ratio for a template match.
const matchCutoff = 0.3

var templateStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "are": true, "was": true, "you": true, "your": true,
	"can": true, "will": true, "all": true, "any": true, "our": true,
	"has": true, "have": true, "from": true, "into": true, "about": true,
	"who": true, "what": true, "when": true, "how": true, "not": true,
	"its": true, "their": true, "them": true, "they": true, "should": true,
}

// Tokenize lowercases, strips non-alphanumerics, and drops short words and
// stopwords.
func Tokenize(s string) []string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	var out []string
	for _, tok := range strings.Fields(b.String()) {
		if len(tok) <= 2 || templateStopwords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// Templates manages reusable sub-agent role definitions.
type Templates struct {
	store *store.Store
	clk   clock.Clock
}

// NewTemplates creates a Templates manager.
func NewTemplates(st *store.Store, clk clock.Clock) *Templates {
	if clk == nil {
		clk = clock.System{}
	}
	return &Templates{store: st, clk: clk}
}

// TemplateParams describes a new role template.
type TemplateParams struct {
	UserID          string
	Name            string
	RoleDescription string
	DefaultTools    []string
	DefaultTier     string
	Tags            []string
}

// Create persists a template, enforcing the per-user cap.
func (t *Templates) Create(ctx context.Context, p TemplateParams) (*store.RoleTemplate, error) {
	n, err := t.store.CountTemplates(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if n >= MaxTemplatesPerUser {
		return nil, &CapacityError{Resource: "role templates", Limit: MaxTemplatesPerUser}
	}

	now := t.clk.NowMs()
	tpl := &store.RoleTemplate{
		ID:              uuid.NewString(),
		UserID:          p.UserID,
		Name:            p.Name,
		RoleDescription: p.RoleDescription,
		DefaultTools:    p.DefaultTools,
		DefaultTier:     p.DefaultTier,
		Tags:            p.Tags,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := t.store.CreateTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// Get returns a template by id.
func (t *Templates) Get(ctx context.Context, id string) (*store.RoleTemplate, error) {
	return t.store.GetTemplate(ctx, id)
}

// List returns all of a user's templates.
func (t *Templates) List(ctx context.Context, userID string) ([]*store.RoleTemplate, error) {
	return t.store.ListTemplates(ctx, userID)
}

// Update rewrites a template's mutable fields.
func (t *Templates) Update(ctx context.Context, tpl *store.RoleTemplate) error {
	tpl.UpdatedAt = t.clk.NowMs()
	return t.store.UpdateTemplate(ctx, tpl)
}

// Delete removes a template.
func (t *Templates) Delete(ctx context.Context, id string) error {
	return t.store.DeleteTemplate(ctx, id)
}

// FindBestMatch returns the user's template whose tokens best cover the task
// description, or nil if none covers at least 30% of the query tokens.
func (t *Templates) FindBestMatch(ctx context.Context, userID, taskDescription string) (*store.RoleTemplate, error) {
	queryTokens := Tokenize(taskDescription)
	if len(queryTokens) == 0 {
		return nil, nil
	}
	templates, err := t.store.ListTemplates(ctx, userID)
	if err != nil {
		return nil, err
	}

	var best *store.RoleTemplate
	bestRatio := 0.0
	for _, tpl := range templates {
		hay := tpl.Name + " " + tpl.RoleDescription + " " + strings.Join(tpl.Tags, " ")
		tplTokens := make(map[string]bool)
		for _, tok := range Tokenize(hay) {
			tplTokens[tok] = true
		}
		overlap := 0
		seen := make(map[string]bool)
		for _, tok := range queryTokens {
			if tplTokens[tok] && !seen[tok] {
				overlap++
				seen[tok] = true
			}
		}
		ratio := float64(overlap) / float64(len(queryTokens))
		if ratio > bestRatio {
			bestRatio = ratio
			best = tpl
		}
	}
	if bestRatio < matchCutoff {
		return nil, nil
	}
	return best, nil
}

// RecordUsage bumps a template's usage count and folds score into its
// rolling performance average.
func (t *Templates) RecordUsage(ctx context.Context, id string, score float64) error {
	tpl, err := t.store.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	tpl.TimesUsed++
	n := float64(tpl.TimesUsed)
	tpl.AvgPerformance = (tpl.AvgPerformance*(n-1) + score) / n
	tpl.UpdatedAt = t.clk.NowMs()
	return t.store.UpdateTemplate(ctx, tpl)
}

// AutoCreate mints a template from a finished task unless the user already
// has one with the same name, in which case the existing one is returned.
func (t *Templates) AutoCreate(ctx context.Context, p TemplateParams, taskText string) (*store.RoleTemplate, error) {
	existing, err := t.store.ListTemplates(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	for _, tpl := range existing {
		if strings.EqualFold(tpl.Name, p.Name) {
			return tpl, nil
		}
	}
	p.Tags = ExtractTags(taskText)
	tpl, err := t.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	slog.Info("auto-created role template", "template", tpl.ID, "name", tpl.Name, "user", p.UserID)
	return tpl, nil
}

// ExtractTags picks the unique tokens of length > 3 from text, capped at 10,
// in first-seen order.
func ExtractTags(text string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, tok := range Tokenize(text) {
		if len(tok) <= 3 || seen[tok] {
			continue
		}
		seen[tok] = true
		tags = append(tags, tok)
		if len(tags) == 10 {
			break
		}
	}
	return tags
}

// sortTemplatesByUse orders templates most-used first, for listings.
func sortTemplatesByUse(tpls []*store.RoleTemplate) {
	sort.SliceStable(tpls, func(i, j int) bool { return tpls[i].TimesUsed > tpls[j].TimesUsed })
}
