// ABOUTME: Issue query builder turning raw caller filters into an index query
// ABOUTME: Validates values, resolves scope and the current-viewer assignee

package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"

	"github.com/nainya/issuesearch/pkg/index"
	"github.com/nainya/issuesearch/pkg/issue"
	"github.com/nainya/issuesearch/pkg/permission"
)

// MinPageSize replaces an explicit non-positive page size
const MinPageSize = 1

// ComponentResolver maps component keys to components
type ComponentResolver interface {
	ComponentsByKeys(ctx context.Context, keys []string) (map[string]*issue.Component, error)
}

// Config holds paging limits
type Config struct {
	DefaultPageSize int // Used when no page size is given (default 100)
	MaxPageSize     int // Larger sizes are clamped silently (default 500)
}

// Builder validates requests. It is safe for concurrent use.
type Builder struct {
	cfg      Config
	resolver ComponentResolver
}

// NewBuilder creates a builder
func NewBuilder(cfg Config, resolver ComponentResolver) *Builder {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 100
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 500
	}
	return &Builder{cfg: cfg, resolver: resolver}
}

// Build validates req for viewer. It fails with *InvalidFilterError when a
// value cannot be used; unknown component keys are not an error.
func (b *Builder) Build(ctx context.Context, req Request, viewer permission.Viewer) (*Query, error) {
	q := &Query{
		Viewer:       viewer,
		FileUUIDs:    clean(req.FileUUIDs),
		Resolved:     req.Resolved,
		Tags:         lower(clean(req.Tags)),
		Authors:      clean(req.Authors),
		Languages:    clean(req.Languages),
		Rules:        clean(req.Rules),
		HideComments: req.HideComments,
	}

	var err error
	if q.Severities, err = enumValues("severities", req.Severities, severityNames()); err != nil {
		return nil, err
	}
	if q.Statuses, err = enumValues("statuses", req.Statuses, statusNames()); err != nil {
		return nil, err
	}
	if q.Resolutions, err = enumValues("resolutions", req.Resolutions, resolutionNames()); err != nil {
		return nil, err
	}

	q.Assignees = resolveAssignees(clean(req.Assignees), viewer)

	if q.CreatedAfter, err = parseDate("createdAfter", req.CreatedAfter, false); err != nil {
		return nil, err
	}
	if q.CreatedBefore, err = parseDate("createdBefore", req.CreatedBefore, true); err != nil {
		return nil, err
	}

	if err := b.resolveScope(ctx, q, clean(req.ComponentKeys), clean(req.ProjectKeys)); err != nil {
		return nil, err
	}

	if err := b.applyFacets(q, req); err != nil {
		return nil, err
	}
	if err := b.applySort(q, req); err != nil {
		return nil, err
	}
	b.applyPaging(q, req)
	if err := applyAdditionalFields(q, req.AdditionalFields); err != nil {
		return nil, err
	}

	q.clauses = buildClauses(q)
	return q, nil
}

// resolveAssignees swaps the current-viewer sentinel for the viewer's login.
// For anonymous viewers the sentinel is dropped.
func resolveAssignees(values []string, viewer permission.Viewer) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == AssigneeMe {
			if viewer.Anonymous() {
				continue
			}
			v = viewer.Login
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return dedupe(out)
}

func (b *Builder) resolveScope(ctx context.Context, q *Query, componentKeys, projectKeys []string) error {
	if len(componentKeys) == 0 && len(projectKeys) == 0 {
		return nil
	}
	keys := append(append([]string(nil), componentKeys...), projectKeys...)
	found, err := b.resolver.ComponentsByKeys(ctx, keys)
	if err != nil {
		return fmt.Errorf("query: resolve components: %w", err)
	}
	for _, k := range componentKeys {
		c, ok := found[k]
		if !ok {
			q.UnknownScope = true
			continue
		}
		q.ComponentUUIDs = append(q.ComponentUUIDs, c.UUID)
	}
	for _, k := range projectKeys {
		c, ok := found[k]
		if !ok || c.Qualifier != issue.QualifierProject {
			q.UnknownScope = true
			continue
		}
		q.ProjectUUIDs = append(q.ProjectUUIDs, c.UUID)
	}
	q.ComponentUUIDs = dedupe(q.ComponentUUIDs)
	q.ProjectUUIDs = dedupe(q.ProjectUUIDs)
	return nil
}

func (b *Builder) applyFacets(q *Query, req Request) error {
	for _, name := range clean(req.Facets) {
		if retiredFacets[name] {
			continue
		}
		if _, ok := facetDefs[name]; !ok {
			return &InvalidFilterError{Field: "facets", Value: name, Reason: fmt.Sprintf("unknown facet '%s'", name)}
		}
		q.Facets = append(q.Facets, name)
	}
	q.Facets = dedupe(q.Facets)

	switch req.FacetMode {
	case "":
		q.FacetMode = FacetModeCount
	case FacetModeCount, FacetModeEffort, FacetModeDebt:
		q.FacetMode = req.FacetMode
	default:
		return invalidValue("facetMode", req.FacetMode, []string{FacetModeCount, FacetModeEffort, FacetModeDebt})
	}
	return nil
}

// applySort defaults to newest first. An explicit sort key without a
// direction sorts ascending.
func (b *Builder) applySort(q *Query, req Request) error {
	if req.Sort == "" {
		q.Sort = SortCreationDate
		q.Asc = false
		if req.Asc != nil {
			q.Asc = *req.Asc
		}
		return nil
	}
	key := SortKey(req.Sort)
	if _, ok := sortFields[key]; !ok {
		return invalidValue("s", req.Sort, []string{
			string(SortCreationDate), string(SortUpdateDate), string(SortSeverity), string(SortStatus),
		})
	}
	q.Sort = key
	q.Asc = true
	if req.Asc != nil {
		q.Asc = *req.Asc
	}
	return nil
}

func (b *Builder) applyPaging(q *Query, req Request) {
	q.Page = req.Page
	if q.Page < 1 {
		q.Page = 1
	}
	switch {
	case req.PageSize == nil:
		q.PageSize = b.cfg.DefaultPageSize
	case *req.PageSize < MinPageSize:
		q.PageSize = MinPageSize
	case *req.PageSize > b.cfg.MaxPageSize:
		q.PageSize = b.cfg.MaxPageSize
	default:
		q.PageSize = *req.PageSize
	}
}

func applyAdditionalFields(q *Query, fields []string) error {
	q.AdditionalFields = make(map[string]bool)
	for _, f := range clean(fields) {
		if f == FieldsAll {
			for _, name := range additionalFields {
				q.AdditionalFields[name] = true
			}
			continue
		}
		known := false
		for _, name := range additionalFields {
			if name == f {
				known = true
				break
			}
		}
		if !known {
			return invalidValue("additionalFields", f, append([]string{FieldsAll}, additionalFields...))
		}
		q.AdditionalFields[f] = true
	}
	return nil
}

// buildClauses turns every active filter into a named clause
func buildClauses(q *Query) *Clauses {
	c := NewClauses()
	if q.UnknownScope {
		c.Add(ClauseComponentUUIDs, bleve.NewMatchNoneQuery())
	} else if len(q.ComponentUUIDs) > 0 {
		c.Add(ClauseComponentUUIDs, termsQuery(index.FieldAncestors, q.ComponentUUIDs))
	}
	if len(q.ProjectUUIDs) > 0 {
		c.Add(ClauseProjectUUIDs, termsQuery(index.FieldProject, q.ProjectUUIDs))
	}
	if len(q.FileUUIDs) > 0 {
		c.Add(ClauseFileUUIDs, termsQuery(index.FieldComponent, q.FileUUIDs))
	}
	if len(q.Severities) > 0 {
		c.Add(ClauseSeverities, termsQuery(index.FieldSeverity, q.Severities))
	}
	if len(q.Statuses) > 0 {
		c.Add(ClauseStatuses, termsQuery(index.FieldStatus, q.Statuses))
	}
	if len(q.Resolutions) > 0 {
		c.Add(ClauseResolutions, termsQuery(index.FieldResolution, q.Resolutions))
	}
	if q.Resolved != nil {
		r := bleve.NewBoolFieldQuery(*q.Resolved)
		r.SetField(index.FieldResolved)
		c.Add(ClauseResolved, r)
	}
	if len(q.Assignees) > 0 {
		c.Add(ClauseAssignees, termsQuery(index.FieldAssignee, q.Assignees))
	}
	if len(q.Tags) > 0 {
		c.Add(ClauseTags, termsQuery(index.FieldTags, q.Tags))
	}
	if len(q.Authors) > 0 {
		c.Add(ClauseAuthors, termsQuery(index.FieldAuthor, q.Authors))
	}
	if len(q.Languages) > 0 {
		c.Add(ClauseLanguages, termsQuery(index.FieldLanguage, q.Languages))
	}
	if len(q.Rules) > 0 {
		c.Add(ClauseRules, termsQuery(index.FieldRule, q.Rules))
	}
	if !q.CreatedAfter.IsZero() || !q.CreatedBefore.IsZero() {
		inclusive, exclusive := true, false
		c.Add(ClauseCreatedAt, bleve.NewDateRangeInclusiveQuery(q.CreatedAfter, q.CreatedBefore, &inclusive, &exclusive))
	}
	return c
}

var (
	dateTimeLayouts = []string{"2006-01-02T15:04:05-0700", time.RFC3339}
	dateLayout      = "2006-01-02"
)

// parseDate accepts a date+time or a bare date. A bare end date covers the
// whole day.
func parseDate(field, value string, end bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, invalidDate(field, value)
	}
	if end {
		t = t.AddDate(0, 0, 1)
	}
	return t.UTC(), nil
}

func enumValues(field string, values, allowed []string) ([]string, error) {
	values = clean(values)
	for _, v := range values {
		ok := false
		for _, a := range allowed {
			if v == a {
				ok = true
				break
			}
		}
		if !ok {
			return nil, invalidValue(field, v, allowed)
		}
	}
	return dedupe(values), nil
}

func severityNames() []string {
	out := make([]string, len(issue.Severities))
	for i, s := range issue.Severities {
		out[i] = string(s)
	}
	return out
}

func statusNames() []string {
	out := make([]string, len(issue.Statuses))
	for i, s := range issue.Statuses {
		out[i] = string(s)
	}
	return out
}

func resolutionNames() []string {
	out := make([]string, len(issue.Resolutions))
	for i, r := range issue.Resolutions {
		out[i] = string(r)
	}
	return out
}

// clean trims values and drops empty ones
func clean(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func lower(values []string) []string {
	for i, v := range values {
		values[i] = strings.ToLower(v)
	}
	return values
}

// dedupe keeps the first occurrence of each value
func dedupe(values []string) []string {
	if len(values) < 2 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
