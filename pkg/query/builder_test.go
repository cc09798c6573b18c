package query

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/nainya/issuesearch/pkg/index"
	"github.com/nainya/issuesearch/pkg/issue"
	"github.com/nainya/issuesearch/pkg/permission"
)

type fakeResolver map[string]*issue.Component

func (f fakeResolver) ComponentsByKeys(ctx context.Context, keys []string) (map[string]*issue.Component, error) {
	out := make(map[string]*issue.Component)
	for _, k := range keys {
		if c, ok := f[k]; ok {
			out[k] = c
		}
	}
	return out, nil
}

func newTestBuilder() *Builder {
	return NewBuilder(Config{}, fakeResolver{
		"PROJECT_KEY": {UUID: "PROJECT_ID", Key: "PROJECT_KEY", Qualifier: issue.QualifierProject},
		"FILE_KEY":    {UUID: "FILE_ID", Key: "FILE_KEY", Qualifier: issue.QualifierFile},
	})
}

func build(t *testing.T, req Request, viewer permission.Viewer) *Query {
	t.Helper()
	q, err := newTestBuilder().Build(context.Background(), req, viewer)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return q
}

func TestPageSize(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		wantPage int
		wantSize int
	}{
		{"default", NewRequest().Build(), 1, 100},
		{"explicit", NewRequest().Page(2, 9).Build(), 2, 9},
		{"minus one", NewRequest().Page(1, -1).Build(), 1, 1},
		{"zero", NewRequest().Page(1, 0).Build(), 1, 1},
		{"above max", NewRequest().Page(1, 10000).Build(), 1, 500},
		{"page zero", NewRequest().Page(0, 10).Build(), 1, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := build(t, tt.req, permission.Viewer{})
			if q.Page != tt.wantPage || q.PageSize != tt.wantSize {
				t.Errorf("page/size = %d/%d, want %d/%d", q.Page, q.PageSize, tt.wantPage, tt.wantSize)
			}
		})
	}

	q := build(t, NewRequest().Page(3, 9).Build(), permission.Viewer{})
	if q.Offset() != 18 {
		t.Errorf("offset = %d, want 18", q.Offset())
	}
}

func TestOffsetSaturates(t *testing.T) {
	q := build(t, NewRequest().Page(math.MaxInt, 4).Build(), permission.Viewer{})
	if q.Offset() != math.MaxInt {
		t.Errorf("offset = %d, want math.MaxInt", q.Offset())
	}
	q = build(t, NewRequest().Page(math.MaxInt/4, 4).Build(), permission.Viewer{})
	if q.Offset() < 0 {
		t.Errorf("offset = %d, want a non-negative value", q.Offset())
	}
}

func TestRetiredFacetsAreIgnored(t *testing.T) {
	req := NewRequest().Facets(
		"statuses", "severities", "resolutions", "projectUuids", "rules",
		"fileUuids", "assignees", "languages", "actionPlans", "types",
	).Build()
	q := build(t, req, permission.Viewer{Login: "alice"})
	want := []string{"statuses", "severities", "resolutions", "projectUuids", "rules", "fileUuids", "assignees", "languages"}
	if strings.Join(q.Facets, ",") != strings.Join(want, ",") {
		t.Errorf("facets = %v, want %v", q.Facets, want)
	}

	_, err := newTestBuilder().Build(context.Background(), NewRequest().Facets("actionPlan").Build(), permission.Viewer{})
	var ferr *InvalidFilterError
	if !errors.As(err, &ferr) || ferr.Field != "facets" {
		t.Errorf("unknown facet err = %v, want *InvalidFilterError on facets", err)
	}
}

func TestInvalidDate(t *testing.T) {
	req := NewRequest().CreatedBetween("wrong-date-input", "").Build()
	_, err := newTestBuilder().Build(context.Background(), req, permission.Viewer{})
	var ferr *InvalidFilterError
	if !errors.As(err, &ferr) {
		t.Fatalf("err = %v, want *InvalidFilterError", err)
	}
	if ferr.Field != "createdAfter" || ferr.Value != "wrong-date-input" {
		t.Errorf("error = %+v", ferr)
	}
	want := "Date 'wrong-date-input' cannot be parsed as either a date or date+time"
	if !strings.Contains(err.Error(), want) {
		t.Errorf("message %q does not contain %q", err.Error(), want)
	}
}

func TestParseDates(t *testing.T) {
	q := build(t, NewRequest().CreatedBetween("2014-09-04", "2014-09-05").Build(), permission.Viewer{})
	if !q.CreatedAfter.Equal(time.Date(2014, 9, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("createdAfter = %v", q.CreatedAfter)
	}
	if !q.CreatedBefore.Equal(time.Date(2014, 9, 6, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("createdBefore = %v, want the end of the given day", q.CreatedBefore)
	}

	q = build(t, NewRequest().CreatedBetween("2014-11-02T00:00:00+0100", "").Build(), permission.Viewer{})
	if !q.CreatedAfter.Equal(time.Date(2014, 11, 1, 23, 0, 0, 0, time.UTC)) {
		t.Errorf("createdAfter = %v", q.CreatedAfter)
	}
	if !q.Clauses().Has(ClauseCreatedAt) {
		t.Errorf("expected a createdAt clause")
	}
}

func TestAssigneeSentinel(t *testing.T) {
	req := NewRequest().Assignees(AssigneeMe, "alice").Build()

	q := build(t, req, permission.Viewer{Login: "john"})
	if len(q.Assignees) != 2 || q.Assignees[0] != "john" || q.Assignees[1] != "alice" {
		t.Errorf("assignees = %v, want [john alice]", q.Assignees)
	}

	q = build(t, NewRequest().Assignees(AssigneeMe).Build(), permission.Viewer{})
	if len(q.Assignees) != 0 || q.Clauses().Has(ClauseAssignees) {
		t.Errorf("anonymous viewer should drop the assignee filter, got %v", q.Assignees)
	}
}

func TestRejectsUnknownValues(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"severity", NewRequest().Severities("HUGE").Build(), "severities"},
		{"status", NewRequest().Statuses("DONE").Build(), "statuses"},
		{"resolution", NewRequest().Resolutions("FALSE-POSITIVE").Build(), "resolutions"},
		{"facet", NewRequest().Facets("colors").Build(), "facets"},
		{"facet mode", NewRequest().FacetMode("sum").Build(), "facetMode"},
		{"sort", Request{Sort: "NAME"}, "s"},
		{"additional field", NewRequest().AdditionalFields("everything").Build(), "additionalFields"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestBuilder().Build(context.Background(), tt.req, permission.Viewer{})
			var ferr *InvalidFilterError
			if !errors.As(err, &ferr) {
				t.Fatalf("err = %v, want *InvalidFilterError", err)
			}
			if ferr.Field != tt.field {
				t.Errorf("field = %q, want %q", ferr.Field, tt.field)
			}
		})
	}
}

func TestScopeResolution(t *testing.T) {
	q := build(t, NewRequest().Components("FILE_KEY").Projects("PROJECT_KEY").Build(), permission.Viewer{})
	if q.UnknownScope {
		t.Fatalf("known keys flagged unknown")
	}
	if len(q.ComponentUUIDs) != 1 || q.ComponentUUIDs[0] != "FILE_ID" {
		t.Errorf("component uuids = %v", q.ComponentUUIDs)
	}
	if len(q.ProjectUUIDs) != 1 || q.ProjectUUIDs[0] != "PROJECT_ID" {
		t.Errorf("project uuids = %v", q.ProjectUUIDs)
	}

	q = build(t, NewRequest().Components("MISSING").Build(), permission.Viewer{})
	if !q.UnknownScope {
		t.Errorf("unknown component key should mark the scope unknown")
	}
	if _, ok := q.Clauses().Compose().(*query.MatchNoneQuery); !ok {
		t.Errorf("unknown scope should compose to a match-none query")
	}

	q = build(t, NewRequest().Projects("FILE_KEY").Build(), permission.Viewer{})
	if !q.UnknownScope {
		t.Errorf("a file key is not a project key")
	}
}

func TestSortDefaults(t *testing.T) {
	q := build(t, NewRequest().Build(), permission.Viewer{})
	if q.Sort != SortCreationDate || q.Asc {
		t.Errorf("default sort = %s asc=%v, want CREATION_DATE desc", q.Sort, q.Asc)
	}
	q = build(t, Request{Sort: string(SortUpdateDate)}, permission.Viewer{})
	if !q.Asc {
		t.Errorf("explicit sort without direction should be ascending")
	}
	q = build(t, NewRequest().OrderBy(SortUpdateDate, false).Build(), permission.Viewer{})
	order := q.SortOrder()
	if len(order) != 2 {
		t.Fatalf("sort order = %v, want field plus key tie-break", order)
	}
}

func TestAdditionalFieldsAll(t *testing.T) {
	q := build(t, NewRequest().AdditionalFields(FieldsAll).Build(), permission.Viewer{})
	for _, f := range additionalFields {
		if !q.Wants(f) {
			t.Errorf("_all should include %s", f)
		}
	}
	q = build(t, NewRequest().AdditionalFields(FieldsComments).Build(), permission.Viewer{})
	if !q.Wants(FieldsComments) || q.Wants(FieldsUsers) {
		t.Errorf("additional fields = %v", q.AdditionalFields)
	}
}

func TestComposeExcludesNamedClauses(t *testing.T) {
	ctx := context.Background()
	idx, err := index.NewMemOnly(index.IssueMapping(), index.Options{Name: "issues"})
	if err != nil {
		t.Fatalf("NewMemOnly: %v", err)
	}
	defer idx.Close()

	docs := []index.Doc{
		{ID: "1", Fields: map[string]any{index.FieldSeverity: "MAJOR", index.FieldAssignee: "alice"}},
		{ID: "2", Fields: map[string]any{index.FieldSeverity: "MAJOR", index.FieldAssignee: "bob"}},
		{ID: "3", Fields: map[string]any{index.FieldSeverity: "MINOR", index.FieldAssignee: "alice"}},
	}
	if err := idx.Upsert(ctx, docs, nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	q := build(t, NewRequest().Severities("MAJOR").Assignees("alice").Build(), permission.Viewer{})
	total := func(qq query.Query) uint64 {
		res, err := idx.Search(ctx, bleve.NewSearchRequestOptions(qq, 0, 0, false))
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		return res.Total
	}

	c := q.Clauses()
	if got := total(c.Compose()); got != 1 {
		t.Errorf("all clauses = %d, want 1", got)
	}
	if got := total(c.Compose(ClauseAssignees)); got != 2 {
		t.Errorf("without assignees = %d, want 2", got)
	}
	if got := total(c.Compose(ClauseSeverities)); got != 2 {
		t.Errorf("without severities = %d, want 2", got)
	}
	if got := total(c.Compose(ClauseSeverities, ClauseAssignees)); got != 3 {
		t.Errorf("without both = %d, want 3", got)
	}
	if got := total(c.With(ClauseAssignees, AssignedTo("bob")).Compose()); got != 1 {
		t.Errorf("assignee replaced by bob = %d, want 1", got)
	}
	if !c.Has(ClauseAssignees) || len(c.Names()) != 2 {
		t.Errorf("With must not modify the original set: %v", c.Names())
	}
}
