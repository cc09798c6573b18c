package search

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nainya/issuesearch/pkg/index"
	"github.com/nainya/issuesearch/pkg/indexer"
	"github.com/nainya/issuesearch/pkg/issue"
	"github.com/nainya/issuesearch/pkg/permission"
	"github.com/nainya/issuesearch/pkg/query"
	"github.com/nainya/issuesearch/pkg/store"
)

const (
	projectUUID = "p1"
	fileUUID    = "f1"
	emptyUUID   = "f2"
)

type visibleTo []string

func (v visibleTo) VisibleProjects(ctx context.Context, _ permission.Viewer) ([]string, error) {
	return v, nil
}

type resolver map[string]*issue.Component

func (r resolver) ComponentsByKeys(ctx context.Context, keys []string) (map[string]*issue.Component, error) {
	out := make(map[string]*issue.Component)
	for _, k := range keys {
		if c, ok := r[k]; ok {
			out[k] = c
		}
	}
	return out, nil
}

var components = resolver{
	"sample":          {UUID: projectUUID, Key: "sample", Qualifier: issue.QualifierProject, ProjectUUID: projectUUID},
	"sample:Foo.java": {UUID: fileUUID, Key: "sample:Foo.java", Qualifier: issue.QualifierFile, ProjectUUID: projectUUID},
	"sample:Empty.go": {UUID: emptyUUID, Key: "sample:Empty.go", Qualifier: issue.QualifierFile, ProjectUUID: projectUUID},
}

type env struct {
	idx     *index.Index
	engine  *Engine
	builder *query.Builder
}

func newEnv(t *testing.T, records ...*issue.Record) *env {
	t.Helper()
	idx, err := index.NewMemOnly(index.IssueMapping(), index.Options{Name: "issues"})
	if err != nil {
		t.Fatalf("index.NewMemOnly: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	docs := make([]index.Doc, len(records))
	for i, r := range records {
		docs[i] = indexer.ToDoc(r, indexer.Projection{Ancestors: []string{r.ComponentUUID, r.ProjectUUID}, Language: "java"})
	}
	if err := idx.Upsert(context.Background(), docs, nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return &env{
		idx:     idx,
		engine:  New(idx, visibleTo{projectUUID}, Config{}, nil, nil),
		builder: query.NewBuilder(query.Config{}, components),
	}
}

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func rec(key string, mutate ...func(*issue.Record)) *issue.Record {
	r := &issue.Record{
		Key:           key,
		ComponentUUID: fileUUID,
		ProjectUUID:   projectUUID,
		RuleKey:       "java:S101",
		Status:        issue.StatusOpen,
		Severity:      issue.SeverityMajor,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
	for _, m := range mutate {
		m(r)
	}
	return r
}

func (e *env) search(t *testing.T, req query.Request, viewer permission.Viewer) *Result {
	t.Helper()
	q, err := e.builder.Build(context.Background(), req, viewer)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res, err := e.engine.Search(context.Background(), q)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	return res
}

func values(t *testing.T, res *Result, facet string) []FacetValue {
	t.Helper()
	f := res.Facet(facet)
	if f == nil {
		t.Fatalf("facet %s missing", facet)
	}
	return f.Values
}

func TestStickyFacetIgnoresItsOwnFilter(t *testing.T) {
	e := newEnv(t,
		rec("I1"),
		rec("I2"),
		rec("I3", func(r *issue.Record) { r.Severity = issue.SeverityBlocker }),
		rec("I4", func(r *issue.Record) { r.Status = issue.StatusConfirmed }),
	)
	req := query.NewRequest().
		Severities("MAJOR").
		Facets(query.FacetSeverities, query.FacetStatuses).
		Build()
	res := e.search(t, req, permission.Viewer{Login: "alice"})

	if res.Total != 3 {
		t.Errorf("Total = %d, want 3", res.Total)
	}
	wantSev := []FacetValue{{"MAJOR", 3}, {"BLOCKER", 1}}
	if got := values(t, res, query.FacetSeverities); !reflect.DeepEqual(got, wantSev) {
		t.Errorf("severities = %v, want %v", got, wantSev)
	}
	wantStatus := []FacetValue{{"OPEN", 2}, {"CONFIRMED", 1}}
	if got := values(t, res, query.FacetStatuses); !reflect.DeepEqual(got, wantStatus) {
		t.Errorf("statuses = %v, want %v", got, wantStatus)
	}
	if res.Facets[0].Property != query.FacetSeverities {
		t.Errorf("facet order = %s first, want severities", res.Facets[0].Property)
	}
}

func TestSelectedValuesWithoutMatchesHaveZeroCount(t *testing.T) {
	e := newEnv(t, rec("I1", func(r *issue.Record) {
		r.Assignee = "simon"
		r.Tags = []string{"bug"}
	}))
	req := query.NewRequest().
		Assignees("xoo").
		Tags("polop", "palap").
		Facets(query.FacetAssignees, query.FacetTags).
		Build()
	res := e.search(t, req, permission.Viewer{Login: "alice"})

	if res.Total != 0 {
		t.Errorf("Total = %d, want 0", res.Total)
	}
	wantTags := []FacetValue{{"polop", 0}, {"palap", 0}}
	if got := values(t, res, query.FacetTags); !reflect.DeepEqual(got, wantTags) {
		t.Errorf("tags = %v, want %v", got, wantTags)
	}
	wantAssignees := []FacetValue{{"xoo", 0}}
	if got := values(t, res, query.FacetAssignees); !reflect.DeepEqual(got, wantAssignees) {
		t.Errorf("assignees = %v, want %v", got, wantAssignees)
	}
}

func TestFacetOrderAndMissingBucket(t *testing.T) {
	e := newEnv(t,
		rec("I1", func(r *issue.Record) { r.Status, r.Resolution = issue.StatusResolved, issue.ResolutionFixed }),
		rec("I2", func(r *issue.Record) { r.Assignee = "bob" }),
		rec("I3", func(r *issue.Record) { r.Assignee = "ann" }),
		rec("I4"),
	)
	req := query.NewRequest().Facets(query.FacetResolutions, query.FacetAssignees).Build()
	res := e.search(t, req, permission.Viewer{Login: "alice"})

	wantRes := []FacetValue{{"", 3}, {"FIXED", 1}}
	if got := values(t, res, query.FacetResolutions); !reflect.DeepEqual(got, wantRes) {
		t.Errorf("resolutions = %v, want %v", got, wantRes)
	}
	wantAssignees := []FacetValue{{"", 2}, {"ann", 1}, {"bob", 1}}
	if got := values(t, res, query.FacetAssignees); !reflect.DeepEqual(got, wantAssignees) {
		t.Errorf("assignees = %v, want %v", got, wantAssignees)
	}
}

func TestAssignedToMeUsesLoginLiterally(t *testing.T) {
	e := newEnv(t,
		rec("I1", func(r *issue.Record) { r.Assignee = "foo[" }),
		rec("I2", func(r *issue.Record) { r.Assignee = "foobar" }),
		rec("I3", func(r *issue.Record) { r.Assignee = "/x/" }),
	)
	tests := []struct {
		login string
		want  int64
	}{
		{"foo[", 1},
		{"foo*", 0},
		{"/x/", 1},
		{"x", 0},
	}
	for _, tt := range tests {
		t.Run(tt.login, func(t *testing.T) {
			req := query.NewRequest().Facets(query.FacetAssignedToMe).Build()
			res := e.search(t, req, permission.Viewer{Login: tt.login})
			want := []FacetValue{{tt.login, tt.want}}
			if got := values(t, res, query.FacetAssignedToMe); !reflect.DeepEqual(got, want) {
				t.Errorf("assigned_to_me = %v, want %v", got, want)
			}
		})
	}
}

func TestAssignedToMeIsEmptyForAnonymous(t *testing.T) {
	e := newEnv(t, rec("I1", func(r *issue.Record) { r.Assignee = "simon" }))
	req := query.NewRequest().Facets(query.FacetAssignedToMe).Build()
	res := e.search(t, req, permission.Viewer{})
	if got := values(t, res, query.FacetAssignedToMe); len(got) != 0 {
		t.Errorf("assigned_to_me = %v, want empty", got)
	}
}

func TestAssignedToMeIgnoresAssigneeFilter(t *testing.T) {
	e := newEnv(t,
		rec("I1", func(r *issue.Record) { r.Assignee = "alice" }),
		rec("I2", func(r *issue.Record) { r.Assignee = "bob" }),
	)
	req := query.NewRequest().Assignees("bob").Facets(query.FacetAssignedToMe).Build()
	res := e.search(t, req, permission.Viewer{Login: "alice"})
	if res.Total != 1 {
		t.Errorf("Total = %d, want 1", res.Total)
	}
	want := []FacetValue{{"alice", 1}}
	if got := values(t, res, query.FacetAssignedToMe); !reflect.DeepEqual(got, want) {
		t.Errorf("assigned_to_me = %v, want %v", got, want)
	}
}

func TestPaging(t *testing.T) {
	var records []*issue.Record
	for i := 0; i < 12; i++ {
		n := i
		records = append(records, rec(fmt.Sprintf("I%02d", i), func(r *issue.Record) {
			r.CreatedAt = base.Add(time.Duration(n) * time.Hour)
		}))
	}
	e := newEnv(t, records...)

	tests := []struct {
		name      string
		page      int
		size      int
		wantKeys  int
		wantPage  int
		wantSize  int
		wantFirst string
	}{
		{"second page", 2, 9, 3, 2, 9, "I02"},
		{"negative size", 1, -1, 1, 1, 1, "I11"},
		{"past the end", 5, 9, 0, 5, 9, ""},
		{"offset past int range", math.MaxInt, 4, 0, math.MaxInt, 4, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := query.NewRequest().Page(tt.page, tt.size).Build()
			res := e.search(t, req, permission.Viewer{Login: "alice"})
			if res.Total != 12 {
				t.Errorf("Total = %d, want 12", res.Total)
			}
			if len(res.Keys) != tt.wantKeys {
				t.Fatalf("keys = %v, want %d", res.Keys, tt.wantKeys)
			}
			if res.Page != tt.wantPage || res.PageSize != tt.wantSize {
				t.Errorf("paging = %d/%d, want %d/%d", res.Page, res.PageSize, tt.wantPage, tt.wantSize)
			}
			if tt.wantFirst != "" && res.Keys[0] != tt.wantFirst {
				t.Errorf("first key = %s, want %s", res.Keys[0], tt.wantFirst)
			}
		})
	}
}

func TestRetiredFacetsProduceNothing(t *testing.T) {
	e := newEnv(t, rec("I1"), rec("I2", func(r *issue.Record) { r.Assignee = "bob" }))
	req := query.NewRequest().Facets(
		"statuses", "severities", "resolutions", "projectUuids", "rules",
		"fileUuids", "assignees", "languages", "actionPlans", "types",
	).Build()
	res := e.search(t, req, permission.Viewer{Login: "alice"})
	if len(res.Facets) != 8 {
		t.Fatalf("facets = %d, want 8", len(res.Facets))
	}
	for _, name := range []string{"actionPlans", "types"} {
		if res.Facet(name) != nil {
			t.Errorf("facet %s present", name)
		}
	}
	if got := values(t, res, query.FacetStatuses); len(got) != 1 || got[0].Count != 2 {
		t.Errorf("statuses = %v, want OPEN=2", got)
	}
}

func TestSortByUpdateDateDescending(t *testing.T) {
	e := newEnv(t,
		rec("t1", func(r *issue.Record) { r.UpdatedAt = base.Add(time.Hour) }),
		rec("t3", func(r *issue.Record) { r.UpdatedAt = base.Add(3 * time.Hour) }),
		rec("t2", func(r *issue.Record) { r.UpdatedAt = base.Add(2 * time.Hour) }),
	)
	req := query.NewRequest().OrderBy(query.SortUpdateDate, false).Build()
	res := e.search(t, req, permission.Viewer{Login: "alice"})
	want := []string{"t3", "t2", "t1"}
	if !reflect.DeepEqual(res.Keys, want) {
		t.Errorf("keys = %v, want %v", res.Keys, want)
	}
}

func TestTiesBreakByKey(t *testing.T) {
	e := newEnv(t, rec("b"), rec("c"), rec("a"))
	req := query.NewRequest().OrderBy(query.SortSeverity, true).Build()
	res := e.search(t, req, permission.Viewer{Login: "alice"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(res.Keys, want) {
		t.Errorf("keys = %v, want %v", res.Keys, want)
	}
}

func TestComponentScope(t *testing.T) {
	e := newEnv(t, rec("I1"), rec("I2"))
	tests := []struct {
		name string
		keys []string
		want uint64
	}{
		{"project", []string{"sample"}, 2},
		{"file", []string{"sample:Foo.java"}, 2},
		{"file without issues", []string{"sample:Empty.go"}, 0},
		{"unknown key", []string{"nope"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := query.NewRequest().Components(tt.keys...).Facets(query.FacetSeverities).Build()
			res := e.search(t, req, permission.Viewer{Login: "alice"})
			if res.Total != tt.want {
				t.Errorf("Total = %d, want %d", res.Total, tt.want)
			}
		})
	}
}

func TestEffortMode(t *testing.T) {
	effort := func(n int64) func(*issue.Record) {
		return func(r *issue.Record) { r.Effort = &n }
	}
	e := newEnv(t,
		rec("I1", effort(10)),
		rec("I2", effort(5)),
		rec("I3", effort(30), func(r *issue.Record) { r.Severity = issue.SeverityMinor }),
		rec("I4"),
	)
	for _, mode := range []string{query.FacetModeEffort, query.FacetModeDebt} {
		t.Run(mode, func(t *testing.T) {
			req := query.NewRequest().FacetMode(mode).Facets(query.FacetSeverities).Build()
			res := e.search(t, req, permission.Viewer{Login: "alice"})
			if res.EffortTotal != 45 {
				t.Errorf("EffortTotal = %d, want 45", res.EffortTotal)
			}
			want := []FacetValue{{"MINOR", 30}, {"MAJOR", 15}}
			if got := values(t, res, query.FacetSeverities); !reflect.DeepEqual(got, want) {
				t.Errorf("severities = %v, want %v", got, want)
			}
		})
	}
}

func TestInvisibleProjectsAreNeverCounted(t *testing.T) {
	e := newEnv(t,
		rec("I1"),
		rec("I2", func(r *issue.Record) { r.ProjectUUID = "secret"; r.ComponentUUID = "secret-file" }),
	)
	req := query.NewRequest().Facets(query.FacetProjectUUIDs).Build()
	res := e.search(t, req, permission.Viewer{Login: "alice"})
	if res.Total != 1 || !reflect.DeepEqual(res.Keys, []string{"I1"}) {
		t.Errorf("keys = %v (total %d), want [I1]", res.Keys, res.Total)
	}
	want := []FacetValue{{projectUUID, 1}}
	if got := values(t, res, query.FacetProjectUUIDs); !reflect.DeepEqual(got, want) {
		t.Errorf("projectUuids = %v, want %v", got, want)
	}

	e.engine = New(e.idx, visibleTo{}, Config{}, nil, nil)
	res = e.search(t, req, permission.Viewer{Login: "alice"})
	if res.Total != 0 {
		t.Errorf("Total with no visible project = %d, want 0", res.Total)
	}
}

func TestSearchWithPermissionIndex(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "search.db")}, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	issues, err := index.NewMemOnly(index.IssueMapping(), index.Options{Name: "issues"})
	if err != nil {
		t.Fatalf("issue index: %v", err)
	}
	t.Cleanup(func() { issues.Close() })
	permIdx, err := index.NewMemOnly(index.PermissionMapping(), index.Options{Name: "permissions"})
	if err != nil {
		t.Fatalf("permission index: %v", err)
	}
	t.Cleanup(func() { permIdx.Close() })

	perms := permission.New(s, permIdx, nil)
	ix := indexer.New(s, issues, perms, indexer.Config{}, nil, nil)

	var open, closed *issue.Component
	_, err = ix.CommitAndIndex(ctx, func(tx *store.Tx) (*indexer.Change, error) {
		open = &issue.Component{Key: "open", Name: "Open", Qualifier: issue.QualifierProject, Enabled: true}
		closed = &issue.Component{Key: "closed", Name: "Closed", Qualifier: issue.QualifierProject, Enabled: true}
		for _, c := range []*issue.Component{open, closed} {
			if err := tx.InsertComponent(c); err != nil {
				return nil, err
			}
		}
		if err := tx.GrantPermission(store.Grant{ProjectUUID: open.UUID, Kind: store.SubjectUser, Subject: "alice", Role: store.RoleUser}); err != nil {
			return nil, err
		}
		for _, r := range []*issue.Record{
			rec("OPEN-1", func(r *issue.Record) { r.ComponentUUID, r.ProjectUUID = open.UUID, open.UUID }),
			rec("CLOSED-1", func(r *issue.Record) { r.ComponentUUID, r.ProjectUUID = closed.UUID, closed.UUID }),
		} {
			if err := tx.InsertIssue(r); err != nil {
				return nil, err
			}
		}
		return &indexer.Change{IssueKeys: []string{"OPEN-1", "CLOSED-1"}, ProjectUUIDs: []string{open.UUID, closed.UUID}}, nil
	})
	if err != nil {
		t.Fatalf("CommitAndIndex: %v", err)
	}

	engine := New(issues, perms, Config{}, nil, nil)
	builder := query.NewBuilder(query.Config{}, s)
	run := func(v permission.Viewer) []string {
		t.Helper()
		q, err := builder.Build(ctx, query.NewRequest().Build(), v)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		res, err := engine.Search(ctx, q)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		return res.Keys
	}

	if got := run(permission.Viewer{Login: "alice"}); !reflect.DeepEqual(got, []string{"OPEN-1"}) {
		t.Errorf("alice sees %v, want [OPEN-1]", got)
	}
	if got := run(permission.Viewer{}); len(got) != 0 {
		t.Errorf("anonymous sees %v, want nothing", got)
	}
}
