package search

import (
	"context"
	"reflect"
	"testing"

	"github.com/nainya/issuesearch/pkg/issue"
	"github.com/nainya/issuesearch/pkg/permission"
	"github.com/nainya/issuesearch/pkg/query"
)

func TestListTagsForComponent(t *testing.T) {
	tags := func(names ...string) func(*issue.Record) {
		return func(r *issue.Record) { r.Tags = names }
	}
	e := newEnv(t,
		rec("I1", tags("convention", "java8", "bug")),
		rec("I2", tags("convention", "bug")),
		rec("I3", tags("convention", "cwe")),
		rec("I4", tags("obsolete"), func(r *issue.Record) {
			r.Status, r.Resolution = issue.StatusClosed, issue.ResolutionFixed
		}),
	)
	q, err := e.builder.Build(context.Background(), query.NewRequest().Components("sample").Build(), permission.Viewer{Login: "alice"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tests := []struct {
		limit int
		want  []FacetValue
	}{
		{5, []FacetValue{{"convention", 3}, {"bug", 2}, {"cwe", 1}, {"java8", 1}}},
		{2, []FacetValue{{"convention", 3}, {"bug", 2}}},
		{3, []FacetValue{{"convention", 3}, {"bug", 2}, {"cwe", 1}}},
	}
	for _, tt := range tests {
		got, err := e.engine.ListTagsForComponent(context.Background(), q, tt.limit)
		if err != nil {
			t.Fatalf("ListTagsForComponent: %v", err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("limit %d: tags = %v, want %v", tt.limit, got, tt.want)
		}
	}
}

func TestListTagsForEmptyComponent(t *testing.T) {
	e := newEnv(t, rec("I1", func(r *issue.Record) { r.Tags = []string{"bug"} }))
	q, err := e.builder.Build(context.Background(), query.NewRequest().Components("sample:Empty.go").Build(), permission.Viewer{Login: "alice"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got, err := e.engine.ListTagsForComponent(context.Background(), q, DefaultTagLimit)
	if err != nil {
		t.Fatalf("ListTagsForComponent: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("tags = %v, want none", got)
	}
}

func TestListTagsHonoursExplicitResolvedFilter(t *testing.T) {
	e := newEnv(t,
		rec("I1", func(r *issue.Record) { r.Tags = []string{"bug"} }),
		rec("I2", func(r *issue.Record) {
			r.Tags = []string{"obsolete"}
			r.Status, r.Resolution = issue.StatusClosed, issue.ResolutionFixed
		}),
	)
	q, err := e.builder.Build(context.Background(), query.NewRequest().Resolved(true).Build(), permission.Viewer{Login: "alice"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got, err := e.engine.ListTagsForComponent(context.Background(), q, 0)
	if err != nil {
		t.Fatalf("ListTagsForComponent: %v", err)
	}
	want := []FacetValue{{"obsolete", 1}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("tags = %v, want %v", got, want)
	}
}

type step struct {
	order *[]string
	name  string
	err   error
}

func (s step) IndexOnStartup(ctx context.Context) error {
	*s.order = append(*s.order, s.name)
	return s.err
}

type issueSteps struct{ order *[]string }

func (s issueSteps) IndexOnStartup(ctx context.Context) (int, error) {
	*s.order = append(*s.order, "issues")
	return 0, nil
}

func (s issueSteps) Recover(ctx context.Context) (int, error) {
	*s.order = append(*s.order, "recover")
	return 0, nil
}

func TestBootstrapOrder(t *testing.T) {
	var order []string
	if err := Bootstrap(context.Background(), step{order: &order, name: "permissions"}, issueSteps{&order}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	want := []string{"permissions", "issues", "recover"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}

	order = nil
	err := Bootstrap(context.Background(), step{order: &order, name: "permissions", err: context.Canceled}, issueSteps{&order})
	if err == nil {
		t.Fatal("Bootstrap should fail when permissions fail")
	}
	if !reflect.DeepEqual(order, []string{"permissions"}) {
		t.Errorf("order = %v, issues must not be indexed", order)
	}
}
