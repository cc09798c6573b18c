// ABOUTME: Facet engine running permission-aware issue searches
// ABOUTME: Main hits plus sticky facets computed from per-facet clause exclusions

package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	bsearch "github.com/blevesearch/bleve/v2/search"
	bquery "github.com/blevesearch/bleve/v2/search/query"
	"golang.org/x/sync/errgroup"

	"github.com/nainya/issuesearch/internal/logger"
	"github.com/nainya/issuesearch/internal/metrics"
	"github.com/nainya/issuesearch/pkg/index"
	"github.com/nainya/issuesearch/pkg/permission"
	"github.com/nainya/issuesearch/pkg/query"
)

// clauseVisibility is never excluded by any facet
const clauseVisibility = "__visibility"

// Visibility lists the projects a viewer may browse
type Visibility interface {
	VisibleProjects(ctx context.Context, v permission.Viewer) ([]string, error)
}

// Config holds engine parameters
type Config struct {
	FacetSize int // Buckets kept per facet, selected values aside (default 15)
}

// Engine executes queries against the issue index. It is safe for
// concurrent use.
type Engine struct {
	idx   *index.Index
	perms Visibility
	cfg   Config
	log   *logger.Logger
	m     *metrics.Metrics
}

// New creates an engine
func New(idx *index.Index, perms Visibility, cfg Config, log *logger.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.FacetSize <= 0 {
		cfg.FacetSize = 15
	}
	return &Engine{idx: idx, perms: perms, cfg: cfg, log: log, m: m}
}

// FacetValue is one bucket of a facet
type FacetValue struct {
	Val   string
	Count int64 // Issue count, or effort sum in effort mode
}

// Facet is the ordered buckets of one requested facet
type Facet struct {
	Property string
	Values   []FacetValue
}

// Result is one page of matching issue keys with totals and facets
type Result struct {
	Keys        []string
	Total       uint64
	Page        int
	PageSize    int
	Facets      []Facet // Requested order
	EffortTotal int64   // Sum of effort over all matches
}

// Facet returns the named facet, or nil
func (r *Result) Facet(name string) *Facet {
	for i := range r.Facets {
		if r.Facets[i].Property == name {
			return &r.Facets[i]
		}
	}
	return nil
}

// Search runs q for its viewer. Issues the viewer may not browse are never
// returned nor counted.
func (e *Engine) Search(ctx context.Context, q *query.Query) (res *Result, err error) {
	start := time.Now()
	defer func() {
		var total uint64
		n := 0
		if res != nil {
			total, n = res.Total, len(res.Keys)
		}
		e.log.LogSearch(q.Viewer.Login, total, len(q.Facets), time.Since(start), err)
		e.m.RecordSearch(n, time.Since(start), err)
	}()

	clauses, err := e.visibleClauses(ctx, q)
	if err != nil {
		return nil, err
	}

	req := bleve.NewSearchRequestOptions(clauses.Compose(), q.PageSize, q.Offset(), false)
	req.SortByCustom(q.SortOrder())

	plan := planFacets(q, clauses)
	if !q.EffortMode() {
		for _, def := range plan.onMain {
			req.AddFacet(def.Name, bleve.NewFacetRequest(def.Field, exhaustive))
		}
	}

	main, err := e.idx.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	res = &Result{
		Keys:     make([]string, 0, len(main.Hits)),
		Total:    main.Total,
		Page:     q.Page,
		PageSize: q.PageSize,
	}
	for _, hit := range main.Hits {
		res.Keys = append(res.Keys, hit.ID)
	}

	buckets, err := e.computeFacets(ctx, q, clauses, plan, main)
	if err != nil {
		return nil, err
	}
	if q.EffortMode() {
		res.EffortTotal = buckets.effortTotal
	}
	for _, name := range q.Facets {
		res.Facets = append(res.Facets, Facet{Property: name, Values: buckets.facets[name]})
	}
	return res, nil
}

// visibleClauses conjoins the query's clauses with the viewer's projects
func (e *Engine) visibleClauses(ctx context.Context, q *query.Query) (*query.Clauses, error) {
	projects, err := e.perms.VisibleProjects(ctx, q.Viewer)
	if err != nil {
		return nil, fmt.Errorf("search: visibility: %w", err)
	}
	var vis bquery.Query = bleve.NewMatchNoneQuery()
	if len(projects) > 0 {
		parts := make([]bquery.Query, len(projects))
		for i, p := range projects {
			t := bleve.NewTermQuery(p)
			t.SetField(index.FieldProject)
			parts[i] = t
		}
		vis = bleve.NewDisjunctionQuery(parts...)
	}
	return q.Clauses().With(clauseVisibility, vis), nil
}

// exhaustive asks bleve for every term; buckets are ordered and truncated
// afterwards so ties and selected values are handled exactly
const exhaustive = 100000

// facetPlan groups requested facets by the clauses they drop. Facets that
// drop nothing active share the main request.
type facetPlan struct {
	onMain []query.FacetDef
	groups []facetGroup
	toMe   bool
}

type facetGroup struct {
	excluded []string
	defs     []query.FacetDef
}

func planFacets(q *query.Query, clauses *query.Clauses) facetPlan {
	var plan facetPlan
	byKey := make(map[string]int)
	for _, name := range q.Facets {
		if name == query.FacetAssignedToMe {
			plan.toMe = true
			continue
		}
		def, _ := query.LookupFacet(name)
		var active []string
		for _, c := range def.Excludes {
			if clauses.Has(c) {
				active = append(active, c)
			}
		}
		if len(active) == 0 {
			plan.onMain = append(plan.onMain, def)
			continue
		}
		sort.Strings(active)
		key := strings.Join(active, ",")
		i, ok := byKey[key]
		if !ok {
			i = len(plan.groups)
			byKey[key] = i
			plan.groups = append(plan.groups, facetGroup{excluded: active})
		}
		plan.groups[i].defs = append(plan.groups[i].defs, def)
	}
	return plan
}

type facetBuckets struct {
	facets      map[string][]FacetValue
	effortTotal int64
}

// computeFacets runs one secondary search per sticky group, in parallel
func (e *Engine) computeFacets(ctx context.Context, q *query.Query, clauses *query.Clauses, plan facetPlan, main *bleve.SearchResult) (*facetBuckets, error) {
	out := &facetBuckets{facets: make(map[string][]FacetValue, len(q.Facets))}
	groupRaw := make([]map[string]rawFacet, len(plan.groups))
	var mainRaw map[string]rawFacet
	var toMe []FacetValue

	g, gctx := errgroup.WithContext(ctx)

	if q.EffortMode() {
		g.Go(func() error {
			raw, total, err := e.sumEffort(gctx, clauses.Compose(), plan.onMain)
			mainRaw = raw
			out.effortTotal = total
			return err
		})
	} else {
		mainRaw = fromBleve(main, plan.onMain)
	}

	for i, grp := range plan.groups {
		i, grp := i, grp
		g.Go(func() error {
			e.m.RecordFacetSearch()
			fq := clauses.Compose(grp.excluded...)
			var err error
			if q.EffortMode() {
				groupRaw[i], _, err = e.sumEffort(gctx, fq, grp.defs)
				return err
			}
			groupRaw[i], err = e.countFacets(gctx, fq, grp.defs)
			return err
		})
	}

	if plan.toMe && !q.Viewer.Anonymous() {
		g.Go(func() error {
			e.m.RecordFacetSearch()
			fq := clauses.With(query.ClauseAssignees, query.AssignedTo(q.Viewer.Login)).Compose()
			n, err := e.assignedCount(gctx, fq, q.EffortMode())
			if err != nil {
				return err
			}
			toMe = []FacetValue{{Val: q.Viewer.Login, Count: n}}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("search: facets: %w", err)
	}

	for name, raw := range mainRaw {
		out.facets[name] = e.finish(q, name, raw)
	}
	for _, raws := range groupRaw {
		for name, raw := range raws {
			out.facets[name] = e.finish(q, name, raw)
		}
	}
	if plan.toMe {
		if toMe == nil {
			toMe = []FacetValue{}
		}
		out.facets[query.FacetAssignedToMe] = toMe
	}
	return out, nil
}

// rawFacet is the unordered bucket data of one facet
type rawFacet struct {
	terms   map[string]int64
	missing int64
}

func fromBleve(res *bleve.SearchResult, defs []query.FacetDef) map[string]rawFacet {
	out := make(map[string]rawFacet, len(defs))
	for _, def := range defs {
		raw := rawFacet{terms: make(map[string]int64)}
		if fr, ok := res.Facets[def.Name]; ok && fr != nil {
			if fr.Terms != nil {
				for _, t := range fr.Terms.Terms() {
					raw.terms[t.Term] = int64(t.Count)
				}
			}
			raw.missing = int64(fr.Missing)
		}
		out[def.Name] = raw
	}
	return out
}

func (e *Engine) countFacets(ctx context.Context, q bquery.Query, defs []query.FacetDef) (map[string]rawFacet, error) {
	req := bleve.NewSearchRequestOptions(q, 0, 0, false)
	for _, def := range defs {
		req.AddFacet(def.Name, bleve.NewFacetRequest(def.Field, exhaustive))
	}
	res, err := e.idx.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	return fromBleve(res, defs), nil
}

func (e *Engine) assignedCount(ctx context.Context, q bquery.Query, effort bool) (int64, error) {
	if effort {
		_, total, err := e.sumEffort(ctx, q, nil)
		return total, err
	}
	res, err := e.idx.Search(ctx, bleve.NewSearchRequestOptions(q, 0, 0, false))
	if err != nil {
		return 0, err
	}
	return int64(res.Total), nil
}

// missingBucket lists facets whose documents without a value are reported
// under the empty value
var missingBucket = map[string]bool{
	query.FacetResolutions: true,
	query.FacetAssignees:   true,
}

// finish orders buckets by value descending then name ascending, keeps the
// top FacetSize plus any selected value, and appends selected values that
// matched nothing with a zero value in the order supplied
func (e *Engine) finish(q *query.Query, name string, raw rawFacet) []FacetValue {
	values := make([]FacetValue, 0, len(raw.terms)+1)
	for term, n := range raw.terms {
		if n > 0 {
			values = append(values, FacetValue{Val: term, Count: n})
		}
	}
	if missingBucket[name] && raw.missing > 0 {
		values = append(values, FacetValue{Val: "", Count: raw.missing})
	}
	sortBuckets(values)

	selected := q.SelectedValues(name)
	isSelected := make(map[string]bool, len(selected))
	for _, s := range selected {
		isSelected[s] = true
	}

	kept := make([]FacetValue, 0, e.cfg.FacetSize+len(selected))
	present := make(map[string]bool, len(values))
	for i, v := range values {
		if i < e.cfg.FacetSize || isSelected[v.Val] {
			kept = append(kept, v)
			present[v.Val] = true
		}
	}
	for _, s := range selected {
		if !present[s] {
			kept = append(kept, FacetValue{Val: s, Count: 0})
			present[s] = true
		}
	}
	return kept
}

func sortBuckets(values []FacetValue) {
	sort.Slice(values, func(i, j int) bool {
		if values[i].Count != values[j].Count {
			return values[i].Count > values[j].Count
		}
		return values[i].Val < values[j].Val
	})
}

// sumEffort walks every match of q and sums effort per bucket of each
// facet, and overall
func (e *Engine) sumEffort(ctx context.Context, q bquery.Query, defs []query.FacetDef) (map[string]rawFacet, int64, error) {
	out := make(map[string]rawFacet, len(defs))
	fields := []string{index.FieldEffort}
	for _, def := range defs {
		out[def.Name] = rawFacet{terms: make(map[string]int64)}
		fields = append(fields, def.Field)
	}

	size := 1000
	if w := e.idx.MaxResultWindow(); w < size {
		size = w
	}
	var total int64
	var after []string
	for {
		req := bleve.NewSearchRequestOptions(q, size, 0, false)
		req.Fields = fields
		req.SortByCustom(bsearch.SortOrder{&bsearch.SortDocID{}})
		if after != nil {
			req.SearchAfter = after
		}
		res, err := e.idx.Search(ctx, req)
		if err != nil {
			return nil, 0, err
		}
		for _, hit := range res.Hits {
			effort := numberField(hit.Fields[index.FieldEffort])
			total += effort
			for _, def := range defs {
				raw := out[def.Name]
				vals := stringsField(hit.Fields[def.Field])
				if len(vals) == 0 {
					raw.missing += effort
				}
				for _, v := range vals {
					raw.terms[v] += effort
				}
				out[def.Name] = raw
			}
		}
		if len(res.Hits) < size {
			return out, total, nil
		}
		after = []string{res.Hits[len(res.Hits)-1].ID}
	}
}

func numberField(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

func stringsField(v any) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, x := range s {
			if str, ok := x.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
