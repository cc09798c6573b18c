package search

import (
	"context"
	"fmt"

	"github.com/blevesearch/bleve/v2"

	"github.com/nainya/issuesearch/pkg/index"
	"github.com/nainya/issuesearch/pkg/query"
)

// DefaultTagLimit applies when ListTagsForComponent gets no positive limit
const DefaultTagLimit = 10

// ListTagsForComponent counts issue tags within the scope of q, most used
// first with ties by name. Without a resolved filter only unresolved issues
// are counted. At most limit tags are returned.
func (e *Engine) ListTagsForComponent(ctx context.Context, q *query.Query, limit int) ([]FacetValue, error) {
	if limit <= 0 {
		limit = DefaultTagLimit
	}
	e.m.RecordTagAggregation()

	clauses, err := e.visibleClauses(ctx, q)
	if err != nil {
		return nil, err
	}
	if q.Resolved == nil {
		unresolved := bleve.NewBoolFieldQuery(false)
		unresolved.SetField(index.FieldResolved)
		clauses = clauses.With(query.ClauseResolved, unresolved)
	}

	req := bleve.NewSearchRequestOptions(clauses.Compose(), 0, 0, false)
	req.AddFacet(query.FacetTags, bleve.NewFacetRequest(index.FieldTags, exhaustive))
	res, err := e.idx.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: tags: %w", err)
	}

	raw := fromBleve(res, []query.FacetDef{{Name: query.FacetTags, Field: index.FieldTags}})[query.FacetTags]
	tags := make([]FacetValue, 0, len(raw.terms))
	for term, n := range raw.terms {
		tags = append(tags, FacetValue{Val: term, Count: n})
	}
	sortBuckets(tags)
	if len(tags) > limit {
		tags = tags[:limit]
	}
	return tags, nil
}
