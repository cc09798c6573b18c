package query

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Clauses is an ordered set of named filter clauses. Composing with a list
// of excluded names yields the conjunction of every other clause, which is
// how sticky facets drop their own filter.
type Clauses struct {
	names   []string
	queries map[string]query.Query
}

// NewClauses creates an empty clause set
func NewClauses() *Clauses {
	return &Clauses{queries: make(map[string]query.Query)}
}

// Add sets the clause for name, keeping the position of an earlier clause
// with the same name
func (c *Clauses) Add(name string, q query.Query) {
	if _, ok := c.queries[name]; !ok {
		c.names = append(c.names, name)
	}
	c.queries[name] = q
}

// With returns a copy of the set with one more clause
func (c *Clauses) With(name string, q query.Query) *Clauses {
	out := &Clauses{
		names:   append([]string(nil), c.names...),
		queries: make(map[string]query.Query, len(c.queries)+1),
	}
	for k, v := range c.queries {
		out.queries[k] = v
	}
	out.Add(name, q)
	return out
}

// Has reports whether a clause named name is set
func (c *Clauses) Has(name string) bool {
	_, ok := c.queries[name]
	return ok
}

// Names returns clause names in insertion order
func (c *Clauses) Names() []string {
	return append([]string(nil), c.names...)
}

// Compose returns the conjunction of every clause not named in excluded.
// With nothing left it matches every document.
func (c *Clauses) Compose(excluded ...string) query.Query {
	skip := make(map[string]bool, len(excluded))
	for _, name := range excluded {
		skip[name] = true
	}
	var parts []query.Query
	for _, name := range c.names {
		if skip[name] {
			continue
		}
		parts = append(parts, c.queries[name])
	}
	switch len(parts) {
	case 0:
		return bleve.NewMatchAllQuery()
	case 1:
		return parts[0]
	}
	return bleve.NewConjunctionQuery(parts...)
}

// termsQuery matches documents whose field holds any of values. Values are
// compared as exact terms and never parsed.
func termsQuery(field string, values []string) query.Query {
	if len(values) == 1 {
		return termQuery(field, values[0])
	}
	parts := make([]query.Query, len(values))
	for i, v := range values {
		parts[i] = termQuery(field, v)
	}
	return bleve.NewDisjunctionQuery(parts...)
}

func termQuery(field, value string) query.Query {
	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return q
}

// AssignedTo matches issues assigned to login. The login is used as a
// literal term, so query-syntax characters in it have no meaning.
func AssignedTo(login string) query.Query {
	return termQuery(facetDefs[FacetAssignedToMe].Field, login)
}

// SortOrder returns the hit ordering of the query. Ties are broken by issue
// key ascending.
func (q *Query) SortOrder() search.SortOrder {
	field := &search.SortField{
		Field:   sortFields[q.Sort],
		Desc:    !q.Asc,
		Missing: search.SortFieldMissingLast,
	}
	switch q.Sort {
	case SortCreationDate, SortUpdateDate:
		field.Type = search.SortFieldAsDate
	case SortSeverity:
		field.Type = search.SortFieldAsNumber
	default:
		field.Type = search.SortFieldAsString
	}
	return search.SortOrder{field, &search.SortDocID{Desc: false}}
}
