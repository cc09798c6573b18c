// ABOUTME: Issue query request and parsed query types
// ABOUTME: Fluent request builder, facet definitions and sort keys

package query

import (
	"math"
	"time"

	"github.com/nainya/issuesearch/pkg/index"
	"github.com/nainya/issuesearch/pkg/permission"
)

// AssigneeMe is the assignee value standing for the current viewer
const AssigneeMe = "__me__"

// Facet names
const (
	FacetSeverities   = "severities"
	FacetStatuses     = "statuses"
	FacetResolutions  = "resolutions"
	FacetRules        = "rules"
	FacetTags         = "tags"
	FacetLanguages    = "languages"
	FacetAssignees    = "assignees"
	FacetAuthors      = "authors"
	FacetProjectUUIDs = "projectUuids"
	FacetFileUUIDs    = "fileUuids"
	FacetAssignedToMe = "assigned_to_me"
)

// Clause names. A facet excludes the clauses that filter its own dimension.
const (
	ClauseSeverities     = "severities"
	ClauseStatuses       = "statuses"
	ClauseResolutions    = "resolutions"
	ClauseResolved       = "resolved"
	ClauseRules          = "rules"
	ClauseTags           = "tags"
	ClauseLanguages      = "languages"
	ClauseAssignees      = "assignees"
	ClauseAuthors        = "authors"
	ClauseProjectUUIDs   = "projectUuids"
	ClauseFileUUIDs      = "fileUuids"
	ClauseComponentUUIDs = "componentUuids"
	ClauseCreatedAt      = "createdAt"
)

// FacetDef describes how one facet is computed
type FacetDef struct {
	Name     string
	Field    string   // Index field holding the bucket value
	Excludes []string // Clauses removed from the query for this facet's counts
}

var facetDefs = map[string]FacetDef{
	FacetSeverities:   {FacetSeverities, index.FieldSeverity, []string{ClauseSeverities}},
	FacetStatuses:     {FacetStatuses, index.FieldStatus, []string{ClauseStatuses}},
	FacetResolutions:  {FacetResolutions, index.FieldResolution, []string{ClauseResolutions, ClauseResolved}},
	FacetRules:        {FacetRules, index.FieldRule, []string{ClauseRules}},
	FacetTags:         {FacetTags, index.FieldTags, []string{ClauseTags}},
	FacetLanguages:    {FacetLanguages, index.FieldLanguage, []string{ClauseLanguages}},
	FacetAssignees:    {FacetAssignees, index.FieldAssignee, []string{ClauseAssignees}},
	FacetAuthors:      {FacetAuthors, index.FieldAuthor, []string{ClauseAuthors}},
	FacetProjectUUIDs: {FacetProjectUUIDs, index.FieldProject, []string{ClauseProjectUUIDs}},
	FacetFileUUIDs:    {FacetFileUUIDs, index.FieldComponent, []string{ClauseFileUUIDs}},
	FacetAssignedToMe: {FacetAssignedToMe, index.FieldAssignee, []string{ClauseAssignees}},
}

// Facets older clients still request. They are accepted and produce no
// facet: action plans no longer exist and issues carry no type.
var retiredFacets = map[string]bool{
	"actionPlans": true,
	"types":       true,
}

// LookupFacet returns the definition of a facet name
func LookupFacet(name string) (FacetDef, bool) {
	def, ok := facetDefs[name]
	return def, ok
}

// Facet modes
const (
	FacetModeCount  = "count"
	FacetModeEffort = "effort"
	FacetModeDebt   = "debt" // Deprecated alias of effort
)

// SortKey orders search results
type SortKey string

const (
	SortCreationDate SortKey = "CREATION_DATE"
	SortUpdateDate   SortKey = "UPDATE_DATE"
	SortSeverity     SortKey = "SEVERITY"
	SortStatus       SortKey = "STATUS"
)

var sortFields = map[SortKey]string{
	SortCreationDate: index.FieldCreatedAt,
	SortUpdateDate:   index.FieldUpdatedAt,
	SortSeverity:     index.FieldSeverityRank,
	SortStatus:       index.FieldStatus,
}

// Additional response fields
const (
	FieldsAll         = "_all"
	FieldsComments    = "comments"
	FieldsUsers       = "users"
	FieldsRules       = "rules"
	FieldsActions     = "actions"
	FieldsTransitions = "transitions"
	FieldsLanguages   = "languages"
)

var additionalFields = []string{FieldsComments, FieldsUsers, FieldsRules, FieldsActions, FieldsTransitions, FieldsLanguages}

// Request is the raw, unvalidated filter set a caller sends
type Request struct {
	ComponentKeys    []string
	ProjectKeys      []string
	FileUUIDs        []string
	Severities       []string
	Statuses         []string
	Resolutions      []string
	Resolved         *bool // nil applies no filter
	Assignees        []string
	Tags             []string
	Authors          []string
	Languages        []string
	Rules            []string
	CreatedAfter     string
	CreatedBefore    string
	Facets           []string
	FacetMode        string
	Sort             string
	Asc              *bool // nil uses the sort key's default
	Page             int
	PageSize         *int // nil uses the default page size
	HideComments     bool
	AdditionalFields []string
}

// RequestBuilder provides a fluent interface for building requests
type RequestBuilder struct {
	req Request
}

// NewRequest creates a new request builder
func NewRequest() *RequestBuilder {
	return &RequestBuilder{}
}

func (rb *RequestBuilder) Components(keys ...string) *RequestBuilder {
	rb.req.ComponentKeys = append(rb.req.ComponentKeys, keys...)
	return rb
}

func (rb *RequestBuilder) Projects(keys ...string) *RequestBuilder {
	rb.req.ProjectKeys = append(rb.req.ProjectKeys, keys...)
	return rb
}

func (rb *RequestBuilder) Severities(s ...string) *RequestBuilder {
	rb.req.Severities = append(rb.req.Severities, s...)
	return rb
}

func (rb *RequestBuilder) Statuses(s ...string) *RequestBuilder {
	rb.req.Statuses = append(rb.req.Statuses, s...)
	return rb
}

func (rb *RequestBuilder) Resolutions(r ...string) *RequestBuilder {
	rb.req.Resolutions = append(rb.req.Resolutions, r...)
	return rb
}

// Resolved filters on the derived resolved flag
func (rb *RequestBuilder) Resolved(resolved bool) *RequestBuilder {
	rb.req.Resolved = &resolved
	return rb
}

func (rb *RequestBuilder) Assignees(logins ...string) *RequestBuilder {
	rb.req.Assignees = append(rb.req.Assignees, logins...)
	return rb
}

func (rb *RequestBuilder) Tags(tags ...string) *RequestBuilder {
	rb.req.Tags = append(rb.req.Tags, tags...)
	return rb
}

func (rb *RequestBuilder) Authors(logins ...string) *RequestBuilder {
	rb.req.Authors = append(rb.req.Authors, logins...)
	return rb
}

func (rb *RequestBuilder) Languages(langs ...string) *RequestBuilder {
	rb.req.Languages = append(rb.req.Languages, langs...)
	return rb
}

func (rb *RequestBuilder) Rules(keys ...string) *RequestBuilder {
	rb.req.Rules = append(rb.req.Rules, keys...)
	return rb
}

// CreatedBetween sets the raw creation date bounds; either may be empty
func (rb *RequestBuilder) CreatedBetween(after, before string) *RequestBuilder {
	rb.req.CreatedAfter = after
	rb.req.CreatedBefore = before
	return rb
}

func (rb *RequestBuilder) Facets(names ...string) *RequestBuilder {
	rb.req.Facets = append(rb.req.Facets, names...)
	return rb
}

func (rb *RequestBuilder) FacetMode(mode string) *RequestBuilder {
	rb.req.FacetMode = mode
	return rb
}

// OrderBy sets the sort key and direction
func (rb *RequestBuilder) OrderBy(key SortKey, asc bool) *RequestBuilder {
	rb.req.Sort = string(key)
	rb.req.Asc = &asc
	return rb
}

// Page sets the 1-based page number and the page size
func (rb *RequestBuilder) Page(page, size int) *RequestBuilder {
	rb.req.Page = page
	rb.req.PageSize = &size
	return rb
}

func (rb *RequestBuilder) HideComments() *RequestBuilder {
	rb.req.HideComments = true
	return rb
}

func (rb *RequestBuilder) AdditionalFields(fields ...string) *RequestBuilder {
	rb.req.AdditionalFields = append(rb.req.AdditionalFields, fields...)
	return rb
}

// Build returns the constructed request
func (rb *RequestBuilder) Build() Request {
	return rb.req
}

// Query is a validated, viewer-bound query. It is not modified after Build.
type Query struct {
	Viewer permission.Viewer

	ComponentUUIDs []string
	ProjectUUIDs   []string
	FileUUIDs      []string
	Severities     []string
	Statuses       []string
	Resolutions    []string
	Resolved       *bool
	Assignees      []string
	Tags           []string
	Authors        []string
	Languages      []string
	Rules          []string
	CreatedAfter   time.Time // Zero means unbounded
	CreatedBefore  time.Time // Zero means unbounded, exclusive otherwise

	// UnknownScope is set when a component or project key did not resolve.
	// Such a query matches nothing.
	UnknownScope bool

	Facets    []string
	FacetMode string

	Sort SortKey
	Asc  bool

	Page     int
	PageSize int

	HideComments     bool
	AdditionalFields map[string]bool

	clauses *Clauses
}

// Clauses returns the named filter clauses of the query
func (q *Query) Clauses() *Clauses {
	return q.clauses
}

// Offset returns the index of the first hit of the requested page. It
// saturates at math.MaxInt, which lies past any result window.
func (q *Query) Offset() int {
	if q.PageSize > 0 && q.Page-1 > math.MaxInt/q.PageSize {
		return math.MaxInt
	}
	return (q.Page - 1) * q.PageSize
}

// Wants reports whether an additional response field was requested
func (q *Query) Wants(field string) bool {
	return q.AdditionalFields[field]
}

// EffortMode reports whether facets sum effort instead of counting issues
func (q *Query) EffortMode() bool {
	return q.FacetMode == FacetModeEffort || q.FacetMode == FacetModeDebt
}

// SelectedValues returns the filter values supplied for a facet's own
// dimension, in the order supplied
func (q *Query) SelectedValues(facet string) []string {
	switch facet {
	case FacetSeverities:
		return q.Severities
	case FacetStatuses:
		return q.Statuses
	case FacetResolutions:
		return q.Resolutions
	case FacetRules:
		return q.Rules
	case FacetTags:
		return q.Tags
	case FacetLanguages:
		return q.Languages
	case FacetAssignees:
		return q.Assignees
	case FacetAuthors:
		return q.Authors
	case FacetProjectUUIDs:
		return q.ProjectUUIDs
	case FacetFileUUIDs:
		return q.FileUUIDs
	}
	return nil
}
