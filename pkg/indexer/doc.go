package indexer

import (
	"time"

	"github.com/nainya/issuesearch/pkg/index"
	"github.com/nainya/issuesearch/pkg/issue"
	"github.com/nainya/issuesearch/pkg/store"
)

// Projection is the component data copied onto an issue document
type Projection struct {
	Ancestors []string // Component UUID chain, the component itself first
	Language  string
}

// ToDoc converts a record to its index document. Equal inputs always yield
// equal documents; optional values that are absent are left out.
func ToDoc(r *issue.Record, p Projection) index.Doc {
	fields := map[string]any{
		index.FieldKey:          r.Key,
		index.FieldComponent:    r.ComponentUUID,
		index.FieldProject:      r.ProjectUUID,
		index.FieldRule:         r.RuleKey,
		index.FieldStatus:       string(r.Status),
		index.FieldResolved:     r.Resolved(),
		index.FieldSeverity:     string(r.Severity),
		index.FieldSeverityRank: int64(r.Severity.Rank()),
		index.FieldCreatedAt:    normalizeTime(r.CreatedAt),
		index.FieldUpdatedAt:    normalizeTime(r.UpdatedAt),
	}

	ancestors := p.Ancestors
	if len(ancestors) == 0 {
		ancestors = []string{r.ComponentUUID}
	}
	fields[index.FieldAncestors] = append([]string(nil), ancestors...)

	if r.Resolution != "" {
		fields[index.FieldResolution] = string(r.Resolution)
	}
	if r.Assignee != "" {
		fields[index.FieldAssignee] = r.Assignee
	}
	if r.AuthorLogin != "" {
		fields[index.FieldAuthor] = r.AuthorLogin
	}
	if tags := store.NormalizeTags(r.Tags); len(tags) > 0 {
		fields[index.FieldTags] = tags
	}
	if r.Effort != nil {
		fields[index.FieldEffort] = *r.Effort
	}
	if p.Language != "" {
		fields[index.FieldLanguage] = p.Language
	}
	return index.Doc{ID: r.Key, Fields: fields}
}

// normalizeTime keeps the precision the primary store persists
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
