package index

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Issue document fields
const (
	FieldKey          = "key"
	FieldComponent    = "component"
	FieldProject      = "project"
	FieldAncestors    = "ancestors"
	FieldRule         = "rule"
	FieldStatus       = "status"
	FieldResolution   = "resolution"
	FieldResolved     = "resolved"
	FieldSeverity     = "severity"
	FieldSeverityRank = "severityRank"
	FieldAssignee     = "assignee"
	FieldAuthor       = "author"
	FieldTags         = "tags"
	FieldEffort       = "effort"
	FieldCreatedAt    = "createdAt"
	FieldUpdatedAt    = "updatedAt"
	FieldLanguage     = "language"
)

// Permission document fields
const (
	FieldUsers  = "users"
	FieldGroups = "groups"
	FieldAnyone = "anyone"
)

func keywordField() *mapping.FieldMapping {
	f := bleve.NewKeywordFieldMapping()
	f.Analyzer = keyword.Name
	f.Store = true
	f.DocValues = true
	f.IncludeInAll = false
	return f
}

func numericField() *mapping.FieldMapping {
	f := bleve.NewNumericFieldMapping()
	f.Store = true
	f.DocValues = true
	f.IncludeInAll = false
	return f
}

func dateField() *mapping.FieldMapping {
	f := bleve.NewDateTimeFieldMapping()
	f.Store = true
	f.DocValues = true
	f.IncludeInAll = false
	return f
}

func boolField() *mapping.FieldMapping {
	f := bleve.NewBooleanFieldMapping()
	f.Store = true
	f.IncludeInAll = false
	return f
}

func strictMapping(doc *mapping.DocumentMapping) *mapping.IndexMappingImpl {
	doc.Dynamic = false
	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = keyword.Name
	im.IndexDynamic = false
	im.StoreDynamic = false
	im.DocValuesDynamic = false
	return im
}

// IssueMapping maps issue documents. Every string field is a single keyword
// term so filters and facets work on exact values.
func IssueMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentStaticMapping()
	for _, name := range []string{
		FieldKey, FieldComponent, FieldProject, FieldAncestors, FieldRule, FieldStatus,
		FieldResolution, FieldSeverity, FieldAssignee, FieldAuthor, FieldTags, FieldLanguage,
	} {
		doc.AddFieldMappingsAt(name, keywordField())
	}
	doc.AddFieldMappingsAt(FieldSeverityRank, numericField())
	doc.AddFieldMappingsAt(FieldEffort, numericField())
	doc.AddFieldMappingsAt(FieldCreatedAt, dateField())
	doc.AddFieldMappingsAt(FieldUpdatedAt, dateField())
	doc.AddFieldMappingsAt(FieldResolved, boolField())
	return strictMapping(doc)
}

// PermissionMapping maps permission documents, keyed by project UUID
func PermissionMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt(FieldUsers, keywordField())
	doc.AddFieldMappingsAt(FieldGroups, keywordField())
	doc.AddFieldMappingsAt(FieldAnyone, boolField())
	return strictMapping(doc)
}
