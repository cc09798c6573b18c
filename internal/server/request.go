package server

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/issuesearch/pkg/query"
)

// searchParams mirrors the web API parameters. List parameters accept a
// JSON list or a comma-separated string.
type searchParams struct {
	ComponentKeys    []string `mapstructure:"componentKeys"`
	Projects         []string `mapstructure:"projects"`
	FileUUIDs        []string `mapstructure:"fileUuids"`
	Severities       []string `mapstructure:"severities"`
	Statuses         []string `mapstructure:"statuses"`
	Resolutions      []string `mapstructure:"resolutions"`
	Resolved         *bool    `mapstructure:"resolved"`
	Assignees        []string `mapstructure:"assignees"`
	Tags             []string `mapstructure:"tags"`
	Authors          []string `mapstructure:"authors"`
	Languages        []string `mapstructure:"languages"`
	Rules            []string `mapstructure:"rules"`
	CreatedAfter     string   `mapstructure:"createdAfter"`
	CreatedBefore    string   `mapstructure:"createdBefore"`
	Facets           []string `mapstructure:"facets"`
	FacetMode        string   `mapstructure:"facetMode"`
	Sort             string   `mapstructure:"s"`
	Asc              *bool    `mapstructure:"asc"`
	Page             int      `mapstructure:"p"`
	PageSize         *int     `mapstructure:"ps"`
	HideComments     bool     `mapstructure:"hideComments"`
	AdditionalFields []string `mapstructure:"additionalFields"`
}

func decodeParams(in *structpb.Struct) (*searchParams, error) {
	var p searchParams
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &p,
	})
	if err != nil {
		return nil, err
	}
	if in != nil {
		if err := dec.Decode(in.AsMap()); err != nil {
			return nil, &query.InvalidFilterError{Field: "request", Reason: err.Error()}
		}
	}
	return &p, nil
}

func (p *searchParams) request() query.Request {
	return query.Request{
		ComponentKeys:    p.ComponentKeys,
		ProjectKeys:      p.Projects,
		FileUUIDs:        p.FileUUIDs,
		Severities:       p.Severities,
		Statuses:         p.Statuses,
		Resolutions:      p.Resolutions,
		Resolved:         p.Resolved,
		Assignees:        p.Assignees,
		Tags:             p.Tags,
		Authors:          p.Authors,
		Languages:        p.Languages,
		Rules:            p.Rules,
		CreatedAfter:     p.CreatedAfter,
		CreatedBefore:    p.CreatedBefore,
		Facets:           p.Facets,
		FacetMode:        p.FacetMode,
		Sort:             p.Sort,
		Asc:              p.Asc,
		Page:             p.Page,
		PageSize:         p.PageSize,
		HideComments:     p.HideComments,
		AdditionalFields: p.AdditionalFields,
	}
}

func (p *searchParams) tagLimit() int {
	if p.PageSize == nil {
		return 0
	}
	return *p.PageSize
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return st, nil
}
