package response

import (
	"sort"

	"github.com/nainya/issuesearch/pkg/issue"
	"github.com/nainya/issuesearch/pkg/query"
	"github.com/nainya/issuesearch/pkg/search"
)

// DateFormat is the layout of every date in a response
const DateFormat = "2006-01-02T15:04:05-0700"

// SearchResponse is the serialized form of an issue search
type SearchResponse struct {
	Total       uint64          `json:"total"`
	P           int             `json:"p"`
	PS          int             `json:"ps"`
	Paging      Paging          `json:"paging"`
	EffortTotal *int64          `json:"effortTotal,omitempty"`
	DebtTotal   *int64          `json:"debtTotal,omitempty"`
	Issues      []IssueJSON     `json:"issues"`
	Components  []ComponentJSON `json:"components"`
	Rules       []RuleJSON      `json:"rules"`
	Users       []UserJSON      `json:"users,omitempty"`
	Languages   []LanguageJSON  `json:"languages,omitempty"`
	Facets      []FacetJSON     `json:"facets,omitempty"`
}

type Paging struct {
	PageIndex int    `json:"pageIndex"`
	PageSize  int    `json:"pageSize"`
	Total     uint64 `json:"total"`
}

type IssueJSON struct {
	Key          string        `json:"key"`
	Component    string        `json:"component"`
	Project      string        `json:"project"`
	Rule         string        `json:"rule"`
	Status       string        `json:"status"`
	Resolution   string        `json:"resolution,omitempty"`
	Severity     string        `json:"severity"`
	Message      string        `json:"message,omitempty"`
	Assignee     string        `json:"assignee,omitempty"`
	Author       string        `json:"author,omitempty"`
	Tags         []string      `json:"tags"`
	Effort       *int64        `json:"effort,omitempty"`
	CreationDate string        `json:"creationDate"`
	UpdateDate   string        `json:"updateDate"`
	Comments     []CommentJSON `json:"comments,omitempty"`
	Transitions  []string      `json:"transitions,omitempty"`
	Actions      []string      `json:"actions,omitempty"`
	AdminActions []string      `json:"adminActions,omitempty"`
}

type CommentJSON struct {
	Key       string `json:"key"`
	Login     string `json:"login,omitempty"`
	Markdown  string `json:"markdown"`
	CreatedAt string `json:"createdAt"`
}

type ComponentJSON struct {
	UUID      string `json:"uuid"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	LongName  string `json:"longName,omitempty"`
	Qualifier string `json:"qualifier"`
	Project   string `json:"project,omitempty"`
	Path      string `json:"path,omitempty"`
	Enabled   bool   `json:"enabled"`
}

type RuleJSON struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Lang     string `json:"lang,omitempty"`
	Status   string `json:"status"`
	LangName string `json:"langName,omitempty"`
}

type UserJSON struct {
	Login  string `json:"login"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Active bool   `json:"active"`
}

type LanguageJSON struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type FacetJSON struct {
	Property string           `json:"property"`
	Values   []FacetValueJSON `json:"values"`
}

type FacetValueJSON struct {
	Val   string `json:"val"`
	Count int64  `json:"count"`
}

var languageNames = map[string]string{
	"cs":     "C#",
	"go":     "Go",
	"java":   "Java",
	"js":     "JavaScript",
	"kotlin": "Kotlin",
	"py":     "Python",
	"ts":     "TypeScript",
	"xoo":    "Xoo",
	"xoo2":   "Xoo2",
}

func languageName(key string) string {
	if name, ok := languageNames[key]; ok {
		return name
	}
	return key
}

// Formatter renders search results. It holds no state.
type Formatter struct{}

// NewFormatter creates a formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// Format renders one page. User entries, comment authors included, carry
// their email only for authenticated viewers; anonymous viewers get login
// and name.
func (f *Formatter) Format(q *query.Query, res *search.Result, loaded *Results) *SearchResponse {
	out := &SearchResponse{
		Total:      res.Total,
		P:          res.Page,
		PS:         res.PageSize,
		Paging:     Paging{PageIndex: res.Page, PageSize: res.PageSize, Total: res.Total},
		Issues:     make([]IssueJSON, 0, len(loaded.Issues)),
		Components: []ComponentJSON{},
		Rules:      []RuleJSON{},
	}
	if q.EffortMode() {
		total := res.EffortTotal
		if q.FacetMode == query.FacetModeDebt {
			out.DebtTotal = &total
		} else {
			out.EffortTotal = &total
		}
	}

	for _, it := range loaded.Issues {
		out.Issues = append(out.Issues, f.issue(it, loaded.Components))
	}

	for _, c := range loaded.Components {
		cj := ComponentJSON{
			UUID:      c.UUID,
			Key:       c.Key,
			Name:      c.Name,
			LongName:  c.LongName,
			Qualifier: string(c.Qualifier),
			Path:      c.Path,
			Enabled:   c.Enabled,
		}
		if p, ok := loaded.Components[c.ProjectUUID]; ok {
			cj.Project = p.Key
		}
		out.Components = append(out.Components, cj)
	}
	sort.Slice(out.Components, func(i, j int) bool { return out.Components[i].Key < out.Components[j].Key })

	langs := make(map[string]bool)
	for _, r := range loaded.Rules {
		out.Rules = append(out.Rules, RuleJSON{
			Key: r.Key, Name: r.Name, Lang: r.Language, Status: r.Status, LangName: languageName(r.Language),
		})
		if r.Language != "" {
			langs[r.Language] = true
		}
	}
	sort.Slice(out.Rules, func(i, j int) bool { return out.Rules[i].Key < out.Rules[j].Key })

	for _, u := range loaded.Users {
		uj := UserJSON{Login: u.Login, Name: u.Name, Active: u.Active}
		if !q.Viewer.Anonymous() {
			uj.Email = u.Email
		}
		out.Users = append(out.Users, uj)
	}
	sort.Slice(out.Users, func(i, j int) bool { return out.Users[i].Login < out.Users[j].Login })

	if q.Wants(query.FieldsLanguages) {
		out.Languages = []LanguageJSON{}
		for key := range langs {
			out.Languages = append(out.Languages, LanguageJSON{Key: key, Name: languageName(key)})
		}
		sort.Slice(out.Languages, func(i, j int) bool { return out.Languages[i].Key < out.Languages[j].Key })
	}

	for _, facet := range res.Facets {
		fj := FacetJSON{Property: facet.Property, Values: make([]FacetValueJSON, len(facet.Values))}
		for i, v := range facet.Values {
			fj.Values[i] = FacetValueJSON{Val: v.Val, Count: v.Count}
		}
		out.Facets = append(out.Facets, fj)
	}
	return out
}

func (f *Formatter) issue(it *Issue, components map[string]*issue.Component) IssueJSON {
	r := it.Record
	ij := IssueJSON{
		Key:          r.Key,
		Rule:         r.RuleKey,
		Status:       string(r.Status),
		Resolution:   string(r.Resolution),
		Severity:     string(r.Severity),
		Message:      r.Message,
		Assignee:     r.Assignee,
		Author:       r.AuthorLogin,
		Tags:         r.Tags,
		Effort:       r.Effort,
		CreationDate: r.CreatedAt.Format(DateFormat),
		UpdateDate:   r.UpdatedAt.Format(DateFormat),
		Transitions:  it.Transitions,
		Actions:      it.Actions,
		AdminActions: it.AdminActions,
	}
	if ij.Tags == nil {
		ij.Tags = []string{}
	}
	if c, ok := components[r.ComponentUUID]; ok {
		ij.Component = c.Key
	}
	if p, ok := components[r.ProjectUUID]; ok {
		ij.Project = p.Key
	}
	for _, c := range it.Comments {
		ij.Comments = append(ij.Comments, CommentJSON{
			Key:       c.Key,
			Login:     c.UserLogin,
			Markdown:  c.Data,
			CreatedAt: c.CreatedAt.Format(DateFormat),
		})
	}
	return ij
}
