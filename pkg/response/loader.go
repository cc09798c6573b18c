// ABOUTME: Search response loader enriching matched issue keys from the primary store
// ABOUTME: Applies comment, contact and admin-field redaction for the viewer

package response

import (
	"context"
	"fmt"

	"github.com/nainya/issuesearch/pkg/issue"
	"github.com/nainya/issuesearch/pkg/permission"
	"github.com/nainya/issuesearch/pkg/query"
	"github.com/nainya/issuesearch/pkg/store"
)

// Source is the primary-store surface the loader reads
type Source interface {
	IssuesByKeys(ctx context.Context, keys []string) ([]*issue.Record, error)
	Ancestors(ctx context.Context, componentUUID string) ([]string, error)
	ComponentsByUUIDs(ctx context.Context, uuids []string) (map[string]*issue.Component, error)
	RulesByKeys(ctx context.Context, keys []string) (map[string]*issue.Rule, error)
	UsersByLogins(ctx context.Context, logins []string) (map[string]*issue.User, error)
	ChangesByIssueKeys(ctx context.Context, keys []string, typ issue.ChangeType) (map[string][]*issue.Change, error)
	HasProjectRole(ctx context.Context, login string, groups []string, projectUUID, role string) (bool, error)
}

// Options select what Load resolves
type Options struct {
	Viewer       permission.Viewer
	HideComments bool
	Fields       map[string]bool // Additional fields, see query.Fields*
}

// OptionsFor derives load options from a built query
func OptionsFor(q *query.Query) Options {
	return Options{Viewer: q.Viewer, HideComments: q.HideComments, Fields: q.AdditionalFields}
}

func (o Options) wants(field string) bool {
	return o.Fields[field]
}

// Issue is one matched issue with its per-viewer extras
type Issue struct {
	Record       *issue.Record
	Components   []string // Component UUID chain, the issue's component first
	Comments     []*issue.Change
	Transitions  []string
	Actions      []string
	AdminActions []string // Nil unless the viewer administers the project
}

// Results is the loaded data behind one page of search hits
type Results struct {
	Issues     []*Issue // Order of the matched keys
	Components map[string]*issue.Component
	Rules      map[string]*issue.Rule
	Users      map[string]*issue.User // Empty unless users were requested
}

// Loader resolves display data for matched issues
type Loader struct {
	src Source
}

// NewLoader creates a loader over the primary store
func NewLoader(src Source) *Loader {
	return &Loader{src: src}
}

type projectRoles struct {
	browse bool
	admin  bool
}

// Load resolves keys in order. Keys that no longer exist in the store are
// skipped.
func (l *Loader) Load(ctx context.Context, keys []string, opts Options) (*Results, error) {
	records, err := l.src.IssuesByKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("response: load issues: %w", err)
	}
	res := &Results{
		Issues: make([]*Issue, 0, len(records)),
		Users:  make(map[string]*issue.User),
	}

	chains := make(map[string][]string)
	roles := make(map[string]projectRoles)
	var componentUUIDs, ruleKeys, commentKeys []string
	seenComponent := make(map[string]bool)
	seenRule := make(map[string]bool)

	for _, r := range records {
		chain, ok := chains[r.ComponentUUID]
		if !ok {
			if chain, err = l.src.Ancestors(ctx, r.ComponentUUID); err != nil {
				return nil, fmt.Errorf("response: %w", err)
			}
			chains[r.ComponentUUID] = chain
		}
		for _, id := range chain {
			if !seenComponent[id] {
				seenComponent[id] = true
				componentUUIDs = append(componentUUIDs, id)
			}
		}
		if !seenRule[r.RuleKey] {
			seenRule[r.RuleKey] = true
			ruleKeys = append(ruleKeys, r.RuleKey)
		}

		pr, ok := roles[r.ProjectUUID]
		if !ok {
			if pr, err = l.roles(ctx, opts.Viewer, r.ProjectUUID); err != nil {
				return nil, err
			}
			roles[r.ProjectUUID] = pr
		}

		it := &Issue{Record: r, Components: chain}
		if opts.wants(query.FieldsTransitions) {
			it.Transitions = transitions(r.Status, opts.Viewer, pr.admin)
		}
		if opts.wants(query.FieldsActions) {
			it.Actions = actions(r, opts.Viewer)
		}
		if pr.admin {
			it.AdminActions = []string{"set_severity"}
		}
		if pr.browse && opts.wants(query.FieldsComments) && !opts.HideComments {
			commentKeys = append(commentKeys, r.Key)
		}
		res.Issues = append(res.Issues, it)
	}

	if res.Components, err = l.src.ComponentsByUUIDs(ctx, componentUUIDs); err != nil {
		return nil, fmt.Errorf("response: load components: %w", err)
	}
	if res.Rules, err = l.src.RulesByKeys(ctx, ruleKeys); err != nil {
		return nil, fmt.Errorf("response: load rules: %w", err)
	}

	comments, err := l.src.ChangesByIssueKeys(ctx, commentKeys, issue.ChangeComment)
	if err != nil {
		return nil, fmt.Errorf("response: load comments: %w", err)
	}
	for _, it := range res.Issues {
		it.Comments = comments[it.Record.Key]
	}

	if opts.wants(query.FieldsUsers) {
		if res.Users, err = l.src.UsersByLogins(ctx, logins(res.Issues)); err != nil {
			return nil, fmt.Errorf("response: load users: %w", err)
		}
	}
	return res, nil
}

func (l *Loader) roles(ctx context.Context, v permission.Viewer, projectUUID string) (projectRoles, error) {
	var pr projectRoles
	var err error
	if pr.browse, err = l.src.HasProjectRole(ctx, v.Login, v.Groups, projectUUID, store.RoleUser); err != nil {
		return pr, fmt.Errorf("response: %w", err)
	}
	if v.Anonymous() {
		return pr, nil
	}
	if pr.admin, err = l.src.HasProjectRole(ctx, v.Login, v.Groups, projectUUID, store.RoleIssueAdmin); err != nil {
		return pr, fmt.Errorf("response: %w", err)
	}
	return pr, nil
}

// logins collects assignees, authors and the authors of loaded comments
func logins(issues []*Issue) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(login string) {
		if login != "" && !seen[login] {
			seen[login] = true
			out = append(out, login)
		}
	}
	for _, it := range issues {
		add(it.Record.Assignee)
		add(it.Record.AuthorLogin)
		for _, c := range it.Comments {
			add(c.UserLogin)
		}
	}
	return out
}

// transitions lists the workflow moves available from status. Anonymous
// viewers get none.
func transitions(status issue.Status, v permission.Viewer, admin bool) []string {
	if v.Anonymous() {
		return []string{}
	}
	var out []string
	switch status {
	case issue.StatusOpen, issue.StatusReopened:
		out = []string{"confirm", "resolve"}
	case issue.StatusConfirmed:
		out = []string{"unconfirm", "resolve"}
	case issue.StatusResolved:
		return []string{"reopen"}
	default:
		return []string{}
	}
	if admin {
		out = append(out, "falsepositive", "wontfix")
	}
	return out
}

func actions(r *issue.Record, v permission.Viewer) []string {
	if v.Anonymous() {
		return []string{}
	}
	out := []string{"comment", "assign"}
	if r.Assignee != v.Login {
		out = append(out, "assign_to_me")
	}
	return append(out, "set_tags")
}
