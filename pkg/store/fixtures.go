// ABOUTME: YAML fixture format used to seed the store from the command line
// ABOUTME: Components reference parents and issues reference components by key

package store

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nainya/issuesearch/pkg/issue"
)

// Fixture is a data set applied in one transaction
type Fixture struct {
	Users       []FixtureUser       `yaml:"users"`
	Groups      map[string][]string `yaml:"groups"`
	Rules       []FixtureRule       `yaml:"rules"`
	Components  []FixtureComponent  `yaml:"components"`
	Permissions []FixtureGrant      `yaml:"permissions"`
	Issues      []FixtureIssue      `yaml:"issues"`
	Changes     []FixtureChange     `yaml:"changes"`
}

type FixtureUser struct {
	Login    string `yaml:"login"`
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Inactive bool   `yaml:"inactive"`
}

type FixtureRule struct {
	Key      string `yaml:"key"`
	Name     string `yaml:"name"`
	Language string `yaml:"language"`
}

// FixtureComponent must appear after its parent
type FixtureComponent struct {
	Key       string `yaml:"key"`
	Name      string `yaml:"name"`
	LongName  string `yaml:"long_name"`
	Qualifier string `yaml:"qualifier"`
	Parent    string `yaml:"parent"`
	Path      string `yaml:"path"`
	Language  string `yaml:"language"`
	Disabled  bool   `yaml:"disabled"`
}

// FixtureGrant sets exactly one of User, Group or Anyone
type FixtureGrant struct {
	Project string `yaml:"project"`
	User    string `yaml:"user"`
	Group   string `yaml:"group"`
	Anyone  bool   `yaml:"anyone"`
	Role    string `yaml:"role"`
}

type FixtureIssue struct {
	Key        string    `yaml:"key"`
	Component  string    `yaml:"component"`
	Rule       string    `yaml:"rule"`
	Status     string    `yaml:"status"`
	Resolution string    `yaml:"resolution"`
	Severity   string    `yaml:"severity"`
	Assignee   string    `yaml:"assignee"`
	Author     string    `yaml:"author"`
	Tags       []string  `yaml:"tags"`
	Effort     *int64    `yaml:"effort"`
	Message    string    `yaml:"message"`
	CreatedAt  time.Time `yaml:"created_at"`
	UpdatedAt  time.Time `yaml:"updated_at"`
}

type FixtureChange struct {
	Issue     string    `yaml:"issue"`
	Type      string    `yaml:"type"`
	User      string    `yaml:"user"`
	Data      string    `yaml:"data"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Applied lists what a fixture touched, for indexing after commit
type Applied struct {
	IssueKeys    []string
	ProjectUUIDs []string
}

// DecodeFixture parses a YAML fixture. Unknown fields are rejected.
func DecodeFixture(r io.Reader) (*Fixture, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f Fixture
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return &f, nil
		}
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	return &f, nil
}

// Apply writes the fixture inside tx
func (f *Fixture) Apply(tx *Tx) (*Applied, error) {
	applied := &Applied{}
	touched := make(map[string]bool)

	for _, u := range f.Users {
		if err := tx.InsertUser(&issue.User{Login: u.Login, Name: u.Name, Email: u.Email, Active: !u.Inactive}); err != nil {
			return nil, err
		}
	}
	for group, logins := range f.Groups {
		for _, login := range logins {
			if err := tx.AddGroupMember(group, login); err != nil {
				return nil, err
			}
		}
	}
	for _, r := range f.Rules {
		if err := tx.InsertRule(&issue.Rule{Key: r.Key, Name: r.Name, Language: r.Language}); err != nil {
			return nil, err
		}
	}

	for _, fc := range f.Components {
		c := &issue.Component{
			Key:       fc.Key,
			Name:      fc.Name,
			LongName:  fc.LongName,
			Qualifier: issue.Qualifier(fc.Qualifier),
			Path:      fc.Path,
			Language:  fc.Language,
			Enabled:   !fc.Disabled,
		}
		if c.Name == "" {
			c.Name = c.Key
		}
		if existing, err := tx.componentByKey(fc.Key); err == nil {
			c.UUID = existing.UUID
		}
		if fc.Parent == "" {
			c.Qualifier = issue.QualifierProject
		} else {
			parent, err := tx.componentByKey(fc.Parent)
			if err != nil {
				return nil, fmt.Errorf("component %s: parent %s: %w", fc.Key, fc.Parent, err)
			}
			c.ParentUUID = parent.UUID
			c.ProjectUUID = parent.ProjectUUID
			if c.Qualifier == "" {
				c.Qualifier = issue.QualifierFile
			}
		}
		if err := tx.InsertComponent(c); err != nil {
			return nil, err
		}
		if c.Qualifier == issue.QualifierProject && !touched[c.UUID] {
			touched[c.UUID] = true
			applied.ProjectUUIDs = append(applied.ProjectUUIDs, c.UUID)
		}
	}

	for _, fg := range f.Permissions {
		project, err := tx.componentByKey(fg.Project)
		if err != nil {
			return nil, fmt.Errorf("permission on %s: %w", fg.Project, err)
		}
		g := Grant{ProjectUUID: project.ProjectUUID, Role: fg.Role}
		switch {
		case fg.Anyone:
			g.Kind = SubjectAnyone
		case fg.Group != "":
			g.Kind, g.Subject = SubjectGroup, fg.Group
		default:
			g.Kind, g.Subject = SubjectUser, fg.User
		}
		if err := tx.GrantPermission(g); err != nil {
			return nil, err
		}
		if !touched[g.ProjectUUID] {
			touched[g.ProjectUUID] = true
			applied.ProjectUUIDs = append(applied.ProjectUUIDs, g.ProjectUUID)
		}
	}

	for _, fi := range f.Issues {
		comp, err := tx.componentByKey(fi.Component)
		if err != nil {
			return nil, fmt.Errorf("issue %s: component %s: %w", fi.Key, fi.Component, err)
		}
		r := &issue.Record{
			Key:           fi.Key,
			ComponentUUID: comp.UUID,
			ProjectUUID:   comp.ProjectUUID,
			RuleKey:       fi.Rule,
			Status:        issue.Status(fi.Status),
			Resolution:    issue.Resolution(fi.Resolution),
			Severity:      issue.Severity(fi.Severity),
			Assignee:      fi.Assignee,
			AuthorLogin:   fi.Author,
			Tags:          fi.Tags,
			Effort:        fi.Effort,
			Message:       fi.Message,
			CreatedAt:     fi.CreatedAt,
			UpdatedAt:     fi.UpdatedAt,
		}
		if r.Status == "" {
			r.Status = issue.StatusOpen
		}
		if r.Severity == "" {
			r.Severity = issue.SeverityMajor
		}
		if err := tx.InsertIssue(r); err != nil {
			return nil, err
		}
		applied.IssueKeys = append(applied.IssueKeys, r.Key)
	}

	for _, fc := range f.Changes {
		typ := issue.ChangeType(fc.Type)
		if typ == "" {
			typ = issue.ChangeComment
		}
		c := &issue.Change{IssueKey: fc.Issue, Type: typ, UserLogin: fc.User, Data: fc.Data, CreatedAt: fc.CreatedAt}
		if err := tx.InsertChange(c); err != nil {
			return nil, err
		}
	}
	return applied, nil
}

func (tx *Tx) componentByKey(key string) (*issue.Component, error) {
	var found *issue.Component
	err := sqlitex.Execute(tx.conn,
		`SELECT `+componentColumns+` FROM components WHERE kee = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = scanComponent(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}
