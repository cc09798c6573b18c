// ABOUTME: Project permission grants held in the primary store
// ABOUTME: Grants are (subject, role) pairs scoped to one project

package store

import (
	"context"
	"fmt"
	"sort"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SubjectKind is the kind of principal a grant is given to
type SubjectKind string

const (
	SubjectUser    SubjectKind = "user"
	SubjectGroup   SubjectKind = "group"
	SubjectAnyone  SubjectKind = "anyone"
	anyoneSubject              = "Anyone"
	RoleUser                   = "user"
	RoleIssueAdmin             = "issueadmin"
)

// Grant gives a role on a project to a user login, a group name or everyone
type Grant struct {
	ProjectUUID string
	Kind        SubjectKind
	Subject     string // Ignored for SubjectAnyone
	Role        string
}

func (g *Grant) validate() error {
	if g.ProjectUUID == "" {
		return fmt.Errorf("grant: project is required")
	}
	if g.Role == "" {
		return fmt.Errorf("grant: role is required")
	}
	switch g.Kind {
	case SubjectUser, SubjectGroup:
		if g.Subject == "" {
			return fmt.Errorf("grant: subject is required for %s grants", g.Kind)
		}
	case SubjectAnyone:
		g.Subject = anyoneSubject
	default:
		return fmt.Errorf("grant: unknown subject kind %q", g.Kind)
	}
	return nil
}

// ProjectGrants is the role=user audience of one project
type ProjectGrants struct {
	ProjectUUID string
	Users       []string
	Groups      []string
	Anyone      bool
}

// Grants returns the audience of each requested project for the given role.
// A project with no grants is still returned, with empty lists. With no
// project UUIDs, every project of the store is returned.
func (s *Store) Grants(ctx context.Context, role string, projectUUIDs ...string) ([]ProjectGrants, error) {
	if len(projectUUIDs) == 0 {
		all, err := s.ProjectUUIDs(ctx)
		if err != nil {
			return nil, err
		}
		projectUUIDs = all
	}
	byProject := make(map[string]*ProjectGrants, len(projectUUIDs))
	for _, id := range projectUUIDs {
		byProject[id] = &ProjectGrants{ProjectUUID: id}
	}

	err := s.read(ctx, func(conn *sqlite.Conn) error {
		args := append([]any{role}, stringArgs(projectUUIDs)...)
		return sqlitex.Execute(conn, `
			SELECT project_uuid, subject_kind, subject FROM permissions
			WHERE role = ? AND project_uuid IN (`+placeholders(len(projectUUIDs))+`)
			ORDER BY project_uuid, subject_kind, subject`,
			&sqlitex.ExecOptions{
				Args: args,
				ResultFunc: func(stmt *sqlite.Stmt) error {
					pg := byProject[stmt.ColumnText(0)]
					if pg == nil {
						return nil
					}
					switch SubjectKind(stmt.ColumnText(1)) {
					case SubjectUser:
						pg.Users = append(pg.Users, stmt.ColumnText(2))
					case SubjectGroup:
						pg.Groups = append(pg.Groups, stmt.ColumnText(2))
					case SubjectAnyone:
						pg.Anyone = true
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: grants: %w", err)
	}

	out := make([]ProjectGrants, 0, len(byProject))
	for _, pg := range byProject {
		out = append(out, *pg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectUUID < out[j].ProjectUUID })
	return out, nil
}

// ProjectUUIDs lists the UUIDs of every project component
func (s *Store) ProjectUUIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT uuid FROM components WHERE qualifier = 'TRK' ORDER BY uuid`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			}})
	})
	if err != nil {
		return nil, fmt.Errorf("store: project uuids: %w", err)
	}
	return ids, nil
}

// GroupsOf returns the group names a login belongs to
func (s *Store) GroupsOf(ctx context.Context, login string) ([]string, error) {
	var groups []string
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT group_name FROM group_members WHERE login = ? ORDER BY group_name`,
			&sqlitex.ExecOptions{
				Args: []any{login},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					groups = append(groups, stmt.ColumnText(0))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: groups of %s: %w", login, err)
	}
	return groups, nil
}

// HasProjectRole reports whether the login, one of its groups, or everyone
// holds role on the project. An empty login only matches Anyone grants.
func (s *Store) HasProjectRole(ctx context.Context, login string, groups []string, projectUUID, role string) (bool, error) {
	found := false
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		query := `
			SELECT 1 FROM permissions
			WHERE project_uuid = ? AND role = ? AND (
				subject_kind = 'anyone'
				OR (subject_kind = 'user' AND subject = ?)`
		args := []any{projectUUID, role, login}
		if len(groups) > 0 {
			query += ` OR (subject_kind = 'group' AND subject IN (` + placeholders(len(groups)) + `))`
			args = append(args, stringArgs(groups)...)
		}
		query += `) LIMIT 1`
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return false, fmt.Errorf("store: project role: %w", err)
	}
	return found, nil
}
