// ABOUTME: Read operations over issues, components, rules, users and changes
// ABOUTME: Batch readers keyed by natural keys, plus ordered scans for indexing

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nainya/issuesearch/pkg/issue"
)

// QueueItem is a document waiting to be (re)indexed
type QueueItem struct {
	UUID      string
	DocType   string
	DocKey    string
	CreatedAt time.Time
}

const issueColumns = `kee, component_uuid, project_uuid, rule_key, status, resolution, severity,
	assignee, author_login, tags, effort, message, created_at, updated_at`

func scanIssue(stmt *sqlite.Stmt) *issue.Record {
	r := &issue.Record{
		Key:           stmt.ColumnText(0),
		ComponentUUID: stmt.ColumnText(1),
		ProjectUUID:   stmt.ColumnText(2),
		RuleKey:       stmt.ColumnText(3),
		Status:        issue.Status(stmt.ColumnText(4)),
		Resolution:    issue.Resolution(stmt.ColumnText(5)),
		Severity:      issue.Severity(stmt.ColumnText(6)),
		Assignee:      stmt.ColumnText(7),
		AuthorLogin:   stmt.ColumnText(8),
		Message:       stmt.ColumnText(11),
		CreatedAt:     time.UnixMilli(stmt.ColumnInt64(12)).UTC(),
		UpdatedAt:     time.UnixMilli(stmt.ColumnInt64(13)).UTC(),
	}
	if tags := stmt.ColumnText(9); tags != "" {
		r.Tags = strings.Split(tags, ",")
	}
	if !stmt.ColumnIsNull(10) {
		effort := stmt.ColumnInt64(10)
		r.Effort = &effort
	}
	return r
}

// IssuesByKeys loads issues by key. Missing keys are skipped; the result
// follows the order of keys.
func (s *Store) IssuesByKeys(ctx context.Context, keys []string) ([]*issue.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	found := make(map[string]*issue.Record, len(keys))
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+issueColumns+` FROM issues WHERE kee IN (`+placeholders(len(keys))+`)`,
			&sqlitex.ExecOptions{
				Args: stringArgs(keys),
				ResultFunc: func(stmt *sqlite.Stmt) error {
					r := scanIssue(stmt)
					found[r.Key] = r
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: issues by keys: %w", err)
	}
	out := make([]*issue.Record, 0, len(found))
	for _, k := range keys {
		if r, ok := found[k]; ok {
			out = append(out, r)
			delete(found, k)
		}
	}
	return out, nil
}

// QueryIssuesByComponent returns every issue raised on the component or any
// of its descendants, ordered by key
func (s *Store) QueryIssuesByComponent(ctx context.Context, componentUUID string) ([]*issue.Record, error) {
	var out []*issue.Record
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			WITH RECURSIVE subtree(uuid) AS (
				SELECT ?
				UNION
				SELECT c.uuid FROM components c JOIN subtree s ON c.parent_uuid = s.uuid
			)
			SELECT `+issueColumns+` FROM issues
			WHERE component_uuid IN (SELECT uuid FROM subtree)
			ORDER BY kee`,
			&sqlitex.ExecOptions{
				Args: []any{componentUUID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanIssue(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: issues of component %s: %w", componentUUID, err)
	}
	return out, nil
}

// ScanIssues returns up to limit issues with keys strictly greater than
// afterKey, in key order
func (s *Store) ScanIssues(ctx context.Context, afterKey string, limit int) ([]*issue.Record, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []*issue.Record
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+issueColumns+` FROM issues WHERE kee > ? ORDER BY kee LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{afterKey, limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanIssue(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan issues: %w", err)
	}
	return out, nil
}

const componentColumns = `uuid, kee, name, long_name, qualifier, project_uuid, parent_uuid, path, language, enabled`

func scanComponent(stmt *sqlite.Stmt) *issue.Component {
	return &issue.Component{
		UUID:        stmt.ColumnText(0),
		Key:         stmt.ColumnText(1),
		Name:        stmt.ColumnText(2),
		LongName:    stmt.ColumnText(3),
		Qualifier:   issue.Qualifier(stmt.ColumnText(4)),
		ProjectUUID: stmt.ColumnText(5),
		ParentUUID:  stmt.ColumnText(6),
		Path:        stmt.ColumnText(7),
		Language:    stmt.ColumnText(8),
		Enabled:     stmt.ColumnInt64(9) != 0,
	}
}

// ComponentsByKeys resolves component keys, keyed by component key
func (s *Store) ComponentsByKeys(ctx context.Context, keys []string) (map[string]*issue.Component, error) {
	return s.components(ctx, "kee", keys, func(c *issue.Component) string { return c.Key })
}

// ComponentsByUUIDs loads components, keyed by UUID
func (s *Store) ComponentsByUUIDs(ctx context.Context, uuids []string) (map[string]*issue.Component, error) {
	return s.components(ctx, "uuid", uuids, func(c *issue.Component) string { return c.UUID })
}

func (s *Store) components(ctx context.Context, column string, vals []string, key func(*issue.Component) string) (map[string]*issue.Component, error) {
	out := make(map[string]*issue.Component, len(vals))
	if len(vals) == 0 {
		return out, nil
	}
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+componentColumns+` FROM components WHERE `+column+` IN (`+placeholders(len(vals))+`)`,
			&sqlitex.ExecOptions{
				Args: stringArgs(vals),
				ResultFunc: func(stmt *sqlite.Stmt) error {
					c := scanComponent(stmt)
					out[key(c)] = c
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: components by %s: %w", column, err)
	}
	return out, nil
}

// Ancestors returns the chain of component UUIDs from the component up to
// its project, the component itself first
func (s *Store) Ancestors(ctx context.Context, componentUUID string) ([]string, error) {
	var chain []string
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			WITH RECURSIVE chain(uuid, parent_uuid, depth) AS (
				SELECT uuid, parent_uuid, 0 FROM components WHERE uuid = ?
				UNION ALL
				SELECT c.uuid, c.parent_uuid, chain.depth + 1
				FROM components c JOIN chain ON c.uuid = chain.parent_uuid
				WHERE chain.parent_uuid != '' AND chain.depth < 64
			)
			SELECT uuid FROM chain ORDER BY depth`,
			&sqlitex.ExecOptions{
				Args: []any{componentUUID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					chain = append(chain, stmt.ColumnText(0))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: ancestors of %s: %w", componentUUID, err)
	}
	return chain, nil
}

// RulesByKeys loads rules, keyed by rule key
func (s *Store) RulesByKeys(ctx context.Context, keys []string) (map[string]*issue.Rule, error) {
	out := make(map[string]*issue.Rule, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT kee, name, language, status FROM rules WHERE kee IN (`+placeholders(len(keys))+`)`,
			&sqlitex.ExecOptions{
				Args: stringArgs(keys),
				ResultFunc: func(stmt *sqlite.Stmt) error {
					r := &issue.Rule{
						Key:      stmt.ColumnText(0),
						Name:     stmt.ColumnText(1),
						Language: stmt.ColumnText(2),
						Status:   stmt.ColumnText(3),
					}
					out[r.Key] = r
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: rules by keys: %w", err)
	}
	return out, nil
}

// UsersByLogins loads users, keyed by login
func (s *Store) UsersByLogins(ctx context.Context, logins []string) (map[string]*issue.User, error) {
	out := make(map[string]*issue.User, len(logins))
	if len(logins) == 0 {
		return out, nil
	}
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT login, name, email, active FROM users WHERE login IN (`+placeholders(len(logins))+`)`,
			&sqlitex.ExecOptions{
				Args: stringArgs(logins),
				ResultFunc: func(stmt *sqlite.Stmt) error {
					u := &issue.User{
						Login:  stmt.ColumnText(0),
						Name:   stmt.ColumnText(1),
						Email:  stmt.ColumnText(2),
						Active: stmt.ColumnInt64(3) != 0,
					}
					out[u.Login] = u
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: users by logins: %w", err)
	}
	return out, nil
}

// ChangesByIssueKeys loads changes of the given type for each issue, oldest
// first. An empty type loads every change.
func (s *Store) ChangesByIssueKeys(ctx context.Context, keys []string, typ issue.ChangeType) (map[string][]*issue.Change, error) {
	out := make(map[string][]*issue.Change, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	query := `SELECT kee, issue_key, change_type, user_login, change_data, created_at
		FROM issue_changes WHERE issue_key IN (` + placeholders(len(keys)) + `)`
	args := stringArgs(keys)
	if typ != "" {
		query += ` AND change_type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY created_at, kee`
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				c := &issue.Change{
					Key:       stmt.ColumnText(0),
					IssueKey:  stmt.ColumnText(1),
					Type:      issue.ChangeType(stmt.ColumnText(2)),
					UserLogin: stmt.ColumnText(3),
					Data:      stmt.ColumnText(4),
					CreatedAt: time.UnixMilli(stmt.ColumnInt64(5)).UTC(),
				}
				out[c.IssueKey] = append(out[c.IssueKey], c)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: changes by issue keys: %w", err)
	}
	return out, nil
}

// QueuedItems returns up to limit queued documents of docType, oldest first
func (s *Store) QueuedItems(ctx context.Context, docType string, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []QueueItem
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT uuid, doc_type, doc_key, created_at FROM index_queue
			WHERE doc_type = ? ORDER BY created_at, uuid LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{docType, limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, QueueItem{
						UUID:      stmt.ColumnText(0),
						DocType:   stmt.ColumnText(1),
						DocKey:    stmt.ColumnText(2),
						CreatedAt: time.UnixMilli(stmt.ColumnInt64(3)).UTC(),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: queued %s items: %w", docType, err)
	}
	return out, nil
}
