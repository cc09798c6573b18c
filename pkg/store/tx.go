// ABOUTME: Write operations available inside a store transaction
// ABOUTME: Components, rules, users, grants, issues, changes and index queue rows

package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nainya/issuesearch/pkg/issue"
)

// Tx is an open transaction. It must not be used after the function passed
// to Store.Tx returns.
type Tx struct {
	conn *sqlite.Conn
}

// InsertComponent inserts or replaces a component
func (tx *Tx) InsertComponent(c *issue.Component) error {
	if c.UUID == "" {
		c.UUID = uuid.NewString()
	}
	if c.ProjectUUID == "" && c.Qualifier == issue.QualifierProject {
		c.ProjectUUID = c.UUID
	}
	err := sqlitex.Execute(tx.conn, `
		INSERT OR REPLACE INTO components
			(uuid, kee, name, long_name, qualifier, project_uuid, parent_uuid, path, language, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			c.UUID, c.Key, c.Name, c.LongName, string(c.Qualifier),
			c.ProjectUUID, c.ParentUUID, c.Path, c.Language, boolInt(c.Enabled),
		}})
	if err != nil {
		return fmt.Errorf("insert component %s: %w", c.Key, err)
	}
	return nil
}

// InsertRule inserts or replaces a rule
func (tx *Tx) InsertRule(r *issue.Rule) error {
	status := r.Status
	if status == "" {
		status = "READY"
	}
	err := sqlitex.Execute(tx.conn,
		`INSERT OR REPLACE INTO rules (kee, name, language, status) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{r.Key, r.Name, r.Language, status}})
	if err != nil {
		return fmt.Errorf("insert rule %s: %w", r.Key, err)
	}
	return nil
}

// InsertUser inserts or replaces a user
func (tx *Tx) InsertUser(u *issue.User) error {
	err := sqlitex.Execute(tx.conn,
		`INSERT OR REPLACE INTO users (login, name, email, active) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{u.Login, u.Name, u.Email, boolInt(u.Active)}})
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.Login, err)
	}
	return nil
}

// AddGroupMember adds a login to a group
func (tx *Tx) AddGroupMember(group, login string) error {
	err := sqlitex.Execute(tx.conn,
		`INSERT OR IGNORE INTO group_members (group_name, login) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{group, login}})
	if err != nil {
		return fmt.Errorf("add %s to group %s: %w", login, group, err)
	}
	return nil
}

// GrantPermission records a (subject, role) pair on a project
func (tx *Tx) GrantPermission(g Grant) error {
	if err := g.validate(); err != nil {
		return err
	}
	err := sqlitex.Execute(tx.conn, `
		INSERT OR IGNORE INTO permissions (project_uuid, subject_kind, subject, role)
		VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{g.ProjectUUID, string(g.Kind), g.Subject, g.Role}})
	if err != nil {
		return fmt.Errorf("grant %s on %s: %w", g.Role, g.ProjectUUID, err)
	}
	return nil
}

// RevokePermission removes a (subject, role) pair from a project
func (tx *Tx) RevokePermission(g Grant) error {
	if err := g.validate(); err != nil {
		return err
	}
	err := sqlitex.Execute(tx.conn, `
		DELETE FROM permissions
		WHERE project_uuid = ? AND subject_kind = ? AND subject = ? AND role = ?`,
		&sqlitex.ExecOptions{Args: []any{g.ProjectUUID, string(g.Kind), g.Subject, g.Role}})
	if err != nil {
		return fmt.Errorf("revoke %s on %s: %w", g.Role, g.ProjectUUID, err)
	}
	return nil
}

// InsertIssue inserts a new issue. An empty key is replaced by a random
// UUID; tags are normalized to a sorted set.
func (tx *Tx) InsertIssue(r *issue.Record) error {
	if r.Key == "" {
		r.Key = uuid.NewString()
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	r.Tags = NormalizeTags(r.Tags)
	if err := r.Validate(); err != nil {
		return err
	}
	var effort any
	if r.Effort != nil {
		effort = *r.Effort
	}
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO issues
			(kee, component_uuid, project_uuid, rule_key, status, resolution, severity,
			 assignee, author_login, tags, effort, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			r.Key, r.ComponentUUID, r.ProjectUUID, r.RuleKey, string(r.Status), string(r.Resolution),
			string(r.Severity), r.Assignee, r.AuthorLogin, strings.Join(r.Tags, ","), effort, r.Message,
			r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
		}})
	if err != nil {
		return fmt.Errorf("insert issue %s: %w", r.Key, err)
	}
	return nil
}

// UpdateIssue replaces every mutable column of an existing issue
func (tx *Tx) UpdateIssue(r *issue.Record) error {
	r.Tags = NormalizeTags(r.Tags)
	if err := r.Validate(); err != nil {
		return err
	}
	var effort any
	if r.Effort != nil {
		effort = *r.Effort
	}
	err := sqlitex.Execute(tx.conn, `
		UPDATE issues SET
			component_uuid = ?, project_uuid = ?, rule_key = ?, status = ?, resolution = ?,
			severity = ?, assignee = ?, author_login = ?, tags = ?, effort = ?, message = ?,
			updated_at = ?
		WHERE kee = ?`,
		&sqlitex.ExecOptions{Args: []any{
			r.ComponentUUID, r.ProjectUUID, r.RuleKey, string(r.Status), string(r.Resolution),
			string(r.Severity), r.Assignee, r.AuthorLogin, strings.Join(r.Tags, ","), effort, r.Message,
			r.UpdatedAt.UnixMilli(), r.Key,
		}})
	if err != nil {
		return fmt.Errorf("update issue %s: %w", r.Key, err)
	}
	if tx.conn.Changes() == 0 {
		return fmt.Errorf("update issue %s: %w", r.Key, ErrNotFound)
	}
	return nil
}

// InsertChange appends a comment or field change to an issue
func (tx *Tx) InsertChange(c *issue.Change) error {
	if c.Key == "" {
		c.Key = uuid.NewString()
	}
	if c.IssueKey == "" {
		return fmt.Errorf("insert change: issue key is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO issue_changes (kee, issue_key, change_type, user_login, change_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			c.Key, c.IssueKey, string(c.Type), c.UserLogin, c.Data, c.CreatedAt.UnixMilli(),
		}})
	if err != nil {
		return fmt.Errorf("insert change %s: %w", c.Key, err)
	}
	return nil
}

// Enqueue records documents that must be (re)indexed once this transaction
// commits
func (tx *Tx) Enqueue(docType string, keys ...string) ([]QueueItem, error) {
	items := make([]QueueItem, 0, len(keys))
	now := time.Now().UnixMilli()
	for _, key := range keys {
		item := QueueItem{UUID: uuid.NewString(), DocType: docType, DocKey: key, CreatedAt: time.UnixMilli(now)}
		err := sqlitex.Execute(tx.conn,
			`INSERT INTO index_queue (uuid, doc_type, doc_key, created_at) VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{item.UUID, docType, key, now}})
		if err != nil {
			return nil, fmt.Errorf("enqueue %s %s: %w", docType, key, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Dequeue deletes processed queue rows
func (tx *Tx) Dequeue(items []QueueItem) error {
	for _, item := range items {
		err := sqlitex.Execute(tx.conn, `DELETE FROM index_queue WHERE uuid = ?`,
			&sqlitex.ExecOptions{Args: []any{item.UUID}})
		if err != nil {
			return fmt.Errorf("dequeue %s: %w", item.UUID, err)
		}
	}
	return nil
}

// NormalizeTags lower-cases, trims, dedupes and sorts tags so the same set
// always produces the same stored value
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(strings.ReplaceAll(t, ",", "")))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
