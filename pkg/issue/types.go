// ABOUTME: Issue data model shared by the store, indexer and search layers
// ABOUTME: Defines statuses, resolutions, severities, issue records and changes

package issue

import (
	"fmt"
	"time"
)

// Status is the workflow state of an issue
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusConfirmed Status = "CONFIRMED"
	StatusReopened  Status = "REOPENED"
	StatusResolved  Status = "RESOLVED"
	StatusClosed    Status = "CLOSED"
)

// Statuses lists every status in workflow order
var Statuses = []Status{StatusOpen, StatusConfirmed, StatusReopened, StatusResolved, StatusClosed}

// Resolution records why an issue was resolved
type Resolution string

const (
	ResolutionFixed         Resolution = "FIXED"
	ResolutionFalsePositive Resolution = "FALSE_POSITIVE"
	ResolutionWontFix       Resolution = "WONTFIX"
	ResolutionRemoved       Resolution = "REMOVED"
)

// Resolutions lists every resolution
var Resolutions = []Resolution{ResolutionFixed, ResolutionFalsePositive, ResolutionWontFix, ResolutionRemoved}

// Severity is one of five ordered levels
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityMinor    Severity = "MINOR"
	SeverityMajor    Severity = "MAJOR"
	SeverityCritical Severity = "CRITICAL"
	SeverityBlocker  Severity = "BLOCKER"
)

// Severities lists severities from lowest to highest
var Severities = []Severity{SeverityInfo, SeverityMinor, SeverityMajor, SeverityCritical, SeverityBlocker}

// Rank returns the 1-based position of the severity, or 0 if unknown
func (s Severity) Rank() int {
	for i, sev := range Severities {
		if sev == s {
			return i + 1
		}
	}
	return 0
}

// ParseStatus validates a status name
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// ParseResolution validates a resolution name
func ParseResolution(s string) (Resolution, error) {
	for _, r := range Resolutions {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}

// ParseSeverity validates a severity name
func ParseSeverity(s string) (Severity, error) {
	for _, sev := range Severities {
		if string(sev) == s {
			return sev, nil
		}
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// IsTerminal reports whether the status requires a resolution
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// Record is a primary-store issue row
type Record struct {
	Key           string     // Globally unique, immutable
	ComponentUUID string     // File (or module/project) the issue is raised on
	ProjectUUID   string     // Root component
	RuleKey       string     // Rule that raised the issue
	Status        Status     // Workflow status
	Resolution    Resolution // Empty unless status is terminal
	Severity      Severity
	Assignee      string   // Login, empty when unassigned
	AuthorLogin   string   // SCM author
	Tags          []string // Unordered set
	Effort        *int64   // Remediation effort in minutes
	Message       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Resolved is derived from the resolution
func (r *Record) Resolved() bool {
	return r.Resolution != ""
}

// Validate checks the resolution/status invariant and enum values
func (r *Record) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("issue key is required")
	}
	if r.ComponentUUID == "" || r.ProjectUUID == "" {
		return fmt.Errorf("issue %s: component and project are required", r.Key)
	}
	if _, err := ParseStatus(string(r.Status)); err != nil {
		return fmt.Errorf("issue %s: %w", r.Key, err)
	}
	if _, err := ParseSeverity(string(r.Severity)); err != nil {
		return fmt.Errorf("issue %s: %w", r.Key, err)
	}
	if r.Status.IsTerminal() != (r.Resolution != "") {
		return fmt.Errorf("issue %s: resolution %q does not match status %s", r.Key, r.Resolution, r.Status)
	}
	if r.Resolution != "" {
		if _, err := ParseResolution(string(r.Resolution)); err != nil {
			return fmt.Errorf("issue %s: %w", r.Key, err)
		}
	}
	if r.Effort != nil && *r.Effort < 0 {
		return fmt.Errorf("issue %s: effort must not be negative", r.Key)
	}
	return nil
}

// ChangeType distinguishes comments from field transitions
type ChangeType string

const (
	ChangeComment ChangeType = "comment"
	ChangeDiff    ChangeType = "diff"
)

// Change is a comment or field transition attached to an issue.
// Changes are written once and never mutated.
type Change struct {
	Key       string
	IssueKey  string
	Type      ChangeType
	UserLogin string
	Data      string
	CreatedAt time.Time
}

// Qualifier identifies the level of a component in the containment hierarchy
type Qualifier string

const (
	QualifierProject Qualifier = "TRK"
	QualifierModule  Qualifier = "BRC"
	QualifierDir     Qualifier = "DIR"
	QualifierFile    Qualifier = "FIL"
)

// Component is a node of the project/module/file hierarchy
type Component struct {
	UUID        string
	Key         string
	Name        string
	LongName    string
	Qualifier   Qualifier
	ProjectUUID string
	ParentUUID  string // Empty for projects
	Path        string
	Language    string
	Enabled     bool
}

// Rule is the metadata of the rule that raised an issue
type Rule struct {
	Key      string
	Name     string
	Language string
	Status   string
}

// User is the display data of a person
type User struct {
	Login  string
	Name   string
	Email  string
	Active bool
}
