package search

import (
	"context"
	"fmt"
)

// PermissionBootstrapper builds the permission index at startup
type PermissionBootstrapper interface {
	IndexOnStartup(ctx context.Context) error
}

// IssueBootstrapper builds the issue index at startup and replays the index
// queue left by failed writes
type IssueBootstrapper interface {
	IndexOnStartup(ctx context.Context) (int, error)
	Recover(ctx context.Context) (int, error)
}

// Bootstrap indexes permissions, then issues, then drains the index queue
func Bootstrap(ctx context.Context, perms PermissionBootstrapper, issues IssueBootstrapper) error {
	if err := perms.IndexOnStartup(ctx); err != nil {
		return fmt.Errorf("bootstrap permissions: %w", err)
	}
	if _, err := issues.IndexOnStartup(ctx); err != nil {
		return fmt.Errorf("bootstrap issues: %w", err)
	}
	if _, err := issues.Recover(ctx); err != nil {
		return fmt.Errorf("bootstrap recover: %w", err)
	}
	return nil
}
