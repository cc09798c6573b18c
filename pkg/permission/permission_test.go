package permission

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/nainya/issuesearch/pkg/index"
	"github.com/nainya/issuesearch/pkg/issue"
	"github.com/nainya/issuesearch/pkg/store"
)

type fixture struct {
	store *store.Store
	perms *Index
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "perm.db")}, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	idx, err := index.NewMemOnly(index.PermissionMapping(), index.Options{Name: "permissions"})
	if err != nil {
		t.Fatalf("index.NewMemOnly: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	return &fixture{store: s, perms: New(s, idx, nil)}
}

func (f *fixture) project(t *testing.T, key string, grants ...store.Grant) string {
	t.Helper()
	c := &issue.Component{Key: key, Name: key, Qualifier: issue.QualifierProject, Enabled: true}
	err := f.store.Tx(context.Background(), func(tx *store.Tx) error {
		if err := tx.InsertComponent(c); err != nil {
			return err
		}
		for _, g := range grants {
			g.ProjectUUID = c.UUID
			if err := tx.GrantPermission(g); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create project %s: %v", key, err)
	}
	return c.UUID
}

func (f *fixture) canView(t *testing.T, v Viewer, project string) bool {
	t.Helper()
	ok, err := f.perms.CanView(context.Background(), v, project)
	if err != nil {
		t.Fatalf("CanView: %v", err)
	}
	return ok
}

func TestCanView(t *testing.T) {
	f := setup(t)
	public := f.project(t, "public", store.Grant{Kind: store.SubjectAnyone, Role: store.RoleUser})
	private := f.project(t, "private", store.Grant{Kind: store.SubjectUser, Subject: "simon", Role: store.RoleUser})
	team := f.project(t, "team", store.Grant{Kind: store.SubjectGroup, Subject: "devs", Role: store.RoleUser})
	adminOnly := f.project(t, "admin-only", store.Grant{Kind: store.SubjectUser, Subject: "simon", Role: store.RoleIssueAdmin})
	none := f.project(t, "none")

	if err := f.perms.IndexOnStartup(context.Background()); err != nil {
		t.Fatalf("IndexOnStartup: %v", err)
	}
	if !f.perms.Ready() {
		t.Errorf("expected Ready after startup indexing")
	}

	anonymous := Viewer{}
	simon := Viewer{Login: "simon"}
	dev := Viewer{Login: "julien", Groups: []string{"devs"}}

	tests := []struct {
		name    string
		viewer  Viewer
		project string
		want    bool
	}{
		{"anyone grants anonymous", anonymous, public, true},
		{"anyone grants authenticated", simon, public, true},
		{"user grant", simon, private, true},
		{"other user", dev, private, false},
		{"anonymous on user grant", anonymous, private, false},
		{"group grant", dev, team, true},
		{"group not held", simon, team, false},
		{"non-browse role", simon, adminOnly, false},
		{"no permission document", simon, none, false},
		{"unknown project", simon, "does-not-exist", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.canView(t, tt.viewer, tt.project); got != tt.want {
				t.Errorf("CanView = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGrantNotVisibleUntilReindexed(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	project := f.project(t, "p")
	if err := f.perms.IndexOnStartup(ctx); err != nil {
		t.Fatalf("IndexOnStartup: %v", err)
	}

	simon := Viewer{Login: "simon"}
	grant := store.Grant{ProjectUUID: project, Kind: store.SubjectUser, Subject: "simon", Role: store.RoleUser}
	if err := f.store.Tx(ctx, func(tx *store.Tx) error { return tx.GrantPermission(grant) }); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}
	if f.canView(t, simon, project) {
		t.Fatalf("grant must not be visible before re-indexing")
	}

	if err := f.perms.IndexPermissions(ctx, project); err != nil {
		t.Fatalf("IndexPermissions: %v", err)
	}
	if !f.canView(t, simon, project) {
		t.Fatalf("grant should be visible after re-indexing")
	}

	if err := f.store.Tx(ctx, func(tx *store.Tx) error { return tx.RevokePermission(grant) }); err != nil {
		t.Fatalf("RevokePermission: %v", err)
	}
	if err := f.perms.IndexPermissions(ctx, project); err != nil {
		t.Fatalf("IndexPermissions: %v", err)
	}
	if f.canView(t, simon, project) {
		t.Errorf("revoked grant still visible")
	}
}

func TestVisibleProjects(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	a := f.project(t, "a", store.Grant{Kind: store.SubjectAnyone, Role: store.RoleUser})
	b := f.project(t, "b", store.Grant{Kind: store.SubjectUser, Subject: "simon", Role: store.RoleUser})
	f.project(t, "c", store.Grant{Kind: store.SubjectUser, Subject: "other", Role: store.RoleUser})
	if err := f.perms.IndexOnStartup(ctx); err != nil {
		t.Fatalf("IndexOnStartup: %v", err)
	}

	got, err := f.perms.VisibleProjects(ctx, Viewer{Login: "simon"})
	if err != nil {
		t.Fatalf("VisibleProjects: %v", err)
	}
	want := []string{a, b}
	if a > b {
		want = []string{b, a}
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("VisibleProjects = %v, want %v", got, want)
	}

	got, err = f.perms.VisibleProjects(ctx, Viewer{})
	if err != nil {
		t.Fatalf("VisibleProjects: %v", err)
	}
	if !reflect.DeepEqual(got, []string{a}) {
		t.Errorf("anonymous VisibleProjects = %v, want [%s]", got, a)
	}
}
