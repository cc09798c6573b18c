// ABOUTME: Permission index deriving per-project visibility from primary grants
// ABOUTME: Fail-closed: a project without a permission document is visible to no one

package permission

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/nainya/issuesearch/internal/logger"
	"github.com/nainya/issuesearch/pkg/index"
	"github.com/nainya/issuesearch/pkg/store"
)

const pageSize = 1000

// Viewer is the identity a query runs for. An empty Login is anonymous.
type Viewer struct {
	Login  string
	Groups []string
}

// Anonymous reports whether the viewer is not logged in
func (v Viewer) Anonymous() bool {
	return v.Login == ""
}

// GrantSource reads authoritative grants
type GrantSource interface {
	Grants(ctx context.Context, role string, projectUUIDs ...string) ([]store.ProjectGrants, error)
}

// Index holds one document per project listing who may browse it
type Index struct {
	src   GrantSource
	idx   *index.Index
	log   *logger.Logger
	ready atomic.Bool
}

// New creates a permission index over idx, which must use
// index.PermissionMapping
func New(src GrantSource, idx *index.Index, log *logger.Logger) *Index {
	if log == nil {
		log = logger.Nop()
	}
	return &Index{src: src, idx: idx, log: log}
}

// Ready reports whether IndexOnStartup has completed
func (p *Index) Ready() bool {
	return p.ready.Load()
}

// IndexPermissions re-derives the documents of the given projects. A project
// whose grants were all revoked loses its document.
func (p *Index) IndexPermissions(ctx context.Context, projectUUIDs ...string) error {
	if len(projectUUIDs) == 0 {
		return nil
	}
	return p.index(ctx, projectUUIDs)
}

// IndexOnStartup rebuilds the documents of every project
func (p *Index) IndexOnStartup(ctx context.Context) error {
	if err := p.index(ctx, nil); err != nil {
		return err
	}
	p.ready.Store(true)
	return nil
}

func (p *Index) index(ctx context.Context, projectUUIDs []string) error {
	start := time.Now()
	grants, err := p.src.Grants(ctx, store.RoleUser, projectUUIDs...)
	if err != nil {
		return fmt.Errorf("permission: load grants: %w", err)
	}

	var docs []index.Doc
	var deletes []string
	for _, g := range grants {
		if len(g.Users) == 0 && len(g.Groups) == 0 && !g.Anyone {
			deletes = append(deletes, g.ProjectUUID)
			continue
		}
		fields := map[string]any{index.FieldAnyone: g.Anyone}
		if len(g.Users) > 0 {
			fields[index.FieldUsers] = g.Users
		}
		if len(g.Groups) > 0 {
			fields[index.FieldGroups] = g.Groups
		}
		docs = append(docs, index.Doc{ID: g.ProjectUUID, Fields: fields})
	}

	err = p.idx.Upsert(ctx, docs, deletes)
	p.log.LogIndexBatch("permission", len(docs), len(deletes), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("permission: %w", err)
	}
	return nil
}

// audience matches permission documents the viewer is part of. "Anyone"
// covers anonymous and authenticated viewers alike.
func audience(v Viewer) query.Query {
	anyone := bleve.NewBoolFieldQuery(true)
	anyone.SetField(index.FieldAnyone)
	if v.Anonymous() {
		return anyone
	}
	user := bleve.NewTermQuery(v.Login)
	user.SetField(index.FieldUsers)
	clauses := []query.Query{anyone, user}
	for _, g := range v.Groups {
		group := bleve.NewTermQuery(g)
		group.SetField(index.FieldGroups)
		clauses = append(clauses, group)
	}
	return bleve.NewDisjunctionQuery(clauses...)
}

// CanView reports whether the viewer may browse the project. It returns
// false when the project has no permission document.
func (p *Index) CanView(ctx context.Context, v Viewer, projectUUID string) (bool, error) {
	if projectUUID == "" {
		return false, nil
	}
	q := bleve.NewConjunctionQuery(bleve.NewDocIDQuery([]string{projectUUID}), audience(v))
	req := bleve.NewSearchRequestOptions(q, 1, 0, false)
	res, err := p.idx.Search(ctx, req)
	if err != nil {
		return false, fmt.Errorf("permission: can view: %w", err)
	}
	return res.Total > 0, nil
}

// VisibleProjects returns the UUIDs of every project the viewer may browse,
// in ascending order
func (p *Index) VisibleProjects(ctx context.Context, v Viewer) ([]string, error) {
	size := pageSize
	if w := p.idx.MaxResultWindow(); w < size {
		size = w
	}
	var ids []string
	var after []string
	for {
		req := bleve.NewSearchRequestOptions(audience(v), size, 0, false)
		req.SortBy([]string{"_id"})
		if after != nil {
			req.SearchAfter = after
		}
		res, err := p.idx.Search(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("permission: visible projects: %w", err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) < size {
			return ids, nil
		}
		after = []string{res.Hits[len(res.Hits)-1].ID}
	}
}
