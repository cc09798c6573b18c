// ABOUTME: Issue indexer projecting primary issue records into the search index
// ABOUTME: Incremental batches, startup rebuild and queue-backed commit/recovery

package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nainya/issuesearch/internal/logger"
	"github.com/nainya/issuesearch/internal/metrics"
	"github.com/nainya/issuesearch/pkg/index"
	"github.com/nainya/issuesearch/pkg/issue"
	"github.com/nainya/issuesearch/pkg/store"
)

// Queue document types
const (
	DocIssue   = "issue"
	DocProject = "project"
)

// IndexingError reports a batch the index did not accept. The same batch
// can be retried.
type IndexingError struct {
	BatchSize int
	Err       error
}

func (e *IndexingError) Error() string {
	return fmt.Sprintf("indexing batch of %d documents failed: %v", e.BatchSize, e.Err)
}

func (e *IndexingError) Unwrap() error { return e.Err }

// Temporary is always true: index failures are retryable
func (e *IndexingError) Temporary() bool { return true }

// PermissionIndexer re-derives permission documents for projects
type PermissionIndexer interface {
	IndexPermissions(ctx context.Context, projectUUIDs ...string) error
}

// Config holds indexer parameters
type Config struct {
	BatchSize int // Records per batch during rebuild and recovery (default 500)
}

// Indexer writes issue documents. It is safe for concurrent use.
type Indexer struct {
	store *store.Store
	idx   *index.Index
	perms PermissionIndexer
	cfg   Config
	log   *logger.Logger
	m     *metrics.Metrics

	// While a rebuild scan runs, keys indexed incrementally are recorded so
	// the scan does not overwrite them with an older read.
	mu       sync.Mutex
	scanning int
	touched  map[string]struct{}
}

// New creates an indexer. perms may be nil when permission changes are
// indexed elsewhere.
func New(s *store.Store, idx *index.Index, perms PermissionIndexer, cfg Config, log *logger.Logger, m *metrics.Metrics) *Indexer {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Indexer{store: s, idx: idx, perms: perms, cfg: cfg, log: log, m: m}
}

// IndexBatch indexes records in one all-or-nothing batch and returns the
// number of documents written
func (ix *Indexer) IndexBatch(ctx context.Context, records []*issue.Record) (int, error) {
	return ix.indexRecords(ctx, records, nil, false)
}

// IndexOnStartup re-indexes every issue of the store in key order. Keys
// indexed incrementally while the scan runs are skipped by the scan.
func (ix *Indexer) IndexOnStartup(ctx context.Context) (int, error) {
	ix.mu.Lock()
	if ix.scanning == 0 {
		ix.touched = make(map[string]struct{})
	}
	ix.scanning++
	ix.mu.Unlock()
	defer func() {
		ix.mu.Lock()
		ix.scanning--
		if ix.scanning == 0 {
			ix.touched = nil
		}
		ix.mu.Unlock()
	}()

	start := time.Now()
	total := 0
	after := ""
	for {
		records, err := ix.store.ScanIssues(ctx, after, ix.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("indexer: scan: %w", err)
		}
		if len(records) == 0 {
			break
		}
		n, err := ix.indexRecords(ctx, records, nil, true)
		total += n
		if err != nil {
			return total, err
		}
		after = records[len(records)-1].Key
	}

	ix.log.IndexLogger("startup").Info("issue index rebuilt").
		Int("documents", total).
		Dur("duration_ms", time.Since(start)).
		Send()
	return total, nil
}

func (ix *Indexer) indexRecords(ctx context.Context, records []*issue.Record, deletes []string, fromScan bool) (int, error) {
	if len(records) == 0 && len(deletes) == 0 {
		return 0, nil
	}
	start := time.Now()

	projections, err := ix.project(ctx, records)
	if err != nil {
		return 0, &IndexingError{BatchSize: len(records), Err: err}
	}

	ix.mu.Lock()
	if fromScan {
		defer ix.mu.Unlock()
	} else {
		if ix.scanning > 0 {
			for _, r := range records {
				ix.touched[r.Key] = struct{}{}
			}
			for _, k := range deletes {
				ix.touched[k] = struct{}{}
			}
		}
		ix.mu.Unlock()
	}

	docs := make([]index.Doc, 0, len(records))
	for _, r := range records {
		if fromScan && ix.touched != nil {
			if _, ok := ix.touched[r.Key]; ok {
				continue
			}
		}
		docs = append(docs, ToDoc(r, projections[r.ComponentUUID]))
	}

	err = ix.idx.Upsert(ctx, docs, deletes)
	ix.log.LogIndexBatch(DocIssue, len(docs), len(deletes), time.Since(start), err)
	ix.m.RecordIndexBatch(DocIssue, len(docs), len(deletes), time.Since(start), err)
	if err != nil {
		return 0, &IndexingError{BatchSize: len(docs) + len(deletes), Err: err}
	}
	return len(docs), nil
}

// project resolves the component data denormalized onto each document
func (ix *Indexer) project(ctx context.Context, records []*issue.Record) (map[string]Projection, error) {
	uuids := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, ok := seen[r.ComponentUUID]; ok {
			continue
		}
		seen[r.ComponentUUID] = struct{}{}
		uuids = append(uuids, r.ComponentUUID)
	}

	comps, err := ix.store.ComponentsByUUIDs(ctx, uuids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Projection, len(uuids))
	for _, id := range uuids {
		chain, err := ix.store.Ancestors(ctx, id)
		if err != nil {
			return nil, err
		}
		p := Projection{Ancestors: chain}
		if c, ok := comps[id]; ok {
			p.Language = c.Language
		}
		out[id] = p
	}
	return out, nil
}

// Change is the result of a write transaction: the issue keys and project
// UUIDs whose index documents must be refreshed
type Change struct {
	IssueKeys    []string
	ProjectUUIDs []string
}

// CommitAndIndex runs fn in one store transaction that also queues the
// touched documents, then indexes them after commit. Queue rows are removed
// only once indexing succeeds; Recover picks up whatever is left. The commit
// is durable even when the returned error is an *IndexingError.
func (ix *Indexer) CommitAndIndex(ctx context.Context, fn func(tx *store.Tx) (*Change, error)) (*Change, error) {
	var change *Change
	var issueItems, projectItems []store.QueueItem
	err := ix.store.Tx(ctx, func(tx *store.Tx) error {
		c, err := fn(tx)
		if err != nil {
			return err
		}
		if c == nil {
			c = &Change{}
		}
		change = c
		if issueItems, err = tx.Enqueue(DocIssue, c.IssueKeys...); err != nil {
			return err
		}
		projectItems, err = tx.Enqueue(DocProject, c.ProjectUUIDs...)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Permissions first so new issues never become visible ahead of their
	// project's audience.
	if err := ix.indexProjects(ctx, projectItems); err != nil {
		return change, err
	}
	if err := ix.indexQueuedIssues(ctx, issueItems); err != nil {
		return change, err
	}
	return change, nil
}

func (ix *Indexer) indexQueuedIssues(ctx context.Context, items []store.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	keys := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, ok := seen[it.DocKey]; ok {
			continue
		}
		seen[it.DocKey] = struct{}{}
		keys = append(keys, it.DocKey)
	}

	records, err := ix.store.IssuesByKeys(ctx, keys)
	if err != nil {
		return fmt.Errorf("indexer: load queued issues: %w", err)
	}
	found := make(map[string]struct{}, len(records))
	for _, r := range records {
		found[r.Key] = struct{}{}
	}
	var deletes []string
	for _, k := range keys {
		if _, ok := found[k]; !ok {
			deletes = append(deletes, k)
		}
	}

	if _, err := ix.indexRecords(ctx, records, deletes, false); err != nil {
		ix.log.IndexLogger("commit").Error("issue indexing failed, left queued").
			Int("batch_size", len(keys)).
			Err(err).
			Send()
		return err
	}
	return ix.store.Tx(ctx, func(tx *store.Tx) error { return tx.Dequeue(items) })
}

func (ix *Indexer) indexProjects(ctx context.Context, items []store.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	if ix.perms == nil {
		return nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.DocKey)
	}
	if err := ix.perms.IndexPermissions(ctx, ids...); err != nil {
		ix.log.IndexLogger("commit").Error("permission indexing failed, left queued").
			Int("batch_size", len(ids)).
			Err(err).
			Send()
		return &IndexingError{BatchSize: len(ids), Err: err}
	}
	return ix.store.Tx(ctx, func(tx *store.Tx) error { return tx.Dequeue(items) })
}

// Recover indexes every document still waiting in the queue and returns how
// many queue rows were processed
func (ix *Indexer) Recover(ctx context.Context) (int, error) {
	total := 0
	for _, docType := range []string{DocProject, DocIssue} {
		if docType == DocProject && ix.perms == nil {
			continue
		}
		for {
			items, err := ix.store.QueuedItems(ctx, docType, ix.cfg.BatchSize)
			if err != nil {
				return total, fmt.Errorf("indexer: read queue: %w", err)
			}
			ix.m.SetQueueDepth(len(items))
			if len(items) == 0 {
				break
			}
			if docType == DocProject {
				err = ix.indexProjects(ctx, items)
			} else {
				err = ix.indexQueuedIssues(ctx, items)
			}
			if err != nil {
				return total, err
			}
			total += len(items)
		}
	}
	if total > 0 {
		ix.log.IndexLogger("recover").Info("index queue drained").
			Int("items", total).
			Send()
	}
	return total, nil
}
