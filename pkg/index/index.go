// ABOUTME: Search index collaborator backed by bleve
// ABOUTME: Atomic upsert batches, canonical stored source and window-bounded search

package index

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/nainya/issuesearch/internal/logger"
)

var (
	// ErrIndexClosed is returned by every operation after Close
	ErrIndexClosed = errors.New("index: closed")
	// ErrEmptyDocumentID is returned when a document has no key
	ErrEmptyDocumentID = errors.New("index: empty document id")
)

// DefaultMaxResultWindow bounds from+size of every search
const DefaultMaxResultWindow = 10000

// Doc is one document to upsert. Absent fields are omitted from Fields.
type Doc struct {
	ID     string
	Fields map[string]any
}

// Index wraps one bleve index. It is safe for concurrent use.
type Index struct {
	mu        sync.RWMutex
	idx       bleve.Index
	name      string
	maxWindow int
	log       *logger.Logger
	closed    bool
}

// Options configures an Index
type Options struct {
	Name            string // Used in logs, e.g. "issues"
	MaxResultWindow int
	Log             *logger.Logger
}

func newIndex(idx bleve.Index, opts Options) *Index {
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	if opts.MaxResultWindow <= 0 {
		opts.MaxResultWindow = DefaultMaxResultWindow
	}
	return &Index{idx: idx, name: opts.Name, maxWindow: opts.MaxResultWindow, log: opts.Log}
}

// NewMemOnly creates an in-memory index
func NewMemOnly(m mapping.IndexMapping, opts Options) (*Index, error) {
	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("index %s: create in memory: %w", opts.Name, err)
	}
	return newIndex(idx, opts), nil
}

// Open opens the index at path, creating it with m if it does not exist
func Open(path string, m mapping.IndexMapping, opts Options) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == nil {
		return newIndex(idx, opts), nil
	}
	if !errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return nil, fmt.Errorf("index %s: open %s: %w", opts.Name, path, err)
	}
	idx, err = bleve.New(path, m)
	if err != nil {
		return nil, fmt.Errorf("index %s: create %s: %w", opts.Name, path, err)
	}
	return newIndex(idx, opts), nil
}

// Name returns the index name
func (i *Index) Name() string { return i.name }

// MaxResultWindow returns the largest from+size a search may reach
func (i *Index) MaxResultWindow() int { return i.maxWindow }

// Upsert writes docs and removes deletes in one batch, together with each
// document's canonical source. The batch is applied all-or-nothing.
func (i *Index) Upsert(ctx context.Context, docs []Doc, deletes []string) error {
	if len(docs) == 0 && len(deletes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrIndexClosed
	}

	batch := i.idx.NewBatch()
	for _, d := range docs {
		if d.ID == "" {
			return ErrEmptyDocumentID
		}
		src, err := EncodeSource(d.Fields)
		if err != nil {
			return fmt.Errorf("index %s: encode %s: %w", i.name, d.ID, err)
		}
		if err := batch.Index(d.ID, d.Fields); err != nil {
			return fmt.Errorf("index %s: add %s: %w", i.name, d.ID, err)
		}
		batch.SetInternal(sourceKey(d.ID), src)
	}
	for _, id := range deletes {
		if id == "" {
			return ErrEmptyDocumentID
		}
		batch.Delete(id)
		batch.DeleteInternal(sourceKey(id))
	}

	if err := i.idx.Batch(batch); err != nil {
		return fmt.Errorf("index %s: commit batch: %w", i.name, err)
	}
	return nil
}

// Source returns the canonical encoded source stored for id, or nil if the
// document is not indexed
func (i *Index) Source(id string) ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return nil, ErrIndexClosed
	}
	return i.idx.GetInternal(sourceKey(id))
}

// Search runs req after clamping a copy of its window to the configured
// maximum. req itself is left untouched.
// A request starting at or beyond the window returns no hits but keeps the
// total and facets.
func (i *Index) Search(ctx context.Context, req *bleve.SearchRequest) (*bleve.SearchResult, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return nil, ErrIndexClosed
	}

	clamped := *req
	req = &clamped
	if req.From < 0 {
		req.From = 0
	}
	if req.From >= i.maxWindow {
		req.From, req.Size = 0, 0
	} else if req.From+req.Size > i.maxWindow {
		req.Size = i.maxWindow - req.From
	}

	res, err := i.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("index %s: search: %w", i.name, err)
	}
	return res, nil
}

// DocCount returns the number of indexed documents
func (i *Index) DocCount() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return 0, ErrIndexClosed
	}
	return i.idx.DocCount()
}

// Close closes the index. Closing twice is a no-op.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	return i.idx.Close()
}

func sourceKey(id string) []byte {
	return []byte("src/" + id)
}
