package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nainya/issuesearch/internal/config"
	"github.com/nainya/issuesearch/internal/logger"
	"github.com/nainya/issuesearch/internal/metrics"
	"github.com/nainya/issuesearch/pkg/index"
	"github.com/nainya/issuesearch/pkg/indexer"
	"github.com/nainya/issuesearch/pkg/permission"
	"github.com/nainya/issuesearch/pkg/query"
	"github.com/nainya/issuesearch/pkg/response"
	"github.com/nainya/issuesearch/pkg/search"
	"github.com/nainya/issuesearch/pkg/store"
)

// stack wires every component by constructor injection
type stack struct {
	store    *store.Store
	issues   *index.Index
	permIdx  *index.Index
	perms    *permission.Index
	indexer  *indexer.Indexer
	engine   *search.Engine
	builder  *query.Builder
	loader   *response.Loader
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func openStack(cfg *config.Config, log *logger.Logger) (*stack, error) {
	s, err := store.Open(store.Config{Path: cfg.Store.Path, PoolSize: cfg.Store.PoolSize}, log)
	if err != nil {
		return nil, err
	}
	st := &stack{store: s, registry: prometheus.NewRegistry()}
	st.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	st.metrics = metrics.NewMetrics(st.registry)

	opts := func(name string) index.Options {
		return index.Options{Name: name, MaxResultWindow: cfg.Index.MaxResultWindow, Log: log}
	}
	if st.issues, err = openIndex(cfg.Index.Path, "issues", index.IssueMapping(), opts("issues")); err != nil {
		st.Close()
		return nil, err
	}
	if st.permIdx, err = openIndex(cfg.Index.Path, "permissions", index.PermissionMapping(), opts("permissions")); err != nil {
		st.Close()
		return nil, err
	}

	st.perms = permission.New(s, st.permIdx, log)
	st.indexer = indexer.New(s, st.issues, st.perms, indexer.Config{BatchSize: cfg.Index.BatchSize}, log, st.metrics)
	st.engine = search.New(st.issues, st.perms, search.Config{FacetSize: cfg.Search.FacetSize}, log, st.metrics)
	st.builder = query.NewBuilder(query.Config{
		DefaultPageSize: cfg.Search.DefaultPageSize,
		MaxPageSize:     cfg.Search.MaxPageSize,
	}, s)
	st.loader = response.NewLoader(s)
	return st, nil
}

func openIndex(dir, name string, m mapping.IndexMapping, opts index.Options) (*index.Index, error) {
	if dir == "" {
		return index.NewMemOnly(m, opts)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	return index.Open(filepath.Join(dir, name+".bleve"), m, opts)
}

// Close releases indexes and the store
func (st *stack) Close() error {
	var errs []error
	for _, idx := range []*index.Index{st.issues, st.permIdx} {
		if idx != nil {
			errs = append(errs, idx.Close())
		}
	}
	errs = append(errs, st.store.Close())
	return errors.Join(errs...)
}
