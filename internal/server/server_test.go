// Integration tests for the IssueSearch gRPC server
package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/issuesearch/internal/metrics"
	"github.com/nainya/issuesearch/pkg/index"
	"github.com/nainya/issuesearch/pkg/indexer"
	"github.com/nainya/issuesearch/pkg/permission"
	"github.com/nainya/issuesearch/pkg/query"
	"github.com/nainya/issuesearch/pkg/response"
	"github.com/nainya/issuesearch/pkg/search"
	"github.com/nainya/issuesearch/pkg/store"
)

const bufSize = 1024 * 1024

const fixtureYAML = `
users:
  - {login: simon, name: Simon, email: simon@example.com}
  - {login: carol, name: Carol, email: carol@example.com}
groups:
  devs: [carol]
rules:
  - {key: "java:S101", name: Class names, language: java}
components:
  - {key: sample, name: Sample}
  - {key: "sample:src/Foo.java", name: Foo.java, parent: sample, language: java}
permissions:
  - {project: sample, user: simon, role: user}
  - {project: sample, group: devs, role: user}
issues:
  - key: ISSUE-1
    component: "sample:src/Foo.java"
    rule: "java:S101"
    severity: MAJOR
    tags: [bug, convention]
    created_at: 2024-01-02T00:00:00Z
    updated_at: 2024-01-02T00:00:00Z
  - key: ISSUE-2
    component: "sample:src/Foo.java"
    rule: "java:S101"
    severity: BLOCKER
    tags: [bug]
    created_at: 2024-01-03T00:00:00Z
    updated_at: 2024-01-03T00:00:00Z
`

type testEnv struct {
	client *Client
	health healthpb.HealthClient
	mark   func()
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "server.db")}, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f, err := store.DecodeFixture(strings.NewReader(fixtureYAML))
	if err != nil {
		t.Fatalf("DecodeFixture: %v", err)
	}
	if err := s.Tx(ctx, func(tx *store.Tx) error { _, err := f.Apply(tx); return err }); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	issues, err := index.NewMemOnly(index.IssueMapping(), index.Options{Name: "issues"})
	if err != nil {
		t.Fatalf("issue index: %v", err)
	}
	t.Cleanup(func() { issues.Close() })
	permIdx, err := index.NewMemOnly(index.PermissionMapping(), index.Options{Name: "permissions"})
	if err != nil {
		t.Fatalf("permission index: %v", err)
	}
	t.Cleanup(func() { permIdx.Close() })

	m := metrics.NewMetrics(prometheus.NewRegistry())
	perms := permission.New(s, permIdx, nil)
	ix := indexer.New(s, issues, perms, indexer.Config{}, nil, m)
	if err := search.Bootstrap(ctx, perms, ix); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	srv := NewServer(Deps{
		Groups:  s,
		Builder: query.NewBuilder(query.Config{}, s),
		Engine:  search.New(issues, perms, search.Config{}, nil, m),
		Loader:  response.NewLoader(s),
		Metrics: m,
	})
	grpcServer, hs := NewGRPCServer(srv)

	lis := bufconn.Listen(bufSize)
	go grpcServer.Serve(lis)
	t.Cleanup(func() {
		grpcServer.Stop()
		lis.Close()
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial bufnet: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &testEnv{
		client: NewClient(conn),
		health: healthpb.NewHealthClient(conn),
		mark:   func() { MarkServing(hs) },
	}
}

func as(login string, groups ...string) context.Context {
	md := metadata.Pairs(HeaderViewerLogin, login)
	if len(groups) > 0 {
		md.Set(HeaderViewerGroups, strings.Join(groups, ","))
	}
	return metadata.NewOutgoingContext(context.Background(), md)
}

func params(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	st, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return st
}

func total(resp *structpb.Struct) float64 {
	return resp.GetFields()["total"].GetNumberValue()
}

func TestSearch(t *testing.T) {
	env := setupTestServer(t)

	resp, err := env.client.Search(as("simon"), params(t, map[string]any{
		"componentKeys": "sample",
		"facets":        "severities,tags",
		"s":             "CREATION_DATE",
		"asc":           false,
	}))
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if total(resp) != 2 {
		t.Errorf("total = %v, want 2", total(resp))
	}

	issues := resp.GetFields()["issues"].GetListValue().GetValues()
	if len(issues) != 2 {
		t.Fatalf("issues = %d, want 2", len(issues))
	}
	first := issues[0].GetStructValue().GetFields()
	if first["key"].GetStringValue() != "ISSUE-2" {
		t.Errorf("first issue = %s, want ISSUE-2", first["key"].GetStringValue())
	}
	if first["component"].GetStringValue() != "sample:src/Foo.java" {
		t.Errorf("component = %s", first["component"].GetStringValue())
	}

	facets := resp.GetFields()["facets"].GetListValue().GetValues()
	if len(facets) != 2 {
		t.Fatalf("facets = %d, want 2", len(facets))
	}
	if p := facets[0].GetStructValue().GetFields()["property"].GetStringValue(); p != "severities" {
		t.Errorf("first facet = %s, want severities", p)
	}
}

func TestSearchVisibility(t *testing.T) {
	env := setupTestServer(t)
	tests := []struct {
		name string
		ctx  context.Context
		want float64
	}{
		{"user grant", as("simon"), 2},
		{"group from metadata", as("bob", "devs"), 2},
		{"group from store", as("carol"), 2},
		{"no grant", as("mallory"), 0},
		{"anonymous", context.Background(), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := env.client.Search(tt.ctx, params(t, nil))
			if err != nil {
				t.Fatalf("Search failed: %v", err)
			}
			if total(resp) != tt.want {
				t.Errorf("total = %v, want %v", total(resp), tt.want)
			}
		})
	}
}

func TestSearchRejectsInvalidFilters(t *testing.T) {
	env := setupTestServer(t)
	tests := []struct {
		name    string
		params  map[string]any
		message string
	}{
		{"date", map[string]any{"createdAfter": "unknown"}, "Date 'unknown' cannot be parsed"},
		{"severity", map[string]any{"severities": "HUGE"}, "HUGE"},
		{"unknown parameter", map[string]any{"bogus": "x"}, "bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.client.Search(as("simon"), params(t, tt.params))
			if status.Code(err) != codes.InvalidArgument {
				t.Fatalf("code = %v, want InvalidArgument (err %v)", status.Code(err), err)
			}
			if !strings.Contains(status.Convert(err).Message(), tt.message) {
				t.Errorf("message %q does not mention %q", status.Convert(err).Message(), tt.message)
			}
		})
	}
}

func TestListTags(t *testing.T) {
	env := setupTestServer(t)
	resp, err := env.client.ListTags(as("simon"), params(t, map[string]any{"componentKeys": "sample", "ps": 1}))
	if err != nil {
		t.Fatalf("ListTags failed: %v", err)
	}
	tags := resp.GetFields()["tags"].GetListValue().GetValues()
	if len(tags) != 1 {
		t.Fatalf("tags = %d, want 1", len(tags))
	}
	tag := tags[0].GetStructValue().GetFields()
	if tag["key"].GetStringValue() != "bug" || tag["count"].GetNumberValue() != 2 {
		t.Errorf("tag = %v, want bug=2", tag)
	}
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	resp, err := env.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v before MarkServing", resp.Status)
	}

	env.mark()
	resp, err = env.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.Status)
	}
}

func TestReadyEndpoint(t *testing.T) {
	ready := false
	obs := NewObservabilityServer(0, prometheus.NewRegistry(), func() bool { return ready }, nil)

	rec := httptest.NewRecorder()
	obs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready = %d before indexing, want 503", rec.Code)
	}

	ready = true
	rec = httptest.NewRecorder()
	obs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/ready = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	obs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if !strings.Contains(rec.Body.String(), "issuesearch") {
		t.Errorf("/health body = %s", rec.Body.String())
	}
}
