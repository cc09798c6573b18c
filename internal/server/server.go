// Package server implements the gRPC IssueSearch service
package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/issuesearch/internal/logger"
	"github.com/nainya/issuesearch/internal/metrics"
	"github.com/nainya/issuesearch/pkg/index"
	"github.com/nainya/issuesearch/pkg/indexer"
	"github.com/nainya/issuesearch/pkg/permission"
	"github.com/nainya/issuesearch/pkg/query"
	"github.com/nainya/issuesearch/pkg/response"
	"github.com/nainya/issuesearch/pkg/search"
)

// Viewer identity metadata keys
const (
	HeaderViewerLogin  = "x-viewer-login"
	HeaderViewerGroups = "x-viewer-groups"
)

// GroupResolver finds the groups of a login when the caller sends none
type GroupResolver interface {
	GroupsOf(ctx context.Context, login string) ([]string, error)
}

// Deps are the collaborators of the service
type Deps struct {
	Groups    GroupResolver
	Builder   *query.Builder
	Engine    *search.Engine
	Loader    *response.Loader
	Formatter *response.Formatter
	Log       *logger.Logger
	Metrics   *metrics.Metrics
}

// Server implements IssueSearchServer
type Server struct {
	deps Deps
	log  *logger.Logger
}

// NewServer creates the service
func NewServer(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Formatter == nil {
		deps.Formatter = response.NewFormatter()
	}
	return &Server{deps: deps, log: deps.Log}
}

// NewGRPCServer registers the service and the standard health service on a
// new grpc.Server. Health reports NOT_SERVING until MarkServing is called on
// the returned health server.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{
		grpc.UnaryInterceptor(ObservabilityInterceptor(s.deps.Metrics, s.log)),
	}, opts...)
	g := grpc.NewServer(opts...)
	g.RegisterService(&ServiceDesc, s)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(g, hs)
	return g, hs
}

// MarkServing flips the health status once indexes are bootstrapped
func MarkServing(hs *health.Server) {
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Search runs an issue search and returns the formatted response
func (s *Server) Search(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	params, err := decodeParams(req)
	if err != nil {
		return nil, toStatus(err)
	}
	viewer, err := s.viewer(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	q, err := s.deps.Builder.Build(ctx, params.request(), viewer)
	if err != nil {
		return nil, toStatus(err)
	}

	res, err := s.deps.Engine.Search(ctx, q)
	if err != nil {
		return nil, toStatus(err)
	}
	loaded, err := s.deps.Loader.Load(ctx, res.Keys, response.OptionsFor(q))
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(s.deps.Formatter.Format(q, res, loaded))
}

// ListTags returns tag counts within the request's component scope
func (s *Server) ListTags(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	params, err := decodeParams(req)
	if err != nil {
		return nil, toStatus(err)
	}
	viewer, err := s.viewer(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	q, err := s.deps.Builder.Build(ctx, params.request(), viewer)
	if err != nil {
		return nil, toStatus(err)
	}
	tags, err := s.deps.Engine.ListTagsForComponent(ctx, q, params.tagLimit())
	if err != nil {
		return nil, toStatus(err)
	}

	list := make([]any, len(tags))
	for i, t := range tags {
		list[i] = map[string]any{"key": t.Val, "count": float64(t.Count)}
	}
	st, err := newStruct(map[string]any{"tags": list})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// viewer reads the caller identity from metadata. Without a login the
// caller is anonymous. Groups missing from metadata are looked up.
func (s *Server) viewer(ctx context.Context) (permission.Viewer, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var v permission.Viewer
	if vals := md.Get(HeaderViewerLogin); len(vals) > 0 {
		v.Login = strings.TrimSpace(vals[0])
	}
	if v.Anonymous() {
		return v, nil
	}
	if vals := md.Get(HeaderViewerGroups); len(vals) > 0 {
		for _, val := range vals {
			for _, g := range strings.Split(val, ",") {
				if g = strings.TrimSpace(g); g != "" {
					v.Groups = append(v.Groups, g)
				}
			}
		}
		return v, nil
	}
	if s.deps.Groups != nil {
		groups, err := s.deps.Groups.GroupsOf(ctx, v.Login)
		if err != nil {
			return v, err
		}
		v.Groups = groups
	}
	return v, nil
}

func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	st := new(structpb.Struct)
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}

// toStatus maps domain errors onto gRPC codes
func toStatus(err error) error {
	var invalid *query.InvalidFilterError
	var indexing *indexer.IndexingError
	switch {
	case errors.As(err, &invalid):
		return status.Error(codes.InvalidArgument, invalid.Error())
	case errors.As(err, &indexing), errors.Is(err, index.ErrIndexClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Errorf(codes.Internal, "%v", err)
}
