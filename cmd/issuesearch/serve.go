package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/issuesearch/internal/server"
	"github.com/nainya/issuesearch/pkg/response"
	"github.com/nainya/issuesearch/pkg/search"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Index the store and serve searches over gRPC",
	Long: `Builds the permission index, then the issue index, replays any queued
index writes and serves the IssueSearch gRPC service. Health reports
SERVING once indexing has finished.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "gRPC port")
	serveCmd.Flags().Int("metrics-port", 0, "observability HTTP port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := openStack(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	log.LogServerStart(cfg.Server.Port, cfg.Store.Path)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	srv := server.NewServer(server.Deps{
		Groups:    st.store,
		Builder:   st.builder,
		Engine:    st.engine,
		Loader:    st.loader,
		Formatter: response.NewFormatter(),
		Log:       log,
		Metrics:   st.metrics,
	})
	grpcServer, hs := server.NewGRPCServer(srv,
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.MaxSendMsgSize(64*1024*1024),
	)
	reflection.Register(grpcServer)
	var ready atomic.Bool
	obs := server.NewObservabilityServer(cfg.Server.MetricsPort, st.registry, ready.Load, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(obs.Start)
	g.Go(func() error {
		if err := grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := search.Bootstrap(gctx, st.perms, st.indexer); err != nil {
			return err
		}
		ready.Store(true)
		server.MarkServing(hs)
		log.LogServerReady(cfg.Server.Port)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.LogServerShutdown()
		grpcServer.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return obs.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
