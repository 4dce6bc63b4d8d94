package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"userdir.org/internal/config"
	"userdir.org/internal/httpapi"
	"userdir.org/internal/keylock"
	"userdir.org/internal/obs"
	"userdir.org/internal/store/pg"
	"userdir.org/internal/usercache"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the health, readiness and metrics endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("http-addr", ":8080", "HTTP listen address")
	cmd.Flags().String("grpc-addr", ":9090", "gRPC listen address")
	_ = a.v.BindPFlag(config.KeyHTTPAddr, cmd.Flags().Lookup("http-addr"))
	_ = a.v.BindPFlag(config.KeyGRPCAddr, cmd.Flags().Lookup("grpc-addr"))
	return cmd
}

func (a *app) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var collectors = append(keylock.Collectors(), pg.Collectors()...)
	collectors = append(collectors, usercache.Collectors()...)
	obs.Init(collectors...)
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	rt, err := a.wire(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	probe := httpapi.ReadyProbe{DB: rt.db, Cache: rt.store, Timeout: 2 * time.Second}
	api := httpapi.New(probe, version, httpapi.WithRateLimit(a.cfg.RateBurst, a.cfg.RatePerSecond))

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewGRPCHealth(probe, 10*time.Second)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info("grpc listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()
	go health.Run(ctx)

	select {
	case <-ctx.Done():
	case err = <-errCh:
		log.Error("server failed", "error", err)
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	log.Info("stopped")
	return err
}
