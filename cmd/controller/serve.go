package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"provisiond/pkg/api"
	"provisiond/pkg/auth"
	"provisiond/pkg/cluster"
	"provisiond/pkg/config"
	"provisiond/pkg/db"
	"provisiond/pkg/ipam"
	"provisiond/pkg/logging"
	"provisiond/pkg/metrics"
	"provisiond/pkg/provision"
	"provisiond/pkg/rpc"
	"provisiond/pkg/store"
	"provisiond/pkg/task"
	"provisiond/pkg/version"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker bus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("starting controller", zap.String("version", version.String()))
	metrics.MustInit()

	gdb, err := db.Init(cfg.Database)
	if err != nil {
		return err
	}
	st := store.NewGormStore(gdb)

	locker, err := store.NewLocker(cfg.Consul.Address, cfg.Consul.Token, cfg.Consul.LockPrefix)
	if err != nil {
		return err
	}

	for _, key := range []string{cfg.Provision.BootstrapKey, cfg.Provision.ProductionKey} {
		fp, err := provision.KeyFingerprint(key)
		if err != nil {
			log.Warn("power key not usable, reboots may fail", zap.String("path", key), zap.Error(err))
			continue
		}
		log.Info("power key loaded", zap.String("path", key), zap.String("fingerprint", fp))
	}

	hub := rpc.NewHub(cfg.Bus.MaxPending, log)
	defer hub.Close()
	task.NewResponder(st, log).Register(hub)

	clusters := cluster.NewService(cluster.Options{
		Store:      st,
		Allocator:  ipam.New(cfg.Pools, locker, log),
		Correlator: task.NewCorrelator(st, hub, cfg.Bus.Exchange, log),
		Dispatcher: provision.NewDispatcher(cfg.Provision.BootstrapKey, cfg.Provision.ProductionKey, log),
		Backend: provision.Config{
			ClassName: cfg.Provision.Driver,
			URL:       cfg.Provision.URL,
			User:      cfg.Provision.User,
			Password:  cfg.Provision.Password,
		},
		Profile:             cfg.Provision.Profile,
		DispatchConcurrency: cfg.Provision.DispatchConcurrency,
		Logger:              log,
	})

	health := map[string]api.Pinger{"database": st}
	if p, ok := locker.(api.Pinger); ok {
		health["consul"] = p
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.RouterConfig{
		Logger:   log,
		Verifier: auth.NewVerifier(cfg.Auth.Token, cfg.Auth.JWTSecret),
		Clusters: clusters,
		Releases: cluster.NewReleaseService(st, cfg.Pools.AccessClasses()),
		Nodes:    cluster.NewNodeService(st),
		Hub:      hub,
		Health:   health,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.TLS.Enabled() {
		tlsCfg, err := api.ServerTLSConfig(cfg.TLS)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsCfg
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("controller listening", zap.String("addr", cfg.Listen), zap.Bool("tls", cfg.TLS.Enabled()))
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
