package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"parley.chat/internal/audit"
	"parley.chat/internal/auth"
	"parley.chat/internal/config"
	"parley.chat/internal/credential"
	"parley.chat/internal/flood"
	"parley.chat/internal/gate"
	"parley.chat/internal/httpapi"
	"parley.chat/internal/obs"
	"parley.chat/internal/quota"
	"parley.chat/internal/ratelimit"
	"parley.chat/internal/secret"
	"parley.chat/internal/store/memory"
	"parley.chat/internal/store/pg"
)

// backend is everything the gate persists.
type backend interface {
	auth.SubjectStore
	auth.TimeoutStore
	credential.Store
	quota.Store
	audit.Store
	secret.RoomStore
	gate.BanStore
	gate.RoomStore
	Ping(ctx context.Context) error
}

var useMemory bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and the gRPC health service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&useMemory, "memory", false, "Keep all state in process memory (development only)")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := obs.Logger()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, closeStore, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	cache, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	sealer, err := loadSealer(cfg)
	if err != nil {
		return err
	}

	svc, err := buildService(ctx, cfg, store, cache, sealer)
	if err != nil {
		return err
	}

	tokens, err := auth.NewTokens(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{Checks: map[string]httpapi.Pinger{"store": store, "cache": cache}}
	api := httpapi.New(svc, tokens, probe, version,
		httpapi.WithBodyLimit(cfg.HTTP.MaxBodyBytes),
		httpapi.WithIPRateLimit(cfg.HTTP.IPRPS, cfg.HTTP.IPBurst),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthReporter(probe)
	grpcSrv := httpapi.NewGRPCServer(health)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPC.Addr, err)
	}
	go health.Run(ctx, 10*time.Second)

	errCh := make(chan error, 2)
	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version}).Info("http: listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		log.WithField("addr", lis.Addr().String()).Info("grpc: listening")
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		log.WithError(err).Error("server failed")
	}

	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	log.Info("stopped")
	return err
}

func openBackend(cfg *config.Config) (backend, func(), error) {
	if useMemory {
		obs.Logger().Warn("store: using in-memory state; nothing survives a restart")
		return memory.New(), func() {}, nil
	}
	if cfg.Postgres.DSN == "" {
		return nil, nil, errors.New("postgres.dsn is required (or run with --memory)")
	}
	st, err := pg.Open(cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	return st, func() { _ = st.Close() }, nil
}

type pingCache interface {
	ratelimit.Cache
	Ping(ctx context.Context) error
}

func openCache(ctx context.Context, cfg *config.Config) (pingCache, func(), error) {
	if useMemory || cfg.Redis.Addr == "" {
		mc := ratelimit.NewMemoryCache(nil)
		sweepCtx, cancel := context.WithCancel(ctx)
		go func() {
			t := time.NewTicker(time.Minute)
			defer t.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case <-t.C:
					mc.Sweep()
				}
			}
		}()
		return mc, cancel, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := ratelimit.DialRedis(dialCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	return ratelimit.NewRedisCache(client), func() { _ = client.Close() }, nil
}

func loadSealer(cfg *config.Config) (*secret.Sealer, error) {
	if cfg.RoomKeys.Identity != "" {
		return secret.NewSealer(cfg.RoomKeys.Identity)
	}
	obs.Logger().Warn("room_keys.identity is not set; using an ephemeral identity, sealed keys cannot be revealed after restart")
	return secret.GenerateSealer()
}

func buildService(ctx context.Context, cfg *config.Config, store backend, cache ratelimit.Cache, sealer *secret.Sealer) (*gate.Service, error) {
	rules, err := cfg.RateLimitRules()
	if err != nil {
		return nil, err
	}
	quotas, err := cfg.QuotaTable()
	if err != nil {
		return nil, err
	}

	creds, err := credential.NewVerifier(store, store,
		credential.WithIssuer(cfg.Auth.TOTPIssuer),
		credential.WithStoreTimeout(cfg.Timeouts.Store),
	)
	if err != nil {
		return nil, err
	}
	authz, err := auth.NewAuthorizer(store, store, creds, auth.WithLookupTimeout(cfg.Timeouts.Store))
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.New(cache, rules, ratelimit.WithCallTimeout(cfg.Timeouts.Cache))
	if err != nil {
		return nil, err
	}
	ledger, err := quota.NewLedger(store, quotas, quota.WithStoreTimeout(cfg.Timeouts.Store))
	if err != nil {
		return nil, err
	}
	trail, err := audit.NewTrail(store, audit.WithStoreTimeout(cfg.Timeouts.Store))
	if err != nil {
		return nil, err
	}

	guard := flood.New(flood.WithHorizon(cfg.Flood.Horizon), flood.WithThreshold(cfg.Flood.Threshold))
	go guard.Run(ctx, cfg.Flood.SweepInterval)

	return gate.NewService(gate.Deps{
		Authorizer: authz,
		Limiter:    limiter,
		Quotas:     ledger,
		Trail:      trail,
		Verifier:   creds,
		Scanner:    secret.NewScanner(store, secret.WithStoreTimeout(cfg.Timeouts.Store)),
		Sealer:     sealer,
		Guard:      guard,
		Bans:       store,
		Rooms:      store,
		Timeouts:   store,
	})
}
