package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/audit"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/auth"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/config"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/custody"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/grpcapi"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/httpapi"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/obs"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/store/sqlstore"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		obs.Logger().Fatal().Err(err).Msg("govd exited")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	obs.Init()
	log := obs.Logger()

	deployment := config.DefaultDeployment()
	if cfg.PolicyFile != "" {
		if deployment, err = config.LoadDeployment(cfg.PolicyFile); err != nil {
			return err
		}
	}
	deployment = deployment.WithBootstrap(cfg.BootstrapAuthorities...)
	obs.InitBuildInfo(version, commit, cfg.DBDriver, deployment.Policy)

	var (
		store *sqlstore.Store
		probe httpapi.ReadyProbe
	)
	if cfg.DBDriver != "memory" {
		store, err = sqlstore.Open(cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		probe.Store = store
		if cfg.AutoMigrate {
			applied, err := store.Migrator().Up(ctx)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			for _, name := range applied {
				log.Info().Str("migration", name).Msg("migration applied")
			}
		}
	}

	cust := custody.NewInMemory(deployment.Treasury, deployment.PayoutAsset)
	events := stream.New(cfg.StreamBuffer)
	metrics := obs.GovernanceMetrics{}

	opts := []governance.Option{
		governance.WithCustody(cust),
		governance.WithEvents(governance.Sinks{events, audit.Sink{}, metrics}),
		governance.WithObserver(metrics),
		governance.WithBootstrapAuthorities(deployment.BootstrapAuthorities...),
	}
	if store != nil {
		opts = append(opts, governance.WithStore(store))
	}
	gov, err := governance.NewCoordinator(deployment.Policy, opts...)
	if err != nil {
		return err
	}
	if err := gov.Load(ctx); err != nil {
		return err
	}

	tokens, err := auth.NewTokens(cfg.AuthSecret, auth.WithIssuer(cfg.TokenIssuer), auth.WithTTL(cfg.TokenTTL))
	if err != nil {
		return err
	}

	api := httpapi.New(probe, version, gov, cust, events, tokens,
		httpapi.WithRateLimit(cfg.RateLimitBurst, cfg.RateLimitRPS),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithCORSOrigins(cfg.CORSOrigins...),
		httpapi.WithOperatorKey(cfg.OperatorKey),
	)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE responses stay open; per-write deadlines are not used.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	grpcSvc := grpcapi.NewServer(gov, tokens, version,
		grpcapi.WithOperatorKey(cfg.OperatorKey),
		grpcapi.WithReadiness(probe),
	)
	grpcSrv := grpcSvc.NewGRPCServer()
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	log.Info().
		Str("version", version).
		Str("http_addr", cfg.HTTPAddr).
		Str("grpc_addr", cfg.GRPCAddr).
		Str("db_driver", cfg.DBDriver).
		Strs("bootstrap_authorities", deployment.BootstrapAuthorities).
		Msg("starting gybernaty governance daemon")

	errCh := make(chan error, 2)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case runErr = <-errCh:
			break loop
		case <-ticker.C:
			grpcSvc.RefreshHealth(ctx)
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	grpcSvc.Shutdown()
	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		// open event streams hold connections past the deadline
		log.Warn().Err(err).Msg("forcing http close")
		_ = httpSrv.Close()
	}
	if runErr != nil {
		return runErr
	}
	log.Info().Msg("stopped")
	return nil
}
