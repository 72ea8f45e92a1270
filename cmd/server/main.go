package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/welldanyogia/certbroker/internal/api"
	"github.com/welldanyogia/certbroker/internal/api/middleware"
	"github.com/welldanyogia/certbroker/internal/config"
	"github.com/welldanyogia/certbroker/internal/database"
	"github.com/welldanyogia/certbroker/internal/logger"
	"github.com/welldanyogia/certbroker/internal/models"
	"github.com/welldanyogia/certbroker/internal/repository"
	"github.com/welldanyogia/certbroker/internal/services"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "certbroker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWithValidation()
	if err != nil {
		return err
	}

	log := logger.New(logger.Options{
		ServiceName: cfg.ServiceName,
		Env:         cfg.AppEnv,
		Level:       cfg.LogLevel,
	})
	log.Info().Msg("starting certbroker")
	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(database.Options{URL: cfg.DatabaseURL, Production: cfg.IsProduction()}, log)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()

	if err := database.Migrate(db, log); err != nil {
		return err
	}

	writer, closeWriter, err := delegationWriter(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeWriter()

	acmeClient, err := services.NewACMEClient(services.ACMEClientConfig{
		DirectoryURL:  cfg.ACMEDirectoryURL,
		Email:         cfg.ACMEEmail,
		AccountKeyPEM: cfg.ACMEAccountKeyPEM,
	}, logger.Component(log, "acme-client"))
	if err != nil {
		return err
	}
	// Sectigo orders are accepted and billed; their upstream client is
	// registered by the deployment that holds the reseller credentials.
	clients := services.CAClients{models.CAACME: acmeClient}

	verifierConfig := services.DefaultDNSVerifierConfig()
	verifierConfig.ResolverAddr = cfg.DNSResolverAddr
	verifierConfig.LookupTimeout = cfg.DNSLookupTimeout

	store := repository.NewStore(db)
	delegations := services.NewDelegationService(store, services.NewDNSVerifier(verifierConfig), writer, cfg.DelegationProxyZone, log)
	ledger := services.NewLedger(store, log)
	tasks := services.NewTaskOrchestrator(log)
	orders := services.NewOrderService(store, ledger, services.NewDCVGenerator(delegations), delegations, tasks, clients, log)
	bridge := services.NewAcmeBridge(store, ledger, delegations, orders, clients, log)

	worker := services.NewTaskWorker(store, orders, delegations, services.TaskWorkerConfig{
		PollInterval:    cfg.TaskPollInterval,
		Concurrency:     cfg.TaskConcurrency,
		BatchSize:       cfg.TaskBatchSize,
		MaxAttempts:     cfg.TaskMaxAttempts,
		Lease:           cfg.TaskLease,
		RetryBase:       cfg.TaskRetryBase,
		IssuancePoll:    cfg.TaskIssuancePoll,
		IssuanceTimeout: cfg.TaskIssuanceTimeout,
		SweepInterval:   cfg.ExpirySweepInterval,
	}, log)

	limiter := middleware.NewIPRateLimiter(rate.Limit(cfg.RateLimitRequests), cfg.RateLimitBurst)
	router := api.NewRouter(&api.RouterConfig{
		DB:             db,
		Logger:         logger.Component(log, "http"),
		Audit:          logger.NewAuditLogger(log),
		Orders:         orders,
		Acme:           bridge,
		Delegations:    delegations,
		Payments:       ledger,
		Worker:         worker,
		APIKey:         cfg.APIKey,
		AllowedOrigins: cfg.AllowedOrigins,
		Production:     cfg.IsProduction(),
		RateLimiter:    limiter,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker.Start()
	defer worker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.APIPort).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		limiter.RunCleanup(gctx.Done())
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}

// delegationWriter connects to the PowerDNS database when one is
// configured. Without it, delegated TXT tokens are not published.
func delegationWriter(ctx context.Context, cfg *config.Config, log zerolog.Logger) (services.DelegationWriter, func(), error) {
	if cfg.PowerDNSDatabaseURL == "" {
		log.Warn().Msg("POWERDNS_DATABASE_URL not set - delegated TXT records will not be written")
		return nil, func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.PowerDNSDatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to powerdns database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping powerdns database: %w", err)
	}
	return services.NewPowerDNSWriter(pool), pool.Close, nil
}
