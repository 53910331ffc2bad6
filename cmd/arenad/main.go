package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/arena/internal/adminapi"
	"github.com/MarkoPoloResearchLab/arena/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/arena/internal/oplog"
	"github.com/MarkoPoloResearchLab/arena/internal/scheduler"
	"github.com/MarkoPoloResearchLab/arena/pkg/arena"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	sideEffectsDrainTimeout = 10 * time.Second
	componentCount          = 3
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "arenad: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "arenad",
		Short:         "Tournament match ledger: HTTP admin API, gRPC service and daily match generation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	registerFlags(cmd)
	return cmd
}

// services is the domain object graph shared by every transport.
type services struct {
	ledger       *arena.Ledger
	sideEffects  *arena.SideEffects
	cancellation *arena.CancellationWorkflow
	enrollment   *arena.Enrollment
	generator    *arena.MatchGenerator
}

func buildServices(store arena.Store, cfg *runtimeConfig, logger *zap.Logger) (*services, error) {
	clock := func() int64 { return time.Now().UTC().Unix() }
	options := []arena.Option{
		arena.WithOperationLogger(oplog.New(logger)),
		arena.WithStoreTimeout(cfg.StoreTimeout),
		arena.WithAuditRetry(cfg.AuditAttempts, cfg.AuditBackoff),
	}
	ledger, err := arena.NewLedger(store, clock, options...)
	if err != nil {
		return nil, fmt.Errorf("ledger init: %w", err)
	}
	sideEffectOptions := append([]arena.Option{}, options...)
	if cfg.AsyncSideEffects > 0 {
		sideEffectOptions = append(sideEffectOptions, arena.WithAsyncQueue(cfg.AsyncSideEffects))
	}
	sideEffects, err := arena.NewSideEffects(store, store, clock, sideEffectOptions...)
	if err != nil {
		return nil, fmt.Errorf("side effects init: %w", err)
	}
	cancellation, err := arena.NewCancellationWorkflow(ledger, store, store, sideEffects, clock, options...)
	if err != nil {
		return nil, fmt.Errorf("cancellation init: %w", err)
	}
	enrollment, err := arena.NewEnrollment(store, ledger, clock, options...)
	if err != nil {
		return nil, fmt.Errorf("enrollment init: %w", err)
	}
	generator, err := arena.NewMatchGenerator(store, cfg.MatchTemplates, cfg.Location, clock, options...)
	if err != nil {
		return nil, fmt.Errorf("generator init: %w", err)
	}
	return &services{
		ledger:       ledger,
		sideEffects:  sideEffects,
		cancellation: cancellation,
		enrollment:   enrollment,
		generator:    generator,
	}, nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	domain, err := buildServices(store, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), sideEffectsDrainTimeout)
		defer cancel()
		if closeErr := domain.sideEffects.Close(drainCtx); closeErr != nil {
			logger.Warn("side effects not drained", zap.Error(closeErr))
		}
	}()

	apiConfig := adminapi.Config{
		ListenAddr:        cfg.HTTPAddr,
		AllowedOrigins:    adminapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		RequestTimeout:    cfg.RequestTimeout,
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
		AdminIDs:          adminapi.ParseAdminIDs(cfg.AdminIDs),
	}
	if err := apiConfig.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	router, err := adminapi.NewRouter(apiConfig, adminapi.Services{
		Ledger:        domain.ledger,
		Cancellation:  domain.cancellation,
		Enrollment:    domain.enrollment,
		SideEffects:   domain.sideEffects,
		Notifications: store,
		Audit:         store,
	}, logger)
	if err != nil {
		return fmt.Errorf("http router: %w", err)
	}

	matchAdmin, err := grpcserver.NewMatchAdminService(domain.cancellation, domain.ledger)
	if err != nil {
		return fmt.Errorf("grpc service: %w", err)
	}
	listener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(logger)))
	grpcserver.RegisterMatchAdminServer(grpcServer, matchAdmin)

	generation, err := scheduler.New(domain.generator, scheduler.Config{
		Interval:   cfg.GenerationInterval,
		RunTimeout: cfg.StoreTimeout * time.Duration(len(cfg.MatchTemplates)*2+1),
	}, logger)
	if err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, componentCount)
	go func() { errCh <- adminapi.Serve(runCtx, apiConfig.ListenAddr, router, logger) }()
	go func() { errCh <- serveGRPC(runCtx, grpcServer, listener, logger) }()
	go func() { errCh <- generation.Run(runCtx) }()

	var firstErr error
	for index := 0; index < componentCount; index++ {
		if componentErr := <-errCh; componentErr != nil && firstErr == nil {
			firstErr = componentErr
			cancel()
		}
	}
	logger.Info("shutdown complete")
	return firstErr
}

func serveGRPC(ctx context.Context, grpcServer *grpc.Server, listener net.Listener, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}
