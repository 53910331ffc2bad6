// Package adminapi exposes the match administration and player wallet routes over HTTP.
package adminapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/arena/pkg/arena"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// Services are the domain components the routes call into.
type Services struct {
	Ledger        *arena.Ledger
	Cancellation  *arena.CancellationWorkflow
	Enrollment    *arena.Enrollment
	SideEffects   *arena.SideEffects
	Notifications arena.NotificationStore
	Audit         arena.AuditStore
}

func (services Services) validate() error {
	switch {
	case services.Ledger == nil:
		return fmt.Errorf("%w: ledger is required", arena.ErrInvalidServiceConfig)
	case services.Cancellation == nil:
		return fmt.Errorf("%w: cancellation workflow is required", arena.ErrInvalidServiceConfig)
	case services.Enrollment == nil:
		return fmt.Errorf("%w: enrollment is required", arena.ErrInvalidServiceConfig)
	case services.SideEffects == nil:
		return fmt.Errorf("%w: side effects are required", arena.ErrInvalidServiceConfig)
	case services.Notifications == nil:
		return fmt.Errorf("%w: notification store is required", arena.ErrInvalidServiceConfig)
	case services.Audit == nil:
		return fmt.Errorf("%w: audit store is required", arena.ErrInvalidServiceConfig)
	}
	return nil
}

// NewRouter builds the gin engine. cfg must already be validated.
func NewRouter(cfg Config, services Services, logger *zap.Logger) (*gin.Engine, error) {
	if err := services.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var validator *sessionvalidator.Validator
	if cfg.SessionsEnabled() {
		sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return nil, fmt.Errorf("session validator: %w", err)
		}
		validator = sessionValidator
	}
	admins := make(map[string]struct{}, len(cfg.AdminIDs))
	for _, adminID := range cfg.AdminIDs {
		admins[adminID] = struct{}{}
	}
	handler := &httpHandler{
		logger:         logger,
		services:       services,
		requestTimeout: cfg.RequestTimeout,
		sessions:       validator != nil,
		admins:         admins,
	}
	return setupRouter(cfg, handler, validator), nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	if validator != nil {
		api.Use(validator.GinMiddleware(claimsContextKey))
	}

	admin := api.Group("/admin")
	admin.POST("/matches/cancel", handler.handleCancelMatch)
	admin.POST("/matches/retry-refunds", handler.handleRetryRefunds)
	admin.POST("/credits", handler.handleCredit)
	admin.GET("/audit-log", handler.handleAuditLog)

	api.POST("/matches/join", handler.handleJoinMatch)

	users := api.Group("/users/:userId")
	users.GET("/balance", handler.handleBalance)
	users.GET("/transactions", handler.handleTransactions)
	users.GET("/notifications", handler.handleNotifications)
	users.POST("/notifications/:notificationId/read", handler.handleMarkNotificationRead)

	return router
}

// Serve runs handler on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	value, exists := ctx.Get(claimsContextKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*sessionvalidator.Claims)
	if !ok {
		return nil
	}
	return claims
}
