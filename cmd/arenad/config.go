package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/arena/pkg/arena"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "ARENA"

	flagEnvFile            = "env-file"
	flagDatabaseURL        = "database-url"
	flagHTTPAddr           = "http-addr"
	flagGRPCAddr           = "grpc-addr"
	flagStoreBackend       = "store-backend"
	flagStoreTimeout       = "store-timeout"
	flagRequestTimeout     = "request-timeout"
	flagAuditAttempts      = "audit-attempts"
	flagAuditBackoff       = "audit-backoff"
	flagAsyncSideEffects   = "async-side-effects"
	flagAllowedOrigins     = "allowed-origins"
	flagSessionSigningKey  = "session-signing-key"
	flagSessionIssuer      = "session-issuer"
	flagSessionCookieName  = "session-cookie-name"
	flagAdminIDs           = "admin-ids"
	flagGenerationInterval = "generation-interval"
	flagGenerationTimezone = "generation-timezone"
	flagMatchTemplates     = "match-templates"

	storeBackendGorm = "gorm"
	storeBackendPgx  = "pgx"

	defaultEnvFile            = ".env"
	defaultDatabaseURL        = "sqlite:///tmp/arena.db"
	defaultHTTPAddr           = ":8080"
	defaultGRPCAddr           = ":7000"
	defaultStoreBackend       = storeBackendGorm
	defaultStoreTimeout       = 5 * time.Second
	defaultRequestTimeout     = 15 * time.Second
	defaultAuditAttempts      = 3
	defaultAuditBackoff       = 50 * time.Millisecond
	defaultAsyncSideEffects   = 256
	defaultAllowedOrigins     = "http://localhost:8000"
	defaultSessionIssuer      = "tauth"
	defaultSessionCookieName  = "app_session"
	defaultGenerationInterval = time.Hour
	defaultGenerationTimezone = "UTC"
	defaultMatchTemplates     = "Daily Duel:20,Evening Blitz:10"
)

type runtimeConfig struct {
	DatabaseURL        string
	HTTPAddr           string
	GRPCAddr           string
	StoreBackend       string
	StoreTimeout       time.Duration
	RequestTimeout     time.Duration
	AuditAttempts      int
	AuditBackoff       time.Duration
	AsyncSideEffects   int
	AllowedOrigins     string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	AdminIDs           string
	GenerationInterval time.Duration
	Location           *time.Location
	MatchTemplates     []arena.MatchTemplate
}

func registerFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String(flagEnvFile, defaultEnvFile, "dotenv file loaded when present")
	flags.String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL URL or SQLite path")
	flags.String(flagHTTPAddr, defaultHTTPAddr, "HTTP listen address")
	flags.String(flagGRPCAddr, defaultGRPCAddr, "gRPC listen address")
	flags.String(flagStoreBackend, defaultStoreBackend, "store implementation: gorm or pgx")
	flags.Duration(flagStoreTimeout, defaultStoreTimeout, "timeout applied to each store call")
	flags.Duration(flagRequestTimeout, defaultRequestTimeout, "timeout applied to each HTTP request")
	flags.Int(flagAuditAttempts, defaultAuditAttempts, "audit log write attempts")
	flags.Duration(flagAuditBackoff, defaultAuditBackoff, "delay between audit log write attempts")
	flags.Int(flagAsyncSideEffects, defaultAsyncSideEffects, "notification and audit queue size; 0 writes inline")
	flags.String(flagAllowedOrigins, defaultAllowedOrigins, "comma-separated CORS origins")
	flags.String(flagSessionSigningKey, "", "tauth session signing key; empty disables session checks")
	flags.String(flagSessionIssuer, defaultSessionIssuer, "expected tauth session issuer")
	flags.String(flagSessionCookieName, defaultSessionCookieName, "tauth session cookie name")
	flags.String(flagAdminIDs, "", "comma-separated session user ids allowed on admin routes")
	flags.Duration(flagGenerationInterval, defaultGenerationInterval, "how often daily match generation runs")
	flags.String(flagGenerationTimezone, defaultGenerationTimezone, "IANA timezone defining the generation day")
	flags.String(flagMatchTemplates, defaultMatchTemplates, "daily matches as comma-separated Title:fee pairs")
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	var bindError error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if bindError == nil {
			bindError = settings.BindPFlag(flag.Name, flag)
		}
	})
	if bindError != nil {
		return bindError
	}

	cfg.DatabaseURL = strings.TrimSpace(settings.GetString(flagDatabaseURL))
	cfg.HTTPAddr = settings.GetString(flagHTTPAddr)
	cfg.GRPCAddr = settings.GetString(flagGRPCAddr)
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(settings.GetString(flagStoreBackend)))
	cfg.StoreTimeout = settings.GetDuration(flagStoreTimeout)
	cfg.RequestTimeout = settings.GetDuration(flagRequestTimeout)
	cfg.AuditAttempts = settings.GetInt(flagAuditAttempts)
	cfg.AuditBackoff = settings.GetDuration(flagAuditBackoff)
	cfg.AsyncSideEffects = settings.GetInt(flagAsyncSideEffects)
	cfg.AllowedOrigins = settings.GetString(flagAllowedOrigins)
	cfg.SessionSigningKey = settings.GetString(flagSessionSigningKey)
	cfg.SessionIssuer = settings.GetString(flagSessionIssuer)
	cfg.SessionCookieName = settings.GetString(flagSessionCookieName)
	cfg.AdminIDs = settings.GetString(flagAdminIDs)
	cfg.GenerationInterval = settings.GetDuration(flagGenerationInterval)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.HTTPAddr == "" || cfg.GRPCAddr == "" {
		return fmt.Errorf("http and grpc listen addresses are required")
	}
	switch cfg.StoreBackend {
	case storeBackendGorm:
	case storeBackendPgx:
		if !isPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("store backend %s requires a postgres database url", storeBackendPgx)
		}
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.StoreTimeout <= 0 || cfg.RequestTimeout <= 0 || cfg.GenerationInterval <= 0 {
		return fmt.Errorf("timeouts and generation interval must be positive")
	}
	if cfg.AuditAttempts < 1 {
		return fmt.Errorf("audit attempts must be at least 1")
	}
	if cfg.AsyncSideEffects < 0 {
		return fmt.Errorf("async side effects queue size must not be negative")
	}

	location, err := time.LoadLocation(settings.GetString(flagGenerationTimezone))
	if err != nil {
		return fmt.Errorf("generation timezone: %w", err)
	}
	cfg.Location = location
	templates, err := arena.ParseMatchTemplates(settings.GetString(flagMatchTemplates))
	if err != nil {
		return fmt.Errorf("match templates: %w", err)
	}
	cfg.MatchTemplates = templates
	return nil
}
