// Package main provides the entry point for the token authority API server:
// an OAuth 2.1/OIDC-A authorization server purpose-built for autonomous
// agents, with task-lineage-aware scope inheritance and cascade revocation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentictrust/tokenauthority/internal/api"
	"github.com/agentictrust/tokenauthority/internal/audit"
	"github.com/agentictrust/tokenauthority/internal/bootstrap"
	"github.com/agentictrust/tokenauthority/internal/codestore"
	"github.com/agentictrust/tokenauthority/internal/config"
	"github.com/agentictrust/tokenauthority/internal/delegation"
	"github.com/agentictrust/tokenauthority/internal/policy"
	"github.com/agentictrust/tokenauthority/internal/policygateway"
	"github.com/agentictrust/tokenauthority/internal/repository/postgres"
	"github.com/agentictrust/tokenauthority/internal/scope"
	"github.com/agentictrust/tokenauthority/internal/signing"
	"github.com/agentictrust/tokenauthority/internal/telemetry"
	"github.com/agentictrust/tokenauthority/internal/tokenauthority"
	"github.com/agentictrust/tokenauthority/internal/tokenstore"
	"github.com/agentictrust/tokenauthority/pkg/opa"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tokenauthority",
		Short: "OAuth 2.1/OIDC-A authorization server for autonomous agents",
		Long: `tokenauthority issues and verifies scoped, task-lineage-aware access
tokens for autonomous agents.

Features:
  • Authorization-code+PKCE and client-credentials grants
  • Scope inheritance and expansion policy across delegated task chains
  • Cascade revocation across a token's descendant lineage
  • ABAC policy evaluation with deny-overrides and consent_required
  • RS256-signed JWTs with JWKS key rotation`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the token authority API server",
		RunE:  runServer,
	}
	serveCmd.Flags().StringP("config", "c", "", "Path to configuration file")
	serveCmd.Flags().StringP("port", "p", "", "Port to listen on (overrides config)")
	serveCmd.Flags().Bool("debug", false, "Enable debug logging")

	rotateCmd := &cobra.Command{
		Use:   "rotate-keys",
		Short: "Print a newly generated signing key's kid without starting the server",
		RunE:  runRotateKeys,
	}
	rotateCmd.Flags().StringP("config", "c", "", "Path to configuration file")

	bootstrapCmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Seed scopes and policies from the configured YAML documents",
		RunE:  runBootstrap,
	}
	bootstrapCmd.Flags().StringP("config", "c", "", "Path to configuration file")
	bootstrapCmd.Flags().String("scopes", "", "Path to the scopes document (overrides config)")
	bootstrapCmd.Flags().String("policies", "", "Path to the policies document (overrides config)")

	inspectCmd := &cobra.Command{
		Use:   "inspect-token <token-id>",
		Short: "Print a stored token record by id, including lineage and revocation state",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspectToken,
	}
	inspectCmd.Flags().StringP("config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(serveCmd, rotateCmd, bootstrapCmd, inspectCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	configureLogging(debug)

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Server.Port = port
	}

	log.Info().
		Str("version", version).
		Str("port", cfg.Server.Port).
		Str("issuer", cfg.Authority.Issuer).
		Msg("starting token authority server")

	ctx := context.Background()

	dbCfg := postgres.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Database.MaxConns),
	}
	db, err := postgres.New(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()
	log.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Database).Msg("database connected")

	agentRepo := postgres.NewAgentRepository(db)
	toolRepo := postgres.NewToolRepository(db)
	scopeRepo := postgres.NewScopeRepository(db)
	policyRepo := postgres.NewPolicyRepository(db)
	codeRepo := postgres.NewCodeRepository(db)
	tokenRepo := postgres.NewTokenRepository(db)
	delegationRepo := postgres.NewDelegationRepository(db)
	auditRepo := postgres.NewAuditRepository(db)

	implications, err := bootstrap.Implications(cfg.Authority.ScopeImplicationsPath)
	if err != nil {
		return fmt.Errorf("loading scope implications: %w", err)
	}
	scopeEngine := scope.New(scopeRepo, implications)

	expansionPolicy, err := bootstrap.ExpansionPolicy(cfg.Authority.ScopeExpansionPolicyPath)
	if err != nil {
		return fmt.Errorf("loading scope expansion policy: %w", err)
	}
	policyEngine := policy.New(policyRepo, expansionPolicy)

	if err := bootstrap.Scopes(ctx, scopeEngine, cfg.Authority.ScopesBootstrapPath); err != nil {
		return fmt.Errorf("bootstrapping scopes: %w", err)
	}
	if err := bootstrap.Policies(ctx, policyEngine, cfg.Authority.PoliciesBootstrapPath); err != nil {
		return fmt.Errorf("bootstrapping policies: %w", err)
	}

	embeddedOPA, err := opa.NewEngine()
	if err != nil {
		return fmt.Errorf("initializing embedded policy engine: %w", err)
	}
	if cfg.OPA.Enabled && cfg.OPA.BundlePath != "" {
		if err := embeddedOPA.LoadPolicyBundle(ctx, cfg.OPA.BundlePath); err != nil {
			log.Warn().Err(err).Msg("loading embedded OPA policy bundle failed, falling back to remote/open policy")
		}
	}

	gateway := policygateway.New(policygateway.Config{
		Enabled:    cfg.OPA.Enabled,
		Host:       cfg.OPA.Host,
		Port:       cfg.OPA.Port,
		PolicyPath: cfg.OPA.PolicyPath,
		Timeout:    time.Duration(cfg.OPA.TimeoutMS) * time.Millisecond,
	}, embeddedOPA)

	codes := codestore.New(codeRepo)
	tokens := tokenstore.New(tokenRepo)
	auditSink := audit.NewSink(auditRepo)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		auditSink.Close(closeCtx)
	}()
	delegations := delegation.New(delegationRepo, auditSink)

	keys, err := signing.NewKeyProvider()
	if err != nil {
		return fmt.Errorf("initializing signing keys: %w", err)
	}

	authorityCfg := tokenauthority.Config{
		Issuer:                 cfg.Authority.Issuer,
		AccessTokenExpiry:      cfg.Authority.AccessTokenExpiryDuration(),
		RefreshTokenExpiry:     cfg.Authority.RefreshTokenExpiryDuration(),
		AuthorizationCodeTTL:   cfg.Authority.AuthorizationCodeExpiryDuration(),
		SystemClientIDs:        cfg.Authority.SystemClientIDSet(),
		DecisionGatewayTimeout: time.Duration(cfg.OPA.TimeoutMS) * time.Millisecond,
	}
	authority := tokenauthority.New(authorityCfg, scopeEngine, policyEngine, gateway, codes, tokens, delegations, agentRepo, toolRepo, auditSink, keys)

	var httpMetrics *telemetry.HTTPMetrics
	var telemetryProvider *telemetry.Provider
	if cfg.OTEL.Enabled {
		telemetryProvider, err = telemetry.NewProvider(telemetry.Config{
			ServiceName:    cfg.OTEL.ServiceName,
			ServiceVersion: cfg.OTEL.ServiceVersion,
			OTLPEndpoint:   cfg.OTEL.Endpoint,
			MetricsPort:    cfg.OTEL.MetricsPort,
		})
		if err != nil {
			log.Warn().Err(err).Msg("telemetry initialization failed, continuing without it")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = telemetryProvider.Shutdown(shutdownCtx)
			}()
			httpMetrics, err = telemetry.NewHTTPMetrics(telemetryProvider.Meter())
			if err != nil {
				log.Warn().Err(err).Msg("http metrics initialization failed")
				httpMetrics = nil
			}
		}
	}

	handlers := api.NewHandlers(authority, scopeEngine, delegations, keys, cfg.Authority.Issuer)
	deps := &api.RouterDeps{Handlers: handlers}
	router := api.NewRouter(cfg, deps)

	var rootHandler http.Handler = router
	if httpMetrics != nil {
		rootHandler = httpMetrics.Middleware(telemetryProvider.Tracer())(router)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      rootHandler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if deps.StopRateLimiter != nil {
			deps.StopRateLimiter()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

// connectDB loads the configuration named by the command's --config flag
// and opens the database pool the administrative subcommands work against.
func connectDB(cmd *cobra.Command) (*config.Config, *postgres.DB, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := postgres.New(cmd.Context(), postgres.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Database.MaxConns),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	return cfg, db, nil
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	configureLogging(false)

	cfg, db, err := connectDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	scopesPath := cfg.Authority.ScopesBootstrapPath
	if p, _ := cmd.Flags().GetString("scopes"); p != "" {
		scopesPath = p
	}
	policiesPath := cfg.Authority.PoliciesBootstrapPath
	if p, _ := cmd.Flags().GetString("policies"); p != "" {
		policiesPath = p
	}

	ctx := cmd.Context()
	implications, err := bootstrap.Implications(cfg.Authority.ScopeImplicationsPath)
	if err != nil {
		return fmt.Errorf("loading scope implications: %w", err)
	}
	scopeEngine := scope.New(postgres.NewScopeRepository(db), implications)
	if err := bootstrap.Scopes(ctx, scopeEngine, scopesPath); err != nil {
		return fmt.Errorf("bootstrapping scopes: %w", err)
	}

	expansionPolicy, err := bootstrap.ExpansionPolicy(cfg.Authority.ScopeExpansionPolicyPath)
	if err != nil {
		return fmt.Errorf("loading scope expansion policy: %w", err)
	}
	policyEngine := policy.New(postgres.NewPolicyRepository(db), expansionPolicy)
	if err := bootstrap.Policies(ctx, policyEngine, policiesPath); err != nil {
		return fmt.Errorf("bootstrapping policies: %w", err)
	}

	log.Info().Str("scopes", scopesPath).Str("policies", policiesPath).Msg("bootstrap complete")
	return nil
}

func runInspectToken(cmd *cobra.Command, args []string) error {
	configureLogging(false)

	_, db, err := connectDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	tok, err := postgres.NewTokenRepository(db).GetByID(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("loading token: %w", err)
	}
	if tok == nil {
		return fmt.Errorf("token %s not found", args[0])
	}

	out, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token record: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runRotateKeys(cmd *cobra.Command, args []string) error {
	configureLogging(false)

	keys, err := signing.NewKeyProvider()
	if err != nil {
		return fmt.Errorf("initializing signing keys: %w", err)
	}
	kid, err := keys.Rotate()
	if err != nil {
		return fmt.Errorf("rotating signing key: %w", err)
	}
	fmt.Println(kid)
	return nil
}

func configureLogging(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
