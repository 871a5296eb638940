package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pickit/pickauth/internal/credkit"
	"github.com/pickit/pickauth/internal/credkitpg"
	"github.com/pickit/pickauth/internal/credkitredis"
	"github.com/pickit/pickauth/internal/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (credkit.GoogleTokenValidator, error) {
	return credkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "pickauth",
		Short:   "Credential service with JWT sessions, rotating refresh tokens, and company verification challenges",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access and refresh tokens")
	rootCmd.Flags().String("jwt_issuer", "pickauth", "Issuer claim stamped into issued tokens")
	rootCmd.Flags().Duration("access_ttl", credkit.DefaultAccessTTL, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", credkit.DefaultRefreshTTL, "Refresh token TTL")
	rootCmd.Flags().Duration("rotation_threshold", credkit.DefaultRotationThreshold, "Rotate the refresh token when less than this lifetime remains")
	rootCmd.Flags().Duration("challenge_ttl", 0, "Verification challenge TTL; 0 keeps a challenge until superseded or consumed")
	rootCmd.Flags().String("database_url", "", "Database URL for the session, revocation, and challenge stores (postgres:// or sqlite://; leave empty for in-memory)")
	rootCmd.Flags().String("redis_addr", "", "Redis address for the stores; takes precedence over database_url")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; enables the external login route")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().StringSlice("demo_users", []string{}, "Seed local accounts as email:password pairs (dev only)")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("jwt_signing_key", rootCmd.Flags().Lookup("jwt_signing_key"))
	_ = viper.BindPFlag("jwt_issuer", rootCmd.Flags().Lookup("jwt_issuer"))
	_ = viper.BindPFlag("access_ttl", rootCmd.Flags().Lookup("access_ttl"))
	_ = viper.BindPFlag("refresh_ttl", rootCmd.Flags().Lookup("refresh_ttl"))
	_ = viper.BindPFlag("rotation_threshold", rootCmd.Flags().Lookup("rotation_threshold"))
	_ = viper.BindPFlag("challenge_ttl", rootCmd.Flags().Lookup("challenge_ttl"))
	_ = viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("redis_addr", rootCmd.Flags().Lookup("redis_addr"))
	_ = viper.BindPFlag("google_web_client_id", rootCmd.Flags().Lookup("google_web_client_id"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("demo_users", rootCmd.Flags().Lookup("demo_users"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingJWTSigningKey     = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL         = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL        = "config.invalid_refresh_ttl"
	configCodeInvalidRotationThreshold = "config.invalid_rotation_threshold"
	configCodeUninitializedServerConf  = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit      = "config.google_validator_init"
	configCodeMalformedDemoUser        = "config.malformed_demo_user"
	configCodeRedisUnreachable         = "config.redis_unreachable"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the credential configuration from viper.
func LoadServerConfig() (credkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return credkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return credkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return credkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	rotationThreshold := viper.GetDuration("rotation_threshold")
	if rotationThreshold <= 0 || rotationThreshold >= refreshTTL {
		return credkit.ServerConfig{}, configError(configCodeInvalidRotationThreshold, "rotation_threshold must be positive and below refresh_ttl")
	}

	return credkit.ServerConfig{
		SigningKey:        []byte(jwtSigningKey),
		Issuer:            viper.GetString("jwt_issuer"),
		AccessTTL:         accessTTL,
		RefreshTTL:        refreshTTL,
		RotationThreshold: rotationThreshold,
		ChallengeTTL:      viper.GetDuration("challenge_ttl"),
		GoogleWebClientID: viper.GetString("google_web_client_id"),
	}, nil
}

func buildStores(ctx context.Context, logger *zap.Logger, configuration credkit.ServerConfig) (credkit.Stores, error) {
	redisAddr := viper.GetString("redis_addr")
	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		if pingErr := client.Ping(ctx).Err(); pingErr != nil {
			return credkit.Stores{}, fmt.Errorf("%s: %w", configCodeRedisUnreachable, pingErr)
		}
		bundle := credkitredis.NewStores(client, configuration.RefreshTTL)
		logger.Info("using redis stores", zap.String("addr", redisAddr))
		return credkit.Stores{
			Sessions:    bundle.Sessions,
			Revocations: bundle.Revocations,
			Challenges:  bundle.Challenges,
		}, nil
	}

	databaseURL := viper.GetString("database_url")
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		pool, poolErr := credkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return credkit.Stores{}, poolErr
		}
		if schemaErr := credkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			return credkit.Stores{}, schemaErr
		}
		bundle := credkitpg.NewStores(pool)
		logger.Info("using postgres stores")
		return credkit.Stores{
			Sessions:    bundle.Sessions,
			Revocations: bundle.Revocations,
			Challenges:  bundle.Challenges,
		}, nil
	}
	if databaseURL != "" {
		bundle, storeErr := credkit.NewDatabaseStores(ctx, databaseURL, nil)
		if storeErr != nil {
			return credkit.Stores{}, storeErr
		}
		logger.Info("using database stores", zap.String("driver", bundle.Driver()))
		return credkit.Stores{
			Sessions:    bundle.Sessions,
			Revocations: bundle.Revocations,
			Challenges:  bundle.Challenges,
		}, nil
	}

	logger.Info("using in-memory stores")
	return credkit.Stores{
		Sessions:    credkit.NewMemorySessionStore(),
		Revocations: credkit.NewMemoryRevocationStore(nil),
		Challenges:  credkit.NewMemoryChallengeStore(nil),
	}, nil
}

func seedDemoIdentities(identities *web.InMemoryIdentities, logger *zap.Logger) error {
	for _, entry := range viper.GetStringSlice("demo_users") {
		email, password, found := strings.Cut(entry, ":")
		if !found || strings.TrimSpace(email) == "" || password == "" {
			return configError(configCodeMalformedDemoUser, "demo_users entries must be email:password")
		}
		subjectID, seedErr := identities.SeedLocal(strings.TrimSpace(email), password)
		if seedErr != nil {
			return seedErr
		}
		logger.Info("seeded demo account", zap.String("email", email), zap.Int64("subject_id", subjectID))
	}
	return nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(credkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	stores, storesErr := buildStores(context.Background(), logger, serverConfig)
	if storesErr != nil {
		return storesErr
	}

	identities := web.NewInMemoryIdentities()
	if seedErr := seedDemoIdentities(identities, logger); seedErr != nil {
		return seedErr
	}

	codec, codecErr := credkit.NewTokenCodec(serverConfig, nil)
	if codecErr != nil {
		return codecErr
	}

	manager, managerErr := credkit.NewCredentialManager(serverConfig, codec, stores, credkit.Collaborators{
		Identities: identities,
		Passwords:  credkit.BcryptVerifier{},
		Dispatcher: credkit.NewLogDispatcher(logger),
		Logger:     logger,
		Metrics:    credkit.NewCounterMetrics(),
	})
	if managerErr != nil {
		return managerErr
	}

	var googleValidator credkit.GoogleTokenValidator
	if serverConfig.GoogleWebClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(command.Context())
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		googleValidator = validator
	}

	credkit.MountAuthRoutes(router, serverConfig, manager, googleValidator, logger)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if shutdownErr := server.Shutdown(graceCtx); shutdownErr != nil {
			logger.Error("server shutdown error", zap.Error(shutdownErr))
		}
	}()

	logger.Info("starting pickauth", zap.String("listen_addr", listenAddr))
	if serveErr := serveHTTP(server); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		start := time.Now()
		contextGin.Next()
		logger.Info("http request",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}
