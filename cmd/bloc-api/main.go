package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bloclabs/bloc-backend/internal/auth"
	"github.com/bloclabs/bloc-backend/internal/blocs"
	"github.com/bloclabs/bloc-backend/internal/config"
	"github.com/bloclabs/bloc-backend/internal/database"
	"github.com/bloclabs/bloc-backend/internal/generator"
	"github.com/bloclabs/bloc-backend/internal/identity"
	"github.com/bloclabs/bloc-backend/internal/logging"
	"github.com/bloclabs/bloc-backend/internal/preferences"
	"github.com/bloclabs/bloc-backend/internal/server"
	"github.com/bloclabs/bloc-backend/internal/streaks"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bloc-api",
		Short: "Bloc daily reading backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one scheduled generation pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context())
		},
	}
	rootCmd.AddCommand(sweepCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("gemini-model", defaults.GetString("gemini.model"), "Gemini model used for generation")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("cron-secret", "", "Cron trigger secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "gemini.model", "gemini-model")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "cron.secret", "cron-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	identity *identity.Service
	prefs    *preferences.Service
	blocs    *blocs.Service
	streaks  *streaks.Service
	sessions *auth.SessionManager
	closeDB  func()
}

func buildApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	var mailer identity.CodeMailer
	if appConfig.SMTPHost != "" {
		mailer, err = identity.NewSMTPMailer(identity.SMTPMailerConfig{
			Host:     appConfig.SMTPHost,
			Port:     appConfig.SMTPPort,
			Username: appConfig.SMTPUsername,
			Password: appConfig.SMTPPassword,
			From:     appConfig.MailFrom,
		})
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no smtp host configured, login codes will be logged instead of mailed")
		mailer = identity.LogMailer{Logger: logger}
	}

	identityService, err := identity.NewService(identity.ServiceConfig{
		Database: db,
		Mailer:   mailer,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	prefService, err := preferences.NewService(preferences.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	gemini, err := generator.NewGemini(ctx, generator.GeminiConfig{
		APIKey:  appConfig.GeminiAPIKey,
		Model:   appConfig.GeminiModel,
		Timeout: appConfig.GeminiTimeout,
	})
	if err != nil {
		return nil, err
	}

	blocService, err := blocs.NewService(blocs.ServiceConfig{
		Database:    db,
		Preferences: prefService,
		Generator:   gemini,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	streakService, err := streaks.NewService(streaks.ServiceConfig{
		Database:  db,
		Timezones: prefService,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	sessions := auth.NewSessionManager(auth.SessionManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "bloc-auth",
		Audience:      "bloc-api",
		SessionTTL:    appConfig.SessionTTL,
	})

	return &application{
		config:   appConfig,
		logger:   logger,
		db:       db,
		identity: identityService,
		prefs:    prefService,
		blocs:    blocService,
		streaks:  streakService,
		sessions: sessions,
		closeDB:  func() { sqlDB.Close() }, //nolint:errcheck
	}, nil
}

func runServer(ctx context.Context) error {
	app, err := buildApplication(ctx)
	if err != nil {
		return err
	}
	defer app.closeDB()
	defer app.logger.Sync() //nolint:errcheck

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Identity:       app.identity,
		Sessions:       app.sessions,
		Preferences:    app.prefs,
		Blocs:          app.blocs,
		Streaks:        app.streaks,
		CookieName:     app.config.CookieName,
		CronSecret:     app.config.CronSecret,
		AllowedOrigins: app.config.AllowedOrigins,
		Logger:         app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    app.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runSweep performs one generation pass, mirroring the cron endpoint for
// schedulers that prefer to exec a binary.
func runSweep(ctx context.Context) error {
	app, err := buildApplication(ctx)
	if err != nil {
		return err
	}
	defer app.closeDB()
	defer app.logger.Sync() //nolint:errcheck

	stats, err := app.blocs.Sweep(ctx)
	if err != nil {
		return err
	}
	app.logger.Info("sweep complete",
		zap.Int("users_processed", stats.UsersProcessed),
		zap.Int("blocs_created", stats.BlocsCreated),
		zap.Int("errors", stats.Errors))

	if err := app.identity.PurgeExpiredCodes(ctx); err != nil {
		app.logger.Warn("failed to purge expired login codes", zap.Error(err))
	}
	return nil
}
