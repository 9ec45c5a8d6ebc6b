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
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/ontask-platform/ontask/internal/action"
	"github.com/ontask-platform/ontask/internal/agent"
	"github.com/ontask-platform/ontask/internal/auth"
	"github.com/ontask-platform/ontask/internal/condition"
	"github.com/ontask-platform/ontask/internal/config"
	"github.com/ontask-platform/ontask/internal/database"
	"github.com/ontask-platform/ontask/internal/deliver"
	"github.com/ontask-platform/ontask/internal/logging"
	"github.com/ontask-platform/ontask/internal/plugin"
	"github.com/ontask-platform/ontask/internal/scheduler"
	"github.com/ontask-platform/ontask/internal/server"
	"github.com/ontask-platform/ontask/internal/transfer"
	"github.com/ontask-platform/ontask/internal/users"
	"github.com/ontask-platform/ontask/internal/workspace"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ontask-api",
		Short: "OnTask personalization platform API server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	agentCmd := &cobra.Command{
		Use:   "run-agent",
		Short: "Watch a CSV source and push row deltas into a workflow table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}
	rootCmd.AddCommand(agentCmd)

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
	cmd.PersistentFlags().String("base-url", defaults.GetString("http.base_url"), "External base URL for tracking links")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "API signing secret (overrides env)")
	cmd.PersistentFlags().String("smtp-host", defaults.GetString("smtp.host"), "SMTP relay host")
	cmd.PersistentFlags().Int("smtp-port", defaults.GetInt("smtp.port"), "SMTP relay port")
	cmd.PersistentFlags().String("email-from", defaults.GetString("email.from"), "Sender address for outgoing email")
	cmd.PersistentFlags().String("agent-source", defaults.GetString("agent.source"), "Agent CSV source path")
	cmd.PersistentFlags().String("agent-snapshot", defaults.GetString("agent.snapshot"), "Agent snapshot file path")
	cmd.PersistentFlags().Uint("agent-workflow", defaults.GetUint("agent.workflow"), "Agent target workflow id")
	cmd.PersistentFlags().String("agent-key", defaults.GetString("agent.key"), "Agent key column name")
	cmd.PersistentFlags().String("agent-token", "", "Agent API token (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.base_url", "base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "smtp.host", "smtp-host")
	bindFlag(cmd, "smtp.port", "smtp-port")
	bindFlag(cmd, "email.from", "email-from")
	bindFlag(cmd, "agent.source", "agent-source")
	bindFlag(cmd, "agent.snapshot", "agent-snapshot")
	bindFlag(cmd, "agent.workflow", "agent-workflow")
	bindFlag(cmd, "agent.key", "agent-key")
	bindFlag(cmd, "agent.token", "agent-token")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	services, err := buildServices(db, appConfig, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: services.handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return services.sweeper.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type serverServices struct {
	handler http.Handler
	sweeper *scheduler.Sweeper
}

func buildServices(db *gorm.DB, appConfig config.AppConfig, logger *zap.Logger) (*serverServices, error) {
	store, err := workspace.NewStore(workspace.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	conditions, err := condition.NewManager(condition.ManagerConfig{
		Database: db,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	actions, err := action.NewService(action.ServiceConfig{
		Database:   db,
		Store:      store,
		Conditions: conditions,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	accounts, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return nil, err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningKey),
		Issuer:        "ontask-auth",
		Audience:      "ontask-api",
	})
	if err != nil {
		return nil, err
	}

	pacer := deliver.Pacer{Burst: appConfig.EmailBurst, Pause: appConfig.EmailPause}
	emailSender := deliver.NewEmailSender(deliver.EmailConfig{
		Host:     appConfig.SMTPHost,
		Port:     appConfig.SMTPPort,
		Username: appConfig.SMTPUser,
		Password: appConfig.SMTPPass,
		From:     appConfig.EmailFrom,
	}, pacer, nil)
	jsonSender := deliver.NewJSONSender(nil, pacer)
	canvasSender := deliver.NewCanvasSender(deliver.CanvasConfig{
		BaseURL:      appConfig.CanvasBaseURL,
		ClientID:     appConfig.CanvasClientID,
		ClientSecret: appConfig.CanvasClientSecret,
	}, accounts, nil, pacer)

	trackKey := []byte(appConfig.SigningKey)
	schedules := scheduler.NewManager(db)
	runner, err := scheduler.NewActionRunner(scheduler.ActionRunnerConfig{
		Database: db,
		Store:    store,
		Actions:  actions,
		Email:    emailSender,
		JSON:     jsonSender,
		Canvas:   canvasSender,
		TrackKey: trackKey,
		BaseURL:  appConfig.BaseURL,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	sweeper := scheduler.NewSweeper(scheduler.SweeperConfig{
		Database: db,
		Runner:   runner,
		Logger:   logger,
	})

	registry := plugin.NewRegistry()
	host, err := plugin.NewHost(plugin.HostConfig{
		Database: db,
		Store:    store,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	exporter, err := transfer.NewExporter(transfer.ExporterConfig{
		Store:      store,
		Conditions: conditions,
		Key:        trackKey,
	})
	if err != nil {
		return nil, err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:     store,
		Actions:   actions,
		Schedules: schedules,
		Tokens:    tokenIssuer,
		TrackKey:  trackKey,
		Plugins:   host,
		Registry:  registry,
		Transfer:  exporter,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return &serverServices{handler: handler, sweeper: sweeper}, nil
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	uploader := agent.NewAPIUploader(appConfig.BaseURL, appConfig.AgentToken, nil)
	watcher, err := agent.New(agent.Config{
		SourcePath:   appConfig.AgentSource,
		SnapshotPath: appConfig.AgentSnapshot,
		WorkflowID:   appConfig.AgentWorkflow,
		KeyColumn:    appConfig.AgentKey,
		Interval:     appConfig.AgentInterval,
	}, uploader, logger)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agent starting",
		zap.String("source", appConfig.AgentSource),
		zap.Uint("workflow", appConfig.AgentWorkflow))
	if err := watcher.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
