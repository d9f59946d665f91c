package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lakefront-labs/chatsync/internal/config"
	"github.com/lakefront-labs/chatsync/internal/database"
	"github.com/lakefront-labs/chatsync/internal/diag"
	"github.com/lakefront-labs/chatsync/internal/engine"
	"github.com/lakefront-labs/chatsync/internal/events"
	"github.com/lakefront-labs/chatsync/internal/logging"
	"github.com/lakefront-labs/chatsync/internal/store"
	"github.com/lakefront-labs/chatsync/internal/syncer/wsclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatsync",
		Short: "Offline sync engine tooling for chat clients",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(newInspectCmd(), newResetCmd(), newStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-dir", defaults.GetString("database.dir"), "Directory holding per-user database files")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("diag-address", defaults.GetString("diag.address"), "Diagnostics HTTP listen address")
	cmd.PersistentFlags().String("feed-url", defaults.GetString("feed.url"), "Websocket event feed URL")
	cmd.PersistentFlags().Bool("stop-on-failure", defaults.GetBool("drain.stop_on_failure"), "Halt a drain cycle on the first failed task")

	bindFlag(cmd, "database.dir", "database-dir")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "diag.address", "diag-address")
	bindFlag(cmd, "feed.url", "feed-url")
	bindFlag(cmd, "drain.stop_on_failure", "stop-on-failure")
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

func openStore(userID string, appConfig config.AppConfig, logger *zap.Logger) (*store.Store, func(), error) {
	path := filepath.Join(appConfig.DatabaseDir, userID+".db")
	db, err := database.Open(path, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := database.Close(db); err != nil {
			logger.Warn("database close failed", zap.Error(err))
		}
	}
	cacheStore, err := store.New(store.Config{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return cacheStore, cleanup, nil
}

func newInspectCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print table counts and queued tasks for a user's cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			cacheStore, cleanup, err := openStore(userID, appConfig, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			counts, err := cacheStore.TableCounts(ctx)
			if err != nil {
				return err
			}
			for _, table := range store.TableNames() {
				fmt.Printf("%-16s %d\n", table, counts[table])
			}

			tasks, err := cacheStore.PendingTasks(ctx)
			if err != nil {
				return err
			}
			for _, task := range tasks {
				fmt.Printf("task %d %s %s payload=%s\n", task.ID, task.TaskType, task.State, task.PayloadJSON)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier owning the cache")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newResetCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Empty every cache table for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			cacheStore, cleanup, err := openStore(userID, appConfig, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			return cacheStore.Reset(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier owning the cache")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Tail a websocket event feed into the cache and serve diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), userID)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier owning the cache")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runStatus(ctx context.Context, userID string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if appConfig.FeedURL == "" {
		return fmt.Errorf("feed.url is required for status")
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var enginePtr atomic.Pointer[engine.Engine]
	feed, err := wsclient.Dial(signalCtx, wsclient.Config{
		URL:    appConfig.FeedURL,
		Logger: logger,
		Handler: func(event events.Event) {
			syncEngine := enginePtr.Load()
			if syncEngine == nil {
				return
			}
			if err := syncEngine.ApplyEvent(signalCtx, event); err != nil {
				logger.Warn("event dropped", zap.String("event_type", event.Kind.String()), zap.Error(err))
			}
		},
	})
	if err != nil {
		return err
	}
	defer feed.Close() //nolint:errcheck

	syncEngine, err := engine.New(engine.Config{
		DatabaseDir:   appConfig.DatabaseDir,
		Client:        feed,
		StopOnFailure: appConfig.StopOnFailure,
		MaxSyncGap:    time.Duration(appConfig.MaxGapDays) * 24 * time.Hour,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := syncEngine.Initialize(signalCtx, userID); err != nil {
		return err
	}
	enginePtr.Store(syncEngine)

	// The feed connected before the coordinator subscribed, so the initial
	// online transition has to be delivered by hand.
	syncEngine.SetOnline(true)
	defer func() {
		if err := syncEngine.Shutdown(context.Background()); err != nil {
			logger.Warn("engine shutdown failed", zap.Error(err))
		}
	}()

	handler, err := diag.NewHTTPHandler(diag.Dependencies{Status: syncEngine, Logger: logger})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.DiagAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("diagnostics serving", zap.String("address", appConfig.DiagAddress))
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
