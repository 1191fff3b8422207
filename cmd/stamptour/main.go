package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/stamptour/internal/backend"
	"github.com/MarcoPoloResearchLab/stamptour/internal/config"
	"github.com/MarcoPoloResearchLab/stamptour/internal/dashboard"
	"github.com/MarcoPoloResearchLab/stamptour/internal/database"
	"github.com/MarcoPoloResearchLab/stamptour/internal/identity"
	"github.com/MarcoPoloResearchLab/stamptour/internal/logging"
	"github.com/MarcoPoloResearchLab/stamptour/internal/payload"
	"github.com/MarcoPoloResearchLab/stamptour/internal/progress"
	"github.com/MarcoPoloResearchLab/stamptour/internal/tour"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "stamptour",
		Short:        "QR stamp tour client and admin reports",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newScanCommand(),
		newProgressCommand(),
		newBoothsCommand(),
		newResetCommand(),
		newStatsCommand(),
		newGiftsCommand(),
		newQRCommand(),
		newServeCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("backend-url", defaults.GetString("backend.base_url"), "Stamp tour API base URL")
	cmd.PersistentFlags().Duration("backend-timeout", defaults.GetDuration("backend.timeout"), "Backend request timeout")
	cmd.PersistentFlags().String("store-path", defaults.GetString("store.path"), "SQLite path of the local identity store")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address for serve")
	cmd.PersistentFlags().String("booth-prefixes", defaults.GetString("tour.booth_prefixes"), "Comma separated booth code prefixes")
	cmd.PersistentFlags().String("qr-base-url", defaults.GetString("qr.base_url"), "Public site URL encoded in booth stickers")
	cmd.PersistentFlags().String("timezone", defaults.GetString("report.timezone"), "Time zone for report timestamps")

	bindFlag(cmd, "backend.base_url", "backend-url")
	bindFlag(cmd, "backend.timeout", "backend-timeout")
	bindFlag(cmd, "store.path", "store-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "tour.booth_prefixes", "booth-prefixes")
	bindFlag(cmd, "qr.base_url", "qr-base-url")
	bindFlag(cmd, "report.timezone", "timezone")
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

// runtime holds what every subcommand shares. close releases it in reverse
// order of acquisition.
type runtime struct {
	config  config.AppConfig
	logger  *zap.Logger
	client  *backend.Client
	closers []func()
}

func openRuntime() (*runtime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	client, err := backend.NewClient(backend.ClientConfig{
		BaseURL: appConfig.BackendBaseURL,
		Timeout: appConfig.BackendTimeout,
		Logger:  logger,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	rt := &runtime{config: appConfig, logger: logger, client: client}
	rt.closers = append(rt.closers, func() { _ = logger.Sync() })
	return rt, nil
}

func (r *runtime) close() {
	for index := len(r.closers) - 1; index >= 0; index-- {
		r.closers[index]()
	}
}

func (r *runtime) openDatabase() (*gorm.DB, error) {
	db, err := database.OpenSQLite(r.config.StorePath, r.logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, func() { _ = sqlDB.Close() })
	return db, nil
}

func (r *runtime) openTour(navigator tour.Navigator) (*tour.Orchestrator, error) {
	db, err := r.openDatabase()
	if err != nil {
		return nil, err
	}
	store, err := identity.NewStore(identity.StoreConfig{Database: db, Logger: r.logger})
	if err != nil {
		return nil, err
	}
	resolver, err := payload.NewResolver(r.config.BoothPrefixes)
	if err != nil {
		return nil, err
	}
	model, err := progress.NewModel(r.config.Threshold)
	if err != nil {
		return nil, err
	}

	orchestrator, err := tour.NewOrchestrator(tour.OrchestratorConfig{
		Backend:       r.client,
		Store:         store,
		Resolver:      resolver,
		Model:         model,
		Navigator:     navigator,
		CompleteDelay: r.config.CompleteDelay,
		HomeDelay:     r.config.HomeDelay,
		Logger:        r.logger,
	})
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, orchestrator.Close)
	return orchestrator, nil
}

func (r *runtime) openDashboard() (*dashboard.Dashboard, error) {
	views, err := dashboard.New(dashboard.Config{
		Source:             r.client,
		StatisticsInterval: r.config.StatisticsInterval,
		HealthInterval:     r.config.HealthInterval,
		GiftInterval:       r.config.GiftInterval,
		Logger:             r.logger,
	})
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, views.Close)
	return views, nil
}

func withRuntime(run func(cmd *cobra.Command, args []string, rt *runtime) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return fmt.Errorf("configuration: %w", err)
		}
		defer rt.close()
		return run(cmd, args, rt)
	}
}
