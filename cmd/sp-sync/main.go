// Command sp-sync runs one Selling Partner order synchronization into Postgres.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/sp-order-sync/internal/config"
	"github.com/Sternrassler/sp-order-sync/pkg/auth"
	"github.com/Sternrassler/sp-order-sync/pkg/client"
	"github.com/Sternrassler/sp-order-sync/pkg/logging"
	"github.com/Sternrassler/sp-order-sync/pkg/metrics"
	"github.com/Sternrassler/sp-order-sync/pkg/ratelimit"
	"github.com/Sternrassler/sp-order-sync/pkg/spapi"
	"github.com/Sternrassler/sp-order-sync/pkg/store"
	"github.com/Sternrassler/sp-order-sync/pkg/syncer"
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// options are the command line overrides of the environment configuration.
type options struct {
	envFile     string
	logLevel    string
	pretty      bool
	metricsAddr string
	noReport    bool
}

func newRootCmd() *cobra.Command {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "sp-sync",
		Short:         "Sync Selling Partner orders into Postgres",
		Long:          "Fetches marketplace participations, the flat-file orders report, and all orders with their items, and upserts them into Postgres.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, cfg, opts, logger)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.envFile, "env-file", "", "Load environment variables from this file (default: .env when present)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flags.BoolVar(&opts.pretty, "pretty", false, "Human-readable console logs (overrides LOG_PRETTY)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides METRICS_ADDR)")
	rootCmd.Flags().BoolVar(&opts.noReport, "no-report", false, "Skip the orders report stage")

	rootCmd.AddCommand(newMigrateCmd(&opts))
	return rootCmd
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd, *opts)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info().Msg("Migrations applied")
			return nil
		},
	}
}

// setup loads the configuration, applies flag overrides and configures logging.
func setup(cmd *cobra.Command, opts options) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadFromEnv(opts.envFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("pretty") {
		cfg.LogPretty = opts.pretty
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := logging.Setup(logging.Config{Level: level, Pretty: cfg.LogPretty, Output: os.Stderr})
	return cfg, logger, nil
}

func runSync(ctx context.Context, cfg *config.Config, opts options, logger zerolog.Logger) error {
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, logger)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	rdb := connectRedis(ctx, cfg.RedisURL, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	syncCfg := syncer.DefaultConfig()
	if opts.noReport {
		syncCfg.ReportType = ""
	}
	s, err := buildSyncer(cfg, syncCfg, rdb, st, logger)
	if err != nil {
		return err
	}

	_, err = s.Run(ctx)
	return err
}

// connectRedis returns nil when no URL is configured or Redis is unreachable;
// the sync then keeps token and rate limit state in process.
func connectRedis(ctx context.Context, redisURL string, logger zerolog.Logger) *redis.Client {
	if redisURL == "" {
		return nil
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid REDIS_URL, continuing without Redis")
		return nil
	}

	rdb := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", redisOpts.Addr).Msg("Redis unreachable, continuing without Redis")
		rdb.Close()
		return nil
	}

	logger.Info().Str("addr", redisOpts.Addr).Msg("Connected to Redis")
	return rdb
}

// buildSyncer wires token manager, pacer, transport and API into a Syncer.
func buildSyncer(cfg *config.Config, syncCfg syncer.Config, rdb *redis.Client, sink syncer.Sink, logger zerolog.Logger) (*syncer.Syncer, error) {
	baseURL := cfg.Endpoint
	if baseURL == "" {
		var err error
		if baseURL, err = spapi.BaseURL(cfg.Region); err != nil {
			return nil, err
		}
	}

	authCfg := auth.Config{
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		RefreshToken:  cfg.RefreshToken,
		TokenURL:      cfg.TokenURL,
		RefreshMargin: time.Minute,
	}
	if rdb != nil {
		authCfg.Store = auth.NewRedisStore(rdb, auth.StoreKey(cfg.ClientID, cfg.RefreshToken))
	}
	tokens, err := auth.NewTokenManager(authCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}

	clientCfg := client.DefaultConfig(baseURL)
	clientCfg.Pacer = ratelimit.NewTracker(rdb, ratelimit.DefaultConfig(), logger)
	c, err := client.New(clientCfg, tokens, logger)
	if err != nil {
		return nil, fmt.Errorf("spapi client: %w", err)
	}

	syncCfg.StartTime = cfg.StartTime
	syncCfg.EndTime = cfg.EndTime

	logger.Info().
		Str("endpoint", baseURL).
		Str("region", cfg.Region).
		Bool("redis", rdb != nil).
		Msg("SP-API client configured")

	return syncer.New(spapi.New(c, logger), sink, syncCfg, logger), nil
}
