package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/user/astro/bot"
	"github.com/user/astro/internal/config"
	"github.com/user/astro/internal/db"
	"github.com/user/astro/internal/llm"
	"github.com/user/astro/internal/logging"
	"github.com/user/astro/internal/metrics"
	"github.com/user/astro/internal/transcode"
	"github.com/user/astro/internal/whatsapp"
	"github.com/user/astro/viewonce"
	"github.com/user/astro/viewonce/vault"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfg config.Config
		log zerolog.Logger
	)

	root := &cobra.Command{
		Use:          "astro",
		Short:        "WhatsApp bot that keeps view-once media for replay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			viper.SetConfigName(".env")
			viper.SetConfigType("env")
			viper.AddConfigPath(".")
			viper.AutomaticEnv()
			_ = viper.ReadInConfig()

			for key, flag := range map[string]string{
				"STORE":     "store",
				"LOG_LEVEL": "log-level",
				"WA_DB":     "wa-db",
			} {
				if err := viper.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(flag)); err != nil {
					return err
				}
			}

			var err error
			if cfg, err = config.Load(viper.GetViper()); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if log, err = logging.New(cfg.LogLevel, nil); err != nil {
				return err
			}
			return nil
		},
	}

	root.PersistentFlags().String("store", config.StoreDisk, "Media store backend: disk, sqlite, redis or memory")
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("wa-db", "data/whatsapp.db", "WhatsApp session database path")

	var dryRun bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to WhatsApp and serve (shows a QR code on first run)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log, dryRun)
		},
	}
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Read messages from stdin and print replies instead of connecting")

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the view-once media store",
	}

	cacheListCmd := &cobra.Command{
		Use:   "list",
		Short: "List captured media",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()
			return listCache(cmd.Context(), store, cfg.Expiration)
		},
	}

	cacheSweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired media now",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()
			n, err := store.Sweep(cmd.Context(), time.Now())
			fmt.Printf("%d expired entries removed\n", n)
			return err
		},
	}
	cacheCmd.AddCommand(cacheListCmd, cacheSweepCmd)

	root.AddCommand(runCmd, cacheCmd)
	return root
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger, dryRun bool) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var transport whatsapp.Transport
	if dryRun {
		con := newConsole(os.Stdin, os.Stdout)
		go con.readLoop(ctx)
		transport = con
		log.Info().Msg("dry run: type messages, prefix with '> <id>' to reply to one")
	} else {
		client, err := whatsapp.Connect(ctx, whatsapp.Options{
			DBPath:       cfg.WhatsAppDB,
			Logger:       logging.Component(log, "whatsapp"),
			ProvokeStubs: cfg.ProvokeStubs,
		})
		if err != nil {
			return fmt.Errorf("whatsapp: %w", err)
		}
		transport = client
	}
	defer transport.Close()

	opts := []bot.Option{
		bot.WithLogger(logging.Component(log, "bot")),
		bot.WithMetrics(m),
		bot.WithStickerer(&transcode.FFmpeg{Bin: cfg.FFmpeg, Log: logging.Component(log, "ffmpeg")}),
	}
	if ai, err := llm.New(llm.Config{APIKey: cfg.OpenAIKey, Model: cfg.OpenAIModel, BaseURL: cfg.OpenAIBaseURL}); err != nil {
		log.Warn().Err(err).Msg("/ai disabled")
	} else {
		opts = append(opts, bot.WithCompleter(ai))
	}

	b := bot.New(transport, store, bot.Config{
		RetrieveCommands: cfg.RetrieveCommands,
		Window:           cfg.Expiration,
		SweepInterval:    cfg.SweepInterval,
		SystemPrompt:     cfg.SystemPrompt,
	}, opts...)

	log.Info().Str("store", cfg.Store).Strs("commands", cfg.RetrieveCommands).Msg("astro running")
	err = b.Run(ctx)
	if errors.Is(err, whatsapp.ErrLoggedOut) {
		log.Error().Str("session", cfg.WhatsAppDB).Msg("device was unlinked; delete the session file and pair again")
	}
	return err
}

// openStore builds the configured media store. The returned func releases it.
func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (viewonce.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return vault.NewMemory(cfg.Expiration), func() {}, nil
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return vault.NewRedis(rdb, cfg.RedisPrefix, cfg.Expiration), func() { rdb.Close() }, nil
	case config.StoreSQLite:
		sqldb, err := db.Open(cfg.CacheDB)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		return vault.NewSQLite(sqldb, cfg.Expiration), func() { sqldb.Close() }, nil
	default:
		disk, err := vault.OpenDisk(cfg.CacheDir, cfg.CacheIndex, cfg.Expiration, logging.Component(log, "vault"))
		if err != nil {
			return nil, nil, err
		}
		return disk, func() {}, nil
	}
}

func listCache(ctx context.Context, store viewonce.Store, window time.Duration) error {
	entries, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No captured media.")
		return nil
	}
	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNER\tKIND\tAGE\tSTATUS")
	for _, e := range entries {
		status := "ok"
		if e.Expired(now, window) {
			status = "expired"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.MessageID, e.OwnerID, e.Kind, now.Sub(e.CapturedAt).Truncate(time.Second), status)
	}
	return w.Flush()
}
