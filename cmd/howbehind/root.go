package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"howbehind/internal/config"
	"howbehind/internal/ics"
	"howbehind/internal/identity"
	appLog "howbehind/internal/log"
	"howbehind/internal/model"
	"howbehind/internal/storage"
	"howbehind/internal/storage/memory"
	"howbehind/internal/storage/redis"
	"howbehind/internal/storage/sqlite"
	"howbehind/internal/tracker"
)

var (
	version    = "dev"
	configPath string
	userID     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "howbehind",
	Short: "howbehind - track the lectures you have fallen behind on",
	Long: `howbehind reads a university timetable feed and keeps a list of every
class that has finished since you last caught up. Mark classes done as you
watch the recordings; the list and totals update as the week goes on.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to serve when no subcommand is provided
		return runServe(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "howbehind.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", os.Getenv("HOWBEHIND_USER"), "User id to act on")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime bundles what every command needs.
type runtime struct {
	cfg   *config.Config
	loc   *time.Location
	store *storage.Store
	svc   *tracker.Service
	ids   *identity.Local
}

func (rt *runtime) Close() {
	rt.svc.Close()
	if err := rt.store.Close(); err != nil {
		appLog.Error("failed to close store", err)
	}
}

// openRuntime loads the configuration and wires storage, the feed loader and
// the tracker service.
func openRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	appLog.Setup(cfg.Logging.Level, cfg.Logging.Format)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		return nil, err
	}
	store := storage.New(backend, loc)

	fetcher, err := ics.NewFetcher(ics.FetcherConfig{
		RelayURL:  cfg.RelayURL,
		Timeout:   cfg.FetchTimeoutDuration(),
		CacheSize: cfg.FetchCacheSize,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	svc := tracker.New(store, ics.NewLoader(fetcher), tracker.Options{
		Location:     loc,
		WeekStart:    model.ParseWeekday(cfg.WeekStart),
		LookbackDays: cfg.LookbackDays,
		HorizonDays:  cfg.HorizonDays,
	})

	appLog.Debug("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"week_start", cfg.WeekStart,
		"refresh", cfg.RefreshCron,
		"storage", cfg.Storage.Type,
	)

	return &runtime{
		cfg:   cfg,
		loc:   loc,
		store: store,
		svc:   svc,
		ids:   identity.NewLocal(store),
	}, nil
}

// openBackend selects the profile store named by cfg.Type.
func openBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "redis":
		b, err := redis.Open(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return b, nil
	case "sqlite", "":
		b, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func requireUser() error {
	if userID == "" {
		return fmt.Errorf("no user: pass --user or set HOWBEHIND_USER (create one with 'howbehind new-user')")
	}
	return nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, 2*time.Minute)
}
