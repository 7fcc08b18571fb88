// Command eternityd runs an eternity dispatcher as a standalone
// daemon: a storage backend, the replay dispatcher, and an HTTP front
// end over a chosen address. It registers no workflow or activity
// types of its own — embedding applications call eternity.NewEngine
// directly and register their own; this binary is the shape that
// wiring takes when run as a separate process rather than embedded.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"

	"github.com/eternity-run/eternity"
	"github.com/eternity-run/eternity/httpapi"
	"github.com/eternity-run/eternity/storage/memory"
	"github.com/eternity-run/eternity/storage/redisstore"
	"github.com/eternity-run/eternity/storage/sqlite"
)

var v = viper.New()

func buildStorage() (eternity.Storage, error) {
	switch v.GetString("storage") {
	case "memory", "":
		return memory.New()
	case "sqlite":
		return sqlite.Open(v.GetString("sqlite-dsn"))
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: v.GetString("redis-addr")})
		return redisstore.New(client), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", v.GetString("storage"))
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "eternityd",
		Short: "durable workflow dispatcher daemon",
	}
	root.PersistentFlags().String("storage", "memory", "storage backend: memory|sqlite|redis")
	root.PersistentFlags().String("sqlite-dsn", "file:eternity.db", "sqlite DSN when --storage=sqlite")
	root.PersistentFlags().String("redis-addr", "127.0.0.1:6379", "redis address when --storage=redis")
	root.PersistentFlags().String("addr", ":7233", "HTTP listen address")
	root.PersistentFlags().Duration("poll-interval", 2*time.Second, "dispatcher poll interval")
	root.PersistentFlags().Int("activity-workers", 8, "size of the activity worker pool")
	_ = v.BindPFlags(root.PersistentFlags())
	v.SetEnvPrefix("ETERNITY")
	v.AutomaticEnv()

	root.AddCommand(serveCmd(), dailyCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the dispatcher and HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := buildStorage()
			if err != nil {
				return err
			}
			registry := eternity.NewRegistry()
			engine, err := eternity.NewEngine(storage, registry,
				eternity.WithActivityWorkers(v.GetInt("activity-workers")))
			if err != nil {
				return err
			}
			defer engine.Close()

			dispatcher := eternity.NewDispatcher(engine,
				eternity.WithPollInterval(v.GetDuration("poll-interval")))

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			httpServer := &http.Server{Addr: v.GetString("addr"), Handler: httpapi.NewServer(engine)}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()
			go func() {
				fmt.Fprintf(os.Stdout, "eternityd: http listening on %s\n", httpServer.Addr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					fmt.Fprintf(os.Stderr, "eternityd: http server: %v\n", err)
				}
			}()

			return dispatcher.Run(ctx)
		},
	}
}

func dailyCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "daily",
		Short: "run the daily workflow scheduler against a YAML type list",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := buildStorage()
			if err != nil {
				return err
			}
			registry := eternity.NewRegistry()
			engine, err := eternity.NewEngine(storage, registry)
			if err != nil {
				return err
			}
			defer engine.Close()

			cfg, err := eternity.LoadDailyScheduleConfig(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return eternity.NewDailyScheduler(engine, cfg).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "daily.yaml", "path to the daily schedule YAML config")
	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
