// Command eternityctl inspects workflow entities in a storage backend
// (activity entities are not shown), pretty-printing them with k0kubun/pp for ad-hoc
// debugging rather than piping through a generic JSON viewer.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/k0kubun/pp/v3"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/eternity-run/eternity"
	"github.com/eternity-run/eternity/storage/memory"
	"github.com/eternity-run/eternity/storage/redisstore"
	"github.com/eternity-run/eternity/storage/sqlite"
)

var (
	storageFlag   string
	sqliteDSNFlag string
	redisAddrFlag string
)

func buildStorage() (eternity.Storage, error) {
	switch storageFlag {
	case "sqlite":
		return sqlite.Open(sqliteDSNFlag)
	case "redis":
		return redisstore.New(redis.NewClient(&redis.Options{Addr: redisAddrFlag})), nil
	default:
		return memory.New()
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [workflow-id]",
		Short: "pretty-print a workflow entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := buildStorage()
			if err != nil {
				return err
			}
			defer storage.Close()

			id := eternity.WorkflowID(args[0])
			wf, err := storage.GetWorkflow(context.Background(), id)
			if err != nil {
				return err
			}
			pp.Println(wf)
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list recent workflow entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := buildStorage()
			if err != nil {
				return err
			}
			defer storage.Close()

			wfs, err := storage.ListWorkflows(context.Background(), limit)
			if err != nil {
				return err
			}
			pp.Println(wfs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entities to list")
	return cmd
}

func main() {
	root := &cobra.Command{Use: "eternityctl", Short: "inspect eternity workflow state"}
	root.PersistentFlags().StringVar(&storageFlag, "storage", "memory", "storage backend: memory|sqlite|redis")
	root.PersistentFlags().StringVar(&sqliteDSNFlag, "sqlite-dsn", "file:eternity.db", "sqlite DSN")
	root.PersistentFlags().StringVar(&redisAddrFlag, "redis-addr", "127.0.0.1:6379", "redis address")
	root.AddCommand(inspectCmd(), listCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
