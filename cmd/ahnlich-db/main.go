// Command ahnlich-db is the database-tier entry point: it wires the store
// engine, persistence loop, and replication adapter together and runs the
// persistence loop until interrupted. The gRPC transport, CLI auth/TLS,
// and Raft log are external collaborators: this binary owns
// process lifecycle and the Go-side wiring those collaborators would call
// into, not the wire protocol itself.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ahnlich/ahnlich-go/internal/memquota"
	"github.com/ahnlich/ahnlich-go/pkg/ahlog"
	"github.com/ahnlich/ahnlich-go/pkg/persistence"
	"github.com/ahnlich/ahnlich-go/pkg/replication"
	"github.com/ahnlich/ahnlich-go/pkg/store"
)

// runFlags is the daemon's CLI surface: host, port,
// persistence-location, persistence-interval, allocator-size-bytes,
// message-size-limit, maximum-clients, threadpool-size, log-level, and an
// optional tracing endpoint.
type runFlags struct {
	host                string
	port                int
	persistenceLocation string
	persistenceInterval time.Duration
	allocatorSizeBytes  int64
	messageSizeLimit    int
	maximumClients      int
	threadpoolSize      int
	logLevel            string
	tracingEndpoint     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ahnlich-db",
		Short: "In-memory concurrent vector similarity store",
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the database server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDB(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", "127.0.0.1", "bind host")
	cmd.Flags().IntVar(&flags.port, "port", 1369, "bind port")
	cmd.Flags().StringVar(&flags.persistenceLocation, "persistence-location", "", "snapshot file path (disabled if empty)")
	cmd.Flags().DurationVar(&flags.persistenceInterval, "persistence-interval", 5*time.Minute, "snapshot interval")
	cmd.Flags().Int64Var(&flags.allocatorSizeBytes, "allocator-size-bytes", 0, "memory ceiling in bytes (0 disables the check)")
	cmd.Flags().IntVar(&flags.messageSizeLimit, "message-size-limit", 16<<20, "maximum inbound message size in bytes")
	cmd.Flags().IntVar(&flags.maximumClients, "maximum-clients", 1000, "maximum concurrent clients")
	cmd.Flags().IntVar(&flags.threadpoolSize, "threadpool-size", 0, "CPU-bound worker pool size (0 = GOMAXPROCS)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn, or error")
	cmd.Flags().StringVar(&flags.tracingEndpoint, "tracing-endpoint", "", "optional tracing collector endpoint")

	return cmd
}

func parseLevel(name string) ahlog.Level {
	switch name {
	case "debug":
		return ahlog.LevelDebug
	case "warn":
		return ahlog.LevelWarn
	case "error":
		return ahlog.LevelError
	default:
		return ahlog.LevelInfo
	}
}

// runDB wires an Engine, persistence Loop, and replication Adapter, loads
// any existing snapshot, and blocks running the persistence loop until ctx
// is cancelled, draining in-flight work and exiting cleanly.
func runDB(ctx context.Context, flags *runFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := ahlog.NewStd(parseLevel(flags.logLevel)).With("component", "ahnlich-db", "instance", uuid.NewString())

	quota := memquota.New(flags.allocatorSizeBytes)
	engine := store.NewEngine(quota)
	adapter := replication.New(engine, log.With("subsystem", "replication"))

	var loop *persistence.Loop
	if flags.persistenceLocation != "" {
		cfg := persistence.Config{Path: flags.persistenceLocation, Interval: flags.persistenceInterval}
		loop = persistence.New(cfg, engine, adapter, log.With("subsystem", "persistence"))
		if err := loop.Load(); err != nil {
			return fmt.Errorf("ahnlich-db: loading snapshot: %w", err)
		}
	}

	log.Info("ahnlich-db ready",
		"host", flags.host, "port", flags.port,
		"maximum_clients", flags.maximumClients,
		"message_size_limit", flags.messageSizeLimit,
		"threadpool_size", flags.threadpoolSize,
		"tracing_endpoint", flags.tracingEndpoint,
		"persistence_location", flags.persistenceLocation,
	)

	if loop == nil {
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	}

	err := loop.Run(ctx)
	log.Info("shutting down")
	if err != nil {
		return fmt.Errorf("ahnlich-db: persistence loop: %w", err)
	}
	return loop.WriteNow()
}
