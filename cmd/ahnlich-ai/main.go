// Command ahnlich-ai is the AI-proxy entry point: it wires the ONNX
// session cache and inference orchestrator together behind the model identifiers configured via --supported-models
//. Like ahnlich-db, the wire transport is an external collaborator;
// this binary owns the Go-side pipeline wiring and process lifecycle.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ahnlich/ahnlich-go/internal/memquota"
	"github.com/ahnlich/ahnlich-go/pkg/ahlog"
	"github.com/ahnlich/ahnlich-go/pkg/inference"
	"github.com/ahnlich/ahnlich-go/pkg/onnxcache"
)

// runFlags is the shared daemon CLI surface plus the AI proxy's
// additional supported-models and ai-model-idle-time-seconds flags.
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

	supportedModels      []string
	aiModelIdleTimeSecs  int
	sessionCacheCapacity int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ahnlich-ai",
		Short: "AI embedding proxy: preprocessing, inference, and face pipelines over ahnlich-db",
	}
	root.AddCommand(newRunCmd(), newSupportedModelsCmd())
	return root
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the AI proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAI(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", "127.0.0.1", "bind host")
	cmd.Flags().IntVar(&flags.port, "port", 1370, "bind port")
	cmd.Flags().StringVar(&flags.persistenceLocation, "persistence-location", "", "snapshot file path (disabled if empty)")
	cmd.Flags().DurationVar(&flags.persistenceInterval, "persistence-interval", 5*time.Minute, "snapshot interval")
	cmd.Flags().Int64Var(&flags.allocatorSizeBytes, "allocator-size-bytes", 0, "memory ceiling in bytes (0 disables the check)")
	cmd.Flags().IntVar(&flags.messageSizeLimit, "message-size-limit", 64<<20, "maximum inbound message size in bytes")
	cmd.Flags().IntVar(&flags.maximumClients, "maximum-clients", 1000, "maximum concurrent clients")
	cmd.Flags().IntVar(&flags.threadpoolSize, "threadpool-size", 0, "CPU-bound worker pool size (0 = GOMAXPROCS)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn, or error")
	cmd.Flags().StringVar(&flags.tracingEndpoint, "tracing-endpoint", "", "optional tracing collector endpoint")
	cmd.Flags().StringSliceVar(&flags.supportedModels, "supported-models", nil, "comma-separated model identifiers this proxy serves")
	cmd.Flags().IntVar(&flags.aiModelIdleTimeSecs, "ai-model-idle-time-seconds", 300, "seconds after caching before an ONNX session is evicted")
	cmd.Flags().IntVar(&flags.sessionCacheCapacity, "session-cache-capacity", 16, "maximum concurrently cached ONNX sessions")

	return cmd
}

func newSupportedModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supported-models",
		Short: "List the model identifiers this proxy can serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := builtinModels()
			sort.Strings(names)
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

// builtinModels lists the model families this module's pipelines know how
// to wire: general-purpose text/image embedding plus the two face-model
// families the face pipeline supports.
func builtinModels() []string {
	return []string{
		"clip-vit-b-32",
		"all-minilm-l6-v2",
		"resnet-50",
		"retinaface-resnet50",
		"yunet-sface",
	}
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

// aiServer holds the wired AI-proxy tier: the session cache, the inference
// orchestrator the transport layer dispatches embedding requests through,
// and the allocation quota both share. The wire transport is the external
// collaborator that would call Orchestrator.Run against this struct.
type aiServer struct {
	cache        *onnxcache.Cache
	orchestrator *inference.Orchestrator
	quota        *memquota.Quota
	log          ahlog.Logger
}

func newAIServer(flags *runFlags, log ahlog.Logger) *aiServer {
	quota := memquota.New(flags.allocatorSizeBytes)

	poolSize := flags.threadpoolSize
	if poolSize < 1 {
		poolSize = runtime.GOMAXPROCS(0)
	}

	cache := onnxcache.New(
		flags.sessionCacheCapacity,
		time.Duration(flags.aiModelIdleTimeSecs)*time.Second,
		onnxcache.DefaultBuilder(nil, nil, log.With("subsystem", "onnxcache")),
		log.With("subsystem", "onnxcache"),
	)

	return &aiServer{
		cache:        cache,
		orchestrator: inference.New(cache, quota, poolSize),
		quota:        quota,
		log:          log,
	}
}

// runAI wires the ONNX session cache and inference orchestrator and blocks
// until interrupted. The AI proxy has no background persistence loop of
// its own, only the process-wide session cache, which it simply stops
// populating on shutdown.
func runAI(ctx context.Context, flags *runFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := ahlog.NewStd(parseLevel(flags.logLevel)).With("component", "ahnlich-ai", "instance", uuid.NewString())
	srv := newAIServer(flags, log)

	log.Info("ahnlich-ai ready",
		"host", flags.host, "port", flags.port,
		"supported_models", flags.supportedModels,
		"ai_model_idle_time_seconds", flags.aiModelIdleTimeSecs,
		"session_cache_capacity", flags.sessionCacheCapacity,
		"memory_ceiling_bytes", srv.quota.Ceiling(),
	)

	<-ctx.Done()
	srv.log.Info("shutting down", "cached_sessions", srv.cache.Len())
	return nil
}
