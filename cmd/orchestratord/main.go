// Command orchestratord runs the task orchestrator as a long-lived
// daemon: it opens a broker connection, builds the agent runtime, loads
// the agent roster, and serves health and agent-depth endpoints until it
// receives SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/taskmesh/orchestrator/internal/agentrt"
	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/config"
	"github.com/taskmesh/orchestrator/internal/events"
	"github.com/taskmesh/orchestrator/internal/logging"
	"github.com/taskmesh/orchestrator/internal/metrics"
	"github.com/taskmesh/orchestrator/internal/retry"
	"github.com/taskmesh/orchestrator/internal/roster"
	"github.com/taskmesh/orchestrator/internal/task"
	"github.com/taskmesh/orchestrator/internal/txlog"
)

var (
	standalone bool
	agentsPath string
	dataDir    string
	httpAddr   string
)

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Run the AI task orchestrator daemon",
	Long: `orchestratord opens a broker connection, builds the agent runtime,
loads the agent roster, and serves task dispatch until it receives
SIGINT/SIGTERM.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.Flags().BoolVar(&standalone, "standalone", false, "run against an embedded bbolt store instead of a live Redis")
	rootCmd.Flags().StringVar(&agentsPath, "agents", "", "path to a YAML agent roster (falls back to a small built-in roster)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "orchestrator.db", "bbolt database path used in --standalone mode")
	rootCmd.Flags().StringVar(&httpAddr, "http-addr", ":8090", "address the health endpoint listens on")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: cfg.ServiceName})

	b, err := openBroker(standalone, dataDir, cfg, logger)
	if err != nil {
		logger.Error("broker connection failed", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("broker connection failed: %w", err)
	}
	defer closeBroker(b, logger)

	agents, err := loadRoster(agentsPath)
	if err != nil {
		logger.Error("loading agent roster failed", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("loading agent roster failed: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider()
	defer meterProvider.Shutdown(context.Background())
	recorder := metrics.NewOTel(meterProvider.Meter(cfg.ServiceName))

	bus := events.NewBus()
	client := agentrt.NewMockClient()

	rt := agentrt.New(b, bus, client, retry.Config{
		RetryBase:        cfg.RetryBase,
		RetryMax:         cfg.RetryMax,
		CircuitThreshold: cfg.CircuitThreshold,
		CircuitCooldown:  cfg.CircuitCooldown,
		DLQTTL:           cfg.DLQTTL,
		MaxRetries:       cfg.MaxRetries,
	}, agentrt.Config{
		DequeueTimeout:      cfg.AgentPollInterval,
		HookExecutorTimeout: cfg.HookExecutorTimeout,
		RetryProcessorTick:  cfg.RetryProcessorTick,
	}, logger)
	rt.Metrics = recorder

	for _, a := range agents {
		rt.RegisterAgent(a)
		logger.Info("registered agent", map[string]interface{}{"agent": a.ID, "model": a.Model})
	}

	txLogger := txlog.New(b, txlog.Config{
		FlushInterval: cfg.LogFlushInterval,
		MaxBatchSize:  cfg.LogMaxBatchSize,
		RetentionDays: cfg.TransactionRetentionDays,
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := txLogger.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("transaction logger stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	jobs := startHousekeeping(ctx, b, cfg, logger)
	defer jobs.Stop()

	go serveHTTP(httpAddr, rt, logger)

	go func() {
		if err := rt.Start(ctx); err != nil {
			logger.Error("agent runtime stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", nil)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.HookExecutorTimeout)
	defer stopCancel()
	if err := rt.Stop(stopCtx); err != nil {
		logger.Warn("runtime shutdown did not complete cleanly", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// openBroker connects to Redis, or opens an embedded bbolt-backed store
// when --standalone is set (spec's single-process demo mode).
func openBroker(standalone bool, dataDir string, cfg *config.Config, logger logging.Logger) (broker.Broker, error) {
	if standalone {
		logger.Info("running in standalone mode", map[string]interface{}{"data_dir": dataDir})
		return broker.NewLocal(dataDir, logger)
	}
	return broker.NewRedis(broker.RedisOptions{URL: cfg.BrokerURL, Logger: logger})
}

func closeBroker(b broker.Broker, logger logging.Logger) {
	if err := b.Close(); err != nil {
		logger.Warn("closing broker failed", map[string]interface{}{"error": err.Error()})
	}
}

func loadRoster(path string) ([]*task.Agent, error) {
	if path == "" {
		return roster.Default(), nil
	}
	return roster.Load(path)
}

// housekeepingJobs wraps the cron scheduler so main can defer one Stop
// call instead of threading the *cron.Cron value through.
type housekeepingJobs struct{ c *cron.Cron }

func (j housekeepingJobs) Stop() { j.c.Stop() }

// startHousekeeping schedules the DLQ housekeeper, the failure-pattern
// analyzer, and the transaction-log retention sweep as cron jobs rather
// than bespoke ticker loops, on the cadences spec.md §6 assigns them.
func startHousekeeping(ctx context.Context, b broker.Broker, cfg *config.Config, logger logging.Logger) housekeepingJobs {
	c := cron.New()
	dlq := retry.NewDLQ(b, cfg.DLQTTL)
	patterns := retry.NewPatternTable(b)
	retention := txlog.NewRetention(b, cfg.TransactionRetentionDays)

	addEvery(c, cfg.DLQHousekeeperTick, logger, "dlq-housekeeper", func() {
		if removed, err := dlq.Housekeep(ctx); err != nil {
			logger.Warn("dlq housekeeper failed", map[string]interface{}{"error": err.Error()})
		} else if removed > 0 {
			logger.Info("dlq housekeeper purged expired entries", map[string]interface{}{"removed": removed})
		}
	})
	addEvery(c, cfg.PatternAnalyzerTick, logger, "pattern-analyzer", func() {
		all, err := patterns.All(ctx)
		if err != nil {
			logger.Warn("pattern analyzer sweep failed", map[string]interface{}{"error": err.Error()})
			return
		}
		for _, n := range retry.Analyze(all) {
			logger.Info("failure pattern flagged", map[string]interface{}{"agent": n.AgentID, "class": n.Class, "reason": n.Reason})
			data, _ := json.Marshal(map[string]interface{}{"agent": n.AgentID, "class": n.Class, "reason": n.Reason})
			_ = b.Publish(ctx, broker.HealthCorrectionChannel, string(data))
		}
	})
	addEvery(c, 24*time.Hour, logger, "retention-sweep", func() {
		removed, err := retention.Sweep(ctx, time.Now())
		if err != nil {
			logger.Warn("retention sweep failed", map[string]interface{}{"error": err.Error()})
			return
		}
		if removed > 0 {
			logger.Info("retention sweep removed expired day keys", map[string]interface{}{"removed": removed})
		}
	})

	c.Start()
	return housekeepingJobs{c: c}
}

// addEvery registers fn on a "@every <interval>" cron schedule, logging
// (rather than failing startup) if the interval doesn't parse.
func addEvery(c *cron.Cron, interval time.Duration, logger logging.Logger, name string, fn func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), fn); err != nil {
		logger.Error("scheduling cron job failed", map[string]interface{}{"job": name, "error": err.Error()})
	}
}

// serveHTTP exposes a liveness probe and a human-readable snapshot of
// agent queue depths. There is no /metrics handler: metrics go to the OTel
// SDK MeterProvider, which is built without a reader or exporter.
func serveHTTP(addr string, rt *agentrt.Runtime, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		for _, id := range rt.Agents.IDs() {
			depth, _ := rt.Fabric.Depth(ctx, id)
			fmt.Fprintf(w, "%s\tdepth=%d\n", id, depth)
		}
	})
	logger.Info("http server listening", map[string]interface{}{"addr": addr})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("http server stopped", map[string]interface{}{"error": err.Error()})
	}
}
