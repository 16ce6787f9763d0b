// Package cmd implements orchestrctl's subcommands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskmesh/orchestrator/internal/agentrt"
	"github.com/taskmesh/orchestrator/internal/broker"
	"github.com/taskmesh/orchestrator/internal/config"
	"github.com/taskmesh/orchestrator/internal/events"
	"github.com/taskmesh/orchestrator/internal/logging"
	"github.com/taskmesh/orchestrator/internal/retry"
	"github.com/taskmesh/orchestrator/internal/roster"
	"github.com/taskmesh/orchestrator/internal/task"
)

var (
	standalone bool
	dataDir    string
	agentsPath string
	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "orchestrctl",
	Short: "Admin CLI for the task orchestrator",
	Long: `orchestrctl talks to the same broker orchestratord uses to submit
tasks, inspect agent queue depth, and manage the dead-letter archive and
transaction log, without running a full agent runtime.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&standalone, "standalone", false, "connect to an embedded bbolt store instead of a live Redis")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "orchestrator.db", "bbolt database path used in --standalone mode")
	rootCmd.PersistentFlags().StringVar(&agentsPath, "agents", "", "path to a YAML agent roster (falls back to a small built-in roster)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "accepted but has no effect: every subcommand prints plain text or tables")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// openBroker mirrors orchestratord's broker selection so both binaries
// agree on where tasks, queues, and archives live.
func openBroker() (broker.Broker, *config.Config, logging.Logger, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "orchestrctl"})
	if standalone {
		b, err := broker.NewLocal(dataDir, logger)
		return b, cfg, logger, err
	}
	b, err := broker.NewRedis(broker.RedisOptions{URL: cfg.BrokerURL, Logger: logger})
	return b, cfg, logger, err
}

// buildRuntime wires a Runtime the same way orchestratord does, but
// callers never call Start: the CLI only needs Dispatcher.Submit,
// Fabric.Depth, and Agents, not a live worker pool.
func buildRuntime(b broker.Broker, cfg *config.Config, logger logging.Logger) (*agentrt.Runtime, error) {
	agents, err := loadRoster()
	if err != nil {
		return nil, err
	}
	rt := agentrt.New(b, events.NewBus(), agentrt.NewMockClient(), retry.Config{
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
	for _, a := range agents {
		rt.RegisterAgent(a)
	}
	return rt, nil
}

func loadRoster() ([]*task.Agent, error) {
	if agentsPath == "" {
		return roster.Default(), nil
	}
	return roster.Load(agentsPath)
}
