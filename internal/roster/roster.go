// Package roster loads the static agent roster orchestratord registers
// at startup from a YAML file, the same declarative-config idiom the
// teacher framework uses for its own capability manifests.
package roster

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskmesh/orchestrator/internal/task"
)

// Entry is one agent's on-disk declaration.
type Entry struct {
	ID           string   `yaml:"id"`
	Model        string   `yaml:"model"`
	Capabilities []string `yaml:"capabilities"`
	Strengths    []string `yaml:"strengths"`
	Keywords     []string `yaml:"keywords"`
	CostPerToken float64  `yaml:"cost_per_token"`
	TokenLimit   int      `yaml:"token_limit"`
}

// file is the top-level roster document shape.
type file struct {
	Agents []Entry `yaml:"agents"`
}

// Load reads and parses a roster file into Agent values ready for
// Runtime.RegisterAgent, stamped with a fresh heartbeat so they route as
// eligible immediately on startup.
func Load(path string) ([]*task.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	now := time.Now()
	agents := make([]*task.Agent, 0, len(f.Agents))
	for _, e := range f.Agents {
		if e.ID == "" {
			return nil, fmt.Errorf("roster %s: agent entry missing id", path)
		}
		agents = append(agents, &task.Agent{
			ID:            e.ID,
			Model:         e.Model,
			Capabilities:  e.Capabilities,
			Strengths:     e.Strengths,
			Keywords:      e.Keywords,
			CostPerToken:  e.CostPerToken,
			TokenLimit:    e.TokenLimit,
			Status:        task.AgentIdle,
			LastHeartbeat: now,
		})
	}
	return agents, nil
}

// Default returns a small built-in roster so orchestratord has something
// to route to when no --agents file is supplied (standalone/demo mode).
func Default() []*task.Agent {
	now := time.Now()
	return []*task.Agent{
		{ID: "agent-general", Model: "general-purpose", Strengths: []string{"general"}, Status: task.AgentIdle, LastHeartbeat: now, TokenLimit: 8192},
		{ID: "agent-analysis", Model: "analysis-tuned", Strengths: []string{"analysis", "research"}, Status: task.AgentIdle, LastHeartbeat: now, TokenLimit: 16384},
		{ID: "agent-code", Model: "code-tuned", Strengths: []string{"code", "review"}, Status: task.AgentIdle, LastHeartbeat: now, TokenLimit: 32768},
	}
}
