package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/langford/internal/conversation"
	"github.com/triage-ai/langford/internal/guardrail"
	"github.com/triage-ai/langford/internal/tool"
	"go.uber.org/zap"
)

const (
	DefaultAgentSteps   = 6
	DefaultAgentTimeout = time.Minute

	// agentGrace lets a nested loop abort on its own budget before the
	// registry's call deadline fires.
	agentGrace = 5 * time.Second
)

// ReasonManagedAgent is the denial recorded when a managed agent reaches a
// call that needs the user's confirmation.
const ReasonManagedAgent = "requires user confirmation; ask the user before calling it directly"

// AgentDefinition describes a managed agent: a tool that runs its own loop over a
// subset of the registry with its own instructions and step budget.
type AgentDefinition struct {
	Name         string
	Description  string
	Instructions string
	Tools        []string
	MaxSteps     int
	Timeout      time.Duration
}

// RegisterAgent registers def as a tool in reg. Every nested call still
// passes through cfg.Guardrail. Destructive tools cannot be delegated, and
// nested calls that need confirmation are denied, so confirmation stays
// with the user-facing loop.
func RegisterAgent(reg *tool.Registry, def AgentDefinition, cfg Config) error {
	if def.Name == "" || len(def.Tools) == 0 {
		return errors.New("RegisterAgent: name and tools are required")
	}
	if cfg.Adapter == nil || cfg.Guardrail == nil {
		return errors.New("RegisterAgent: adapter and guardrail are required")
	}
	if def.MaxSteps <= 0 {
		def.MaxSteps = DefaultAgentSteps
	}
	if def.Timeout <= 0 {
		def.Timeout = DefaultAgentTimeout
	}

	class := tool.ReadOnly
	allowed := make(map[string]bool, len(def.Tools))
	for _, name := range def.Tools {
		c, _, err := reg.Lookup(name)
		if err != nil {
			return fmt.Errorf("RegisterAgent %s: %w", def.Name, err)
		}
		switch c.SideEffect {
		case tool.Destructive:
			return fmt.Errorf("RegisterAgent %s: destructive tool %s cannot be delegated", def.Name, name)
		case tool.ReversibleWrite:
			class = tool.ReversibleWrite
		}
		allowed[name] = true
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	a := &agent{
		def: def,
		cfg: Config{
			Adapter:       cfg.Adapter,
			Registry:      &agentTools{inner: reg, allowed: allowed},
			Guardrail:     agentGuard{inner: cfg.Guardrail},
			SystemPrompt:  def.Instructions,
			Timezone:      cfg.Timezone,
			MaxIterations: def.MaxSteps,
			TurnTimeout:   def.Timeout,
			Logger:        cfg.Logger.With(zap.String("agent", def.Name)),
		},
	}

	description := def.Description
	if description == "" {
		description = "Delegate a task to the " + def.Name + " agent. It can use: " + strings.Join(def.Tools, ", ") + "."
	}
	return reg.Register(tool.Contract{
		Name:        def.Name,
		Description: description,
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"task"},
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "What the agent should do, in plain words with every detail it needs.",
				},
			},
			"additionalProperties": false,
		},
		OutputSchema: map[string]any{
			"type":     "object",
			"required": []any{"answer"},
		},
		SideEffect: class,
		Timeout:    def.Timeout + agentGrace,
	}, a)
}

type agent struct {
	def AgentDefinition
	cfg Config
}

// Execute runs one task to completion on a fresh, throwaway conversation.
func (a *agent) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	task, _ := args["task"].(string)

	cfg := a.cfg
	cfg.Store = conversation.NewMemoryStore()
	sub, err := New(cfg)
	if err != nil {
		return nil, err
	}
	sub.delegated = true

	reply, err := sub.HandleMessage(ctx, a.def.Name+"/"+uuid.NewString(), task)
	if err != nil {
		return nil, err
	}
	if reply.Aborted {
		return nil, fmt.Errorf("%s gave up: %s", a.def.Name, reply.Text)
	}
	return map[string]any{"answer": reply.Text}, nil
}

// agentTools limits a managed agent to its own tools.
type agentTools struct {
	inner   ToolRegistry
	allowed map[string]bool
}

func (t *agentTools) ListEnabled() []tool.Contract {
	var out []tool.Contract
	for _, c := range t.inner.ListEnabled() {
		if t.allowed[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

func (t *agentTools) Execute(ctx context.Context, req tool.CallRequest) (tool.CallResult, error) {
	if !t.allowed[req.ToolName] {
		err := &tool.UnknownToolError{Name: req.ToolName}
		return tool.Failure(req, err.Error()), err
	}
	return t.inner.Execute(ctx, req)
}

// agentGuard turns confirmation requests into denials.
type agentGuard struct {
	inner Authorizer
}

func (g agentGuard) Authorize(ctx context.Context, req tool.CallRequest, cc guardrail.ConversationContext) guardrail.Decision {
	d := g.inner.Authorize(ctx, req, cc)
	if d.NeedsConfirmation() {
		return guardrail.Deny(ReasonManagedAgent)
	}
	return d
}

func (g agentGuard) CascadeDenials() bool {
	return g.inner.CascadeDenials()
}
