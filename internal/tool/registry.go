package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// Registry is the process-wide catalog of tools and the single dispatch
// point for executing them.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	health      *healthTracker
	callTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

type entry struct {
	contract     Contract
	impl         Implementation
	inputSchema  *jsonschema.Schema
	outputSchema *jsonschema.Schema
	enabled      bool
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	CallTimeout      time.Duration // per-call budget (default 15s)
	TimeoutThreshold int           // consecutive timeouts before cool-down (default 3)
	UnavailableFor   time.Duration // cool-down length (default 60s)
	Logger           *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries:     make(map[string]*entry),
		health:      newHealthTracker(cfg.TimeoutThreshold, cfg.UnavailableFor),
		callTimeout: timeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Register adds a tool. Its schemas are compiled and frozen here.
func (r *Registry) Register(c Contract, impl Implementation) error {
	if c.Name == "" {
		return errors.New("Register: tool name is required")
	}
	if !c.SideEffect.Valid() {
		return fmt.Errorf("Register: tool %s: unknown side effect class %q", c.Name, c.SideEffect)
	}
	if impl == nil {
		return fmt.Errorf("Register: tool %s: nil implementation", c.Name)
	}

	frozen := Contract{
		Name:         c.Name,
		Description:  c.Description,
		InputSchema:  cloneSchema(c.InputSchema),
		OutputSchema: cloneSchema(c.OutputSchema),
		SideEffect:   c.SideEffect,
	}
	if frozen.InputSchema == nil {
		frozen.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	in, err := compileSchema(c.Name+".input", frozen.InputSchema)
	if err != nil {
		return fmt.Errorf("Register: tool %s: input schema: %w", c.Name, err)
	}
	var out *jsonschema.Schema
	if frozen.OutputSchema != nil {
		if out, err = compileSchema(c.Name+".output", frozen.OutputSchema); err != nil {
			return fmt.Errorf("Register: tool %s: output schema: %w", c.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[c.Name]; exists {
		return &DuplicateToolError{Name: c.Name}
	}
	r.entries[c.Name] = &entry{
		contract:     frozen,
		impl:         impl,
		inputSchema:  in,
		outputSchema: out,
		enabled:      true,
	}
	r.order = append(r.order, c.Name)
	return nil
}

// Lookup returns the contract and implementation for an enabled,
// available tool.
func (r *Registry) Lookup(name string) (Contract, Implementation, error) {
	e, err := r.lookupEntry(name)
	if err != nil {
		return Contract{}, nil, err
	}
	return copyContract(e.contract), e.impl, nil
}

func (r *Registry) lookupEntry(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	enabled := ok && e.enabled
	r.mu.RUnlock()

	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	if !enabled {
		return nil, &UnknownToolError{Name: name, Reason: "disabled"}
	}
	if !r.health.available(name, r.now()) {
		return nil, &UnknownToolError{Name: name, Reason: "temporarily unavailable"}
	}
	return e, nil
}

// ListEnabled returns the dispatchable contracts in registration order.
func (r *Registry) ListEnabled() []Contract {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Contract, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		if !e.enabled || !r.health.available(name, now) {
			continue
		}
		out = append(out, copyContract(e.contract))
	}
	return out
}

// Enable makes a registered tool dispatchable again.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable hides a tool from the model and rejects calls to it without
// removing it.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return &UnknownToolError{Name: name}
	}
	e.enabled = enabled
	return nil
}

// Execute validates and runs req. The returned result is always usable as
// a tool_result turn. The error is non-nil only for UnknownToolError and
// SchemaValidationError so the caller can tell correctable mistakes apart;
// implementation errors, panics and timeouts come back as failure results.
func (r *Registry) Execute(ctx context.Context, req CallRequest) (CallResult, error) {
	e, err := r.lookupEntry(req.ToolName)
	if err != nil {
		return Failure(req, err.Error()), err
	}

	args, violations := validateArgs(e.inputSchema, req.Arguments)
	if len(violations) > 0 {
		verr := &SchemaValidationError{Tool: req.ToolName, Violations: violations}
		return Failure(req, verr.Error()), verr
	}

	if ctx.Err() != nil {
		return Failure(req, ErrInterrupted.Error()), nil
	}

	start := r.now()
	payload, err := r.invoke(ctx, e, args)
	latency := r.now().Sub(start)

	switch {
	case errors.Is(err, ErrTimeout):
		if r.health.recordTimeout(req.ToolName, r.now()) {
			r.logger.Warn("tool marked temporarily unavailable after repeated timeouts",
				zap.String("tool_name", req.ToolName),
			)
		}
		r.logger.Warn("tool call timed out",
			zap.String("tool_name", req.ToolName),
			zap.String("request_id", req.ID),
			zap.Duration("timeout", r.timeoutFor(e)),
		)
		return Failure(req, ErrTimeout.Error()), nil
	case errors.Is(err, ErrInterrupted):
		r.logger.Info("tool call interrupted by caller",
			zap.String("tool_name", req.ToolName),
			zap.String("request_id", req.ID),
		)
		return Failure(req, ErrInterrupted.Error()), nil
	case err != nil:
		r.health.recordCompletion(req.ToolName)
		r.logger.Warn("tool call failed",
			zap.String("tool_name", req.ToolName),
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return Failure(req, err.Error()), nil
	}

	r.health.recordCompletion(req.ToolName)
	if e.outputSchema != nil {
		if verr := e.outputSchema.Validate(toJSONValue(payload)); verr != nil {
			r.logger.Warn("tool output failed schema",
				zap.String("tool_name", req.ToolName),
				zap.Error(verr),
			)
			return Failure(req, "tool returned output that does not match its schema"), nil
		}
	}

	r.logger.Debug("tool call succeeded",
		zap.String("tool_name", req.ToolName),
		zap.String("request_id", req.ID),
		zap.Duration("latency", latency),
	)
	return Success(req, payload), nil
}

type invokeOutput struct {
	payload map[string]any
	err     error
}

// invoke runs the implementation under the per-call timeout and converts
// panics into ExecutionError. Only the per-call deadline yields ErrTimeout;
// a caller context that ends first yields ErrInterrupted.
func (r *Registry) invoke(ctx context.Context, e *entry, args map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, r.timeoutFor(e), errCallDeadline)
	defer cancel()

	ch := make(chan invokeOutput, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- invokeOutput{err: &ExecutionError{Tool: e.contract.Name, Err: fmt.Errorf("panic: %v", p)}}
			}
		}()
		payload, err := e.impl.Execute(ctx, args)
		if err != nil {
			err = &ExecutionError{Tool: e.contract.Name, Err: err}
		}
		ch <- invokeOutput{payload: payload, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && ctx.Err() != nil {
			return nil, interruption(ctx)
		}
		if out.err == nil && out.payload == nil {
			out.payload = map[string]any{}
		}
		return out.payload, out.err
	case <-ctx.Done():
		return nil, interruption(ctx)
	}
}

func (r *Registry) timeoutFor(e *entry) time.Duration {
	if e.contract.Timeout > 0 {
		return e.contract.Timeout
	}
	return r.callTimeout
}

func interruption(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), errCallDeadline) {
		return ErrTimeout
	}
	return ErrInterrupted
}

func copyContract(c Contract) Contract {
	c.InputSchema = cloneSchema(c.InputSchema)
	c.OutputSchema = cloneSchema(c.OutputSchema)
	return c
}

// toJSONValue normalizes Go values (ints, typed slices) into the shapes a
// decoded JSON document would have.
func toJSONValue(v map[string]any) any {
	return any(cloneSchema(v))
}
