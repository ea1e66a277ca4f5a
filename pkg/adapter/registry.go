package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/safeflowhq/safeflow/pkg/observability"
	"github.com/safeflowhq/safeflow/pkg/registry"
	"github.com/safeflowhq/safeflow/pkg/schema"
)

// RegistryError is the typed error for registry operations.
type RegistryError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *RegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

func newRegistryError(action, message string, err error) *RegistryError {
	return &RegistryError{Component: "AdapterRegistry", Action: action, Message: message, Err: err}
}

// Entry pairs an adapter with its frozen descriptor.
type Entry struct {
	Adapter    Adapter
	Capability schema.Capability
}

// Registry holds the process-scope adapter table, indexed by tool id.
// Constructed at startup and passed into the broker and engine explicitly;
// there is no package-level instance.
type Registry struct {
	*registry.BaseRegistry[Entry]

	mu       sync.Mutex
	inFlight map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Entry](),
		inFlight:     make(map[string]int),
	}
}

// Register validates the descriptor and installs the adapter. Duplicate tool
// ids are rejected.
func (r *Registry) Register(a Adapter) error {
	capability := a.Describe()
	if err := capability.Validate(); err != nil {
		return newRegistryError("Register", "invalid capability descriptor", err)
	}
	if err := r.BaseRegistry.Register(capability.ToolID, Entry{Adapter: a, Capability: capability}); err != nil {
		return newRegistryError("Register", fmt.Sprintf("tool %s", capability.ToolID), err)
	}
	slog.Info("adapter registered", "tool", capability.ToolID, "category", capability.Category)
	return nil
}

// Deregister removes an adapter. Fails while executions for the id are in
// flight.
func (r *Registry) Deregister(toolID string) error {
	r.mu.Lock()
	if n := r.inFlight[toolID]; n > 0 {
		r.mu.Unlock()
		return newRegistryError("Deregister",
			fmt.Sprintf("tool %s has %d executions in flight", toolID, n), nil)
	}
	r.mu.Unlock()

	if err := r.BaseRegistry.Remove(toolID); err != nil {
		return newRegistryError("Deregister", fmt.Sprintf("tool %s", toolID), err)
	}
	slog.Info("adapter deregistered", "tool", toolID)
	return nil
}

// Resolve returns the adapter for a tool id, or a ToolMissing error.
func (r *Registry) Resolve(toolID string) (Adapter, error) {
	entry, ok := r.Get(toolID)
	if !ok {
		return nil, NewToolMissing(toolID, "no adapter registered")
	}
	return entry.Adapter, nil
}

// Capabilities returns all registered descriptors in tool-id order.
func (r *Registry) Capabilities() []schema.Capability {
	entries := r.List()
	caps := make([]schema.Capability, 0, len(entries))
	for _, e := range entries {
		caps = append(caps, e.Capability)
	}
	return caps
}

// FilterByCategory returns descriptors for the given category.
func (r *Registry) FilterByCategory(category schema.Category) []schema.Capability {
	return capsOf(r.Filter(func(e Entry) bool { return e.Capability.Category == category }))
}

// FilterByLanguage returns descriptors covering the given language.
func (r *Registry) FilterByLanguage(lang string) []schema.Capability {
	return capsOf(r.Filter(func(e Entry) bool { return e.Capability.SupportsLanguage(lang) }))
}

// FilterByDetection returns descriptors claiming the given detection type.
func (r *Registry) FilterByDetection(detectionType string) []schema.Capability {
	return capsOf(r.Filter(func(e Entry) bool { return e.Capability.Detects(detectionType) }))
}

// FilterByTarget returns descriptors accepting the given target kind.
func (r *Registry) FilterByTarget(kind schema.TargetKind) []schema.Capability {
	return capsOf(r.Filter(func(e Entry) bool { return e.Capability.AcceptsTarget(kind) }))
}

// Available reports whether a tool's backing binary or service is reachable.
// Unregistered ids are unavailable; adapters without a health check are
// assumed reachable.
func (r *Registry) Available(toolID string) bool {
	entry, ok := r.Get(toolID)
	if !ok {
		return false
	}
	if hc, ok := entry.Adapter.(HealthChecker); ok {
		return hc.Available()
	}
	return true
}

func capsOf(entries []Entry) []schema.Capability {
	caps := make([]schema.Capability, 0, len(entries))
	for _, e := range entries {
		caps = append(caps, e.Capability)
	}
	return caps
}

// Execute resolves the tool and drives a full run, tracking in-flight counts
// so Deregister can refuse while executions are live. A ToolMissing outcome,
// whether the id is unregistered or the adapter cannot reach its backing
// binary, fails over once to the request's fallback adapter, if named.
func (r *Registry) Execute(ctx context.Context, toolID string, req *schema.ScanRequest, execCtx ExecContext, observe StageFunc) (*RunResult, error) {
	ctx, span := observability.GetTracer("safeflow.adapter").Start(ctx, "registry.execute")
	span.SetAttributes(attribute.String("tool.id", toolID))
	defer span.End()

	result, err := r.executeOne(ctx, toolID, req, execCtx, observe)
	if err != nil && KindOf(err) == KindToolMissing &&
		req.FallbackToolID != "" && req.FallbackToolID != toolID {
		slog.Warn("tool missing, failing over",
			"tool", toolID, "fallback", req.FallbackToolID, "cause", err)
		span.SetAttributes(attribute.String("tool.fallback", req.FallbackToolID))
		fallback := *req
		fallback.FallbackToolID = ""
		result, err = r.executeOne(ctx, req.FallbackToolID, &fallback, execCtx, observe)
	}
	if err != nil && result == nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	return result, err
}

func (r *Registry) executeOne(ctx context.Context, toolID string, req *schema.ScanRequest, execCtx ExecContext, observe StageFunc) (*RunResult, error) {
	a, err := r.Resolve(toolID)
	if err != nil {
		return nil, err
	}
	r.acquire(toolID)
	defer r.release(toolID)
	return Run(ctx, a, req, execCtx, observe)
}

func (r *Registry) acquire(toolID string) {
	r.mu.Lock()
	r.inFlight[toolID]++
	r.mu.Unlock()
}

func (r *Registry) release(toolID string) {
	r.mu.Lock()
	r.inFlight[toolID]--
	r.mu.Unlock()
}
