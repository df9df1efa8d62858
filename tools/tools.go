// Package tools defines the tool contract consumed by the scheduler: tool
// metadata, the router that resolves a proposed call to a handler, and
// argument validation against each tool's declared JSON schema.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fluxgate-ai/agentrun/runtime/agent/toolerrors"
)

// RiskLevel classifies how much damage a tool call can do, governing both
// scheduler partitioning and the approval gate.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Source identifies where a tool's implementation lives.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceMCP     Source = "mcp"
)

// Spec describes a registered tool: the metadata contract the scheduler and
// policy engine consult before dispatching a call.
type Spec struct {
	Name              string
	Description       string
	ParametersSchema  json.RawMessage
	RiskLevel         RiskLevel
	Mutating          bool
	SupportsParallel  bool
	TimeoutMS         int
	RequiresApproval  bool
	Source            Source
}

// ParallelEligible reports whether a call to this tool may run concurrently
// with others in the same batch, per the scheduler's partitioning rule.
func (s Spec) ParallelEligible() bool {
	return !s.Mutating && s.SupportsParallel && s.RiskLevel != RiskHigh
}

// Call is one proposed tool invocation from the model.
type Call struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
}

// Result is the outcome of one invocation.
type Result struct {
	ToolCallID string
	ToolName   string
	Output     json.RawMessage
	IsError    bool
	ErrorCode  string
	ErrorMsg   string
}

// Handler executes one tool call. Implementations should honor ctx
// cancellation on a best-effort basis and return promptly once it fires.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Router resolves tool names to specs and handlers and validates arguments
// against each tool's declared schema before invocation.
type Router struct {
	specs    map[string]Spec
	handlers map[string]Handler
	schemas  map[string]*jsonschema.Schema
}

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	return &Router{
		specs:    make(map[string]Spec),
		handlers: make(map[string]Handler),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool's spec and handler. If spec.ParametersSchema is
// non-empty it is compiled immediately so registration fails fast on a
// malformed schema rather than on first call.
func (r *Router) Register(spec Spec, handler Handler) error {
	if spec.Name == "" {
		return toolerrors.New("tool spec requires a name")
	}
	if handler == nil {
		return toolerrors.Errorf("tool %q: handler is required", spec.Name)
	}
	if len(spec.ParametersSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		resourceURL := "mem://tools/" + spec.Name + ".json"
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(spec.ParametersSchema))
		if err != nil {
			return toolerrors.NewWithCause(fmt.Sprintf("tool %q: invalid parameters schema", spec.Name), err)
		}
		if err := compiler.AddResource(resourceURL, doc); err != nil {
			return toolerrors.NewWithCause(fmt.Sprintf("tool %q: register parameters schema", spec.Name), err)
		}
		schema, err := compiler.Compile(resourceURL)
		if err != nil {
			return toolerrors.NewWithCause(fmt.Sprintf("tool %q: compile parameters schema", spec.Name), err)
		}
		r.schemas[spec.Name] = schema
	}
	r.specs[spec.Name] = spec
	r.handlers[spec.Name] = handler
	return nil
}

// Spec returns the registered spec for name, and whether it was found.
func (r *Router) Spec(name string) (Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// All returns every registered spec, in no particular order. Callers that
// need to advertise the tool set to a model (agentloop's context builder) or
// a policy engine (the candidate tool list a decision filters down) use this
// instead of reaching into Router's internals.
func (r *Router) All() []Spec {
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// Invoke validates call.Args against the tool's schema (if any), then runs
// its handler. Validation failures surface as TOOL_ERROR, never a panic.
func (r *Router) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	spec, ok := r.specs[call.ToolName]
	if !ok {
		return nil, toolerrors.Errorf("unknown tool %q", call.ToolName)
	}
	if schema, ok := r.schemas[call.ToolName]; ok {
		var args any
		if len(call.Args) > 0 {
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return nil, toolerrors.NewWithCause(fmt.Sprintf("tool %q: malformed arguments", call.ToolName), err)
			}
		}
		if err := schema.Validate(args); err != nil {
			return nil, toolerrors.NewWithCause(fmt.Sprintf("tool %q: arguments failed schema validation", call.ToolName), err)
		}
	}
	handler := r.handlers[call.ToolName]
	out, err := handler(ctx, call.Args)
	if err != nil {
		return nil, toolerrors.FromError(err)
	}
	return out, nil
}
