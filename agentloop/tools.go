package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/martinemde/bladerunner/unifiedllm"
)

// Capability says what a tool touches. It decides which gate checks run
// before the tool executes.
type Capability string

const (
	CapabilityNone    Capability = "none"
	CapabilityRead    Capability = "read"
	CapabilityWrite   Capability = "write"
	CapabilityExecute Capability = "execute"
)

func (c Capability) valid() bool {
	switch c {
	case CapabilityNone, CapabilityRead, CapabilityWrite, CapabilityExecute:
		return true
	}
	return false
}

// Handler runs a tool against already decoded arguments.
type Handler func(ctx context.Context, env ExecutionEnvironment, args map[string]any) ToolOutcome

// Tool is a registered capability the model may call. TargetArg names the
// argument holding the path or command the gate checks; every capability
// other than CapabilityNone must declare one.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Capability  Capability
	TargetArg   string
	Handler     Handler
}

// Target returns the gated argument value, or "" when absent.
func (t Tool) Target(args map[string]any) string {
	if t.TargetArg == "" {
		return ""
	}
	s, _ := args[t.TargetArg].(string)
	return s
}

// Definition converts the tool to the schema sent to the model.
func (t Tool) Definition() unifiedllm.ToolDefinition {
	return unifiedllm.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}

// ToolRegistry is a closed set of tools keyed by name. Tools are validated
// when registered and listed in registration order.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register validates and adds a tool. Names must be unique.
func (r *ToolRegistry) Register(tool Tool) error {
	if strings.TrimSpace(tool.Name) == "" {
		return errors.New("register tool: empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("register tool %s: nil handler", tool.Name)
	}
	if tool.Capability == "" {
		tool.Capability = CapabilityNone
	}
	if !tool.Capability.valid() {
		return fmt.Errorf("register tool %s: unknown capability %q", tool.Name, tool.Capability)
	}
	if tool.Parameters == nil {
		return fmt.Errorf("register tool %s: missing parameter schema", tool.Name)
	}
	if tool.Capability != CapabilityNone {
		if tool.TargetArg == "" {
			return fmt.Errorf("register tool %s: %s capability needs a target argument", tool.Name, tool.Capability)
		}
		if !schemaDeclares(tool.Parameters, tool.TargetArg) {
			return fmt.Errorf("register tool %s: target argument %q is not in the schema", tool.Name, tool.TargetArg)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("register tool %s: already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	r.order = append(r.order, tool.Name)
	return nil
}

// Get returns a registered tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the schemas of all tools in registration order.
func (r *ToolRegistry) Definitions() []unifiedllm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Names returns tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func schemaDeclares(params map[string]any, arg string) bool {
	props, ok := params["properties"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = props[arg]
	return ok
}

// ParseToolArguments decodes the raw arguments of a tool call. Empty input
// decodes to an empty map.
func ParseToolArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

var argValidator = newArgValidator()

func newArgValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SchemaFor reflects a JSON schema for the argument struct A. Fields without
// omitempty are required; descriptions come from jsonschema tags.
func SchemaFor[A any]() (map[string]any, error) {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	raw, err := json.Marshal(r.Reflect(new(A)))
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema, nil
}

// DecodeArgs decodes a loosely typed argument map into A and validates it.
// Unknown keys are rejected.
func DecodeArgs[A any](args map[string]any) (A, error) {
	var out A
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(args); err != nil {
		return out, err
	}
	if err := argValidator.Struct(out); err != nil {
		return out, describeValidation(err)
	}
	return out, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			msgs = append(msgs, fmt.Sprintf("missing required argument '%s'", fe.Field()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("argument '%s' failed the '%s' check", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// NewTypedTool builds a Tool whose schema is reflected from A and whose
// handler receives decoded, validated arguments. Decoding failures surface
// as invalid_arguments outcomes.
func NewTypedTool[A any](name, description string, capability Capability, targetArg string,
	run func(ctx context.Context, env ExecutionEnvironment, args A) ToolOutcome) (Tool, error) {
	schema, err := SchemaFor[A]()
	if err != nil {
		return Tool{}, fmt.Errorf("tool %s: %w", name, err)
	}
	return Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Capability:  capability,
		TargetArg:   targetArg,
		Handler: func(ctx context.Context, env ExecutionEnvironment, raw map[string]any) ToolOutcome {
			args, err := DecodeArgs[A](raw)
			if err != nil {
				return Failure(KindInvalidArguments, "Invalid arguments for %s: %v", name, err)
			}
			return run(ctx, env, args)
		},
	}, nil
}
