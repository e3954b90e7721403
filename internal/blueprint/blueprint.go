// Package blueprint defines the immutable system description consumed by the
// validation tiers and the runtime harness: components, the port bindings
// connecting them, and the external resources they require.
package blueprint

import (
	"fmt"
	"sort"
	"strings"
)

// ComponentType is the declared role of a component. The set is open: the
// harness registry decides which types it can instantiate.
type ComponentType string

const (
	TypeSource    ComponentType = "source"
	TypeTransform ComponentType = "transform"
	TypeSink      ComponentType = "sink"
	TypeStore     ComponentType = "store"
)

// DependencyKind classifies an external resource requirement.
type DependencyKind string

const (
	KindDatabase   DependencyKind = "database"
	KindService    DependencyKind = "service"
	KindCredential DependencyKind = "credential"
)

// DependencySpec is a typed descriptor of an external resource a component
// needs before the system may run (database DSN, service address, credential
// name). The preflight checker consumes these and nothing else.
type DependencySpec struct {
	Kind    DependencyKind `yaml:"kind"`
	Locator string         `yaml:"locator"`
}

func (d DependencySpec) String() string {
	return fmt.Sprintf("%s:%s", d.Kind, d.Locator)
}

// Endpoint names one side of a binding as component.port.
type Endpoint struct {
	Component string
	Port      string
}

func (e Endpoint) String() string {
	return e.Component + "." + e.Port
}

// ParseEndpoint parses "component.port" notation. The port may not contain
// further dots; the component name may not be empty.
func ParseEndpoint(s string) (Endpoint, error) {
	idx := strings.LastIndex(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return Endpoint{}, fmt.Errorf("endpoint %q is not component.port", s)
	}
	return Endpoint{Component: s[:idx], Port: s[idx+1:]}, nil
}

// Binding declares a connection from one component's output port to another
// component's input port. BufferSize is the stream capacity; the loader
// applies a default when the document omits it. Kind optionally tags the
// connection with an expected message type.
type Binding struct {
	Source     Endpoint
	Target     Endpoint
	BufferSize int
	Kind       string
}

func (b Binding) String() string {
	return b.Source.String() + " -> " + b.Target.String()
}

// ComponentSpec declares a single component: its role, named ports, startup
// dependencies, external resource requirements, and opaque configuration.
type ComponentSpec struct {
	Name         string
	Type         ComponentType
	Inputs       []string
	Outputs      []string
	Dependencies []string
	Requires     []DependencySpec
	Config       map[string]any
}

// HasInput reports whether the component declares the named input port.
func (c ComponentSpec) HasInput(port string) bool {
	for _, p := range c.Inputs {
		if p == port {
			return true
		}
	}
	return false
}

// HasOutput reports whether the component declares the named output port.
func (c ComponentSpec) HasOutput(port string) bool {
	for _, p := range c.Outputs {
		if p == port {
			return true
		}
	}
	return false
}

// LogicSource returns the inline logic body from the component config, if
// one is declared.
func (c ComponentSpec) LogicSource() (string, bool) {
	v, ok := c.Config["logic"]
	if !ok {
		return "", false
	}
	src, ok := v.(string)
	if !ok || strings.TrimSpace(src) == "" {
		return "", false
	}
	return src, true
}

// ConfigString reads a string value from the component config.
func (c ComponentSpec) ConfigString(key string) (string, bool) {
	v, ok := c.Config[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ConfigInt reads an integer value from the component config. YAML decodes
// numbers as int; JSON-sourced documents may carry float64.
func (c ComponentSpec) ConfigInt(key string) (int, bool) {
	switch v := c.Config[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// SystemBlueprint is the root artifact: a validated document describing the
// whole component system. It is created once by the loader (or a healing
// strategy, via Clone) and never mutated afterwards, so it may be shared
// across goroutines without locking.
type SystemBlueprint struct {
	Name       string
	Components map[string]ComponentSpec
	Bindings   []Binding
	Config     map[string]any
}

// New assembles a blueprint and enforces the document-shape invariants:
// component names unique and non-empty, binding and dependency references
// resolve to declared components, buffer sizes non-negative. Port-level
// resolution and role contracts are deliberately left to the validation
// tiers so that healing has real failures to repair.
func New(name string, specs []ComponentSpec, bindings []Binding, config map[string]any) (*SystemBlueprint, error) {
	var problems []string

	components := make(map[string]ComponentSpec, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			problems = append(problems, "component with empty name")
			continue
		}
		if spec.Type == "" {
			problems = append(problems, fmt.Sprintf("component %s has no type", spec.Name))
		}
		if _, dup := components[spec.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate component name %s", spec.Name))
			continue
		}
		components[spec.Name] = spec
	}

	for _, spec := range specs {
		for _, dep := range spec.Dependencies {
			if _, ok := components[dep]; !ok {
				problems = append(problems, fmt.Sprintf("component %s depends on undeclared component %s", spec.Name, dep))
			}
		}
	}

	for _, b := range bindings {
		if _, ok := components[b.Source.Component]; !ok {
			problems = append(problems, fmt.Sprintf("binding %s references undeclared component %s", b, b.Source.Component))
		}
		if _, ok := components[b.Target.Component]; !ok {
			problems = append(problems, fmt.Sprintf("binding %s references undeclared component %s", b, b.Target.Component))
		}
		if b.BufferSize < 0 {
			problems = append(problems, fmt.Sprintf("binding %s has negative buffer size %d", b, b.BufferSize))
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid blueprint %s: %s", name, strings.Join(problems, "; "))
	}

	return &SystemBlueprint{
		Name:       name,
		Components: components,
		Bindings:   append([]Binding(nil), bindings...),
		Config:     config,
	}, nil
}

// Component looks up a component spec by name.
func (bp *SystemBlueprint) Component(name string) (ComponentSpec, bool) {
	spec, ok := bp.Components[name]
	return spec, ok
}

// ComponentNames returns the declared component names in sorted order.
func (bp *SystemBlueprint) ComponentNames() []string {
	names := make([]string, 0, len(bp.Components))
	for name := range bp.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BindingsInto returns every binding whose target is the named component.
func (bp *SystemBlueprint) BindingsInto(name string) []Binding {
	var out []Binding
	for _, b := range bp.Bindings {
		if b.Target.Component == name {
			out = append(out, b)
		}
	}
	return out
}

// BindingsFrom returns every binding whose source is the named component.
func (bp *SystemBlueprint) BindingsFrom(name string) []Binding {
	var out []Binding
	for _, b := range bp.Bindings {
		if b.Source.Component == name {
			out = append(out, b)
		}
	}
	return out
}

// ExternalDependencies collects the deduplicated union of every component's
// Requires list, in deterministic order. This is the preflight input.
func (bp *SystemBlueprint) ExternalDependencies() []DependencySpec {
	seen := make(map[string]bool)
	var deps []DependencySpec
	for _, name := range bp.ComponentNames() {
		for _, d := range bp.Components[name].Requires {
			key := d.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			deps = append(deps, d)
		}
	}
	return deps
}

// IntOption reads an integer from a named section of the blueprint-level
// config, e.g. IntOption("healing", "max_attempts").
func (bp *SystemBlueprint) IntOption(section, key string) (int, bool) {
	sec, ok := bp.Config[section].(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := sec[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Clone returns a deep copy. Healing strategies patch the copy and hand it
// back; the original is never touched.
func (bp *SystemBlueprint) Clone() *SystemBlueprint {
	components := make(map[string]ComponentSpec, len(bp.Components))
	for name, spec := range bp.Components {
		components[name] = cloneSpec(spec)
	}
	return &SystemBlueprint{
		Name:       bp.Name,
		Components: components,
		Bindings:   append([]Binding(nil), bp.Bindings...),
		Config:     deepCopyMap(bp.Config),
	}
}

func cloneSpec(spec ComponentSpec) ComponentSpec {
	out := spec
	out.Inputs = append([]string(nil), spec.Inputs...)
	out.Outputs = append([]string(nil), spec.Outputs...)
	out.Dependencies = append([]string(nil), spec.Dependencies...)
	out.Requires = append([]DependencySpec(nil), spec.Requires...)
	out.Config = deepCopyMap(spec.Config)
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
