package validation

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strings"

	"sysforge/internal/blueprint"
	"sysforge/internal/logic"
)

// identityLogic is the neutral Process body installed when a transform
// has no usable logic.
const identityLogic = `func Process(input string) (string, error) {
	return input, nil
}`

// RegisterDefaultStrategies wires the three built-in repairs into a
// coordinator, one per healable tier.
func RegisterDefaultStrategies(c *Coordinator, limits IntegrationLimits) {
	c.Register(NewLogicPatchStrategy())
	c.Register(NewBindingRegenStrategy(limits))
	c.Register(NewSemanticRewriteStrategy())
}

// LogicPatchStrategy repairs component-logic failures by patching the
// component's declaration: adding the port its role demands, dropping
// ports the role forbids, installing a neutral Process body, appending
// a missing one, stripping forbidden imports, and pruning broken port
// or config entries. Syntax and type errors inside user logic are left
// alone; there is no safe mechanical rewrite for those.
type LogicPatchStrategy struct{}

// NewLogicPatchStrategy creates the component-logic repair.
func NewLogicPatchStrategy() *LogicPatchStrategy { return &LogicPatchStrategy{} }

// Capability returns the repair kind this strategy performs.
func (s *LogicPatchStrategy) Capability() Capability { return CapabilityPatchLogic }

// Name returns a human-readable name for this strategy.
func (s *LogicPatchStrategy) Name() string { return "logic-patch" }

// Apply patches every repairable issue and returns the new blueprint.
func (s *LogicPatchStrategy) Apply(ctx context.Context, bp *blueprint.SystemBlueprint, failure Result) (*blueprint.SystemBlueprint, error) {
	clone := bp.Clone()
	changed := false
	var skipped []string

	for _, issue := range failure.Issues {
		if issue.Level != LevelComponentLogic {
			continue
		}
		spec, ok := clone.Components[issue.Component]
		if !ok {
			continue
		}

		switch issue.Code {
		case CodeMissingOutput:
			// The role demands an output and the list is empty, so the
			// default name cannot collide.
			spec.Outputs = append(spec.Outputs, "out")
			changed = true

		case CodeMissingInput:
			spec.Inputs = append(spec.Inputs, "in")
			changed = true

		case CodeUnexpectedInput:
			spec.Inputs = nil
			changed = true

		case CodeUnexpectedOut:
			spec.Outputs = nil
			changed = true

		case CodeMissingLogic:
			setConfig(&spec, "logic", identityLogic)
			changed = true

		case CodeUnexpectedLogic:
			delete(spec.Config, "logic")
			changed = true

		case CodeForbiddenImport:
			src, _ := spec.LogicSource()
			patched, err := stripForbiddenImports(src)
			if err != nil {
				skipped = append(skipped, issue.String())
				continue
			}
			setConfig(&spec, "logic", patched)
			changed = true

		case CodeLogicContract:
			src, _ := spec.LogicSource()
			patched, ok := appendMissingProcess(src)
			if !ok {
				skipped = append(skipped, issue.String())
				continue
			}
			setConfig(&spec, "logic", patched)
			changed = true

		case CodeEmptyPort, CodeDuplicatePort:
			if prunePorts(&spec) {
				changed = true
			}

		case CodeInvalidConfig:
			switch spec.Type {
			case blueprint.TypeSource:
				delete(spec.Config, "count")
			case blueprint.TypeStore:
				delete(spec.Config, "path")
			}
			changed = true

		default:
			skipped = append(skipped, issue.String())
		}

		clone.Components[issue.Component] = spec
	}

	if !changed {
		return nil, fmt.Errorf("no repairable logic issues: %s", strings.Join(skipped, "; "))
	}
	return clone, nil
}

func setConfig(spec *blueprint.ComponentSpec, key string, value any) {
	if spec.Config == nil {
		spec.Config = make(map[string]any)
	}
	spec.Config[key] = value
}

// prunePorts drops empty port names and later duplicates. Bindings that
// referenced a pruned port surface at the integration tier, which has
// its own repair.
func prunePorts(spec *blueprint.ComponentSpec) bool {
	seen := make(map[string]bool)
	changed := false

	filter := func(ports []string) []string {
		out := make([]string, 0, len(ports))
		for _, p := range ports {
			if p == "" || seen[p] {
				changed = true
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
		return out
	}

	spec.Inputs = filter(spec.Inputs)
	spec.Outputs = filter(spec.Outputs)
	return changed
}

// stripForbiddenImports rebuilds the logic source with only whitelisted
// imports. Code that genuinely used a stripped package will fail the
// compile re-check, which is the honest outcome.
func stripForbiddenImports(src string) (string, error) {
	wrapped := logic.Wrap(src)
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "logic.go", wrapped, 0)
	if err != nil {
		return "", fmt.Errorf("cannot parse logic body: %w", err)
	}

	var keep []string
	for _, imp := range file.Imports {
		if logic.AllowedImport(strings.Trim(imp.Path.Value, `"`)) {
			keep = append(keep, imp.Path.Value)
		}
	}

	bodyStart := 0
	for _, decl := range file.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.IMPORT {
			continue
		}
		if end := fset.Position(decl.End()).Offset; end > bodyStart {
			bodyStart = end
		}
	}
	if bodyStart == 0 {
		return "", fmt.Errorf("no import declarations to strip")
	}

	var b strings.Builder
	b.WriteString("package main\n")
	if len(keep) > 0 {
		b.WriteString("\nimport (\n")
		for _, p := range keep {
			b.WriteString("\t" + p + "\n")
		}
		b.WriteString(")\n")
	}
	b.WriteString(wrapped[bodyStart:])
	return b.String(), nil
}

// appendMissingProcess adds a neutral Process function to a body that
// lacks one. A body whose Process exists with the wrong signature is
// not touched: rewriting it would guess at intent.
func appendMissingProcess(src string) (string, bool) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "logic.go", logic.Wrap(src), 0)
	if err != nil {
		return "", false
	}
	if findFunc(file, "Process") != nil {
		return "", false
	}
	return strings.TrimRight(src, "\n") + "\n\n" + identityLogic, true
}

// BindingRegenStrategy repairs integration failures by regenerating the
// binding list: retargeting bindings onto declared ports, dropping
// conflicting, self-referential, and excess bindings, and clamping
// oversized buffers.
type BindingRegenStrategy struct {
	limits IntegrationLimits
}

// NewBindingRegenStrategy creates the system-integration repair.
func NewBindingRegenStrategy(limits IntegrationLimits) *BindingRegenStrategy {
	def := DefaultIntegrationLimits()
	if limits.MaxBufferSize <= 0 {
		limits.MaxBufferSize = def.MaxBufferSize
	}
	if limits.MaxStreamsPerComponent <= 0 {
		limits.MaxStreamsPerComponent = def.MaxStreamsPerComponent
	}
	return &BindingRegenStrategy{limits: limits}
}

// Capability returns the repair kind this strategy performs.
func (s *BindingRegenStrategy) Capability() Capability { return CapabilityRegenBindings }

// Name returns a human-readable name for this strategy.
func (s *BindingRegenStrategy) Name() string { return "binding-regen" }

// Apply regenerates the binding configuration and returns the new blueprint.
func (s *BindingRegenStrategy) Apply(ctx context.Context, bp *blueprint.SystemBlueprint, failure Result) (*blueprint.SystemBlueprint, error) {
	clone := bp.Clone()
	bindings := clone.Bindings
	drop := make([]bool, len(bindings))
	changed := false

	for _, issue := range failure.Issues {
		if issue.Level != LevelSystemIntegration {
			continue
		}
		switch issue.Code {
		case CodeUnknownSourcePort:
			for i := range bindings {
				if drop[i] || bindings[i].Source.Component != issue.Component || bindings[i].Source.Port != issue.Port {
					continue
				}
				spec := clone.Components[issue.Component]
				if len(spec.Outputs) > 0 {
					bindings[i].Source.Port = spec.Outputs[0]
				} else {
					drop[i] = true
				}
				changed = true
			}

		case CodeUnknownTargetPort:
			for i := range bindings {
				if drop[i] || bindings[i].Target.Component != issue.Component || bindings[i].Target.Port != issue.Port {
					continue
				}
				spec := clone.Components[issue.Component]
				if len(spec.Inputs) > 0 {
					bindings[i].Target.Port = spec.Inputs[0]
				} else {
					drop[i] = true
				}
				changed = true
			}

		case CodeTargetConflict:
			first := true
			for i := range bindings {
				if drop[i] || bindings[i].Target.Component != issue.Component || bindings[i].Target.Port != issue.Port {
					continue
				}
				if first {
					first = false
					continue
				}
				drop[i] = true
				changed = true
			}

		case CodeSelfLoop:
			for i := range bindings {
				if !drop[i] && bindings[i].Source.Component == bindings[i].Target.Component &&
					bindings[i].Source.Component == issue.Component {
					drop[i] = true
					changed = true
				}
			}

		case CodeBufferTooLarge:
			for i := range bindings {
				if !drop[i] && bindings[i].BufferSize > s.limits.MaxBufferSize {
					bindings[i].BufferSize = s.limits.MaxBufferSize
					changed = true
				}
			}

		case CodeFanoutExceeded:
			// Shed newest bindings first until the component fits.
			streams := 0
			for i := range bindings {
				if !drop[i] && touchesComponent(bindings[i], issue.Component) {
					streams++
				}
			}
			for i := len(bindings) - 1; i >= 0 && streams > s.limits.MaxStreamsPerComponent; i-- {
				if !drop[i] && touchesComponent(bindings[i], issue.Component) {
					drop[i] = true
					streams--
					changed = true
				}
			}
		}
	}

	if !changed {
		return nil, fmt.Errorf("no repairable integration issues among %d", len(failure.Issues))
	}

	kept := make([]blueprint.Binding, 0, len(bindings))
	for i, b := range bindings {
		if !drop[i] {
			kept = append(kept, b)
		}
	}
	clone.Bindings = kept
	return clone, nil
}

func touchesComponent(b blueprint.Binding, name string) bool {
	return b.Source.Component == name || b.Target.Component == name
}

// SemanticRewriteStrategy repairs semantic failures by rewriting the
// system's wiring: feeding starved consumers from an existing producer,
// attaching dead sources to a free consumer input, and flipping
// bindings that run against the declared dependency direction. When the
// blueprint offers no component that can absorb the rewrite, the
// strategy reports failure rather than invent components.
type SemanticRewriteStrategy struct{}

// NewSemanticRewriteStrategy creates the semantic repair.
func NewSemanticRewriteStrategy() *SemanticRewriteStrategy { return &SemanticRewriteStrategy{} }

// Capability returns the repair kind this strategy performs.
func (s *SemanticRewriteStrategy) Capability() Capability { return CapabilityRewriteSystem }

// Name returns a human-readable name for this strategy.
func (s *SemanticRewriteStrategy) Name() string { return "semantic-rewrite" }

// Apply rewrites the wiring and returns the new blueprint.
func (s *SemanticRewriteStrategy) Apply(ctx context.Context, bp *blueprint.SystemBlueprint, failure Result) (*blueprint.SystemBlueprint, error) {
	clone := bp.Clone()
	changed := false
	var blocked []string

	for _, issue := range failure.Issues {
		if issue.Level != LevelSemantic {
			continue
		}
		switch issue.Code {
		case CodeUnfedConsumer:
			if s.feedConsumer(clone, issue.Component) {
				changed = true
			} else {
				blocked = append(blocked, fmt.Sprintf("no producer available to feed %s", issue.Component))
			}

		case CodeDeadSource:
			if s.consumeSource(clone, issue.Component) {
				changed = true
			} else {
				blocked = append(blocked, fmt.Sprintf("no unbound input available to consume %s", issue.Component))
			}

		case CodeInvertedDependency:
			if s.flipInversion(clone, issue.Component) {
				changed = true
			} else {
				blocked = append(blocked, fmt.Sprintf("cannot flip inverted binding from %s", issue.Component))
			}

		default:
			blocked = append(blocked, issue.String())
		}
	}

	if !changed {
		return nil, fmt.Errorf("semantic rewrite found nothing to change: %s", strings.Join(blocked, "; "))
	}
	return clone, nil
}

// feedConsumer binds an existing producer output to the consumer's
// first free input. Sources are preferred over transforms.
func (s *SemanticRewriteStrategy) feedConsumer(bp *blueprint.SystemBlueprint, consumer string) bool {
	target, ok := firstFreeInput(bp, consumer)
	if !ok {
		return false
	}
	producer, port, ok := pickProducer(bp, consumer)
	if !ok {
		return false
	}
	bp.Bindings = append(bp.Bindings, blueprint.Binding{
		Source:     blueprint.Endpoint{Component: producer, Port: port},
		Target:     target,
		BufferSize: blueprint.DefaultBufferSize,
	})
	return true
}

// consumeSource binds the source's first output to any free consumer input.
func (s *SemanticRewriteStrategy) consumeSource(bp *blueprint.SystemBlueprint, source string) bool {
	spec, ok := bp.Component(source)
	if !ok || len(spec.Outputs) == 0 {
		return false
	}
	for _, name := range consumersPreferringSinks(bp) {
		if name == source {
			continue
		}
		target, ok := firstFreeInput(bp, name)
		if !ok {
			continue
		}
		bp.Bindings = append(bp.Bindings, blueprint.Binding{
			Source:     blueprint.Endpoint{Component: source, Port: spec.Outputs[0]},
			Target:     target,
			BufferSize: blueprint.DefaultBufferSize,
		})
		return true
	}
	return false
}

// flipInversion reverses a binding that flows against the declared
// startup dependency: the dependency target becomes the producer.
func (s *SemanticRewriteStrategy) flipInversion(bp *blueprint.SystemBlueprint, dependent string) bool {
	for i, b := range bp.Bindings {
		if b.Source.Component != dependent {
			continue
		}
		upstream := b.Target.Component
		if !dependsOn(bp, dependent, upstream) {
			continue
		}
		upSpec, ok := bp.Component(upstream)
		if !ok || len(upSpec.Outputs) == 0 {
			return false
		}
		target, free := firstFreeInput(bp, dependent)
		if !free {
			return false
		}
		bp.Bindings[i] = blueprint.Binding{
			Source:     blueprint.Endpoint{Component: upstream, Port: upSpec.Outputs[0]},
			Target:     target,
			BufferSize: b.BufferSize,
			Kind:       b.Kind,
		}
		return true
	}
	return false
}

func dependsOn(bp *blueprint.SystemBlueprint, name, dep string) bool {
	spec, ok := bp.Component(name)
	if !ok {
		return false
	}
	for _, d := range spec.Dependencies {
		if d == dep {
			return true
		}
	}
	return false
}

// firstFreeInput returns the component's first input endpoint that no
// binding targets yet.
func firstFreeInput(bp *blueprint.SystemBlueprint, name string) (blueprint.Endpoint, bool) {
	spec, ok := bp.Component(name)
	if !ok {
		return blueprint.Endpoint{}, false
	}
	bound := make(map[string]bool)
	for _, b := range bp.BindingsInto(name) {
		bound[b.Target.Port] = true
	}
	for _, in := range spec.Inputs {
		if !bound[in] {
			return blueprint.Endpoint{Component: name, Port: in}, true
		}
	}
	return blueprint.Endpoint{}, false
}

// pickProducer chooses a deterministic producer output for a consumer:
// the first source by name with an output, then the first transform.
func pickProducer(bp *blueprint.SystemBlueprint, exclude string) (string, string, bool) {
	var fallback, fallbackPort string
	for _, name := range bp.ComponentNames() {
		if name == exclude {
			continue
		}
		spec := bp.Components[name]
		if len(spec.Outputs) == 0 {
			continue
		}
		switch spec.Type {
		case blueprint.TypeSource:
			return name, spec.Outputs[0], true
		case blueprint.TypeTransform:
			if fallback == "" {
				fallback = name
				fallbackPort = spec.Outputs[0]
			}
		}
	}
	if fallback != "" {
		return fallback, fallbackPort, true
	}
	return "", "", false
}

// consumersPreferringSinks lists components with inputs, sinks and
// stores first, in stable name order.
func consumersPreferringSinks(bp *blueprint.SystemBlueprint) []string {
	var sinks, others []string
	for _, name := range bp.ComponentNames() {
		spec := bp.Components[name]
		if len(spec.Inputs) == 0 {
			continue
		}
		if spec.Type == blueprint.TypeSink || spec.Type == blueprint.TypeStore {
			sinks = append(sinks, name)
		} else {
			others = append(others, name)
		}
	}
	sort.Strings(sinks)
	sort.Strings(others)
	return append(sinks, others...)
}
