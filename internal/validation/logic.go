package validation

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
	"time"

	"go.uber.org/zap"

	"sysforge/internal/blueprint"
	"sysforge/internal/logic"
)

// LogicValidator is the second tier. It checks each component in
// isolation against its role contract: the port shape the role
// requires, well-formed port names, a logic body that parses, honors
// the import whitelist, declares the Process contract, and compiles
// under the interpreter, plus role-specific configuration values.
// Failures here are healed by patching the component's declaration.
type LogicValidator struct {
	logger *zap.Logger
}

// NewLogicValidator creates the component-logic tier.
func NewLogicValidator(logger *zap.Logger) *LogicValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogicValidator{logger: logger}
}

// Level returns the tier this validator implements.
func (v *LogicValidator) Level() Level { return LevelComponentLogic }

// Name returns a human-readable name for this validator.
func (v *LogicValidator) Name() string { return "component-logic" }

// Validate checks every component and reports all violations.
func (v *LogicValidator) Validate(ctx context.Context, bp *blueprint.SystemBlueprint) Result {
	start := time.Now()
	var issues []Issue

	for _, name := range bp.ComponentNames() {
		spec := bp.Components[name]
		issues = append(issues, checkRoleShape(spec)...)
		issues = append(issues, checkPorts(spec)...)
		issues = append(issues, checkLogicBody(spec)...)
		issues = append(issues, checkComponentConfig(spec)...)
	}

	v.logger.Debug("component-logic tier complete",
		zap.Int("components", len(bp.Components)),
		zap.Int("issues", len(issues)))
	return newResult(LevelComponentLogic, issues, start)
}

// checkRoleShape enforces the port contract of the built-in roles.
// Types outside the built-in set carry no shape contract; whether they
// are buildable at all is the framework tier's registry check.
func checkRoleShape(spec blueprint.ComponentSpec) []Issue {
	var issues []Issue
	add := func(code, port, format string, args ...any) {
		issues = append(issues, Issue{
			Level:     LevelComponentLogic,
			Code:      code,
			Component: spec.Name,
			Port:      port,
			Message:   fmt.Sprintf(format, args...),
		})
	}

	switch spec.Type {
	case blueprint.TypeSource:
		if len(spec.Outputs) == 0 {
			add(CodeMissingOutput, "", "source declares no outputs")
		}
		if len(spec.Inputs) > 0 {
			add(CodeUnexpectedInput, spec.Inputs[0], "source must not declare inputs")
		}
	case blueprint.TypeTransform:
		if len(spec.Inputs) == 0 {
			add(CodeMissingInput, "", "transform declares no inputs")
		}
		if len(spec.Outputs) == 0 {
			add(CodeMissingOutput, "", "transform declares no outputs")
		}
	case blueprint.TypeSink, blueprint.TypeStore:
		if len(spec.Inputs) == 0 {
			add(CodeMissingInput, "", "%s declares no inputs", spec.Type)
		}
		if len(spec.Outputs) > 0 {
			add(CodeUnexpectedOut, spec.Outputs[0], "%s must not declare outputs", spec.Type)
		}
	}
	return issues
}

// checkPorts flags empty and duplicated port names. Inputs and outputs
// share one namespace per component.
func checkPorts(spec blueprint.ComponentSpec) []Issue {
	var issues []Issue
	seen := make(map[string]bool)

	check := func(direction string, ports []string) {
		for _, p := range ports {
			if p == "" {
				issues = append(issues, Issue{
					Level:     LevelComponentLogic,
					Code:      CodeEmptyPort,
					Component: spec.Name,
					Message:   fmt.Sprintf("empty %s port name", direction),
				})
				continue
			}
			if seen[p] {
				issues = append(issues, Issue{
					Level:     LevelComponentLogic,
					Code:      CodeDuplicatePort,
					Component: spec.Name,
					Port:      p,
					Message:   fmt.Sprintf("port %q declared more than once", p),
				})
			}
			seen[p] = true
		}
	}

	check("input", spec.Inputs)
	check("output", spec.Outputs)
	return issues
}

// checkLogicBody validates the inline logic of a transform. The body is
// parsed first so that structural problems (syntax, imports, missing
// Process) get precise codes; the interpreter compile runs last and only
// when the structure is sound, so issues are not double-reported.
func checkLogicBody(spec blueprint.ComponentSpec) []Issue {
	src, hasLogic := spec.LogicSource()

	if spec.Type != blueprint.TypeTransform {
		if hasLogic {
			return []Issue{{
				Level:     LevelComponentLogic,
				Code:      CodeUnexpectedLogic,
				Component: spec.Name,
				Message:   fmt.Sprintf("%s components do not run logic", spec.Type),
			}}
		}
		return nil
	}

	if !hasLogic {
		return []Issue{{
			Level:     LevelComponentLogic,
			Code:      CodeMissingLogic,
			Component: spec.Name,
			Message:   "transform declares no logic body",
		}}
	}

	var issues []Issue
	add := func(code, format string, args ...any) {
		issues = append(issues, Issue{
			Level:     LevelComponentLogic,
			Code:      code,
			Component: spec.Name,
			Message:   fmt.Sprintf(format, args...),
		})
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, spec.Name+".go", logic.Wrap(src), 0)
	if err != nil {
		add(CodeLogicSyntax, "logic body does not parse: %v", err)
		return issues
	}

	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if !logic.AllowedImport(path) {
			add(CodeForbiddenImport, "import %q is outside the logic whitelist", path)
		}
	}

	process := findFunc(file, "Process")
	switch {
	case process == nil:
		add(CodeLogicContract, "logic body does not define Process")
	case !processSignatureOK(process):
		add(CodeLogicContract, "Process must have signature func(string) (string, error)")
	}

	if len(issues) == 0 {
		if err := logic.Check(src); err != nil {
			add(CodeLogicCompile, "%v", err)
		}
	}
	return issues
}

// checkComponentConfig validates role-specific configuration values.
func checkComponentConfig(spec blueprint.ComponentSpec) []Issue {
	var issues []Issue
	add := func(format string, args ...any) {
		issues = append(issues, Issue{
			Level:     LevelComponentLogic,
			Code:      CodeInvalidConfig,
			Component: spec.Name,
			Message:   fmt.Sprintf(format, args...),
		})
	}

	switch spec.Type {
	case blueprint.TypeSource:
		if _, present := spec.Config["count"]; present {
			n, ok := spec.ConfigInt("count")
			if !ok || n < 0 {
				add("source count must be a non-negative integer")
			}
		}
	case blueprint.TypeStore:
		if _, present := spec.Config["path"]; present {
			p, ok := spec.ConfigString("path")
			if !ok || strings.TrimSpace(p) == "" {
				add("store path must be a non-empty string")
			}
		}
	}
	return issues
}

func findFunc(file *ast.File, name string) *ast.FuncDecl {
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Recv == nil && fn.Name.Name == name {
			return fn
		}
	}
	return nil
}

// processSignatureOK checks for func(string) (string, error), including
// bodies that name their parameters or group them in one field.
func processSignatureOK(fn *ast.FuncDecl) bool {
	params := flattenFields(fn.Type.Params)
	results := flattenFields(fn.Type.Results)
	if len(params) != 1 || len(results) != 2 {
		return false
	}
	return isIdent(params[0], "string") && isIdent(results[0], "string") && isIdent(results[1], "error")
}

// flattenFields expands grouped parameters so each slot has its own type.
func flattenFields(fl *ast.FieldList) []ast.Expr {
	if fl == nil {
		return nil
	}
	var out []ast.Expr
	for _, f := range fl.List {
		n := len(f.Names)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			out = append(out, f.Type)
		}
	}
	return out
}

func isIdent(e ast.Expr, name string) bool {
	id, ok := e.(*ast.Ident)
	return ok && id.Name == name
}
