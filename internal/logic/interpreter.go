// Package logic compiles inline Go logic bodies with the yaegi interpreter.
// Interpreting instead of shelling out to the Go toolchain keeps component
// instantiation in-process and hermetic: bodies are restricted to a stdlib
// whitelist and must export Process(string) (string, error).
package logic

import (
	"context"
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Processor is a compiled logic body ready to invoke. A Processor is bound to
// its own interpreter instance and must not be called concurrently.
type Processor func(input string) (output string, err error)

// allowedPackages is the import whitelist for logic bodies. Filesystem,
// network, and process access are deliberately absent.
var allowedPackages = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/json":   true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// Compile interprets a logic body and resolves its Process function. The
// body may be a bare set of declarations or a full package main file.
func Compile(src string) (Processor, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty logic body")
	}
	if err := validateImports(src); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}

	if _, err := i.Eval(Wrap(src)); err != nil {
		return nil, fmt.Errorf("logic body does not compile: %w", err)
	}

	v, err := i.Eval("main.Process")
	if err != nil {
		return nil, fmt.Errorf("logic body does not define Process: %w", err)
	}
	fn, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return nil, fmt.Errorf("Process has wrong signature (want func(string) (string, error))")
	}
	return Processor(fn), nil
}

// Check compiles a logic body and discards the result. Used by the
// component-logic validation tier.
func Check(src string) error {
	_, err := Compile(src)
	return err
}

// Run invokes a Processor under the context. Interpreted code cannot be
// preempted, so a deadline only abandons the invocation; the result channel
// is buffered so the goroutine can finish and be collected.
func Run(ctx context.Context, p Processor, input string) (string, error) {
	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		out, err := p(input)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- out
	}()

	select {
	case out := <-resultCh:
		return out, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("logic invocation cancelled: %w", ctx.Err())
	}
}

// validateImports scans the body's import statements against the whitelist.
func validateImports(src string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := strings.Trim(trimmed, `"`); pkg != "" {
				imports = append(imports, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			pkg := strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`)
			imports = append(imports, pkg)
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if !allowedPackages[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports in logic body: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

// Wrap completes a bare logic body into a package main file. Bodies
// that already carry a package clause pass through unchanged.
func Wrap(src string) string {
	if strings.Contains(src, "package main") {
		return src
	}
	return "package main\n\n" + src
}

// AllowedImport reports whether an import path is on the whitelist.
func AllowedImport(path string) bool {
	return allowedPackages[path]
}
