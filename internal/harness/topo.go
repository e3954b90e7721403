package harness

import (
	"fmt"
	"sort"
	"strings"

	"sysforge/internal/blueprint"
)

// CycleError reports that the declared startup dependencies form a cycle.
// Cycle holds the member components in dependency order.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("startup dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// startLayers orders components into startup layers: every component appears
// after all of its declared dependencies, and components within a layer are
// mutually unordered. Layer membership is sorted for determinism. A cycle
// fails the whole ordering; nothing may start.
func startLayers(bp *blueprint.SystemBlueprint) ([][]string, error) {
	remaining := make(map[string]int, len(bp.Components))
	dependents := make(map[string][]string)

	for name, spec := range bp.Components {
		count := 0
		for _, dep := range spec.Dependencies {
			if _, ok := bp.Components[dep]; !ok {
				continue
			}
			count++
			dependents[dep] = append(dependents[dep], name)
		}
		remaining[name] = count
	}

	var layers [][]string
	placed := 0
	for placed < len(remaining) {
		var layer []string
		for name, count := range remaining {
			if count == 0 {
				layer = append(layer, name)
			}
		}
		if len(layer) == 0 {
			return nil, &CycleError{Cycle: findCycle(bp, remaining)}
		}
		sort.Strings(layer)
		for _, name := range layer {
			remaining[name] = -1
			placed++
			for _, dep := range dependents[name] {
				if remaining[dep] > 0 {
					remaining[dep]--
				}
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// findCycle extracts one concrete cycle from the components that could not
// be layered. Every stuck component has at least one stuck dependency, so
// following those edges must revisit a component.
func findCycle(bp *blueprint.SystemBlueprint, remaining map[string]int) []string {
	stuck := make(map[string]bool)
	var names []string
	for name, count := range remaining {
		if count > 0 {
			stuck[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil
	}

	seen := make(map[string]int)
	var path []string
	current := names[0]
	for {
		if at, ok := seen[current]; ok {
			return path[at:]
		}
		seen[current] = len(path)
		path = append(path, current)

		deps := append([]string(nil), bp.Components[current].Dependencies...)
		sort.Strings(deps)
		next := ""
		for _, dep := range deps {
			if stuck[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			// Cannot happen for a genuinely stuck component; bail out
			// with what we walked.
			return path
		}
		current = next
	}
}
