package blueprint

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultBufferSize is applied to bindings that omit buffer_size when no
// other default is supplied by the caller.
const DefaultBufferSize = 16

// document mirrors the on-disk blueprint format. YAML is the primary codec;
// yaml.v3 also accepts JSON documents.
type document struct {
	Name       string                  `yaml:"name" validate:"required"`
	Components map[string]componentDoc `yaml:"components" validate:"required,min=1,dive"`
	Bindings   []bindingDoc            `yaml:"bindings" validate:"dive"`
	Config     map[string]any          `yaml:"config"`
}

type componentDoc struct {
	Type         string         `yaml:"type" validate:"required"`
	Inputs       []string       `yaml:"inputs"`
	Outputs      []string       `yaml:"outputs"`
	Dependencies []string       `yaml:"dependencies"`
	Requires     []requireDoc   `yaml:"requires" validate:"dive"`
	Config       map[string]any `yaml:"config"`
}

type requireDoc struct {
	Kind    string `yaml:"kind" validate:"required,oneof=database service credential"`
	Locator string `yaml:"locator" validate:"required"`
}

type bindingDoc struct {
	Source     string `yaml:"source" validate:"required,endpoint"`
	Target     string `yaml:"target" validate:"required,endpoint"`
	BufferSize int    `yaml:"buffer_size" validate:"gte=0"`
	Kind       string `yaml:"kind"`
}

var docValidate *validator.Validate

func init() {
	docValidate = validator.New()
	_ = docValidate.RegisterValidation("endpoint", func(fl validator.FieldLevel) bool {
		_, err := ParseEndpoint(fl.Field().String())
		return err == nil
	})
}

// Load reads and parses a blueprint file.
func Load(path string) (*SystemBlueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blueprint: %w", err)
	}
	return Parse(data)
}

// Parse decodes a blueprint document with the package default buffer size.
func Parse(data []byte) (*SystemBlueprint, error) {
	return ParseWithDefaults(data, DefaultBufferSize)
}

// ParseWithDefaults decodes, validates, and assembles a blueprint document.
// Bindings without an explicit buffer_size receive defaultBuffer.
func ParseWithDefaults(data []byte, defaultBuffer int) (*SystemBlueprint, error) {
	if defaultBuffer <= 0 {
		defaultBuffer = DefaultBufferSize
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse blueprint: %w", err)
	}
	if err := docValidate.Struct(doc); err != nil {
		return nil, fmt.Errorf("blueprint document invalid: %w", err)
	}

	names := make([]string, 0, len(doc.Components))
	for name := range doc.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]ComponentSpec, 0, len(names))
	for _, name := range names {
		cd := doc.Components[name]
		spec := ComponentSpec{
			Name:         name,
			Type:         ComponentType(cd.Type),
			Inputs:       cd.Inputs,
			Outputs:      cd.Outputs,
			Dependencies: cd.Dependencies,
			Config:       cd.Config,
		}
		for _, r := range cd.Requires {
			spec.Requires = append(spec.Requires, DependencySpec{
				Kind:    DependencyKind(r.Kind),
				Locator: r.Locator,
			})
		}
		specs = append(specs, spec)
	}

	bindings := make([]Binding, 0, len(doc.Bindings))
	for _, bd := range doc.Bindings {
		src, err := ParseEndpoint(bd.Source)
		if err != nil {
			return nil, fmt.Errorf("binding source: %w", err)
		}
		tgt, err := ParseEndpoint(bd.Target)
		if err != nil {
			return nil, fmt.Errorf("binding target: %w", err)
		}
		size := bd.BufferSize
		if size == 0 {
			size = defaultBuffer
		}
		bindings = append(bindings, Binding{
			Source:     src,
			Target:     tgt,
			BufferSize: size,
			Kind:       bd.Kind,
		})
	}

	return New(doc.Name, specs, bindings, doc.Config)
}
