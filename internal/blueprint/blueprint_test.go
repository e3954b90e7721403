package blueprint

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    Endpoint
		wantErr bool
	}{
		{in: "reader.out", want: Endpoint{Component: "reader", Port: "out"}},
		{in: "a.b.c", want: Endpoint{Component: "a.b", Port: "c"}},
		{in: "noport", wantErr: true},
		{in: ".out", wantErr: true},
		{in: "reader.", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseEndpoint(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseEndpoint(%q) expected error, got %v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseEndpoint(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseEndpoint(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewRejectsUndeclaredReferences(t *testing.T) {
	specs := []ComponentSpec{
		{Name: "reader", Type: TypeSource, Outputs: []string{"out"}},
		{Name: "writer", Type: TypeSink, Inputs: []string{"in"}, Dependencies: []string{"ghost"}},
	}
	bindings := []Binding{
		{Source: Endpoint{"reader", "out"}, Target: Endpoint{"missing", "in"}, BufferSize: 4},
	}

	_, err := New("bad", specs, bindings, nil)
	if err == nil {
		t.Fatal("New() accepted undeclared references")
	}
	for _, want := range []string{"ghost", "missing"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("New() error %q does not mention %s", err.Error(), want)
		}
	}
}

func TestNewRejectsDuplicateNames(t *testing.T) {
	specs := []ComponentSpec{
		{Name: "x", Type: TypeSource},
		{Name: "x", Type: TypeSink},
	}
	if _, err := New("dup", specs, nil, nil); err == nil {
		t.Fatal("New() accepted duplicate component names")
	}
}

func TestExternalDependenciesDeduplicates(t *testing.T) {
	specs := []ComponentSpec{
		{Name: "a", Type: TypeSource, Requires: []DependencySpec{
			{Kind: KindDatabase, Locator: "app.db"},
			{Kind: KindCredential, Locator: "API_TOKEN"},
		}},
		{Name: "b", Type: TypeSink, Inputs: []string{"in"}, Requires: []DependencySpec{
			{Kind: KindDatabase, Locator: "app.db"},
		}},
	}
	bp, err := New("deps", specs, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := bp.ExternalDependencies()
	want := []DependencySpec{
		{Kind: KindDatabase, Locator: "app.db"},
		{Kind: KindCredential, Locator: "API_TOKEN"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ExternalDependencies() mismatch (-want +got):\n%s", diff)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	specs := []ComponentSpec{
		{Name: "a", Type: TypeSource, Outputs: []string{"out"}, Config: map[string]any{
			"nested": map[string]any{"k": "v"},
		}},
		{Name: "b", Type: TypeSink, Inputs: []string{"in"}},
	}
	bindings := []Binding{
		{Source: Endpoint{"a", "out"}, Target: Endpoint{"b", "in"}, BufferSize: 8},
	}
	bp, err := New("orig", specs, bindings, map[string]any{"healing": map[string]any{"max_attempts": 2}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cp := bp.Clone()
	if diff := cmp.Diff(bp, cp); diff != "" {
		t.Fatalf("Clone() not equal (-orig +clone):\n%s", diff)
	}

	// Mutating the clone must not leak into the original.
	spec := cp.Components["a"]
	spec.Outputs = append(spec.Outputs, "extra")
	spec.Config["nested"].(map[string]any)["k"] = "changed"
	cp.Components["a"] = spec
	cp.Bindings[0].BufferSize = 999

	if bp.Components["a"].HasOutput("extra") {
		t.Error("Clone() shares the outputs slice with the original")
	}
	if bp.Components["a"].Config["nested"].(map[string]any)["k"] != "v" {
		t.Error("Clone() shares nested config with the original")
	}
	if bp.Bindings[0].BufferSize != 8 {
		t.Error("Clone() shares bindings with the original")
	}
}

func TestIntOption(t *testing.T) {
	bp, err := New("opts", []ComponentSpec{{Name: "a", Type: TypeSource}}, nil,
		map[string]any{"healing": map[string]any{"max_attempts": 5}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got, ok := bp.IntOption("healing", "max_attempts"); !ok || got != 5 {
		t.Errorf("IntOption(healing, max_attempts) = %d, %v; want 5, true", got, ok)
	}
	if _, ok := bp.IntOption("healing", "missing"); ok {
		t.Error("IntOption() reported a missing key as present")
	}
	if _, ok := bp.IntOption("nosection", "x"); ok {
		t.Error("IntOption() reported a missing section as present")
	}
}

func TestBindingLookups(t *testing.T) {
	specs := []ComponentSpec{
		{Name: "a", Type: TypeSource, Outputs: []string{"out"}},
		{Name: "b", Type: TypeTransform, Inputs: []string{"in"}, Outputs: []string{"out"}},
		{Name: "c", Type: TypeSink, Inputs: []string{"in"}},
	}
	bindings := []Binding{
		{Source: Endpoint{"a", "out"}, Target: Endpoint{"b", "in"}, BufferSize: 1},
		{Source: Endpoint{"b", "out"}, Target: Endpoint{"c", "in"}, BufferSize: 1},
	}
	bp, err := New("chain", specs, bindings, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := bp.BindingsFrom("a"); len(got) != 1 || got[0].Target.Component != "b" {
		t.Errorf("BindingsFrom(a) = %v", got)
	}
	if got := bp.BindingsInto("c"); len(got) != 1 || got[0].Source.Component != "b" {
		t.Errorf("BindingsInto(c) = %v", got)
	}
	if got := bp.BindingsInto("a"); len(got) != 0 {
		t.Errorf("BindingsInto(a) = %v, want none", got)
	}
}
