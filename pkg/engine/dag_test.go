package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

// platformRegistry registers nodes -> ceph -> csi, nodes -> monitoring and
// openstack depending on csi and monitoring.
func platformRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	components := []Component{
		{ID: "nodes"},
		{ID: "ceph", DependsOn: []string{"nodes"}},
		{ID: "csi", DependsOn: []string{"ceph"}},
		{ID: "monitoring", DependsOn: []string{"nodes"}},
		{ID: "openstack", DependsOn: []string{"csi", "monitoring"}},
	}
	for _, c := range components {
		if err := reg.Register(c); err != nil {
			t.Fatalf("Failed to register %s: %v", c.ID, err)
		}
	}
	return reg
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Component{ID: "ceph"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	err := reg.Register(Component{ID: "ceph"})
	if !errors.Is(err, ErrDuplicateComponent) {
		t.Fatalf("Expected duplicate component error, got: %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Expected 1 component, got %d", reg.Len())
	}
}

func TestRegistry_Register_InvalidDependency(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Component{ID: "csi", DependsOn: []string{"ceph"}})
	if !errors.Is(err, ErrInvalidDependency) {
		t.Fatalf("Expected invalid dependency error, got: %v", err)
	}
	if _, ok := reg.Get("csi"); ok {
		t.Error("Component with unknown dependency should not be registered")
	}
}

func TestRegistry_Register_SelfDependency(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Component{ID: "ceph", DependsOn: []string{"ceph"}})
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("Expected dependency cycle error, got: %v", err)
	}
}

func TestRegistry_Register_InvalidPhase(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Component{ID: "ceph", Phases: []Phase{"deploy"}})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Expected configuration error, got: %v", err)
	}
}

func TestRegistry_RegisterAll_Cycle(t *testing.T) {
	reg := NewRegistry()
	err := reg.RegisterAll([]Component{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	})
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("Expected dependency cycle error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "a -> b -> a") {
		t.Errorf("Expected cycle path in error, got: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("Failed batch should register nothing, got %d components", reg.Len())
	}
}

func TestRegistry_RegisterAll_ComplexCycle(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Component{ID: "nodes"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	err := reg.RegisterAll([]Component{
		{ID: "x", DependsOn: []string{"nodes", "z"}},
		{ID: "y", DependsOn: []string{"x"}},
		{ID: "z", DependsOn: []string{"y"}},
	})
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("Expected dependency cycle error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "x -> z -> y -> x") {
		t.Errorf("Expected cycle path in error, got: %v", err)
	}
}

func TestRegistry_RegisterAll_AnyOrder(t *testing.T) {
	reg := NewRegistry()
	err := reg.RegisterAll([]Component{
		{ID: "csi", DependsOn: []string{"ceph"}},
		{ID: "ceph", DependsOn: []string{"nodes"}},
		{ID: "nodes"},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	plan, err := reg.Plan([]string{"csi"}, PlanModeTransitive)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := plan.String(); got != "nodes -> ceph -> csi" {
		t.Errorf("Expected nodes -> ceph -> csi, got %s", got)
	}
}

func TestRegistry_Plan_Transitive(t *testing.T) {
	reg := platformRegistry(t)

	tests := []struct {
		name    string
		targets []string
		want    []string
	}{
		{"leaf", []string{"csi"}, []string{"nodes", "ceph", "csi"}},
		{"root only", []string{"nodes"}, []string{"nodes"}},
		{"everything", []string{"openstack"}, []string{"nodes", "ceph", "csi", "monitoring", "openstack"}},
		{"independent branches", []string{"monitoring", "ceph"}, []string{"nodes", "ceph", "monitoring"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := reg.Plan(tt.targets, PlanModeTransitive)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got := plan.IDs(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRegistry_Plan_RespectsEveryEdge(t *testing.T) {
	reg := platformRegistry(t)
	plan, err := reg.Plan([]string{"openstack"}, "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	pos := make(map[string]int)
	for i, id := range plan.IDs() {
		pos[id] = i
	}
	for _, c := range plan.Components {
		for _, dep := range c.DependsOn {
			if pos[dep] >= pos[c.ID] {
				t.Errorf("%s must come before %s in %v", dep, c.ID, plan.IDs())
			}
		}
	}
}

func TestRegistry_Plan_Deterministic(t *testing.T) {
	reg := platformRegistry(t)
	first, err := reg.Plan([]string{"openstack"}, PlanModeTransitive)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := reg.Plan([]string{"openstack"}, PlanModeTransitive)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !reflect.DeepEqual(first.IDs(), again.IDs()) {
			t.Fatalf("Plan changed between calls: %v vs %v", first.IDs(), again.IDs())
		}
	}
}

func TestRegistry_Plan_Exact(t *testing.T) {
	reg := platformRegistry(t)
	plan, err := reg.Plan([]string{"csi", "nodes"}, PlanModeExact)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := plan.IDs(); !reflect.DeepEqual(got, []string{"nodes", "csi"}) {
		t.Fatalf("Expected [nodes csi], got %v", got)
	}

	// csi reaches nodes through ceph, which is not planned.
	if deps := plan.DependenciesInPlan("csi"); !reflect.DeepEqual(deps, []string{"nodes"}) {
		t.Errorf("Expected csi to wait for nodes, got %v", deps)
	}
}

func TestRegistry_Plan_UnknownTarget(t *testing.T) {
	reg := platformRegistry(t)
	_, err := reg.Plan([]string{"keystone"}, PlanModeTransitive)
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("Expected unknown target error, got: %v", err)
	}
}

func TestRegistry_Plan_InvalidInput(t *testing.T) {
	reg := platformRegistry(t)
	if _, err := reg.Plan(nil, PlanModeTransitive); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected configuration error for empty targets, got: %v", err)
	}
	if _, err := reg.Plan([]string{"ceph"}, "closest"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected configuration error for bad mode, got: %v", err)
	}
}

func TestExecutionPlan_Levels(t *testing.T) {
	reg := platformRegistry(t)
	plan, err := reg.Plan([]string{"openstack"}, PlanModeTransitive)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := [][]string{{"nodes"}, {"ceph", "monitoring"}, {"csi"}, {"openstack"}}
	if got := plan.Levels(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestExecutionPlan_Ancestors(t *testing.T) {
	reg := platformRegistry(t)
	plan, err := reg.Plan([]string{"openstack"}, PlanModeTransitive)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	got := plan.Ancestors("csi")
	want := map[string]bool{"ceph": true, "nodes": true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if len(plan.Ancestors("nodes")) != 0 {
		t.Errorf("nodes should have no ancestors")
	}
}

func TestExecutionPlan_ToDOT(t *testing.T) {
	reg := platformRegistry(t)
	plan, err := reg.Plan([]string{"csi"}, PlanModeTransitive)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	dot := plan.ToDOT()
	for _, want := range []string{
		"digraph ExecutionPlan {",
		`"nodes" -> "ceph";`,
		`"ceph" -> "csi";`,
		"cluster_level_2",
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q:\n%s", want, dot)
		}
	}
}

func TestExecutionPlan_Without(t *testing.T) {
	reg := platformRegistry(t)
	plan, err := reg.Plan([]string{"csi"}, PlanModeTransitive)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	trimmed := plan.without(map[string]bool{"ceph": true})
	if got := trimmed.IDs(); !reflect.DeepEqual(got, []string{"nodes", "csi"}) {
		t.Fatalf("Expected [nodes csi], got %v", got)
	}
	if deps := trimmed.DependenciesInPlan("csi"); !reflect.DeepEqual(deps, []string{"nodes"}) {
		t.Errorf("Expected csi to keep waiting for nodes, got %v", deps)
	}
}
