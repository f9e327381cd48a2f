package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), Limits{MaxNodeCount: 8})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func request(typ engine.ResourceType, name string) *engine.ResourceRequest {
	return &engine.ResourceRequest{
		Type:     typ,
		Name:     name,
		Owner:    "alice",
		Project:  "genomics",
		Provider: "local",
		Spec:     engine.ResourceSpec{Image: "jupyter", NodeCount: 2},
		Schedule: &engine.SchedulePolicy{StopTime: "19:00"},
	}
}

func TestNewEngineLoadsBuiltins(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	want := "computational-nodes exploratory-image resource-naming schedule-advisory"
	if got := strings.Join(names, " "); got != want {
		t.Errorf("policies = %q, want %q", got, want)
	}
}

func TestAdmit(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name    string
		mutate  func(r *engine.ResourceRequest)
		typ     engine.ResourceType
		wantErr string
	}{
		{
			name: "valid exploratory",
			typ:  engine.ResourceTypeExploratory,
		},
		{
			name:    "uppercase name",
			typ:     engine.ResourceTypeEdge,
			mutate:  func(r *engine.ResourceRequest) { r.Name = "Gateway" },
			wantErr: "must contain only lowercase letters",
		},
		{
			name:    "trailing hyphen",
			typ:     engine.ResourceTypeEdge,
			mutate:  func(r *engine.ResourceRequest) { r.Name = "gateway-" },
			wantErr: "must not start or end with a hyphen",
		},
		{
			name:    "reserved prefix",
			typ:     engine.ResourceTypeEdge,
			mutate:  func(r *engine.ResourceRequest) { r.Name = "system-edge" },
			wantErr: "reserved",
		},
		{
			name:    "exploratory without image",
			typ:     engine.ResourceTypeExploratory,
			mutate:  func(r *engine.ResourceRequest) { r.Spec.Image = "" },
			wantErr: "require an image",
		},
		{
			name:   "edge without image",
			typ:    engine.ResourceTypeEdge,
			mutate: func(r *engine.ResourceRequest) { r.Spec.Image = "" },
		},
		{
			name:    "computational without nodes",
			typ:     engine.ResourceTypeComputational,
			mutate:  func(r *engine.ResourceRequest) { r.Spec.NodeCount = 0 },
			wantErr: "at least one node",
		},
		{
			name:    "computational over limit",
			typ:     engine.ResourceTypeComputational,
			mutate:  func(r *engine.ResourceRequest) { r.Spec.NodeCount = 9 },
			wantErr: "node count 9 exceeds the limit of 8",
		},
		{
			name:   "computational at limit",
			typ:    engine.ResourceTypeComputational,
			mutate: func(r *engine.ResourceRequest) { r.Spec.NodeCount = 8 },
		},
		{
			name:   "missing schedule only warns",
			typ:    engine.ResourceTypeExploratory,
			mutate: func(r *engine.ResourceRequest) { r.Schedule = nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(tt.typ, "notebook")
			if tt.mutate != nil {
				tt.mutate(req)
			}

			err := eng.Admit(context.Background(), req)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Admit() = %v, want nil", err)
				}
				return
			}
			if !engine.IsValidation(err) {
				t.Fatalf("Admit() = %v, want validation error", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Admit() = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestEvaluateSeparatesWarnings(t *testing.T) {
	eng := newTestEngine(t)

	req := request(engine.ResourceTypeExploratory, "Notebook")
	req.Schedule = nil

	decision, err := eng.Evaluate(context.Background(), &Input{Request: req, Operation: "create"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Allowed {
		t.Error("expected denial")
	}
	if len(decision.Violations) != 1 || decision.Violations[0].Policy != "resource-naming" || decision.Violations[0].Field != "name" {
		t.Errorf("violations = %+v", decision.Violations)
	}
	if len(decision.Warnings) != 1 || decision.Warnings[0].Severity != SeverityWarning {
		t.Errorf("warnings = %+v", decision.Warnings)
	}
	if len(decision.EvaluatedPolicies) != 4 {
		t.Errorf("evaluated = %v", decision.EvaluatedPolicies)
	}
}

func TestSetEnabled(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	req := request(engine.ResourceTypeExploratory, "notebook")
	req.Spec.Image = ""

	if err := eng.Admit(ctx, req); err == nil {
		t.Fatal("expected denial with image policy enabled")
	}
	if err := eng.SetEnabled("exploratory-image", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if err := eng.Admit(ctx, req); err != nil {
		t.Errorf("Admit() with policy disabled = %v", err)
	}

	p, err := eng.GetPolicy("exploratory-image")
	if err != nil || p.Enabled {
		t.Errorf("GetPolicy = %+v, %v", p, err)
	}

	if err := eng.SetEnabled("missing", true); !engine.IsNotFound(err) {
		t.Errorf("SetEnabled(missing) = %v, want not found", err)
	}
}

func TestReplaceCustomPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:    "no-gpu-shapes",
		Enabled: true,
		Rego: `package site.shapes

import rego.v1

deny contains msg if {
	startswith(input.request.spec.shape, "gpu")
	msg := sprintf("shape %s is not available to %s", [input.request.spec.shape, input.request.owner])
}
`,
	}
	if err := eng.Replace(ctx, []Policy{custom}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	req := request(engine.ResourceTypeExploratory, "notebook")
	req.Spec.Shape = "gpu.large"
	err := eng.Admit(ctx, req)
	if err == nil || !strings.Contains(err.Error(), "shape gpu.large is not available to alice") {
		t.Fatalf("Admit() = %v", err)
	}

	// An empty reload drops the custom policy and keeps built-ins.
	if err := eng.Replace(ctx, nil); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := eng.Admit(ctx, req); err != nil {
		t.Errorf("Admit() after removal = %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("policies = %d, want 4", len(eng.ListPolicies()))
	}
}

func TestReplaceRejectsBrokenPolicy(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.Replace(context.Background(), []Policy{{Name: "broken", Rego: "package x\n\ndeny contains msg if {"}})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := eng.GetPolicy("broken"); !engine.IsNotFound(err) {
		t.Errorf("broken policy was installed: %v", err)
	}
}

func TestReplaceKeepsToggles(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.SetEnabled("schedule-advisory", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if err := eng.Replace(ctx, nil); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	p, _ := eng.GetPolicy("schedule-advisory")
	if p.Enabled {
		t.Error("toggle lost across reload")
	}
}
