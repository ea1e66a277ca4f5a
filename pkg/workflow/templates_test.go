package workflow

import (
	"testing"
)

func TestBuiltinTemplates(t *testing.T) {
	wantPlans := map[Type][]NodeKind{
		TypeCodeCommit: {
			NodeInitialize, NodeSingleScan, NodeResultCollection, NodeFinalize,
		},
		TypeDependencyUpdate: {
			NodeInitialize, NodeSingleScan, NodeValidation, NodeFinalize,
		},
		TypeEmergencyVuln: {
			NodeInitialize, NodeParallelScan, NodeResultCollection, NodeValidation, NodeFinalize,
		},
		TypeReleaseRegression: {
			NodeInitialize, NodeParallelScan, NodeResultCollection, NodeValidation,
			NodeHumanReview, NodeFinalize,
		},
	}

	templates := BuiltinTemplates()
	if len(templates) != len(wantPlans) {
		t.Fatalf("BuiltinTemplates() = %d templates, want %d", len(templates), len(wantPlans))
	}
	for _, template := range templates {
		if err := template.Validate(); err != nil {
			t.Errorf("template %s invalid: %v", template.Type, err)
		}
		want, ok := wantPlans[template.Type]
		if !ok {
			t.Errorf("unexpected template type %s", template.Type)
			continue
		}
		if len(template.Nodes) != len(want) {
			t.Errorf("template %s has %d nodes, want %d", template.Type, len(template.Nodes), len(want))
			continue
		}
		for i, spec := range template.Nodes {
			if spec.Kind != want[i] {
				t.Errorf("template %s node %d = %s, want %s", template.Type, i, spec.Kind, want[i])
			}
		}
	}
}

func TestTemplateValidate(t *testing.T) {
	tests := []struct {
		name     string
		template Template
		wantErr  bool
	}{
		{
			name: "valid",
			template: Template{
				Type:  "custom",
				Nodes: []NodeSpec{{Kind: NodeInitialize}, {Kind: NodeFinalize}},
			},
		},
		{
			name:     "missing type",
			template: Template{Nodes: []NodeSpec{{Kind: NodeInitialize}, {Kind: NodeFinalize}}},
			wantErr:  true,
		},
		{
			name:     "too short",
			template: Template{Type: "custom", Nodes: []NodeSpec{{Kind: NodeInitialize}}},
			wantErr:  true,
		},
		{
			name: "missing initialize",
			template: Template{
				Type:  "custom",
				Nodes: []NodeSpec{{Kind: NodeSingleScan}, {Kind: NodeFinalize}},
			},
			wantErr: true,
		},
		{
			name: "missing finalize",
			template: Template{
				Type:  "custom",
				Nodes: []NodeSpec{{Kind: NodeInitialize}, {Kind: NodeSingleScan}},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.template.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTemplateRegistryResolve(t *testing.T) {
	r := NewTemplateRegistry()

	template, err := r.Resolve(TypeCodeCommit)
	if err != nil {
		t.Fatalf("Resolve(code_commit) failed: %v", err)
	}
	if template.Type != TypeCodeCommit {
		t.Errorf("resolved type = %s, want code_commit", template.Type)
	}

	if _, err := r.Resolve("no_such_type"); err == nil {
		t.Error("Resolve(unknown) should fail")
	}
}
