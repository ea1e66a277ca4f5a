package workflow

import (
	"fmt"

	"github.com/safeflowhq/safeflow/pkg/registry"
	"github.com/safeflowhq/safeflow/pkg/schema"
)

// Type identifies a workflow scenario.
type Type string

const (
	TypeCodeCommit        Type = "code_commit"
	TypeDependencyUpdate  Type = "dependency_update"
	TypeEmergencyVuln     Type = "emergency_vuln"
	TypeReleaseRegression Type = "release_regression"
)

// Template is a named, flat node sequence for one scenario. Plans are
// linear: each node depends on the one before it.
type Template struct {
	Type        Type       `json:"type"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Nodes       []NodeSpec `json:"nodes"`
	// Categories narrows tool selection during initialize. Empty means
	// every registered tool that accepts the target.
	Categories []schema.Category `json:"categories,omitempty"`
}

// Validate checks the template shape: non-empty linear plan that starts
// with initialize and ends with finalize.
func (t Template) Validate() error {
	if t.Type == "" {
		return fmt.Errorf("template type is required")
	}
	if len(t.Nodes) < 2 {
		return fmt.Errorf("template %q needs at least initialize and finalize nodes", t.Type)
	}
	if t.Nodes[0].Kind != NodeInitialize {
		return fmt.Errorf("template %q must start with an initialize node", t.Type)
	}
	if t.Nodes[len(t.Nodes)-1].Kind != NodeFinalize {
		return fmt.Errorf("template %q must end with a finalize node", t.Type)
	}
	return nil
}

// TemplateRegistry holds the known workflow templates.
type TemplateRegistry struct {
	*registry.BaseRegistry[Template]
}

// NewTemplateRegistry builds a registry pre-loaded with the built-in
// scenario templates.
func NewTemplateRegistry() *TemplateRegistry {
	r := &TemplateRegistry{BaseRegistry: registry.NewBaseRegistry[Template]()}
	for _, t := range BuiltinTemplates() {
		// Built-ins are valid by construction.
		_ = r.Register(string(t.Type), t)
	}
	return r
}

// Resolve returns the template for a workflow type.
func (r *TemplateRegistry) Resolve(workflowType Type) (Template, error) {
	t, ok := r.Get(string(workflowType))
	if !ok {
		return Template{}, fmt.Errorf("unknown workflow type %q", workflowType)
	}
	return t, nil
}

// BuiltinTemplates returns the four standard scan scenarios.
func BuiltinTemplates() []Template {
	defaultPolicy := &ValidationPolicy{
		SeverityFloor: schema.LevelLow,
		MinConfidence: 50,
	}
	return []Template{
		{
			Type:        TypeCodeCommit,
			Name:        "Code commit scan",
			Description: "Fast static analysis of a commit or working tree",
			Categories:  []schema.Category{schema.CategorySAST},
			Nodes: []NodeSpec{
				{Kind: NodeInitialize},
				{Kind: NodeSingleScan},
				{Kind: NodeResultCollection},
				{Kind: NodeFinalize},
			},
		},
		{
			Type:        TypeDependencyUpdate,
			Name:        "Dependency update scan",
			Description: "Inventory and vet third-party dependencies after an update",
			Categories:  []schema.Category{schema.CategorySCA},
			Nodes: []NodeSpec{
				{Kind: NodeInitialize},
				{Kind: NodeSingleScan},
				{Kind: NodeValidation, Policy: defaultPolicy},
				{Kind: NodeFinalize},
			},
		},
		{
			Type:        TypeEmergencyVuln,
			Name:        "Emergency vulnerability response",
			Description: "Run every applicable tool in parallel against a suspected vulnerability",
			Nodes: []NodeSpec{
				{Kind: NodeInitialize},
				{Kind: NodeParallelScan},
				{Kind: NodeResultCollection},
				{Kind: NodeValidation, Policy: defaultPolicy},
				{Kind: NodeFinalize},
			},
		},
		{
			Type:        TypeReleaseRegression,
			Name:        "Release regression scan",
			Description: "Full sweep before a release, gated on human sign-off",
			Nodes: []NodeSpec{
				{Kind: NodeInitialize},
				{Kind: NodeParallelScan},
				{Kind: NodeResultCollection},
				{Kind: NodeValidation, Policy: defaultPolicy},
				{Kind: NodeHumanReview},
				{Kind: NodeFinalize},
			},
		},
	}
}
