package broker

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/safeflowhq/safeflow/pkg/schema"
)

// CallArguments is the tools/call argument shape shared by every scan tool.
type CallArguments struct {
	Target         schema.Target      `json:"target" jsonschema:"required,description=What to scan"`
	Options        schema.ScanOptions `json:"options,omitempty" jsonschema:"description=Per-run tuning"`
	Limits         schema.ScanLimits  `json:"limits,omitempty" jsonschema:"description=Timeout and finding caps"`
	NetworkAllowed bool               `json:"network_allowed,omitempty" jsonschema:"description=Allow the tool outbound network access"`
	FallbackToolID string             `json:"fallback_tool_id,omitempty" jsonschema:"description=Tool to fail over to when the primary binary is missing"`
	ScanID         string             `json:"scan_id,omitempty" jsonschema:"description=Client-chosen scan id; generated when absent"`
}

// callArgumentsSchema renders the JSON schema advertised in tools/list.
// Struct tags drive required fields and descriptions.
func callArgumentsSchema() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	s := reflector.Reflect(&CallArguments{})
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to render call arguments schema: %w", err)
	}
	return data, nil
}
