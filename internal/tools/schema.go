// Package tools implements the built-in agent tools: calculator, session
// file management, and analytic query execution.
package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Content type discriminators tools embed in their JSON results. The
// orchestrator lifts them into display metadata.
const (
	ContentTypeTable       = "tool_table"
	ContentTypeAnalyticJob = "analytic_job_result"
)

// reflectSchema derives a JSON schema from an input struct. Panics on
// reflection failure; schemas are built once at startup from known types.
func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		panic("tools: marshal schema: " + err.Error())
	}
	return data
}
