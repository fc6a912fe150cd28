package agent

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SchemaKind tags the closed set of schema variants a tool can carry.
type SchemaKind int

const (
	// SchemaStructured is a schema that compiled; arguments can be
	// validated against it.
	SchemaStructured SchemaKind = iota
	// SchemaRawJSON is a declared schema that did not compile. It can
	// still be shown to the model but not validated.
	SchemaRawJSON
)

// ToolSchema is the compiled form of a tool's input schema.
type ToolSchema struct {
	Kind     SchemaKind
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// CompileToolSchema classifies raw into one of the schema variants. A nil
// or empty schema compiles to the permissive empty schema.
func CompileToolSchema(raw json.RawMessage) ToolSchema {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool-input.json", strings.NewReader(string(raw))); err != nil {
		return ToolSchema{Kind: SchemaRawJSON, raw: raw}
	}
	compiled, err := compiler.Compile("tool-input.json")
	if err != nil {
		return ToolSchema{Kind: SchemaRawJSON, raw: raw}
	}
	return ToolSchema{Kind: SchemaStructured, raw: raw, compiled: compiled}
}

// Diff explains how args relate to the schema, serialized as YAML for
// readability in model context. The result is empty only when there is
// nothing useful to say.
func (s ToolSchema) Diff(args json.RawMessage) string {
	switch s.Kind {
	case SchemaStructured:
		var value any
		if err := json.Unmarshal(args, &value); err != nil {
			return "arguments are not valid JSON: " + err.Error() + "\n" + s.schemaYAML()
		}
		if err := s.compiled.Validate(value); err != nil {
			var ve *jsonschema.ValidationError
			if errors.As(err, &ve) {
				out, yerr := yaml.Marshal(ve.DetailedOutput())
				if yerr == nil {
					return string(out)
				}
			}
			return err.Error()
		}
		return "arguments matched the declared input schema\n" + s.schemaYAML()
	case SchemaRawJSON:
		return s.schemaYAML()
	default:
		return ""
	}
}

func (s ToolSchema) schemaYAML() string {
	var value any
	if err := json.Unmarshal(s.raw, &value); err != nil {
		return "declared schema: " + string(s.raw)
	}
	out, err := yaml.Marshal(map[string]any{"declared input schema": value})
	if err != nil {
		return "declared schema: " + string(s.raw)
	}
	return string(out)
}

// AppendSchemaDiff augments an error-signaling tool result with the schema
// diff. The original content is always preserved verbatim at the front.
func AppendSchemaDiff(content string, schema ToolSchema, args json.RawMessage) string {
	diff := schema.Diff(args)
	if diff == "" {
		return content
	}
	return content + "\n\nInput schema check:\n" + strings.TrimRight(diff, "\n")
}

// signalsError reports whether tool result content describes a failure.
// Matching is case-insensitive on the leading text so ordinary results that
// merely mention errors deep in data are left alone.
func signalsError(content string) bool {
	head := content
	if len(head) > 256 {
		head = head[:256]
	}
	head = strings.ToLower(head)
	return strings.HasPrefix(head, "error") ||
		strings.Contains(head, `"error"`) ||
		strings.Contains(head, "error:")
}
