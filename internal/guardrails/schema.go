package guardrails

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationResult 是智能体输入输出结构校验的结果。
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

const agentInputSchema = `{
  "type": "object",
  "required": ["task"],
  "properties": {
    "id": { "type": "string", "maxLength": 64 },
    "task": { "type": "string", "minLength": 1, "maxLength": 65536 },
    "protocol": { "type": "string", "minLength": 1 },
    "role": { "type": "string" },
    "tools": { "type": "array", "items": { "type": "string" } },
    "options": { "type": "object" }
  },
  "additionalProperties": true
}`

const agentOutputSchema = `{
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": { "type": "boolean" },
    "data": {},
    "error": { "type": "string" }
  },
  "additionalProperties": true
}`

// SchemaValidator 用 JSON Schema 校验智能体的输入与输出。
type SchemaValidator struct {
	input       *jsonschema.Schema
	output      *jsonschema.Schema
	inputKnown  map[string]struct{}
	outputKnown map[string]struct{}
}

// NewSchemaValidator 使用内置 schema 构建校验器。
func NewSchemaValidator() (*SchemaValidator, error) {
	return NewSchemaValidatorWith(agentInputSchema, agentOutputSchema)
}

// NewSchemaValidatorWith 使用自定义 schema 构建校验器。
func NewSchemaValidatorWith(inputSchema, outputSchema string) (*SchemaValidator, error) {
	in, err := jsonschema.CompileString("agent_input.json", inputSchema)
	if err != nil {
		return nil, fmt.Errorf("compile agent input schema: %w", err)
	}
	out, err := jsonschema.CompileString("agent_output.json", outputSchema)
	if err != nil {
		return nil, fmt.Errorf("compile agent output schema: %w", err)
	}
	return &SchemaValidator{
		input:       in,
		output:      out,
		inputKnown:  propertyNames(inputSchema),
		outputKnown: propertyNames(outputSchema),
	}, nil
}

// ValidateAgentInput 校验提交给队列的任务输入。
func (v *SchemaValidator) ValidateAgentInput(data any) ValidationResult {
	return validateAgainst(v.input, v.inputKnown, data)
}

// ValidateAgentOutput 校验协议处理器返回的结果。
func (v *SchemaValidator) ValidateAgentOutput(data any) ValidationResult {
	return validateAgainst(v.output, v.outputKnown, data)
}

func validateAgainst(schema *jsonschema.Schema, known map[string]struct{}, data any) ValidationResult {
	res := ValidationResult{Valid: true, Errors: []string{}, Warnings: []string{}}
	doc, err := normalize(data)
	if err != nil {
		res.Valid = false
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	if err := schema.Validate(doc); err != nil {
		res.Valid = false
		res.Errors = append(res.Errors, flatten(err)...)
	}
	if obj, ok := doc.(map[string]any); ok && len(known) > 0 {
		var unknown []string
		for key := range obj {
			if _, ok := known[key]; !ok {
				unknown = append(unknown, key)
			}
		}
		sort.Strings(unknown)
		for _, key := range unknown {
			res.Warnings = append(res.Warnings, fmt.Sprintf("unrecognised field %q", key))
		}
	}
	return res
}

// normalize 把任意 Go 值转成 jsonschema 接受的 JSON 文档形式。
func normalize(data any) (any, error) {
	var raw []byte
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode document: %w", err)
		}
		raw = encoded
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// flatten 展开 jsonschema 的嵌套错误，只保留叶子节点。
func flatten(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

func propertyNames(schema string) map[string]struct{} {
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal([]byte(schema), &doc); err != nil {
		return nil
	}
	out := make(map[string]struct{}, len(doc.Properties))
	for name := range doc.Properties {
		out[name] = struct{}{}
	}
	return out
}
