package gateway

import (
	"bytes"
	"embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"marksman/internal/types"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// schemaKinds maps each request kind to its embedded schema file. Kinds
// absent here (cross_page_merge, logic_review run locally today) skip
// validation.
var schemaKinds = map[Kind]string{
	KindRubricParse:  "schemas/rubric_parse.json",
	KindPageDescribe: "schemas/page_describe.json",
	KindGradeBatch:   "schemas/grade_batch.json",
	KindConfession:   "schemas/confession.json",
}

// Validator checks model output against the per-kind response schemas.
// Compiled once at construction; nil schemas mean the kind is unvalidated.
type Validator struct {
	schemas map[Kind]*jsonschema.Schema
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	compiled := make(map[Kind]*jsonschema.Schema, len(schemaKinds))
	for kind, file := range schemaKinds {
		raw, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", file, err)
		}
		if err := c.AddResource(file, doc); err != nil {
			return nil, fmt.Errorf("register schema %s: %w", file, err)
		}
		sch, err := c.Compile(file)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", file, err)
		}
		compiled[kind] = sch
	}
	return &Validator{schemas: compiled}, nil
}

// Validate parses raw as JSON and checks it against the kind's schema.
// Violations and unparsable output are schema errors, which the default
// retry policy treats as non-retryable.
func (v *Validator) Validate(kind Kind, raw []byte) error {
	sch, ok := v.schemas[kind]
	if !ok {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return types.WrapErr(types.KindSchema, fmt.Sprintf("%s response is not json", kind), err)
	}
	if err := sch.Validate(doc); err != nil {
		return types.WrapErr(types.KindSchema, fmt.Sprintf("%s response violates schema", kind), err)
	}
	return nil
}

// extractJSON strips markdown code fences some models wrap around JSON
// output, returning the payload unchanged when no fence is present.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if i := strings.LastIndex(trimmed, "```"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return strings.TrimSpace(trimmed)
}
