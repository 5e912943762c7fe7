package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// JSON Schemas the providers must satisfy. Validation happens before
// unmarshal so a malformed payload never reaches engine state. Each schema
// pins its version tag with a const, so an output missing the expected tag
// fails validation outright.

const classificationSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["schema_version", "category", "constraints", "requires_response", "summary", "confidence"],
	"additionalProperties": false,
	"properties": {
		"schema_version": {"const": "classification/v1"},
		"category": {
			"type": "string",
			"enum": [
				"ACKNOWLEDGMENT", "FEE_QUOTE", "DENIAL", "PARTIAL_DENIAL",
				"CLARIFICATION_REQUEST", "PORTAL_REDIRECT", "RECORDS_READY",
				"NO_RECORDS", "EXTENSION_NOTICE", "ID_VERIFICATION", "OTHER"
			]
		},
		"constraints": {"type": "array", "items": {"type": "string"}},
		"fee_cents": {"type": "integer", "minimum": 0},
		"portal_url": {"type": "string"},
		"denial_reasons": {"type": "array", "items": {"type": "string"}},
		"denial_strength": {"type": "string", "enum": ["WEAK", "FIRM", ""]},
		"sentiment": {"type": "string"},
		"extracted_deadline": {"type": "string"},
		"requires_response": {"type": "boolean"},
		"suggested_action": {"type": "string"},
		"reason_no_response": {"type": "string"},
		"summary": {"type": "string", "minLength": 1},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`

const draftSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["schema_version", "subject", "body", "reasoning", "confidence"],
	"additionalProperties": false,
	"properties": {
		"schema_version": {"const": "draft/v1"},
		"subject": {"type": "string", "minLength": 1},
		"body": {"type": "string", "minLength": 1},
		"reasoning": {"type": "array", "items": {"type": "string"}},
		"risk_flags": {"type": "array", "items": {"type": "string"}},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`

var (
	compileOnce          sync.Once
	compiledClassify     *jsonschema.Schema
	compiledDraft        *jsonschema.Schema
	compileErr           error
)

func compiled() (*jsonschema.Schema, *jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for name, raw := range map[string]string{
			"classification.json": classificationSchema,
			"draft.json":          draftSchema,
		} {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
			if err != nil {
				compileErr = fmt.Errorf("failed to parse schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(name, doc); err != nil {
				compileErr = fmt.Errorf("failed to add schema %s: %w", name, err)
				return
			}
		}
		if compiledClassify, compileErr = compiler.Compile("classification.json"); compileErr != nil {
			return
		}
		compiledDraft, compileErr = compiler.Compile("draft.json")
	})
	return compiledClassify, compiledDraft, compileErr
}

// DecodeClassification validates raw model output against the
// classification schema and unmarshals it. Schema failures wrap
// ErrSchemaMismatch.
func DecodeClassification(raw []byte) (*Classification, error) {
	classify, _, err := compiled()
	if err != nil {
		return nil, err
	}
	if err := validate(classify, raw); err != nil {
		return nil, err
	}
	var c Classification
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return &c, nil
}

// DecodeDraft validates raw model output against the draft schema and
// unmarshals it.
func DecodeDraft(raw []byte) (*Draft, error) {
	_, draft, err := compiled()
	if err != nil {
		return nil, err
	}
	if err := validate(draft, raw); err != nil {
		return nil, err
	}
	var d Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return &d, nil
}

func validate(schema *jsonschema.Schema, raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrSchemaMismatch, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return nil
}

// extractJSON strips markdown code fences some models wrap around JSON
// output.
func extractJSON(text string) []byte {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	return []byte(trimmed)
}
