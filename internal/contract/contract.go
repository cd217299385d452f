// Package contract validates worker session responses against the structured
// schema a step expects. Validation is pure: same input, same result, no side
// effects.
package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/slok/conductor/internal/model"
)

// ErrorKind classifies a validation failure.
type ErrorKind string

const (
	// KindMalformed means the response is not a JSON object at all.
	KindMalformed ErrorKind = "malformed"
	// KindMissingFields means required fields are absent (or null).
	KindMissingFields ErrorKind = "missing_fields"
	// KindTypeMismatch means present fields have the wrong JSON type.
	KindTypeMismatch ErrorKind = "type_mismatch"
)

// ValidationError describes why a response failed validation. Its message is
// embedded in the retry prompt sent back to the session.
type ValidationError struct {
	Kind   ErrorKind
	Fields []string
	Detail string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindMissingFields:
		return fmt.Sprintf("missing required fields: %s", strings.Join(e.Fields, ", "))
	case KindTypeMismatch:
		return fmt.Sprintf("wrong type for fields: %s", strings.Join(e.Fields, ", "))
	default:
		return fmt.Sprintf("malformed response: %s", e.Detail)
	}
}

// Validate checks a raw session response against the expected schema and
// returns the decoded object. Agents tend to wrap their JSON in fences or
// commentary, so the outermost JSON object is extracted before decoding.
func Validate(raw []byte, schema model.Schema) (map[string]any, error) {
	obj, err := extractJSON(raw)
	if err != nil {
		return nil, &ValidationError{Kind: KindMalformed, Detail: err.Error()}
	}

	dec := json.NewDecoder(bytes.NewReader(obj))
	dec.UseNumber()

	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, &ValidationError{Kind: KindMalformed, Detail: err.Error()}
	}

	var missing, mismatched []string
	for _, field := range schema.Fields {
		value, ok := data[field.Name]
		if !ok || value == nil {
			if field.Required {
				missing = append(missing, field.Name)
			}
			continue
		}
		if !typeMatches(value, field.Type) {
			mismatched = append(mismatched, field.Name)
		}
	}

	sort.Strings(missing)
	sort.Strings(mismatched)

	if len(missing) > 0 {
		return nil, &ValidationError{Kind: KindMissingFields, Fields: missing}
	}
	if len(mismatched) > 0 {
		return nil, &ValidationError{Kind: KindTypeMismatch, Fields: mismatched}
	}

	return data, nil
}

func typeMatches(value any, ft model.FieldType) bool {
	switch ft {
	case model.FieldTypeString:
		_, ok := value.(string)
		return ok
	case model.FieldTypeNumber:
		_, ok := value.(json.Number)
		return ok
	case model.FieldTypeBool:
		_, ok := value.(bool)
		return ok
	case model.FieldTypeObject:
		_, ok := value.(map[string]any)
		return ok
	case model.FieldTypeArray:
		_, ok := value.([]any)
		return ok
	case model.FieldTypeAny:
		return true
	}
	return false
}

// extractJSON returns the outermost JSON object inside raw.
func extractJSON(raw []byte) ([]byte, error) {
	start := bytes.IndexByte(raw, '{')
	end := bytes.LastIndexByte(raw, '}')
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	return raw[start : end+1], nil
}
