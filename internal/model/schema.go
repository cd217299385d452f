package model

import "fmt"

// FieldType is the expected JSON type of a schema field.
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeNumber FieldType = "number"
	FieldTypeBool   FieldType = "bool"
	FieldTypeObject FieldType = "object"
	FieldTypeArray  FieldType = "array"
	FieldTypeAny    FieldType = "any"
)

var fieldTypes = map[FieldType]struct{}{
	FieldTypeString: {},
	FieldTypeNumber: {},
	FieldTypeBool:   {},
	FieldTypeObject: {},
	FieldTypeArray:  {},
	FieldTypeAny:    {},
}

// SchemaField describes one expected field of a step response.
type SchemaField struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Schema is the structured contract a step response must match. An empty
// schema accepts any JSON object.
type Schema struct {
	Fields []SchemaField `json:"fields"`
}

// Validate validates the schema description itself.
func (s Schema) Validate() error {
	seen := map[string]struct{}{}
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema field name is required: %w", ErrNotValid)
		}
		if _, ok := fieldTypes[f.Type]; !ok {
			return fmt.Errorf("schema field %s has unknown type %q: %w", f.Name, f.Type, ErrNotValid)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("schema field %s is duplicated: %w", f.Name, ErrNotValid)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}
