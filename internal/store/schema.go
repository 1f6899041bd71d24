package store

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/retry"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ValidationError represents a rejected context document with field paths
type ValidationError struct {
	Context model.ContextName
	Errors  []FieldError
}

// FieldError represents a single validation error at a specific field
type FieldError struct {
	Field   string
	Message string
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("invalid %s context:", ve.Context))
	for i, err := range ve.Errors {
		if i > 0 {
			sb.WriteString(";")
		}
		sb.WriteString(fmt.Sprintf(" %s: %s", err.Field, err.Message))
	}
	return sb.String()
}

// Validator checks context documents against their versioned schema and
// the invariants a schema cannot express.
type Validator struct {
	schemas map[model.ContextName]*gojsonschema.Schema
}

// NewValidator compiles the embedded schema of every context.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[model.ContextName]*gojsonschema.Schema, len(model.ValidContextNames))}
	for _, name := range model.ValidContextNames {
		data, err := schemaFS.ReadFile("schemas/" + string(name) + ".json")
		if err != nil {
			return nil, fmt.Errorf("failed to read %s schema: %w", name, err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// MustNewValidator panics if the embedded schemas do not compile.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate returns a validation-kind error when doc does not conform.
func (v *Validator) Validate(name model.ContextName, doc []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return retry.New(retry.KindValidation, "unknown context: %s", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return retry.Wrap(retry.KindValidation, fmt.Errorf("invalid %s document: %w", name, err))
	}
	if !result.Valid() {
		validationErr := &ValidationError{
			Context: name,
			Errors:  make([]FieldError, 0, len(result.Errors())),
		}
		for _, desc := range result.Errors() {
			field := desc.Field()
			if field == "" {
				field = "(root)"
			}
			validationErr.Errors = append(validationErr.Errors, FieldError{
				Field:   field,
				Message: desc.Description(),
			})
		}
		return retry.Wrap(retry.KindValidation, validationErr)
	}

	if name == model.ContextScene {
		var scenes model.SceneContext
		if err := json.Unmarshal(doc, &scenes); err != nil {
			return retry.Wrap(retry.KindValidation, err)
		}
		if err := scenes.Validate(); err != nil {
			return retry.Wrap(retry.KindValidation, &ValidationError{
				Context: name,
				Errors:  []FieldError{{Field: "scenes", Message: err.Error()}},
			})
		}
	}
	return nil
}
