package contracts

import (
	"fmt"
)

// FieldKind is the semantic type a declared field accepts.
type FieldKind int

const (
	// KindAny accepts any value.
	KindAny FieldKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindList
	KindMap
)

// String returns the kind name used in validation messages.
func (k FieldKind) String() string {
	switch k {
	case KindAny:
		return "any"
	case KindString:
		return "string"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindBool:
		return "boolean"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return "unknown"
}

// Field declares one named, optionally typed message field.
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
}

// Schema is the declared field set for a message type, checked at send time.
// A nil Schema accepts any fields.
type Schema struct {
	fields map[string]Field
}

// NewSchema builds a schema from the given field declarations.
func NewSchema(fields ...Field) *Schema {
	s := &Schema{fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		s.fields[f.Name] = f
	}
	return s
}

// Validate checks the provided values against the declared fields. Unset
// declared fields fail only when marked required; undeclared fields are
// accepted dynamically. Returns a *ValidationError on the first mismatch.
func (s *Schema) Validate(fields map[string]any) error {
	if s == nil {
		return nil
	}
	for name, spec := range s.fields {
		v, ok := fields[name]
		if !ok {
			if spec.Required {
				return &ValidationError{Field: name, Reason: "required field is missing"}
			}
			continue
		}
		if err := checkKind(name, spec.Kind, v); err != nil {
			return err
		}
	}
	return nil
}

func checkKind(name string, kind FieldKind, v any) error {
	if v == nil || kind == KindAny {
		return nil
	}
	ok := false
	switch kind {
	case KindString:
		_, ok = v.(string)
	case KindInt:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			ok = true
		}
	case KindFloat:
		switch v.(type) {
		case float32, float64:
			ok = true
		}
	case KindBool:
		_, ok = v.(bool)
	case KindList:
		_, ok = v.([]any)
	case KindMap:
		_, ok = v.(map[string]any)
	}
	if !ok {
		return &ValidationError{
			Field:  name,
			Reason: fmt.Sprintf("expected %s, got %T", kind, v),
		}
	}
	return nil
}
