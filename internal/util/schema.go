package util

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/hupe1980/shopmesh/core"
)

// Schema is the subset of JSON Schema used to ask a model for structured
// output and to check what comes back.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// SchemaOf derives a schema from the struct type of v.
//
// Field names follow the json tag. On the top-level struct every field
// without omitempty that is not a pointer is required; nested objects only
// require fields tagged schema:"required", since their contents are repaired
// downstream rather than rejected. Enumerations are declared with
// schema:"enum=a|b|c" and apply to strings and to the items of string slices.
// The description tag is copied through.
func SchemaOf(v any) *Schema {
	return schemaOf(reflect.TypeOf(v), true)
}

func schemaOf(t reflect.Type, root bool) *Schema {
	if t == nil {
		return &Schema{Type: "object"}
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Struct:
	case reflect.Slice, reflect.Array:
		return &Schema{Type: "array", Items: schemaOf(t.Elem(), false)}
	default:
		return &Schema{Type: jsonType(t)}
	}

	s := &Schema{Type: "object", Properties: map[string]*Schema{}}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, omitEmpty, ok := jsonName(f)
		if !ok {
			continue
		}
		tags := parseSchemaTag(f.Tag.Get("schema"))

		prop := schemaOf(f.Type, false)
		prop.Description = f.Tag.Get("description")
		if len(tags.enum) > 0 {
			switch {
			case prop.Type == "string":
				prop.Enum = tags.enum
			case prop.Type == "array" && prop.Items.Type == "string":
				prop.Items.Enum = tags.enum
			}
		}
		s.Properties[name] = prop

		required := tags.required
		if root {
			required = required || (!omitEmpty && f.Type.Kind() != reflect.Pointer)
		}
		if required {
			s.Required = append(s.Required, name)
		}
	}
	return s
}

// String renders the schema as indented JSON for prompts.
func (s *Schema) String() string {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Validate checks a decoded JSON object against the schema. The first
// violation is returned as a *core.ValidationError whose Field is the path
// to the offending value, for example "observations[1].kind".
func (s *Schema) Validate(fields map[string]any) error {
	return s.validateObject("", fields)
}

func (s *Schema) validateObject(path string, fields map[string]any) error {
	for _, name := range s.Required {
		if v, ok := fields[name]; !ok || v == nil {
			return &core.ValidationError{Field: join(path, name), Message: "is required"}
		}
	}
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		v := fields[name]
		prop, ok := s.Properties[name]
		if !ok || v == nil {
			continue
		}
		if err := prop.validateValue(join(path, name), v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) validateValue(path string, v any) error {
	mismatch := func() error {
		return &core.ValidationError{Field: path, Value: v, Message: fmt.Sprintf("expected %s, got %T", s.Type, v)}
	}

	switch s.Type {
	case "string":
		str, ok := v.(string)
		if !ok {
			return mismatch()
		}
		if len(s.Enum) > 0 && str != "" && !slices.Contains(s.Enum, strings.ToLower(strings.TrimSpace(str))) {
			return &core.ValidationError{Field: path, Value: v, Message: "must be one of " + strings.Join(s.Enum, ", ")}
		}
	case "integer":
		n, ok := v.(float64)
		if !ok {
			return mismatch()
		}
		if n != math.Trunc(n) {
			return &core.ValidationError{Field: path, Value: v, Message: "must be a whole number"}
		}
	case "number":
		if _, ok := v.(float64); !ok {
			return mismatch()
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return mismatch()
		}
	case "array":
		items, ok := v.([]any)
		if !ok {
			return mismatch()
		}
		if s.Items == nil {
			return nil
		}
		for i, item := range items {
			if item == nil {
				continue
			}
			if err := s.Items.validateValue(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return mismatch()
		}
		return s.validateObject(path, obj)
	}
	return nil
}

type schemaTag struct {
	required bool
	enum     []string
}

func parseSchemaTag(tag string) schemaTag {
	var st schemaTag
	for _, opt := range strings.Split(tag, ",") {
		opt = strings.TrimSpace(opt)
		switch {
		case opt == "required":
			st.required = true
		case strings.HasPrefix(opt, "enum="):
			for _, e := range strings.Split(strings.TrimPrefix(opt, "enum="), "|") {
				if e = strings.TrimSpace(e); e != "" {
					st.enum = append(st.enum, strings.ToLower(e))
				}
			}
		}
	}
	return st
}

func jsonName(f reflect.StructField) (name string, omitEmpty, ok bool) {
	if !f.IsExported() {
		return "", false, false
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, false
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	return name, slices.Contains(strings.Split(opts, ","), "omitempty"), true
}

func jsonType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Map:
		return "object"
	default:
		return "string"
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
