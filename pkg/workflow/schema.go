// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"github.com/xeipuuv/gojsonschema"
)

// FieldError describes one problem with a structured payload.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// FieldErrors is the error returned by Schema.Validate.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.String()
	}
	return strings.Join(parts, "; ")
}

// Schema is a data contract: a JSON Schema document generated from a Go type,
// plus the type itself for decoding.
//
// Struct fields are required unless their json tag has omitempty, at every
// nesting level. Enum and description constraints come from jsonschema tags:
//
//	type OrderInput struct {
//	    OrderID   string `json:"orderId" jsonschema:"description=Order identifier"`
//	    OrderType string `json:"orderType" jsonschema:"enum=standard,enum=express"`
//	    Notes     string `json:"notes,omitempty"`
//	}
type Schema struct {
	typ      reflect.Type
	doc      map[string]any
	required []string

	once     sync.Once
	compiled *gojsonschema.Schema
	err      error
}

// SchemaOf generates the contract for T.
func SchemaOf[T any]() *Schema {
	reflector := &jsonschema.Reflector{
		// Inline everything so the document is self-contained.
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	var zero T
	typ := reflect.TypeOf(&zero).Elem()

	doc, err := schemaToMap(reflector.ReflectFromType(typ))
	if err != nil {
		// Reflection output is always marshalable; a failure here is a bug.
		panic(fmt.Sprintf("workflow: schema for %s: %v", typ, err))
	}

	s := &Schema{typ: typ, doc: doc}
	if req, ok := doc["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.required = append(s.required, name)
			}
		}
	}
	return s
}

// AnyObject accepts every object.
func AnyObject() *Schema {
	return SchemaOf[map[string]any]()
}

func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	// The validator predates the 2020-12 meta-schema the reflector stamps.
	delete(result, "$schema")
	delete(result, "$id")
	return result, nil
}

// JSONSchema returns the JSON Schema document. A nil contract returns nil.
func (s *Schema) JSONSchema() map[string]any {
	if s == nil {
		return nil
	}
	return s.doc
}

// Required lists the required top-level fields.
func (s *Schema) Required() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.required)
}

func (s *Schema) compile() (*gojsonschema.Schema, error) {
	s.once.Do(func() {
		s.compiled, s.err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(s.doc))
		if s.err != nil {
			s.err = fmt.Errorf("compile schema for %s: %w", s.typ, s.err)
		}
	})
	return s.compiled, s.err
}

// Validate checks data against the contract, nested objects and arrays
// included. A nil contract accepts anything. The returned error is
// FieldErrors, ordered by field path.
func (s *Schema) Validate(data map[string]any) error {
	if s == nil {
		return nil
	}
	schema, err := s.compile()
	if err != nil {
		return FieldErrors{{Message: err.Error()}}
	}
	if data == nil {
		data = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return FieldErrors{{Message: fmt.Sprintf("payload is not valid JSON: %v", err)}}
	}
	if !result.Valid() {
		errs := make(FieldErrors, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			errs = append(errs, fieldError(re))
		}
		sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
		return errs
	}

	if s.typ.Kind() == reflect.Struct {
		target := reflect.New(s.typ).Interface()
		if err := decode(data, target); err != nil {
			return FieldErrors{{Message: err.Error()}}
		}
	}
	return nil
}

// fieldError names the offending field by its dotted path from the root.
// A missing property is reported at its own path, not its parent's.
func fieldError(re gojsonschema.ResultError) FieldError {
	path := strings.TrimPrefix(re.Context().String(), gojsonschema.STRING_CONTEXT_ROOT)
	path = strings.TrimPrefix(path, ".")
	if re.Type() == "required" {
		if prop, ok := re.Details()["property"].(string); ok {
			if path != "" {
				path += "."
			}
			return FieldError{Field: path + prop, Message: "is required"}
		}
	}
	return FieldError{Field: path, Message: re.Description()}
}

func decode(data map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  target,
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}

// Decode converts a structured payload into T. Fields follow json tags.
func Decode[T any](data map[string]any) (T, error) {
	var out T
	if m, ok := any(&out).(*map[string]any); ok {
		*m = data
		return out, nil
	}
	if err := decode(data, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}

// Encode converts a value into a structured payload using its json encoding.
func Encode(v any) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return m, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode %T: not an object: %w", v, err)
	}
	return out, nil
}
