// Package querybuilder synthesises complete GraphQL query documents from
// an introspection result.
package querybuilder

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/alexjbarnes/gqlconsole/internal/errors"
	"github.com/tidwall/gjson"
)

// Type kinds as reported by introspection.
const (
	KindScalar      = "SCALAR"
	KindObject      = "OBJECT"
	KindInterface   = "INTERFACE"
	KindUnion       = "UNION"
	KindEnum        = "ENUM"
	KindInputObject = "INPUT_OBJECT"
	KindList        = "LIST"
	KindNonNull     = "NON_NULL"
)

// IntrospectionQuery fetches everything the builder needs.
const IntrospectionQuery = `query IntrospectionQuery {
  __schema {
    queryType { name }
    mutationType { name }
    subscriptionType { name }
    types {
      ...FullType
    }
  }
}

fragment FullType on __Type {
  kind
  name
  description
  fields(includeDeprecated: true) {
    name
    description
    args {
      ...InputValue
    }
    type {
      ...TypeRef
    }
    isDeprecated
    deprecationReason
  }
  inputFields {
    ...InputValue
  }
  interfaces {
    ...TypeRef
  }
  enumValues(includeDeprecated: true) {
    name
    isDeprecated
    deprecationReason
  }
  possibleTypes {
    ...TypeRef
  }
}

fragment InputValue on __InputValue {
  name
  description
  type { ...TypeRef }
  defaultValue
}

fragment TypeRef on __Type {
  kind
  name
  ofType {
    kind
    name
    ofType {
      kind
      name
      ofType {
        kind
        name
        ofType {
          kind
          name
          ofType {
            kind
            name
            ofType {
              kind
              name
              ofType {
                kind
                name
              }
            }
          }
        }
      }
    }
  }
}`

// TypeRef is a possibly wrapped type reference. Wrapper kinds (LIST,
// NON_NULL) have no name and point at OfType.
type TypeRef struct {
	Kind   string   `json:"kind"`
	Name   string   `json:"name,omitempty"`
	OfType *TypeRef `json:"ofType,omitempty"`
}

// InputValue is an argument or input field. DefaultValue is the GraphQL
// literal the schema declares, or nil.
type InputValue struct {
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	Type         TypeRef `json:"type"`
	DefaultValue *string `json:"defaultValue,omitempty"`
}

// Required reports whether the argument must be supplied.
func (v InputValue) Required() bool {
	return v.Type.Kind == KindNonNull && v.DefaultValue == nil
}

// Field is a field of an object or interface type.
type Field struct {
	Name              string       `json:"name"`
	Description       string       `json:"description,omitempty"`
	Args              []InputValue `json:"args"`
	Type              TypeRef      `json:"type"`
	IsDeprecated      bool         `json:"isDeprecated,omitempty"`
	DeprecationReason string       `json:"deprecationReason,omitempty"`
}

func (f Field) hasRequiredArgs() bool {
	for _, a := range f.Args {
		if a.Required() {
			return true
		}
	}

	return false
}

// EnumValue is one value of an enum type.
type EnumValue struct {
	Name              string `json:"name"`
	IsDeprecated      bool   `json:"isDeprecated,omitempty"`
	DeprecationReason string `json:"deprecationReason,omitempty"`
}

// FullType is a named type of the schema.
type FullType struct {
	Kind          string       `json:"kind"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	Fields        []Field      `json:"fields,omitempty"`
	InputFields   []InputValue `json:"inputFields,omitempty"`
	Interfaces    []TypeRef    `json:"interfaces,omitempty"`
	EnumValues    []EnumValue  `json:"enumValues,omitempty"`
	PossibleTypes []TypeRef    `json:"possibleTypes,omitempty"`
}

type namedRef struct {
	Name string `json:"name"`
}

// Schema is an introspected schema. It is read-only after parsing.
type Schema struct {
	QueryType        *namedRef  `json:"queryType"`
	MutationType     *namedRef  `json:"mutationType,omitempty"`
	SubscriptionType *namedRef  `json:"subscriptionType,omitempty"`
	Types            []FullType `json:"types"`

	byName map[string]*FullType
}

// ParseIntrospection decodes an introspection result. Both the full
// response ({"data":{"__schema":...}}) and its data member
// ({"__schema":...}) are accepted.
func ParseIntrospection(data []byte) (*Schema, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("malformed JSON: %w", apperrors.ErrInvalidIntrospection)
	}

	raw := gjson.GetBytes(data, "data.__schema")
	if !raw.Exists() {
		raw = gjson.GetBytes(data, "__schema")
	}

	if !raw.IsObject() {
		return nil, fmt.Errorf("no __schema object: %w", apperrors.ErrInvalidIntrospection)
	}

	var s Schema
	if err := json.Unmarshal([]byte(raw.Raw), &s); err != nil {
		return nil, fmt.Errorf("decoding __schema: %v: %w", err, apperrors.ErrInvalidIntrospection)
	}

	if s.QueryType == nil || s.QueryType.Name == "" {
		return nil, fmt.Errorf("schema has no query type: %w", apperrors.ErrInvalidIntrospection)
	}

	s.index()

	if s.Type(s.QueryType.Name) == nil {
		return nil, fmt.Errorf("query type %q not among types: %w", s.QueryType.Name, apperrors.ErrInvalidIntrospection)
	}

	return &s, nil
}

func (s *Schema) index() {
	s.byName = make(map[string]*FullType, len(s.Types))
	for i := range s.Types {
		s.byName[s.Types[i].Name] = &s.Types[i]
	}
}

// Type returns the named type, or nil.
func (s *Schema) Type(name string) *FullType {
	if s.byName == nil {
		s.index()
	}

	return s.byName[name]
}

// RootFields returns the fields of the query root type in schema order.
func (s *Schema) RootFields() []Field {
	if s.QueryType == nil {
		return nil
	}

	t := s.Type(s.QueryType.Name)
	if t == nil {
		return nil
	}

	return t.Fields
}

// Field returns the root query field called name.
func (s *Schema) Field(name string) (*Field, error) {
	fields := s.RootFields()
	for i := range fields {
		if fields[i].Name == name {
			return &fields[i], nil
		}
	}

	return nil, fmt.Errorf("%q: %w", name, apperrors.ErrFieldNotFound)
}

// RootFields returns the query root fields of schema.
func RootFields(schema *Schema) []Field {
	return schema.RootFields()
}
