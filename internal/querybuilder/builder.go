package querybuilder

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// typenameField is selected when a type offers nothing else, since
// GraphQL forbids empty selection sets.
const typenameField = "__typename"

// ResolveBaseTypeName unwraps NON_NULL and LIST wrappers and returns the
// named type underneath.
func ResolveBaseTypeName(t *TypeRef) string {
	for t != nil {
		if t.Name != "" {
			return t.Name
		}

		t = t.OfType
	}

	return ""
}

// baseKind returns the kind of the named type underneath t.
func baseKind(t *TypeRef) string {
	for t != nil {
		if t.Kind != KindNonNull && t.Kind != KindList {
			return t.Kind
		}

		t = t.OfType
	}

	return ""
}

// TypeString renders a type reference in GraphQL syntax, keeping every
// wrapper: ID!, [String], [ID!]!.
func TypeString(t *TypeRef) string {
	if t == nil {
		return ""
	}

	switch t.Kind {
	case KindNonNull:
		return TypeString(t.OfType) + "!"
	case KindList:
		return "[" + TypeString(t.OfType) + "]"
	default:
		return t.Name
	}
}

// Option configures a Builder.
type Option func(*Builder)

// WithMaxDepth stops expanding object fields below depth levels of
// nesting. Zero means unlimited.
func WithMaxDepth(depth int) Option {
	return func(b *Builder) { b.maxDepth = depth }
}

// Builder synthesises query documents from a schema.
type Builder struct {
	schema   *Schema
	maxDepth int
}

// NewBuilder creates a builder for schema.
func NewBuilder(schema *Schema, opts ...Option) *Builder {
	b := &Builder{schema: schema}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// SelectionSet returns the space-separated selection for typeName,
// without the enclosing braces. visited holds the object types already
// open on the current path; it is copied, never modified, so sibling
// branches do not inherit each other's exclusions.
func (b *Builder) SelectionSet(typeName string, visited map[string]bool) string {
	return b.selectionSet(typeName, visited, 1)
}

func (b *Builder) selectionSet(typeName string, visited map[string]bool, depth int) string {
	t := b.schema.Type(typeName)
	if t == nil || len(t.Fields) == 0 {
		return typenameField
	}

	branch := make(map[string]bool, len(visited)+1)
	for k, v := range visited {
		branch[k] = v
	}

	branch[typeName] = true

	parts := make([]string, 0, len(t.Fields))

	for _, f := range t.Fields {
		// Nested fields cannot be given arguments here, so any field with a
		// required argument is left out whatever its kind.
		if f.hasRequiredArgs() {
			continue
		}

		switch baseKind(&f.Type) {
		case KindScalar, KindEnum:
			parts = append(parts, f.Name)

		case KindObject, KindInterface:
			base := ResolveBaseTypeName(&f.Type)
			if branch[base] {
				continue
			}

			if b.maxDepth > 0 && depth >= b.maxDepth {
				continue
			}

			parts = append(parts, f.Name+" { "+b.selectionSet(base, branch, depth+1)+" }")
		}
	}

	if len(parts) == 0 {
		return typenameField
	}

	return strings.Join(parts, " ")
}

// BuildQuery returns a single-line document requesting field with every
// argument bound to a variable of the same name:
//
//	query missionary($id: ID!) { missionary(id: $id) { id mission { name } } }
func (b *Builder) BuildQuery(field Field) string {
	var sb strings.Builder

	sb.WriteString("query ")
	sb.WriteString(field.Name)

	if len(field.Args) > 0 {
		defs := make([]string, len(field.Args))
		for i, a := range field.Args {
			defs[i] = "$" + a.Name + ": " + TypeString(&a.Type)
		}

		sb.WriteString("(" + strings.Join(defs, ", ") + ")")
	}

	sb.WriteString(" { ")
	sb.WriteString(field.Name)

	if len(field.Args) > 0 {
		args := make([]string, len(field.Args))
		for i, a := range field.Args {
			args[i] = a.Name + ": $" + a.Name
		}

		sb.WriteString("(" + strings.Join(args, ", ") + ")")
	}

	switch baseKind(&field.Type) {
	case KindObject, KindInterface:
		sb.WriteString(" { ")
		sb.WriteString(b.SelectionSet(ResolveBaseTypeName(&field.Type), nil))
		sb.WriteString(" }")
	case KindUnion:
		sb.WriteString(" { " + typenameField + " }")
	}

	sb.WriteString(" }")

	return sb.String()
}

// VariablesTemplate returns one entry per argument of field. Arguments
// with a schema-declared default carry that value; the rest are nil.
func (b *Builder) VariablesTemplate(field Field) map[string]any {
	vars := make(map[string]any, len(field.Args))

	for _, a := range field.Args {
		if a.DefaultValue == nil {
			vars[a.Name] = nil
			continue
		}

		vars[a.Name] = literalValue(*a.DefaultValue)
	}

	return vars
}

// literalValue converts a GraphQL literal (as found in defaultValue) to
// its JSON-compatible Go value. Unparseable literals are returned as is.
func literalValue(lit string) any {
	doc, err := parser.ParseQuery(&ast.Source{Input: "{ f(v: " + lit + ") }"})
	if err != nil {
		return lit
	}

	if len(doc.Operations) != 1 || len(doc.Operations[0].SelectionSet) != 1 {
		return lit
	}

	f, ok := doc.Operations[0].SelectionSet[0].(*ast.Field)
	if !ok || len(f.Arguments) != 1 {
		return lit
	}

	v, verr := f.Arguments[0].Value.Value(nil)
	if verr != nil {
		return lit
	}

	return v
}
