package querybuilder

import (
	"bytes"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

// Validate syntax-checks a query document.
func Validate(doc string) error {
	if _, err := parse(doc); err != nil {
		return err
	}

	return nil
}

// Pretty re-prints doc in the canonical multi-line layout.
func Pretty(doc string) (string, error) {
	qd, err := parse(doc)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(qd)

	return buf.String(), nil
}

func parse(doc string) (*ast.QueryDocument, error) {
	qd, err := parser.ParseQuery(&ast.Source{Name: "query", Input: doc})
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	return qd, nil
}
