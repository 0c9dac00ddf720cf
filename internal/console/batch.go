package console

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/graphql"
	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one request of a batch.
type Result struct {
	Name     string            `json:"name,omitempty"`
	Request  Request           `json:"-"`
	Response *graphql.Response `json:"response,omitempty"`
	Err      error             `json:"-"`
	Elapsed  time.Duration     `json:"elapsed"`
}

// Named pairs a request with a label for reporting.
type Named struct {
	Name    string
	Request Request
}

// RunAll executes every request concurrently, at most BatchConcurrency
// at a time. Results keep the input order. One request failing never
// stops the others.
func (c *Console) RunAll(ctx context.Context, reqs []Named) []Result {
	results := make([]Result, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.BatchConcurrency)

	for i, nr := range reqs {
		g.Go(func() error {
			start := time.Now()
			resp, err := c.Execute(gctx, nr.Request)

			results[i] = Result{
				Name:     nr.Name,
				Request:  nr.Request,
				Response: resp,
				Err:      err,
				Elapsed:  time.Since(start),
			}

			return nil
		})
	}

	_ = g.Wait()

	return results
}

// Comparison is the result of running one operation against two
// environments.
type Comparison struct {
	EnvironmentA string            `json:"environment_a"`
	EnvironmentB string            `json:"environment_b"`
	A            *graphql.Response `json:"a"`
	B            *graphql.Response `json:"b"`
	Equal        bool              `json:"equal"`
	Diff         string            `json:"diff,omitempty"`
}

// Compare runs query against envA and envB concurrently and diffs the
// indented data members line by line.
func (c *Console) Compare(ctx context.Context, envA, envB, query string, variables map[string]any) (*Comparison, error) {
	var a, b *graphql.Response

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		a, err = c.Execute(gctx, Request{Environment: envA, Query: query, Variables: variables})

		return err
	})

	g.Go(func() error {
		var err error
		b, err = c.Execute(gctx, Request{Environment: envB, Query: query, Variables: variables})

		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	left, right := indent(a), indent(b)

	cmp := &Comparison{EnvironmentA: envA, EnvironmentB: envB, A: a, B: b, Equal: left == right}
	if !cmp.Equal {
		cmp.Diff = lineDiff(left, right)
	}

	return cmp, nil
}

func indent(r *graphql.Response) string {
	src := []byte(r.Data)
	if r.DataIsNull() {
		src = []byte("null")
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, src, "", "  "); err != nil {
		return string(src) + "\n"
	}

	buf.WriteByte('\n')

	return buf.String()
}

// lineDiff renders a line-oriented diff with "- " and "+ " markers.
func lineDiff(a, b string) string {
	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var sb strings.Builder

	for _, d := range diffs {
		prefix := "  "

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}

		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}

			sb.WriteString(prefix)
			sb.WriteString(line)
		}
	}

	return sb.String()
}
