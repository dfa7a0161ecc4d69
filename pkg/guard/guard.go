// Package guard pre-validates submission payloads before they reach the
// append path. A deployment configures an optional JSON Schema (Draft 2020)
// and zero or more CEL rules; both compile once at startup and are shared
// read-only across goroutines. Rejections surface as *ledger.ValidationError
// so callers can fix the input and resubmit; a rejected payload never
// touches storage.
package guard

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/trialmesh/chronicle/pkg/ledger"
)

// schemaURL names the in-memory schema resource for the compiler.
const schemaURL = "https://chronicle.schemas.local/payload.schema.json"

// Rule is a named CEL expression evaluated against each submission. The
// expression sees `payload` (the decoded JSON document) and `now` (server
// time, unix seconds) and must yield a boolean; false rejects the payload.
type Rule struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
}

type compiledRule struct {
	name string
	prg  cel.Program
}

// Guard validates payloads against a compiled schema and rule set.
// The zero configuration (no schema, no rules) admits everything.
type Guard struct {
	schema *jsonschema.Schema
	rules  []compiledRule
}

var _ ledger.Guard = (*Guard)(nil)

// New compiles the schema and rules into a Guard. schemaJSON may be empty
// to skip structural validation; each rule expression must compile in an
// environment exposing `payload` and `now`.
func New(schemaJSON string, rules []Rule) (*Guard, error) {
	g := &Guard{}

	if schemaJSON != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			return nil, fmt.Errorf("failed to load payload schema: %w", err)
		}
		compiled, err := c.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("failed to compile payload schema: %w", err)
		}
		g.schema = compiled
	}

	if len(rules) == 0 {
		return g, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule environment: %w", err)
	}
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i+1)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile rule %q: %w", name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to build rule program %q: %w", name, err)
		}
		g.rules = append(g.rules, compiledRule{name: name, prg: prg})
	}
	return g, nil
}

// Check validates one payload at the given server time. It implements
// ledger.Guard; every rejection is a *ledger.ValidationError naming the
// failing constraint.
func (g *Guard) Check(payload []byte, at time.Time) error {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return &ledger.ValidationError{Field: "payload", Reason: "not valid JSON"}
	}

	if g.schema != nil {
		if err := g.schema.Validate(doc); err != nil {
			return &ledger.ValidationError{Field: "payload", Reason: schemaReason(err)}
		}
	}

	if len(g.rules) == 0 {
		return nil
	}
	input := map[string]any{
		"payload": doc,
		"now":     at.Unix(),
	}
	for _, r := range g.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			return &ledger.ValidationError{
				Field:  "payload",
				Reason: fmt.Sprintf("rule %q failed to evaluate: %v", r.name, err),
			}
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return &ledger.ValidationError{
				Field:  "payload",
				Reason: fmt.Sprintf("rule %q did not yield a boolean", r.name),
			}
		}
		if !allowed {
			return &ledger.ValidationError{
				Field:  "payload",
				Reason: fmt.Sprintf("rejected by rule %q", r.name),
			}
		}
	}
	return nil
}

// schemaReason flattens a validation failure to its most specific cause,
// keeping the instance pointer so the caller knows which field to fix.
func schemaReason(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("schema violation at %s: %s", loc, leaf.Message)
}
