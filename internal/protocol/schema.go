package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	schemaOnce sync.Once
	schemaErr  error
	decisionS  *jsonschema.Schema
	beliefS    *jsonschema.Schema
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	for _, name := range []string{"decision.schema.json", "belief.schema.json"} {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			schemaErr = err
			return
		}
		if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
			schemaErr = fmt.Errorf("%s: %w", name, err)
			return
		}
	}
	if decisionS, schemaErr = c.Compile("decision.schema.json"); schemaErr != nil {
		return
	}
	beliefS, schemaErr = c.Compile("belief.schema.json")
}

// DecisionSchema returns the raw JSON Schema of a DecisionResponse.
func DecisionSchema() json.RawMessage {
	raw, _ := schemaFS.ReadFile("schemas/decision.schema.json")
	return raw
}

// BeliefSchema returns the raw JSON Schema of a BeliefResponse.
func BeliefSchema() json.RawMessage {
	raw, _ := schemaFS.ReadFile("schemas/belief.schema.json")
	return raw
}

// ValidateDecision checks a raw decision response document.
func ValidateDecision(raw []byte) error {
	return validate(raw, func() *jsonschema.Schema { return decisionS })
}

// ValidateBelief checks a raw belief response document.
func ValidateBelief(raw []byte) error {
	return validate(raw, func() *jsonschema.Schema { return beliefS })
}

func validate(raw []byte, pick func() *jsonschema.Schema) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return pick().Validate(v)
}
