// Package validate checks admin and customer request bodies against embedded
// JSON schemas before they are decoded into typed requests. Schema names are
// the embedded file names without extension.
package validate

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemas = map[string]*jsonschema.Schema{}

func init() {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		panic(fmt.Sprintf("validate: read schemas: %v", err))
	}
	for _, entry := range entries {
		raw, err := schemaFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			panic(fmt.Sprintf("validate: read %s: %v", entry.Name(), err))
		}
		sch, err := jsonschema.CompileString(entry.Name(), string(raw))
		if err != nil {
			panic(fmt.Sprintf("validate: compile %s: %v", entry.Name(), err))
		}
		schemas[strings.TrimSuffix(entry.Name(), ".json")] = sch
	}
}

// Body validates a JSON request body against the named schema. The returned
// error message is safe to echo to API clients.
func Body(name string, data []byte) error {
	sch, ok := schemas[name]
	if !ok {
		panic(fmt.Sprintf("validate: unknown schema %q", name))
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return errors.New("invalid JSON")
	}
	if err := sch.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return errors.New(leafMessage(ve))
		}
		return err
	}
	return nil
}

// leafMessage walks to the most specific cause so clients see "/value:
// does not match pattern" instead of the full validation tree.
func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.InstanceLocation == "" {
		return ve.Message
	}
	return fmt.Sprintf("%s: %s", ve.InstanceLocation, ve.Message)
}
