package blocks

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// mustCompileSchema compiles a block-config schema at startup. Schemas are
// static program data, so a compile failure panics.
func mustCompileSchema(name string, doc map[string]any) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("mem://%s.schema.json", name)
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("blocks: bad %s schema: %v", name, err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("blocks: bad %s schema: %v", name, err))
	}
	return s
}

// validateAgainst checks a resolved config against a compiled schema and
// classifies violations as config errors.
func validateAgainst(s *jsonschema.Schema, config map[string]any) error {
	if err := s.Validate(map[string]any(config)); err != nil {
		return Wrap(KindConfigInvalid, err, "config rejected by schema")
	}
	return nil
}
