package reasoning

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOutput marks a completion that was not a valid structured
// output: unparseable, incomplete, or schema-violating.
var ErrInvalidOutput = errors.New("reasoning: invalid structured output")

// Schema describes the shape a structured output must satisfy. Validation is
// deliberately shallow: the consuming stage decodes the fields it needs; the
// schema only guarantees an output is present, complete, and non-trivial so
// that an empty or truncated completion never masquerades as success.
type Schema struct {
	// Name identifies the schema in error messages.
	Name string
	// Required lists top-level keys that must be present and non-empty.
	Required []string
	// MinLength maps a string field to its minimum length in runes.
	MinLength map[string]int
}

// Validate checks out against the schema.
func (s Schema) Validate(out map[string]any) error {
	if out == nil {
		return fmt.Errorf("schema %s: output is empty", s.Name)
	}

	for _, key := range s.Required {
		value, ok := out[key]
		if !ok || value == nil {
			return fmt.Errorf("schema %s: missing required field %q", s.Name, key)
		}
		if empty(value) {
			return fmt.Errorf("schema %s: required field %q is empty", s.Name, key)
		}
	}

	for key, min := range s.MinLength {
		str, ok := out[key].(string)
		if !ok {
			return fmt.Errorf("schema %s: field %q is not a string", s.Name, key)
		}
		if len(strings.TrimSpace(str)) < min {
			return fmt.Errorf("schema %s: field %q shorter than %d characters", s.Name, key, min)
		}
	}

	return nil
}

func empty(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}
