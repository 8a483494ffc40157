package tutorapi

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidResponse is returned when a response body does not match the expected shape.
var ErrInvalidResponse = errors.New("invalid response")

// jsonSchema compiles its source on first use.
type jsonSchema struct {
	name   string
	source string

	once     sync.Once
	compiled *gojsonschema.Schema
	err      error
}

func (s *jsonSchema) load() (*gojsonschema.Schema, error) {
	s.once.Do(func() {
		s.compiled, s.err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(s.source))
	})
	return s.compiled, s.err
}

var levelsSchema = &jsonSchema{
	name: "levels",
	source: `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["level", "is_unlocked"],
    "properties": {
      "level":          {"type": "string", "minLength": 1},
      "display_name":   {"type": "string"},
      "is_unlocked":    {"type": "boolean"},
      "is_completed":   {"type": "boolean"},
      "correct_count":  {"type": "integer", "minimum": 0},
      "required_count": {"type": "integer", "minimum": 0}
    }
  }
}`,
}

var questionsSchema = &jsonSchema{
	name: "questions",
	source: `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "text", "choices"],
    "properties": {
      "id":          {"type": "integer"},
      "text":        {"type": "string"},
      "explanation": {"type": ["string", "null"]},
      "choices": {
        "type": "array",
        "minItems": 1,
        "items": {
          "type": "object",
          "required": ["id", "text"],
          "properties": {
            "id":   {"type": "integer"},
            "text": {"type": "string"}
          }
        }
      }
    }
  }
}`,
}

func validate(schema *jsonSchema, data []byte) error {
	compiled, err := schema.load()
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", schema.name, err)
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, schema.name, err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return fmt.Errorf("%w: %s: %s", ErrInvalidResponse, schema.name, strings.Join(problems, "; "))
}
