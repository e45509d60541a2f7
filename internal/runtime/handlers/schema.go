package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/drblury/meshflow/internal/runtime/jsoncodec"
)

// Schema checks an encoded payload and lists what is wrong with it. An
// empty result means the payload is valid.
type Schema interface {
	Validate(data []byte) []string
}

// SchemaFunc adapts a plain function into a Schema.
type SchemaFunc func(data []byte) []string

func (f SchemaFunc) Validate(data []byte) []string { return f(data) }

// Predicate builds a schema from a boolean check on the decoded payload.
// problem is reported when fn returns false.
func Predicate[T any](fn func(T) bool, problem string) Schema {
	if problem == "" {
		problem = "payload rejected by predicate"
	}
	return SchemaFunc(func(data []byte) []string {
		var v T
		if err := jsoncodec.Unmarshal(data, &v); err != nil {
			return []string{fmt.Sprintf("payload does not decode into %T: %v", v, err)}
		}
		if !fn(v) {
			return []string{problem}
		}
		return nil
	})
}

var (
	structValidatorOnce sync.Once
	structValidator     *validator.Validate
)

func sharedValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
		structValidator.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return structValidator
}

// Struct builds a schema from the `validate` tags of struct type T. Problems
// name fields by their JSON key.
func Struct[T any]() Schema {
	return SchemaFunc(func(data []byte) []string {
		var v T
		if err := jsoncodec.Unmarshal(data, &v); err != nil {
			return []string{fmt.Sprintf("payload does not decode into %T: %v", v, err)}
		}
		err := sharedValidator().Struct(v)
		if err == nil {
			return nil
		}
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return []string{err.Error()}
		}
		problems := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			field := fe.Namespace()
			if _, rest, ok := strings.Cut(field, "."); ok {
				field = rest
			}
			problem := fmt.Sprintf("%s failed %q", field, fe.Tag())
			if fe.Param() != "" {
				problem += "=" + fe.Param()
			}
			problems = append(problems, problem)
		}
		return problems
	})
}

// SchemaRegistry maps message types to schemas.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]Schema)}
}

// Register replaces the schema of typ. A nil schema removes it.
func (r *SchemaRegistry) Register(typ string, schema Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if schema == nil {
		delete(r.schemas, typ)
		return
	}
	r.schemas[typ] = schema
}

func (r *SchemaRegistry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[typ]
	return ok
}

// Validate runs the schema of typ against data. Types without a schema are
// always valid.
func (r *SchemaRegistry) Validate(typ string, data []byte) []string {
	r.mu.RLock()
	schema, ok := r.schemas[typ]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return schema.Validate(data)
}
