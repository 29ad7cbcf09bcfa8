package eval

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stackd-io/stackd/internal/ir"
)

// Evaluator turns template source files into engine-ready templates. Before
// decoding, ${name} placeholders are substituted from the evaluator's
// properties, falling back to the process environment.
type Evaluator struct {
	properties map[string]string
}

func NewEvaluator(properties map[string]string) *Evaluator {
	return &Evaluator{properties: properties}
}

// LoadTemplate evaluates the template file at path.
func (e *Evaluator) LoadTemplate(path string) (*ir.Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	return e.Parse(raw, path)
}

// Parse evaluates raw template bytes; source names them in errors.
func (e *Evaluator) Parse(raw []byte, source string) (*ir.Template, error) {
	expanded, err := e.interpolate(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate template %s: %w", source, err)
	}

	var tmpl ir.Template
	if err := yaml.Unmarshal([]byte(expanded), &tmpl); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", source, err)
	}
	if err := validate(&tmpl); err != nil {
		return nil, fmt.Errorf("invalid template %s: %w", source, err)
	}
	return &tmpl, nil
}

// interpolate substitutes every ${name} placeholder. $${name} escapes to a
// literal ${name}. An unresolvable placeholder is an error rather than an
// empty string, so a typo never silently provisions the wrong thing.
func (e *Evaluator) interpolate(s string) (string, error) {
	var out strings.Builder
	out.Grow(len(s))

	for {
		i := strings.Index(s, "${")
		if i < 0 {
			out.WriteString(s)
			return out.String(), nil
		}
		if i > 0 && s[i-1] == '$' {
			out.WriteString(s[:i-1])
			out.WriteString("${")
			s = s[i+2:]
			continue
		}

		end := strings.IndexByte(s[i:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder %q", s[i:])
		}
		name := s[i+2 : i+end]

		value, ok := e.properties[name]
		if !ok {
			value, ok = os.LookupEnv(name)
		}
		if !ok {
			return "", fmt.Errorf("undefined property %q", name)
		}

		out.WriteString(s[:i])
		out.WriteString(value)
		s = s[i+end+1:]
	}
}

func validate(tmpl *ir.Template) error {
	if len(tmpl.Resources) == 0 {
		return fmt.Errorf("template declares no resources")
	}
	for name, def := range tmpl.Resources {
		if def == nil || def.Type == "" {
			return fmt.Errorf("resources.%s has no type", name)
		}
	}
	if tmpl.TimeoutMinutes < 0 {
		return fmt.Errorf("timeout_minutes must not be negative")
	}
	return nil
}
