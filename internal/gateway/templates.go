package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoTemplate is a configuration error: no URL template resolves for a backend.
var ErrNoTemplate = errors.New("no router url mapping found for backend")

const defaultBackend = "default"

// Templates is either one URL template used for every backend, or a map from
// backend name to template with an optional "default" entry.
type Templates struct {
	Single    string
	ByBackend map[string]string
}

func SingleTemplate(tmpl string) Templates {
	return Templates{Single: tmpl}
}

func BackendTemplates(m map[string]string) Templates {
	return Templates{ByBackend: m}
}

func (t Templates) IsZero() bool {
	return t.Single == "" && len(t.ByBackend) == 0
}

// Resolve returns the template for backend.
func (t Templates) Resolve(backend string) (string, error) {
	if t.ByBackend == nil {
		if t.Single == "" {
			return "", fmt.Errorf("%w '%s'", ErrNoTemplate, backend)
		}
		return t.Single, nil
	}
	if tmpl, ok := t.ByBackend[backend]; ok {
		return tmpl, nil
	}
	if tmpl, ok := t.ByBackend[defaultBackend]; ok {
		return tmpl, nil
	}
	return "", fmt.Errorf("%w '%s'", ErrNoTemplate, backend)
}

// UnmarshalYAML accepts a scalar template or a mapping of backend to template.
func (t *Templates) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*t = Templates{Single: s}
		return nil
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return err
		}
		*t = Templates{ByBackend: m}
		return nil
	default:
		return fmt.Errorf("line %d: router url must be a string or a backend mapping", node.Line)
	}
}

var placeholder = regexp.MustCompile(`%\((\w+)\)s|%%`)

// Expand substitutes %(name)s placeholders with query-escaped params. "%%"
// yields a literal "%". A placeholder without a param is a configuration error.
func Expand(tmpl string, params map[string]string) (string, error) {
	var missing []string

	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		if m == "%%" {
			return "%"
		}
		key := m[2 : len(m)-2]
		v, ok := params[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return url.QueryEscape(v)
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("template %q: missing params %s", tmpl, strings.Join(missing, ", "))
	}
	return out, nil
}
