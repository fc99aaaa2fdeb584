package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// templateVarPattern matches {{ name }} and {{ name|default("x") }}.
var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*(?:\|\s*default\(\s*(?:"([^"]*)"|'([^']*)'|([^)\s]+))\s*\))?\s*\}\}`)

// renderTemplate substitutes {{ variable }} references against the mapping.
// Non-strict: a missing variable with a default() filter yields the
// default; without one it yields the empty string.
func renderTemplate(template string, vars map[string]Value) string {
	return templateVarPattern.ReplaceAllStringFunc(template, func(match string) string {
		groups := templateVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if v, ok := vars[name]; ok {
			return stringify(v.Data)
		}
		// default("x"), default('x'), default(42)
		for _, g := range groups[2:] {
			if g != "" {
				return g
			}
		}
		return ""
	})
}

// resolveTemplateVars reads each mapped selector out of the pool. Missing
// selectors are simply absent, leaving the default() filter to fill in.
func resolveTemplateVars(pool *Pool, mapping map[string]string) map[string]Value {
	vars := make(map[string]Value, len(mapping))
	for name, selector := range mapping {
		if v, ok := pool.Get(selector); ok {
			vars[name] = v
		}
	}
	return vars
}

// stringify renders a pool value for templates and prompts.
func stringify(data interface{}) string {
	switch v := data.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// renderSelectors substitutes {{ selector }} references where the names are
// full pool selectors, for llm prompts.
var selectorPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*\.[a-zA-Z0-9_.]+)\s*\}\}`)

func renderSelectors(template string, pool *Pool) string {
	return selectorPattern.ReplaceAllStringFunc(template, func(match string) string {
		groups := selectorPattern.FindStringSubmatch(match)
		if v, ok := pool.Get(strings.TrimSpace(groups[1])); ok {
			return stringify(v.Data)
		}
		return ""
	})
}
