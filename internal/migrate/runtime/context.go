package runtime

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// Context is the shared variable store threaded through a plan run. One
// instance is created per run and mutated by every block in sequence. Blocks
// never execute concurrently against the same context, so access is not
// synchronized.
type Context struct {
	projectRoot string
	vars        map[string]any
}

func NewContext(projectRoot string) *Context {
	return &Context{
		projectRoot: strings.TrimSpace(projectRoot),
		vars:        map[string]any{},
	}
}

func (c *Context) ProjectRoot() string { return c.projectRoot }

func (c *Context) Get(name string) (any, bool) {
	v, ok := c.vars[name]
	return v, ok
}

func (c *Context) Set(name string, value any) {
	c.vars[name] = value
}

func (c *Context) Remove(name string) {
	delete(c.vars, name)
}

// Variables returns a copy of the variable map. Diagnostics only; mutating
// the copy does not touch the context.
func (c *Context) Variables() map[string]any {
	out := make(map[string]any, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// Substitute replaces every ${name} occurrence in template with the named
// variable's string form. Resolution is a single left-to-right pass over the
// original template: substituted values are never re-scanned, so a value
// containing ${...} stays literal. Referencing a name absent from the
// context fails the whole call with a *TemplateError naming every missing
// variable; an unset variable never silently becomes "" or a literal ${name}.
func (c *Context) Substitute(template string) (string, error) {
	if !strings.Contains(template, "${") {
		return template, nil
	}
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := m[2 : len(m)-1]
		v, ok := c.vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return stringify(v)
	})
	if len(missing) > 0 {
		return "", &TemplateError{Template: template, Missing: dedupeSorted(missing)}
	}
	return out, nil
}

// ResolveName resolves a variable name that may itself be templated, e.g. a
// batch block receiving its collection under ${collection_var}.
func (c *Context) ResolveName(name string) (string, error) {
	resolved, err := c.Substitute(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resolved), nil
}

// PlaceholderNames returns the distinct ${name} references in template, in
// sorted order. Used to derive a block's required variables.
func PlaceholderNames(template string) []string {
	matches := placeholderRe.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return nil
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return dedupeSorted(names)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func dedupeSorted(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	for _, s := range in {
		if len(out) > 0 && s == out[len(out)-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
