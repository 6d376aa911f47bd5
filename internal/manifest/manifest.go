// Package manifest parses manifest-style module headers into declarations.
//
// A header value is a comma separated list of clauses. Each clause starts with
// one or more ';' separated paths followed by ';' separated parameters:
//
//	startup.component;componentKey="transport-mgt";requiredCapability="svc.a,svc.b",
//	capability;name="svc.a";count="2";dependentComponentKey="transport-mgt"
//
// Parameters written as key=value are attributes, key:=value are directives.
// Values may be double quoted; inside quotes ',' and ';' lose their meaning
// and '\' escapes the next character.
package manifest

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidHeader is returned for header values that do not follow the clause grammar.
var ErrInvalidHeader = errors.New("invalid manifest header")

// ModuleRef identifies a loaded module by name and version.
type ModuleRef struct {
	Name    string
	Version string
}

func (m ModuleRef) String() string {
	if m.Version == "" {
		return m.Name
	}
	return m.Name + ":" + m.Version
}

// Element is one parsed clause of a header.
type Element struct {
	Header string
	Value  string
	Module ModuleRef

	attributes map[string][]string
	directives map[string][]string
}

// NewElement builds an Element directly, mostly for tests and runtimes that
// store declarations in structured form.
func NewElement(header, value string, module ModuleRef, attrs map[string]string) Element {
	e := Element{Header: header, Value: value, Module: module}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.addAttribute(k, attrs[k])
	}
	return e
}

// Attribute returns the last value recorded for key, or "" when absent.
func (e Element) Attribute(key string) string {
	values := e.attributes[key]
	if len(values) == 0 {
		return ""
	}
	return values[len(values)-1]
}

// HasAttribute reports whether key was declared, even with an empty value.
func (e Element) HasAttribute(key string) bool {
	_, ok := e.attributes[key]
	return ok
}

// Attributes returns every value recorded for key in declaration order.
func (e Element) Attributes(key string) []string {
	return append([]string(nil), e.attributes[key]...)
}

// Directive returns the last value recorded for the directive key.
func (e Element) Directive(key string) string {
	values := e.directives[key]
	if len(values) == 0 {
		return ""
	}
	return values[len(values)-1]
}

// AttributeKeys returns the attribute names in sorted order.
func (e Element) AttributeKeys() []string {
	return sortedKeys(e.attributes)
}

func (e Element) String() string {
	var b strings.Builder
	b.WriteString(e.Value)
	for _, k := range sortedKeys(e.attributes) {
		for _, v := range e.attributes[k] {
			fmt.Fprintf(&b, ";%s=%q", k, v)
		}
	}
	for _, k := range sortedKeys(e.directives) {
		for _, v := range e.directives[k] {
			fmt.Fprintf(&b, ";%s:=%q", k, v)
		}
	}
	return b.String()
}

func (e *Element) addAttribute(key, value string) {
	if e.attributes == nil {
		e.attributes = make(map[string][]string)
	}
	e.attributes[key] = append(e.attributes[key], value)
}

func (e *Element) addDirective(key, value string) {
	if e.directives == nil {
		e.directives = make(map[string][]string)
	}
	e.directives[key] = append(e.directives[key], value)
}

// Parse parses the value of header declared by module.
// An empty value yields no elements.
func Parse(header, value string, module ModuleRef) ([]Element, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	invalid := func(reason string) error {
		return fmt.Errorf("manifest: header %s in module %s: %w: %s", header, module, ErrInvalidHeader, reason)
	}

	clauses, err := splitUnquoted(value, ',')
	if err != nil {
		return nil, invalid(err.Error())
	}

	elements := make([]Element, 0, len(clauses))
	for _, clause := range clauses {
		parts, err := splitUnquoted(clause, ';')
		if err != nil {
			return nil, invalid(err.Error())
		}

		elem := Element{Header: header, Module: module}
		var paths []string
		params := 0
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				return nil, invalid(fmt.Sprintf("empty segment in clause %q", strings.TrimSpace(clause)))
			}
			idx := indexUnquoted(part, '=')
			if idx < 0 {
				if params > 0 {
					return nil, invalid(fmt.Sprintf("path %q after parameters", part))
				}
				paths = append(paths, part)
				continue
			}

			key := part[:idx]
			directive := false
			if strings.HasSuffix(key, ":") {
				directive = true
				key = key[:len(key)-1]
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return nil, invalid(fmt.Sprintf("parameter without name in %q", part))
			}
			val, err := unquote(strings.TrimSpace(part[idx+1:]))
			if err != nil {
				return nil, invalid(err.Error())
			}
			if directive {
				elem.addDirective(key, val)
			} else {
				elem.addAttribute(key, val)
			}
			params++
		}
		if len(paths) == 0 {
			return nil, invalid(fmt.Sprintf("clause %q has no value", strings.TrimSpace(clause)))
		}
		elem.Value = strings.Join(paths, ";")
		elements = append(elements, elem)
	}
	return elements, nil
}

// SplitList splits a comma separated attribute value, trimming blanks.
func SplitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func splitUnquoted(s string, sep byte) ([]string, error) {
	var out []string
	start := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && inQuote:
			i++
		case c == '"':
			inQuote = !inQuote
		case c == sep && !inQuote:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	return append(out, s[start:]), nil
}

func indexUnquoted(s string, target byte) int {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && inQuote:
			i++
		case c == '"':
			inQuote = !inQuote
		case c == target && !inQuote:
			return i
		}
	}
	return -1
}

func unquote(raw string) (string, error) {
	if !strings.HasPrefix(raw, `"`) {
		if strings.Contains(raw, `"`) {
			return "", fmt.Errorf("stray quote in %q", raw)
		}
		return raw, nil
	}
	if len(raw) < 2 || !strings.HasSuffix(raw, `"`) {
		return "", fmt.Errorf("unterminated quote in %q", raw)
	}
	inner := raw[1 : len(raw)-1]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c == '\\' && i+1 < len(inner) {
			i++
			b.WriteByte(inner[i])
			continue
		}
		if c == '"' {
			return "", fmt.Errorf("unescaped quote in %q", raw)
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
