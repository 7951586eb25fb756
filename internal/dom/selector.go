package dom

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// Supported selector grammar: comma separated lists of descendant chains of compound selectors
// built from a tag (or *), #id, .class, [attr], [attr=value] and [attr="value"].

type attrSelector struct {
	key      string
	value    string
	hasValue bool
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrSelector
}

type chain []compound

type selector []chain

var selectorCache sync.Map

func compileCached(raw string) (selector, error) {
	if cached, ok := selectorCache.Load(raw); ok {
		return cached.(selector), nil
	}
	sel, err := compileSelector(raw)
	if err != nil {
		return nil, err
	}
	selectorCache.Store(raw, sel)
	return sel, nil
}

// ValidSelector reports whether raw is within the supported selector grammar.
func ValidSelector(raw string) error {
	_, err := compileCached(raw)
	return err
}

func compileSelector(raw string) (selector, error) {
	var out selector
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("dom: empty selector in %q", raw)
		}
		var c chain
		for _, token := range splitDescendants(part) {
			cmp, err := parseCompound(token)
			if err != nil {
				return nil, fmt.Errorf("dom: selector %q: %w", raw, err)
			}
			c = append(c, cmp)
		}
		out = append(out, c)
	}
	return out, nil
}

// splitDescendants splits on whitespace outside attribute brackets.
func splitDescendants(s string) []string {
	var out []string
	var cur strings.Builder
	depth := 0
	quote := byte(0)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == '[':
			depth++
		case ch == ']':
			depth--
		case depth == 0 && (ch == ' ' || ch == '\t' || ch == '\n'):
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteByte(ch)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func parseCompound(token string) (compound, error) {
	var c compound
	i := 0
	readIdent := func() string {
		start := i
		for i < len(token) && isIdentChar(token[i]) {
			i++
		}
		return token[start:i]
	}
	if i < len(token) && token[i] == '*' {
		i++
	} else if i < len(token) && isIdentChar(token[i]) {
		c.tag = strings.ToLower(readIdent())
	}
	for i < len(token) {
		switch token[i] {
		case '#':
			i++
			id := readIdent()
			if id == "" {
				return c, fmt.Errorf("empty id")
			}
			c.id = id
		case '.':
			i++
			class := readIdent()
			if class == "" {
				return c, fmt.Errorf("empty class")
			}
			c.classes = append(c.classes, class)
		case '[':
			end := strings.IndexByte(token[i:], ']')
			if end < 0 {
				return c, fmt.Errorf("unterminated attribute selector")
			}
			body := token[i+1 : i+end]
			i += end + 1
			key, value, hasValue := strings.Cut(body, "=")
			key = strings.TrimSpace(key)
			if key == "" {
				return c, fmt.Errorf("empty attribute name")
			}
			value = strings.Trim(strings.TrimSpace(value), `"'`)
			c.attrs = append(c.attrs, attrSelector{key: strings.ToLower(key), value: value, hasValue: hasValue})
		default:
			return c, fmt.Errorf("unsupported token %q", token[i:])
		}
	}
	return c, nil
}

func isIdentChar(ch byte) bool {
	return ch == '-' || ch == '_' ||
		(ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

func (c compound) match(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && n.Data != c.tag {
		return false
	}
	if c.id != "" && attr(n, "id") != c.id {
		return false
	}
	if len(c.classes) > 0 {
		have := strings.Fields(attr(n, "class"))
		for _, class := range c.classes {
			if !containsString(have, class) {
				return false
			}
		}
	}
	for _, a := range c.attrs {
		if !hasAttr(n, a.key) {
			return false
		}
		if a.hasValue && attr(n, a.key) != a.value {
			return false
		}
	}
	return true
}

func (c chain) match(n *html.Node) bool {
	last := len(c) - 1
	if !c[last].match(n) {
		return false
	}
	idx := last - 1
	for p := n.Parent; p != nil && idx >= 0; p = p.Parent {
		if c[idx].match(p) {
			idx--
		}
	}
	return idx < 0
}

func (s selector) match(n *html.Node) bool {
	for _, c := range s {
		if c.match(n) {
			return true
		}
	}
	return false
}

func queryFirst(scope *html.Node, raw string) *html.Node {
	sel, err := compileCached(raw)
	if err != nil {
		return nil
	}
	var found *html.Node
	for c := scope.FirstChild; c != nil && found == nil; c = c.NextSibling {
		walk(c, func(n *html.Node) bool {
			if sel.match(n) {
				found = n
				return false
			}
			return true
		})
	}
	return found
}

func queryAll(scope *html.Node, raw string) []*html.Node {
	sel, err := compileCached(raw)
	if err != nil {
		return nil
	}
	var out []*html.Node
	for c := scope.FirstChild; c != nil; c = c.NextSibling {
		walk(c, func(n *html.Node) bool {
			if sel.match(n) {
				out = append(out, n)
			}
			return true
		})
	}
	return out
}
