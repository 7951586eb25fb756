package dom

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Element is a handle on an element node of a Document. Handles are cheap; two handles for the
// same node are interchangeable.
type Element struct {
	doc  *Document
	node *html.Node
}

// Node exposes the underlying html node.
func (e *Element) Node() *html.Node { return e.node }

// Document returns the owning document.
func (e *Element) Document() *Document { return e.doc }

// Tag returns the lower-case tag name.
func (e *Element) Tag() string { return e.node.Data }

// Is reports whether both handles point at the same node.
func (e *Element) Is(other *Element) bool {
	return e != nil && other != nil && e.node == other.node
}

// Parent returns the parent element, or nil for the root or a detached element.
func (e *Element) Parent() *Element {
	p := e.node.Parent
	if p == nil || p.Type != html.ElementNode {
		return nil
	}
	return e.doc.Wrap(p)
}

// Closest returns the nearest inclusive ancestor matching selector.
func (e *Element) Closest(selector string) *Element {
	sel, err := compileCached(selector)
	if err != nil {
		return nil
	}
	for n := e.node; n != nil; n = n.Parent {
		if n.Type == html.ElementNode && sel.match(n) {
			return e.doc.Wrap(n)
		}
	}
	return nil
}

// Contains reports whether other is e or one of its descendants.
func (e *Element) Contains(other *Element) bool {
	if other == nil {
		return false
	}
	for n := other.node; n != nil; n = n.Parent {
		if n == e.node {
			return true
		}
	}
	return false
}

// Children returns the element children.
func (e *Element) Children() []*Element {
	var out []*Element
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, e.doc.Wrap(c))
		}
	}
	return out
}

// GetAttribute returns the attribute value or "" when absent.
func (e *Element) GetAttribute(key string) string {
	return attr(e.node, key)
}

// HasAttribute reports whether the attribute is present.
func (e *Element) HasAttribute(key string) bool {
	return hasAttr(e.node, key)
}

// SetAttribute sets or replaces an attribute.
func (e *Element) SetAttribute(key, value string) {
	for i, a := range e.node.Attr {
		if a.Namespace == "" && a.Key == key {
			e.node.Attr[i].Val = value
			return
		}
	}
	e.node.Attr = append(e.node.Attr, html.Attribute{Key: key, Val: value})
}

// RemoveAttribute deletes an attribute if present.
func (e *Element) RemoveAttribute(key string) {
	out := e.node.Attr[:0]
	for _, a := range e.node.Attr {
		if a.Namespace == "" && a.Key == key {
			continue
		}
		out = append(out, a)
	}
	e.node.Attr = out
}

// ID returns the id attribute.
func (e *Element) ID() string { return e.GetAttribute("id") }

// ClassName returns the raw class attribute.
func (e *Element) ClassName() string { return e.GetAttribute("class") }

// SetClassName replaces the class attribute.
func (e *Element) SetClassName(value string) { e.SetAttribute("class", value) }

// HasClass reports whether the class list contains name.
func (e *Element) HasClass(name string) bool {
	for _, c := range strings.Fields(e.ClassName()) {
		if c == name {
			return true
		}
	}
	return false
}

// AddClass appends class names not already present.
func (e *Element) AddClass(names ...string) {
	classes := strings.Fields(e.ClassName())
	for _, name := range names {
		if name == "" || containsString(classes, name) {
			continue
		}
		classes = append(classes, name)
	}
	e.SetClassName(strings.Join(classes, " "))
}

// RemoveClass drops the provided class names.
func (e *Element) RemoveClass(names ...string) {
	if !e.HasAttribute("class") {
		return
	}
	classes := strings.Fields(e.ClassName())
	kept := classes[:0]
	for _, c := range classes {
		if containsString(names, c) {
			continue
		}
		kept = append(kept, c)
	}
	e.SetClassName(strings.Join(kept, " "))
}

// Style returns an inline style property value.
func (e *Element) Style(property string) string {
	for _, decl := range parseStyle(e.GetAttribute("style")) {
		if decl.name == strings.ToLower(strings.TrimSpace(property)) {
			return decl.value
		}
	}
	return ""
}

// SetStyle sets an inline style property, preserving the order of existing declarations.
func (e *Element) SetStyle(property, value string) {
	name := strings.ToLower(strings.TrimSpace(property))
	decls := parseStyle(e.GetAttribute("style"))
	replaced := false
	for i := range decls {
		if decls[i].name == name {
			decls[i].value = value
			replaced = true
		}
	}
	if !replaced {
		decls = append(decls, styleDecl{name: name, value: value})
	}
	e.SetAttribute("style", formatStyle(decls))
}

// Value returns the value attribute.
func (e *Element) Value() string { return e.GetAttribute("value") }

// SetValue sets the value attribute.
func (e *Element) SetValue(v string) { e.SetAttribute("value", v) }

// Checked reports the checked state of a checkbox or radio input.
func (e *Element) Checked() bool { return e.HasAttribute("checked") }

// SetChecked sets the checked state. Checking a radio unchecks the rest of its group.
func (e *Element) SetChecked(checked bool) {
	if !checked {
		e.RemoveAttribute("checked")
		return
	}
	if e.inputType() == "radio" {
		for _, peer := range e.radioGroup() {
			if !peer.Is(e) {
				peer.RemoveAttribute("checked")
			}
		}
	}
	e.SetAttribute("checked", "")
}

// TextContent concatenates all descendant text.
func (e *Element) TextContent() string {
	var b strings.Builder
	walk(e.node, func(n *html.Node) bool {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		return true
	})
	return b.String()
}

// SetTextContent replaces all children with a single text node.
func (e *Element) SetTextContent(text string) {
	e.Clear()
	if text == "" {
		return
	}
	e.node.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

// InnerHTML serializes the element's children.
func (e *Element) InnerHTML() string {
	var buf bytes.Buffer
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return buf.String()
		}
	}
	return buf.String()
}

// OuterHTML serializes the element itself.
func (e *Element) OuterHTML() string {
	var buf bytes.Buffer
	_ = html.Render(&buf, e.node)
	return buf.String()
}

// SetInnerHTML replaces the children with the parsed markup fragment.
func (e *Element) SetInnerHTML(markup string) error {
	nodes, err := html.ParseFragment(strings.NewReader(markup), &html.Node{
		Type:     html.ElementNode,
		Data:     e.node.Data,
		DataAtom: e.node.DataAtom,
	})
	if err != nil {
		return fmt.Errorf("dom: parse fragment: %w", err)
	}
	e.Clear()
	for _, n := range nodes {
		e.node.AppendChild(n)
	}
	return nil
}

// Clear removes all children and drops listeners registered inside them.
func (e *Element) Clear() {
	for c := e.node.FirstChild; c != nil; {
		next := c.NextSibling
		e.node.RemoveChild(c)
		e.doc.forgetSubtree(c)
		c = next
	}
}

// AppendChild appends child, detaching it from its previous parent first.
func (e *Element) AppendChild(child *Element) *Element {
	if child.node.Parent != nil {
		child.node.Parent.RemoveChild(child.node)
	}
	e.node.AppendChild(child.node)
	return child
}

// AppendText appends a text node.
func (e *Element) AppendText(text string) {
	e.node.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

// Remove detaches the element from its parent.
func (e *Element) Remove() {
	if e.node.Parent != nil {
		e.node.Parent.RemoveChild(e.node)
	}
	e.doc.forgetSubtree(e.node)
}

// QuerySelector returns the first descendant matching selector, or nil.
func (e *Element) QuerySelector(selector string) *Element {
	return e.doc.Wrap(queryFirst(e.node, selector))
}

// QuerySelectorAll returns all descendants matching selector in document order.
func (e *Element) QuerySelectorAll(selector string) []*Element {
	return e.doc.wrapAll(queryAll(e.node, selector))
}

// Matches reports whether the element matches selector.
func (e *Element) Matches(selector string) bool {
	sel, err := compileCached(selector)
	if err != nil {
		return false
	}
	return sel.match(e.node)
}

// Box measures the element with the document's measurer.
func (e *Element) Box() Box {
	return e.doc.measurer.Measure(e)
}

func (e *Element) inputType() string {
	if e.node.DataAtom != atom.Input {
		return ""
	}
	typ := strings.ToLower(e.GetAttribute("type"))
	if typ == "" {
		return "text"
	}
	return typ
}

func (e *Element) disabled() bool {
	return e.HasAttribute("disabled")
}

func (e *Element) radioGroup() []*Element {
	name := e.GetAttribute("name")
	if name == "" {
		return []*Element{e}
	}
	scope := e.node
	for scope.Parent != nil {
		if scope.DataAtom == atom.Form {
			break
		}
		scope = scope.Parent
	}
	var out []*Element
	walk(scope, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Input &&
			strings.EqualFold(attr(n, "type"), "radio") && attr(n, "name") == name {
			out = append(out, e.doc.Wrap(n))
		}
		return true
	})
	return out
}

// labeledControl returns the input a label activates: its for= target or first descendant input.
func (e *Element) labeledControl() *Element {
	if id := e.GetAttribute("for"); id != "" {
		return e.doc.GetElementByID(id)
	}
	return e.QuerySelector("input")
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type styleDecl struct {
	name  string
	value string
}

func parseStyle(raw string) []styleDecl {
	var out []styleDecl
	for _, part := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		out = append(out, styleDecl{name: name, value: strings.TrimSpace(value)})
	}
	return out
}

func formatStyle(decls []styleDecl) string {
	parts := make([]string, 0, len(decls))
	for _, d := range decls {
		parts = append(parts, d.name+": "+d.value)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "; ") + ";"
}
