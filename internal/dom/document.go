// Package dom provides a small document object model over golang.org/x/net/html trees.
//
// Strategies render into an Element, listen for events on it and read its measured box.
// There is no layout engine: box metrics come from a pluggable Measurer. A Document is not
// safe for concurrent use; callers serialize access the way a browser event loop would.
package dom

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Frame is the parent browsing context of an embedded document.
type Frame interface {
	PostMessage(message any, targetOrigin string) error
}

// Document owns an HTML tree together with its listeners, measurer and parent frame.
type Document struct {
	root      *html.Node
	listeners map[*html.Node]map[string][]*listenerEntry
	nextID    uint64
	measurer  Measurer
	frame     Frame
}

const emptyDocument = "<!DOCTYPE html><html><head></head><body></body></html>"

// NewDocument returns an empty HTML document.
func NewDocument() *Document {
	doc, err := ParseString(emptyDocument)
	if err != nil {
		panic(fmt.Sprintf("dom: parse empty document: %v", err))
	}
	return doc
}

// Parse reads a complete HTML document.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return &Document{
		root:      root,
		listeners: make(map[*html.Node]map[string][]*listenerEntry),
		measurer:  DefaultMeasurer(),
	}, nil
}

// ParseString reads a complete HTML document from a string.
func ParseString(markup string) (*Document, error) {
	return Parse(strings.NewReader(markup))
}

// Wrap returns the Element for a node belonging to this document.
func (d *Document) Wrap(node *html.Node) *Element {
	if node == nil {
		return nil
	}
	return &Element{doc: d, node: node}
}

// DocumentElement returns the <html> element.
func (d *Document) DocumentElement() *Element {
	for c := d.root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Html {
			return d.Wrap(c)
		}
	}
	return nil
}

// Head returns the <head> element.
func (d *Document) Head() *Element {
	return d.QuerySelector("head")
}

// Body returns the <body> element.
func (d *Document) Body() *Element {
	return d.QuerySelector("body")
}

// CreateElement returns a detached element owned by this document.
func (d *Document) CreateElement(tag string) *Element {
	name := strings.ToLower(strings.TrimSpace(tag))
	return d.Wrap(&html.Node{
		Type:     html.ElementNode,
		Data:     name,
		DataAtom: atom.Lookup([]byte(name)),
	})
}

// GetElementByID returns the first element with the provided id.
func (d *Document) GetElementByID(id string) *Element {
	var found *html.Node
	walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && attr(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	return d.Wrap(found)
}

// QuerySelector returns the first element in the document matching selector.
func (d *Document) QuerySelector(selector string) *Element {
	return d.Wrap(queryFirst(d.root, selector))
}

// QuerySelectorAll returns all elements in the document matching selector.
func (d *Document) QuerySelectorAll(selector string) []*Element {
	return d.wrapAll(queryAll(d.root, selector))
}

// SetMeasurer replaces the box measurer. A nil measurer restores the default.
func (d *Document) SetMeasurer(m Measurer) {
	if m == nil {
		m = DefaultMeasurer()
	}
	d.measurer = m
}

// AttachFrame marks the document as embedded in the provided parent frame.
func (d *Document) AttachFrame(frame Frame) {
	d.frame = frame
}

// Frame returns the parent frame, or nil when the document is top-level.
func (d *Document) Frame() Frame {
	return d.frame
}

// Embedded reports whether the document has a parent frame.
func (d *Document) Embedded() bool {
	return d.frame != nil
}

// Render writes the document as HTML.
func (d *Document) Render(w io.Writer) error {
	return html.Render(w, d.root)
}

// String renders the document, returning an empty string on failure.
func (d *Document) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

func (d *Document) wrapAll(nodes []*html.Node) []*Element {
	out := make([]*Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, d.Wrap(n))
	}
	return out
}

func (d *Document) forgetSubtree(n *html.Node) {
	if len(d.listeners) == 0 {
		return
	}
	walk(n, func(c *html.Node) bool {
		delete(d.listeners, c)
		return true
	})
}

// walk visits n and its descendants in document order until fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return true
		}
	}
	return false
}
