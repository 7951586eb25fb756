package dom

import (
	"math"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Rect is the bounding client rectangle size of an element.
type Rect struct {
	Width  float64
	Height float64
}

// Box carries the three size readings a browser exposes for an element.
type Box struct {
	OffsetWidth  float64
	OffsetHeight float64
	ScrollWidth  float64
	ScrollHeight float64
	Rect         Rect
}

// Measurer computes box metrics for an element.
type Measurer interface {
	Measure(*Element) Box
}

// MeasurerFunc adapts a function to Measurer.
type MeasurerFunc func(*Element) Box

// Measure implements Measurer.
func (f MeasurerFunc) Measure(e *Element) Box { return f(e) }

// FlowMeasurer estimates boxes from the block structure of the tree: each run of inline content
// inside a block occupies one line, images occupy ImageHeight, and explicit px sizes in the
// inline style fix the offset size while the scroll size keeps the content estimate.
type FlowMeasurer struct {
	LineHeight  float64
	ImageHeight float64
	Width       float64
}

// DefaultMeasurer returns the FlowMeasurer used by new documents.
func DefaultMeasurer() FlowMeasurer {
	return FlowMeasurer{LineHeight: 24, ImageHeight: 120, Width: 640}
}

// Measure implements Measurer.
func (m FlowMeasurer) Measure(e *Element) Box {
	content := m.blockHeight(e.node)
	offsetH := content
	if h, ok := pxStyle(e.node, "height"); ok {
		offsetH = h
	}
	offsetW := m.Width
	if w, ok := pxStyle(e.node, "width"); ok {
		offsetW = w
	}
	return Box{
		OffsetWidth:  offsetW,
		OffsetHeight: offsetH,
		ScrollWidth:  offsetW,
		ScrollHeight: math.Max(content, offsetH),
		Rect:         Rect{Width: offsetW, Height: offsetH},
	}
}

func (m FlowMeasurer) blockHeight(n *html.Node) float64 {
	if hidden(n) {
		return 0
	}
	if n.Type == html.ElementNode && n.DataAtom == atom.Img {
		return m.ImageHeight
	}
	total := 0.0
	inlineRun := false
	flush := func() {
		if inlineRun {
			total += m.LineHeight
			inlineRun = false
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch {
		case c.Type == html.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				inlineRun = true
			}
		case c.Type != html.ElementNode || hidden(c):
		case isBlock(c):
			flush()
			if h, ok := pxStyle(c, "height"); ok {
				total += h
			} else {
				total += m.blockHeight(c)
			}
		default:
			if c.DataAtom == atom.Img {
				flush()
				total += m.ImageHeight
				continue
			}
			inlineRun = true
		}
	}
	flush()
	if minH, ok := pxStyle(n, "min-height"); ok && minH > total {
		return minH
	}
	return total
}

func hidden(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Head, atom.Template, atom.Link, atom.Meta:
		return true
	}
	return strings.Contains(strings.ReplaceAll(attr(n, "style"), " ", ""), "display:none")
}

func isBlock(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Div, atom.P, atom.Section, atom.Article, atom.Form, atom.Ul, atom.Ol, atom.Li,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Fieldset, atom.Body,
		atom.Html, atom.Main, atom.Header, atom.Footer, atom.Table, atom.Tr, atom.Button, atom.Label:
		return true
	}
	return false
}

func pxStyle(n *html.Node, property string) (float64, bool) {
	for _, decl := range parseStyle(attr(n, "style")) {
		if decl.name != property {
			continue
		}
		v := strings.TrimSuffix(strings.TrimSpace(decl.value), "px")
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
