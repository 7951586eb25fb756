package dom

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = `<!DOCTYPE html><html><head></head><body>
<div id="item" class="qti-interaction" data-config-href="/cfg.json">
  <div class="qti-interaction-markup"><p>Pick one</p></div>
  <script type="application/json">{"strategy":"mcq"}</script>
</div>
</body></html>`

func mustParse(t *testing.T, markup string) *Document {
	t.Helper()
	doc, err := ParseString(markup)
	require.NoError(t, err)
	return doc
}

func TestQuerySelectorVariants(t *testing.T) {
	doc := mustParse(t, fixture)
	item := doc.GetElementByID("item")
	require.NotNil(t, item)

	assert.Equal(t, "/cfg.json", item.GetAttribute("data-config-href"))
	assert.NotNil(t, item.QuerySelector(".qti-interaction-markup"))
	assert.NotNil(t, item.QuerySelector(`script[type="application/json"]`))
	assert.NotNil(t, doc.QuerySelector("#item .qti-interaction-markup p"))
	assert.NotNil(t, doc.QuerySelector("div[data-config-href]"))
	assert.Nil(t, item.QuerySelector(`script[type="text/javascript"]`))
	assert.Len(t, doc.QuerySelectorAll("div"), 2)
	assert.Len(t, doc.QuerySelectorAll("p, script"), 2)

	script := item.QuerySelector(`script[type="application/json"]`)
	assert.Equal(t, `{"strategy":"mcq"}`, script.TextContent())
}

func TestQuerySelectorRejectsUnsupportedSyntax(t *testing.T) {
	doc := mustParse(t, fixture)
	assert.Nil(t, doc.QuerySelector(".qti-feedback:not(:empty)"))
	assert.Error(t, ValidSelector("div > p"))
	assert.NoError(t, ValidSelector("input.qti-choice-input[type=radio]"))
}

func TestClassAndStyleManipulation(t *testing.T) {
	doc := NewDocument()
	el := doc.CreateElement("div")
	doc.Body().AppendChild(el)

	el.AddClass("qti-simple-choice", "choice-correct")
	el.AddClass("choice-correct")
	assert.Equal(t, "qti-simple-choice choice-correct", el.ClassName())
	el.RemoveClass("choice-correct", "choice-missed")
	assert.True(t, el.HasClass("qti-simple-choice"))
	assert.False(t, el.HasClass("choice-correct"))

	el.SetStyle("cursor", "pointer")
	el.SetStyle("height", "120px")
	el.SetStyle("cursor", "default")
	assert.Equal(t, "cursor: default; height: 120px;", el.GetAttribute("style"))
	assert.Equal(t, "120px", el.Style("height"))
}

func TestSetInnerHTMLAndClearDropsListeners(t *testing.T) {
	doc := NewDocument()
	body := doc.Body()
	require.NoError(t, body.SetInnerHTML(`<button class="go">Go</button>`))
	button := body.QuerySelector("button.go")
	require.NotNil(t, button)

	calls := 0
	button.AddEventListener(EventClick, func(*Event) { calls++ })
	button.Click()
	assert.Equal(t, 1, calls)

	body.Clear()
	assert.Equal(t, "", body.InnerHTML())
	assert.Equal(t, 0, button.ListenerCount(EventClick))
}

func TestDispatchBubblesAndHonoursStopPropagation(t *testing.T) {
	doc := mustParse(t, fixture)
	item := doc.GetElementByID("item")
	inner := item.QuerySelector("p")

	var order []string
	item.AddEventListener("ping", func(e *Event) {
		order = append(order, "item:"+e.Target().Tag()+":"+e.CurrentTarget().ID())
	})
	inner.AddEventListener("ping", func(*Event) { order = append(order, "p") })

	inner.DispatchEvent(NewEvent("ping", EventInit{Bubbles: true}))
	assert.Equal(t, []string{"p", "item:p:item"}, order)

	order = nil
	inner.DispatchEvent(NewEvent("ping", EventInit{Bubbles: false}))
	assert.Equal(t, []string{"p"}, order)

	order = nil
	remove := inner.AddEventListener("ping", func(e *Event) { e.StopPropagation() })
	inner.DispatchEvent(NewEvent("ping", EventInit{Bubbles: true}))
	assert.Equal(t, []string{"p"}, order)
	remove()
	assert.Equal(t, 1, inner.ListenerCount("ping"))
}

func TestPreventDefaultOnlyForCancelable(t *testing.T) {
	doc := NewDocument()
	body := doc.Body()
	body.AddEventListener("x", func(e *Event) { e.PreventDefault() })

	assert.False(t, body.DispatchEvent(NewEvent("x", EventInit{Cancelable: true})))
	assert.True(t, body.DispatchEvent(NewEvent("x", EventInit{})))
}

func TestCheckboxClickTogglesAndFiresChange(t *testing.T) {
	doc := NewDocument()
	require.NoError(t, doc.Body().SetInnerHTML(`<input type="checkbox" value="c1">`))
	box := doc.QuerySelector("input")

	changes := 0
	box.AddEventListener(EventChange, func(*Event) { changes++ })
	box.Click()
	assert.True(t, box.Checked())
	box.Click()
	assert.False(t, box.Checked())
	assert.Equal(t, 2, changes)
}

func TestCancelledClickRestoresCheckbox(t *testing.T) {
	doc := NewDocument()
	require.NoError(t, doc.Body().SetInnerHTML(`<input type="checkbox">`))
	box := doc.QuerySelector("input")
	box.AddEventListener(EventClick, func(e *Event) { e.PreventDefault() })

	changes := 0
	box.AddEventListener(EventChange, func(*Event) { changes++ })
	box.Click()
	assert.False(t, box.Checked())
	assert.Zero(t, changes)
}

func TestRadioGroupIsExclusive(t *testing.T) {
	doc := NewDocument()
	require.NoError(t, doc.Body().SetInnerHTML(
		`<input type="radio" name="g" value="a"><input type="radio" name="g" value="b">`))
	radios := doc.QuerySelectorAll("input")
	require.Len(t, radios, 2)

	changes := 0
	doc.Body().AddEventListener(EventChange, func(*Event) { changes++ })
	radios[0].Click()
	radios[1].Click()
	radios[1].Click()

	assert.False(t, radios[0].Checked())
	assert.True(t, radios[1].Checked())
	assert.Equal(t, 2, changes, "re-clicking a checked radio fires no change")
}

func TestLabelClickActivatesControl(t *testing.T) {
	doc := NewDocument()
	require.NoError(t, doc.Body().SetInnerHTML(
		`<label><input type="checkbox" value="c1"><span class="txt">One</span></label>`))
	doc.QuerySelector("span.txt").Click()
	assert.True(t, doc.QuerySelector("input").Checked())
}

func TestFlowMeasurer(t *testing.T) {
	doc := NewDocument()
	require.NoError(t, doc.Body().SetInnerHTML(
		`<div id="m"><div>Prompt</div><div>A <span>b</span></div><img src="x.png"><script>{}</script></div>`))
	m := doc.GetElementByID("m")

	box := m.Box()
	assert.Equal(t, 24.0+24.0+120.0, box.OffsetHeight)
	assert.Equal(t, box.OffsetHeight, box.ScrollHeight)
	assert.Equal(t, 640.0, box.OffsetWidth)

	m.SetStyle("height", "100px")
	box = m.Box()
	assert.Equal(t, 100.0, box.OffsetHeight)
	assert.Equal(t, 168.0, box.ScrollHeight, "overflowing content keeps the scroll height")
	assert.Equal(t, 100.0, box.Rect.Height)
}

func TestCustomMeasurerAndFrame(t *testing.T) {
	doc := NewDocument()
	doc.SetMeasurer(MeasurerFunc(func(*Element) Box {
		return Box{OffsetHeight: 10, ScrollHeight: 30, Rect: Rect{Height: 20.5}}
	}))
	assert.Equal(t, 30.0, doc.Body().Box().ScrollHeight)
	assert.False(t, doc.Embedded())

	doc.AttachFrame(frameFunc(func(any, string) error { return nil }))
	assert.True(t, doc.Embedded())
}

func TestRenderRoundTrip(t *testing.T) {
	doc := mustParse(t, fixture)
	out := doc.String()
	assert.True(t, strings.Contains(out, `data-config-href="/cfg.json"`))
}

type frameFunc func(any, string) error

func (f frameFunc) PostMessage(msg any, origin string) error { return f(msg, origin) }
