package resize

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/strategy-runtime/internal/dom"
	"github.com/coachpo/strategy-runtime/internal/interaction"
)

type recordingFrame struct {
	messages []any
	origins  []string
	err      error
	panicMsg string
}

func (f *recordingFrame) PostMessage(msg any, origin string) error {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.messages = append(f.messages, msg)
	f.origins = append(f.origins, origin)
	return f.err
}

func fixedBox(box dom.Box) dom.Measurer {
	return dom.MeasurerFunc(func(*dom.Element) dom.Box { return box })
}

func newMount(t *testing.T) (*dom.Document, *dom.Element) {
	t.Helper()
	doc := dom.NewDocument()
	require.NoError(t, doc.Body().SetInnerHTML(`<div id="mount"></div>`))
	mount := doc.GetElementByID("mount")
	require.NotNil(t, mount)
	return doc, mount
}

func TestMeasureTakesLargestReadingPlusBuffer(t *testing.T) {
	cases := []dom.Box{
		{OffsetWidth: 300, OffsetHeight: 400, ScrollWidth: 200, ScrollHeight: 380, Rect: dom.Rect{Width: 299.5, Height: 399.6}},
		{OffsetWidth: 300, OffsetHeight: 400, ScrollWidth: 320, ScrollHeight: 450, Rect: dom.Rect{Width: 300, Height: 400}},
		{OffsetWidth: 300, OffsetHeight: 400, ScrollWidth: 300, ScrollHeight: 400, Rect: dom.Rect{Width: 300.4, Height: 400.7}},
	}
	for _, box := range cases {
		doc, mount := newMount(t)
		doc.SetMeasurer(fixedBox(box))
		dims := Default().Measure(mount)
		wantH := max(box.OffsetHeight, box.ScrollHeight, box.Rect.Height) + DefaultBuffer
		wantW := max(box.OffsetWidth, box.ScrollWidth, box.Rect.Width)
		assert.Equal(t, wantH, dims.Height)
		assert.Equal(t, wantW, dims.Width)
	}
}

func TestMeasurePrefersChoiceContainer(t *testing.T) {
	doc, mount := newMount(t)
	require.NoError(t, mount.SetInnerHTML(`<div class="qti-choice-interaction"></div>`))
	doc.SetMeasurer(dom.MeasurerFunc(func(e *dom.Element) dom.Box {
		if e.HasClass(ContainerClass) {
			return dom.Box{OffsetHeight: 100}
		}
		return dom.Box{OffsetHeight: 999}
	}))
	assert.Equal(t, 120.0, Default().Measure(mount).Height)
}

func TestNotifyDeliversChannelsInOrder(t *testing.T) {
	doc, mount := newMount(t)
	frame := &recordingFrame{}
	doc.AttachFrame(frame)

	var order []Channel
	mount.Parent().AddEventListener(EventContentSize, func(e *dom.Event) {
		assert.Equal(t, "100px", mount.Style("height"), "style applied before event")
		assert.True(t, e.Cancelable)
		assert.Equal(t, Dimensions{Width: 50, Height: 100}, e.Detail)
		order = append(order, ChannelEvent)
	})
	host := &interaction.HostConfig{OnContentResize: func(w, h float64) {
		assert.Len(t, frame.messages, 0, "callback precedes frame")
		assert.Equal(t, 50.0, w)
		assert.Equal(t, 100.0, h)
		order = append(order, ChannelCallback)
	}}

	Default().Notify(mount, host, Dimensions{Width: 50, Height: 100})

	assert.Equal(t, "100px", mount.Style("min-height"))
	assert.Equal(t, []Channel{ChannelEvent, ChannelCallback}, order)
	require.Len(t, frame.messages, 1)
	assert.Equal(t, FrameMessage{Type: "resize", Source: DefaultSource, Dimensions: Dimensions{Width: 50, Height: 100}}, frame.messages[0])
	assert.Equal(t, []string{"*"}, frame.origins)
}

func TestNotifyIsFailSoft(t *testing.T) {
	doc, mount := newMount(t)
	frame := &recordingFrame{panicMsg: "blocked"}
	doc.AttachFrame(frame)

	mount.AddEventListener(EventContentSize, func(*dom.Event) { panic("listener exploded") })
	called := false
	host := &interaction.HostConfig{OnContentResize: func(float64, float64) { called = true }}

	assert.NotPanics(t, func() {
		Default().Notify(mount, host, Dimensions{Height: 10})
	})
	assert.True(t, called, "callback runs after a failing event channel")
	assert.Equal(t, "10px", mount.Style("height"))

	frame.panicMsg = ""
	frame.err = errors.New("denied")
	assert.NotPanics(t, func() { Default().Notify(mount, nil, Dimensions{Height: 10}) })
}

func TestFrameChannelSkippedWhenTopLevel(t *testing.T) {
	_, mount := newMount(t)
	assert.NotPanics(t, func() { Default().Notify(mount, nil, Dimensions{Height: 1}) })
	assert.NotPanics(t, func() { Default().Notify(nil, nil, Dimensions{Height: 1}) })
}

func TestFrameRateLimit(t *testing.T) {
	doc, mount := newMount(t)
	frame := &recordingFrame{}
	doc.AttachFrame(frame)
	n := NewNotifier(Options{Buffer: DefaultBuffer, FrameRate: 0.001, FrameBurst: 1})
	for i := 0; i < 3; i++ {
		n.Notify(mount, nil, Dimensions{Height: float64(i)})
	}
	assert.Len(t, frame.messages, 1)
}

func TestUpdateMeasuresThenNotifies(t *testing.T) {
	doc, mount := newMount(t)
	doc.SetMeasurer(fixedBox(dom.Box{OffsetHeight: 200, ScrollHeight: 210, Rect: dom.Rect{Height: 205}}))
	var got float64
	host := &interaction.HostConfig{OnContentResize: func(_, h float64) { got = h }}
	dims := NewNotifier(Options{Buffer: 5}).Update(mount, host)
	assert.Equal(t, 215.0, dims.Height)
	assert.Equal(t, 215.0, got)
	assert.Equal(t, "215px", mount.Style("height"))
}

func TestNewNotifierBufferDefaults(t *testing.T) {
	assert.Equal(t, DefaultBuffer, NewNotifier(Options{}).Buffer())
	assert.Equal(t, DefaultBuffer, Default().Buffer())
	assert.Equal(t, 5.0, NewNotifier(Options{Buffer: 5}).Buffer())
	assert.Zero(t, NewNotifier(Options{Buffer: NoBuffer}).Buffer())

	doc, mount := newMount(t)
	doc.SetMeasurer(fixedBox(dom.Box{OffsetHeight: 100}))
	assert.Equal(t, 100.0, NewNotifier(Options{Buffer: NoBuffer}).Measure(mount).Height)
	assert.Equal(t, 100.0+DefaultBuffer, NewNotifier(Options{}).Measure(mount).Height)
}

func TestChannelsOrder(t *testing.T) {
	assert.Equal(t, []Channel{ChannelStyle, ChannelEvent, ChannelCallback, ChannelFrame}, Channels())
}
