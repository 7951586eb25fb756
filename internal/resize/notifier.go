// Package resize propagates content-size changes of a mount element through an ordered set of
// independent channels.
package resize

import (
	"fmt"
	"math"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/coachpo/strategy-runtime/internal/dom"
	"github.com/coachpo/strategy-runtime/internal/interaction"
	"github.com/coachpo/strategy-runtime/internal/observability"
	"github.com/coachpo/strategy-runtime/internal/telemetry"
)

// Defaults.
const (
	DefaultBuffer    = 20.0
	NoBuffer         = -1.0
	DefaultSource    = "pci-strategy-runtime"
	EventContentSize = "pci-content-resize"
	ContainerClass   = "qti-choice-interaction"
	FrameTarget      = "*"
)

// Channel identifies one notification path.
type Channel string

// Channels in the order Notify attempts them.
const (
	ChannelStyle    Channel = "style"
	ChannelEvent    Channel = "event"
	ChannelCallback Channel = "callback"
	ChannelFrame    Channel = "frame"
)

// Channels returns the notification order.
func Channels() []Channel {
	return []Channel{ChannelStyle, ChannelEvent, ChannelCallback, ChannelFrame}
}

// Dimensions is the content size delivered to observers.
type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FrameMessage is posted to the enclosing frame.
type FrameMessage struct {
	Type       string     `json:"type"`
	Source     string     `json:"source"`
	Dimensions Dimensions `json:"dimensions"`
}

// Options configure a Notifier.
type Options struct {
	// Buffer is added to the measured height. Zero selects DefaultBuffer; NoBuffer (or any
	// negative value) adds nothing.
	Buffer float64
	// Source identifies the runtime in frame messages.
	Source string
	// FrameRate limits frame messages per second; zero disables limiting.
	FrameRate  float64
	FrameBurst int
	Logger     observability.Logger
	Metrics    *telemetry.RuntimeMetrics
}

// Notifier measures mounts and fans dimensions out to every channel. Notify never fails.
type Notifier struct {
	buffer  float64
	source  string
	limiter *rate.Limiter
	logger  observability.Logger
	metrics *telemetry.RuntimeMetrics
}

// NewNotifier constructs a notifier.
func NewNotifier(opts Options) *Notifier {
	n := &Notifier{
		buffer:  opts.Buffer,
		source:  opts.Source,
		logger:  observability.OrDefault(opts.Logger),
		metrics: opts.Metrics,
	}
	switch {
	case n.buffer == 0:
		n.buffer = DefaultBuffer
	case n.buffer < 0:
		n.buffer = 0
	}
	if n.source == "" {
		n.source = DefaultSource
	}
	if opts.FrameRate > 0 {
		burst := opts.FrameBurst
		if burst <= 0 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(opts.FrameRate), burst)
	}
	return n
}

// Default returns a notifier with the documented buffer and no frame limiting.
func Default() *Notifier {
	return NewNotifier(Options{})
}

// Buffer reports the height buffer.
func (n *Notifier) Buffer() float64 { return n.buffer }

// Measure computes the largest of the offset, scroll and rect size per axis on the choice
// container (or the mount itself) and adds the buffer to the height.
func (n *Notifier) Measure(mount *dom.Element) Dimensions {
	if mount == nil {
		return Dimensions{}
	}
	target := mount
	if container := mount.QuerySelector("." + ContainerClass); container != nil {
		target = container
	}
	box := target.Box()
	return Dimensions{
		Width:  math.Max(box.OffsetWidth, math.Max(box.ScrollWidth, box.Rect.Width)),
		Height: math.Max(box.OffsetHeight, math.Max(box.ScrollHeight, box.Rect.Height)) + n.buffer,
	}
}

// Update measures the mount and notifies every channel.
func (n *Notifier) Update(mount *dom.Element, host *interaction.HostConfig) Dimensions {
	dims := n.Measure(mount)
	n.Notify(mount, host, dims)
	return dims
}

// Notify delivers dims through the style, event, callback and frame channels in that order.
// A failing channel is logged and does not affect the others.
func (n *Notifier) Notify(mount *dom.Element, host *interaction.HostConfig, dims Dimensions) {
	if mount == nil {
		return
	}
	n.attempt(ChannelStyle, func() (bool, error) {
		px := formatPx(dims.Height)
		mount.SetStyle("min-height", px)
		mount.SetStyle("height", px)
		return true, nil
	})
	n.attempt(ChannelEvent, func() (bool, error) {
		mount.DispatchEvent(dom.NewEvent(EventContentSize, dom.EventInit{
			Bubbles:    true,
			Cancelable: true,
			Detail:     dims,
		}))
		return true, nil
	})
	n.attempt(ChannelCallback, func() (bool, error) {
		if host == nil || host.OnContentResize == nil {
			return false, nil
		}
		host.OnContentResize(dims.Width, dims.Height)
		return true, nil
	})
	n.attempt(ChannelFrame, func() (bool, error) {
		frame := mount.Document().Frame()
		if frame == nil {
			return false, nil
		}
		if n.limiter != nil && !n.limiter.Allow() {
			return false, nil
		}
		msg := FrameMessage{Type: "resize", Source: n.source, Dimensions: dims}
		if err := frame.PostMessage(msg, FrameTarget); err != nil {
			return false, fmt.Errorf("post message: %w", err)
		}
		return true, nil
	})
}

func (n *Notifier) attempt(channel Channel, fn func() (bool, error)) {
	result := telemetry.ResultFailure
	defer func() {
		if rec := recover(); rec != nil {
			n.logger.Warn("resize channel panicked",
				observability.F("channel", string(channel)),
				observability.F("panic", fmt.Sprint(rec)))
			result = telemetry.ResultFailure
		}
		n.metrics.RecordResize(string(channel), result)
	}()
	delivered, err := fn()
	switch {
	case err != nil:
		n.logger.Warn("resize channel failed",
			observability.F("channel", string(channel)),
			observability.Err(err))
	case delivered:
		result = telemetry.ResultSuccess
	default:
		result = telemetry.ResultSkipped
	}
}

func formatPx(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "px"
}
