package controller

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coachpo/strategy-runtime/errs"
	"github.com/coachpo/strategy-runtime/internal/dom"
	"github.com/coachpo/strategy-runtime/internal/strategy"
)

// UserEvent is host-driven input on an element inside the mount.
type UserEvent struct {
	Selector string `json:"selector"`
	Type     string `json:"type"`
	// Value, when set, replaces the element value before input and change events.
	Value *string `json:"value,omitempty"`
}

// Dispatch delivers a user event to the first element in the mount matching the selector.
// Clicks run the element's default action; other types dispatch a bubbling, cancelable event.
func (c *Controller) Dispatch(evt UserEvent) error {
	selector := strings.TrimSpace(evt.Selector)
	typ := strings.ToLower(strings.TrimSpace(evt.Type))
	if typ == "" {
		return errs.New("controller", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if err := dom.ValidSelector(selector); err != nil {
		return errs.New("controller", errs.CodeInvalid,
			errs.WithMessage("invalid selector"),
			errs.WithField("selector", selector),
			errs.WithCause(err))
	}
	err := c.guard("dispatch", func(strategy.Strategy) error {
		el := c.target.QuerySelector(selector)
		if el == nil {
			return errs.New("controller", errs.CodeNotFound,
				errs.WithMessage("no element matches selector"),
				errs.WithField("selector", selector))
		}
		if evt.Value != nil {
			el.SetValue(*evt.Value)
		}
		switch typ {
		case dom.EventClick:
			el.Click()
		default:
			el.DispatchEvent(dom.NewEvent(typ, dom.EventInit{Bubbles: true, Cancelable: true}))
		}
		return nil
	})
	if errors.Is(err, ErrNotReady) {
		return errs.New("controller", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("interaction is %s", c.Status())),
			errs.WithCause(err))
	}
	return err
}
