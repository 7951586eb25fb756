package dom

import "golang.org/x/net/html"

// Common event types.
const (
	EventClick  = "click"
	EventInput  = "input"
	EventChange = "change"
)

// Listener handles a dispatched event.
type Listener func(*Event)

// EventInit mirrors the CustomEvent constructor options.
type EventInit struct {
	Bubbles    bool
	Cancelable bool
	Detail     any
}

// Event is dispatched through the element tree.
type Event struct {
	Type       string
	Bubbles    bool
	Cancelable bool
	Detail     any

	target           *Element
	currentTarget    *Element
	defaultPrevented bool
	stopped          bool
}

// NewEvent constructs an event of the given type.
func NewEvent(typ string, init EventInit) *Event {
	return &Event{
		Type:       typ,
		Bubbles:    init.Bubbles,
		Cancelable: init.Cancelable,
		Detail:     init.Detail,
	}
}

// Target returns the element the event was dispatched on.
func (e *Event) Target() *Element { return e.target }

// CurrentTarget returns the element whose listener is running.
func (e *Event) CurrentTarget() *Element { return e.currentTarget }

// PreventDefault cancels the default action of a cancelable event.
func (e *Event) PreventDefault() {
	if e.Cancelable {
		e.defaultPrevented = true
	}
}

// DefaultPrevented reports whether PreventDefault took effect.
func (e *Event) DefaultPrevented() bool { return e.defaultPrevented }

// StopPropagation prevents the event from reaching further ancestors.
func (e *Event) StopPropagation() { e.stopped = true }

type listenerEntry struct {
	id uint64
	fn Listener
}

// AddEventListener registers fn for events of typ on the element and returns a function that
// removes the registration.
func (e *Element) AddEventListener(typ string, fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	d := e.doc
	d.nextID++
	entry := &listenerEntry{id: d.nextID, fn: fn}
	byType, ok := d.listeners[e.node]
	if !ok {
		byType = make(map[string][]*listenerEntry)
		d.listeners[e.node] = byType
	}
	byType[typ] = append(byType[typ], entry)
	node := e.node
	return func() {
		d.removeListener(node, typ, entry.id)
	}
}

func (d *Document) removeListener(node *html.Node, typ string, id uint64) {
	byType, ok := d.listeners[node]
	if !ok {
		return
	}
	entries := byType[typ]
	for i, entry := range entries {
		if entry.id == id {
			byType[typ] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(byType[typ]) == 0 {
		delete(byType, typ)
	}
	if len(byType) == 0 {
		delete(d.listeners, node)
	}
}

// ListenerCount returns the number of listeners registered for typ on the element.
func (e *Element) ListenerCount(typ string) int {
	return len(e.doc.listeners[e.node][typ])
}

// DispatchEvent runs listeners on the target and, for bubbling events, on each ancestor.
// It returns false when a listener cancelled the event.
func (e *Element) DispatchEvent(evt *Event) bool {
	evt.target = e
	path := []*html.Node{e.node}
	if evt.Bubbles {
		for n := e.node.Parent; n != nil; n = n.Parent {
			path = append(path, n)
		}
	}
	for _, node := range path {
		byType := e.doc.listeners[node]
		entries := append([]*listenerEntry(nil), byType[evt.Type]...)
		if len(entries) == 0 {
			continue
		}
		evt.currentTarget = e.doc.Wrap(node)
		for _, entry := range entries {
			entry.fn(evt)
		}
		if evt.stopped {
			break
		}
	}
	evt.currentTarget = nil
	return !evt.defaultPrevented
}

// Click simulates a user click including the default actions for checkboxes, radios and labels.
func (e *Element) Click() {
	if e.disabled() {
		return
	}
	typ := e.inputType()
	checkable := typ == "checkbox" || typ == "radio"

	var restore func()
	changed := false
	if checkable {
		if typ == "checkbox" {
			prev := e.Checked()
			e.SetChecked(!prev)
			changed = true
			restore = func() { e.SetChecked(prev) }
		} else {
			group := e.radioGroup()
			prev := make([]bool, len(group))
			for i, peer := range group {
				prev[i] = peer.Checked()
			}
			changed = !e.Checked()
			e.SetChecked(true)
			restore = func() {
				for i, peer := range group {
					if prev[i] {
						peer.SetAttribute("checked", "")
					} else {
						peer.RemoveAttribute("checked")
					}
				}
			}
		}
	}

	ok := e.DispatchEvent(NewEvent(EventClick, EventInit{Bubbles: true, Cancelable: true}))
	if !ok {
		if restore != nil {
			restore()
		}
		return
	}
	if checkable {
		if changed {
			e.DispatchEvent(NewEvent(EventInput, EventInit{Bubbles: true}))
			e.DispatchEvent(NewEvent(EventChange, EventInit{Bubbles: true}))
		}
		return
	}
	if label := e.Closest("label"); label != nil {
		if control := label.labeledControl(); control != nil && !control.Is(e) && !control.Contains(e) {
			control.Click()
		}
	}
}
