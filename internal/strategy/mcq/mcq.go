// Package mcq implements the multiple-choice reference strategy.
package mcq

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/coachpo/strategy-runtime/internal/dom"
	"github.com/coachpo/strategy-runtime/internal/interaction"
	"github.com/coachpo/strategy-runtime/internal/observability"
	"github.com/coachpo/strategy-runtime/internal/strategy"
)

// Name is the strategy name served by this package.
const Name = "mcq"

// Class names and attributes of the rendered markup.
const (
	ClassInteraction = "qti-choice-interaction"
	ClassPrompt      = "qti-prompt"
	ClassChoiceList  = "qti-choice-list"
	ClassChoice      = "qti-simple-choice"
	ClassLabel       = "qti-choice-label"
	ClassInput       = "qti-choice-input"
	ClassContent     = "qti-choice-content"
	ClassImage       = "qti-choice-image"
	ClassButtons     = "qti-button-container"
	ClassCheckButton = "qti-check-button"
	ClassFeedback    = "qti-feedback"

	ClassChoiceCorrect   = "choice-correct"
	ClassChoiceMissed    = "choice-missed"
	ClassChoiceIncorrect = "choice-incorrect"

	AttrChoiceID        = "data-choice-id"
	AttrFeedbackVisible = "data-feedback-visible"
	InputName           = "mcq-choice"

	EventInteractionChanged = "qti-interaction-changed"
	ValidityMessage         = "Please select at least one option"
)

// groupSeq numbers radio groups so that instances sharing a document never share a group.
var groupSeq atomic.Uint64

// Choice is one selectable option. Identity is the id; presentation order is irrelevant.
type Choice struct {
	ID    string `json:"id"`
	Text  string `json:"text,omitempty"`
	Label string `json:"label,omitempty"`
	Image string `json:"image,omitempty"`
}

func (c Choice) display() string {
	switch {
	case c.Text != "":
		return c.Text
	case c.Label != "":
		return c.Label
	default:
		return c.ID
	}
}

// Props are the strategy-specific spec props.
type Props struct {
	Prompt  string   `json:"prompt,omitempty"`
	Choices []Choice `json:"choices,omitempty"`
	Correct []string `json:"correct,omitempty"`
	Multi   flexBool `json:"multi,omitempty"`
}

// flexBool accepts JSON booleans and the strings "true"/"false", since property-derived specs
// carry string values only.
type flexBool bool

func (b *flexBool) UnmarshalJSON(raw []byte) error {
	var v bool
	if err := json.Unmarshal(raw, &v); err == nil {
		*b = flexBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("mcq: multi must be a boolean: %w", err)
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("mcq: multi must be a boolean: %w", err)
	}
	*b = flexBool(parsed)
	return nil
}

// State is the serialisable selection.
type State struct {
	SelectedChoices []string `json:"selectedChoices"`
	IsMultiple      bool     `json:"isMultiple"`
}

// SingleResponse is reported in single-select mode. Choice is null when nothing is selected.
type SingleResponse struct {
	Type   string  `json:"type"`
	Choice *string `json:"choice"`
}

// MultipleResponse is reported in multi-select mode.
type MultipleResponse struct {
	Type    string   `json:"type"`
	Choices []string `json:"choices"`
}

// ChangeDetail is the detail of the interaction-changed event.
type ChangeDetail struct {
	ResponseIdentifier string `json:"responseIdentifier"`
	Valid              bool   `json:"valid"`
	Value              any    `json:"value"`
}

// Option customises the module.
type Option func(*options)

type options struct {
	intn func(n int) int
}

// WithRand makes shuffling draw from r.
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		if r != nil {
			o.intn = r.IntN
		}
	}
}

// Module returns the builtin MCQ module.
func Module(opts ...Option) strategy.Module {
	o := options{intn: rand.IntN}
	for _, opt := range opts {
		opt(&o)
	}
	return strategy.NewModule(Name, func(sctx strategy.Context) (strategy.Strategy, error) {
		return New(sctx, o.intn)
	})
}

// Strategy renders a choice list and tracks the selection.
type Strategy struct {
	sctx   strategy.Context
	mount  *dom.Element
	logger observability.Logger
	props  Props
	multi  bool
	intn   func(int) int
	group  string

	selected   []string
	choiceList *dom.Element
	removers   []func()
	rendering  map[string]any
}

// New decodes the spec props and returns an unmounted strategy.
func New(sctx strategy.Context, intn func(int) int) (*Strategy, error) {
	if sctx.Mount == nil {
		return nil, fmt.Errorf("mcq: mount element required")
	}
	var props Props
	if len(sctx.Spec.Props) > 0 {
		if err := interaction.DecodeState(sctx.Spec.Props, &props); err != nil {
			return nil, fmt.Errorf("mcq: props: %w", err)
		}
	}
	if intn == nil {
		intn = rand.IntN
	}
	return &Strategy{
		sctx:   sctx,
		mount:  sctx.Mount,
		logger: sctx.Log(),
		props:  props,
		multi:  bool(props.Multi),
		intn:   intn,
		group:  groupName(sctx.Host),
	}, nil
}

// groupName suffixes InputName with the response identifier and a sequence number.
func groupName(host *interaction.HostConfig) string {
	seq := strconv.FormatUint(groupSeq.Add(1), 10)
	if host != nil && host.ResponseIdentifier != "" {
		return InputName + "-" + host.ResponseIdentifier + "-" + seq
	}
	return InputName + "-" + seq
}

// Mount renders the interaction and attaches listeners.
func (s *Strategy) Mount(context.Context) error {
	s.logger.Debug("mcq mounting",
		observability.F("choices", len(s.props.Choices)),
		observability.F("multi", s.multi))
	return s.Render()
}

// Render rebuilds the markup, keeping the current selection.
func (s *Strategy) Render() error {
	s.detach()
	s.mount.Clear()
	doc := s.mount.Document()

	container := doc.CreateElement("div")
	container.SetClassName(ClassInteraction)

	if s.props.Prompt != "" {
		prompt := doc.CreateElement("div")
		prompt.SetClassName(ClassPrompt)
		if err := prompt.SetInnerHTML(s.props.Prompt); err != nil {
			return fmt.Errorf("mcq: prompt: %w", err)
		}
		container.AppendChild(prompt)
	}

	list := doc.CreateElement("div")
	list.SetClassName(ClassChoiceList)
	choices := s.props.Choices
	if s.sctx.Spec.UIFlag("shuffle") {
		choices = shuffle(choices, s.intn)
	}
	for _, choice := range choices {
		wrapper, err := s.choiceElement(choice)
		if err != nil {
			return err
		}
		list.AppendChild(wrapper)
	}
	container.AppendChild(list)

	buttons := doc.CreateElement("div")
	buttons.SetClassName(ClassButtons)
	check := doc.CreateElement("button")
	check.SetClassName(ClassCheckButton)
	check.SetAttribute("type", "button")
	check.SetTextContent("Check Answer")
	s.listen(check, dom.EventClick, func(*dom.Event) {
		correct := s.ShowFeedback()
		if s.sctx.Host != nil && s.sctx.Host.OnCheck != nil {
			s.sctx.Host.OnCheck(correct)
		}
	})
	buttons.AppendChild(check)
	container.AppendChild(buttons)

	s.mount.AppendChild(container)
	s.choiceList = list

	for _, input := range s.inputs() {
		s.listen(input, dom.EventChange, func(e *dom.Event) {
			s.handleChange(e.Target())
		})
	}
	s.updateUI()
	return nil
}

func (s *Strategy) choiceElement(choice Choice) (*dom.Element, error) {
	doc := s.mount.Document()
	wrapper := doc.CreateElement("div")
	wrapper.SetClassName(ClassChoice)
	wrapper.SetAttribute(AttrChoiceID, choice.ID)

	label := doc.CreateElement("label")
	label.SetClassName(ClassLabel)

	input := doc.CreateElement("input")
	if s.multi {
		input.SetAttribute("type", "checkbox")
	} else {
		input.SetAttribute("type", "radio")
	}
	input.SetAttribute("name", s.group)
	input.SetValue(choice.ID)
	input.SetAttribute("id", "choice-"+choice.ID)
	input.SetClassName(ClassInput)

	content := doc.CreateElement("span")
	content.SetClassName(ClassContent)
	text := choice.Text
	if text == "" {
		text = choice.Label
	}
	if err := content.SetInnerHTML(text); err != nil {
		return nil, fmt.Errorf("mcq: choice %s: %w", choice.ID, err)
	}
	if choice.Image != "" {
		img := doc.CreateElement("img")
		img.SetAttribute("src", choice.Image)
		img.SetClassName(ClassImage)
		content.AppendChild(img)
	}

	label.AppendChild(input)
	label.AppendChild(content)
	wrapper.AppendChild(label)

	wrapper.SetStyle("cursor", "pointer")
	s.listen(wrapper, dom.EventClick, func(e *dom.Event) {
		if input.Contains(e.Target()) {
			return
		}
		e.PreventDefault()
		e.StopPropagation()
		input.Click()
	})
	return wrapper, nil
}

func shuffle(choices []Choice, intn func(int) int) []Choice {
	out := slices.Clone(choices)
	for i := len(out) - 1; i > 0; i-- {
		j := intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (s *Strategy) listen(el *dom.Element, typ string, fn dom.Listener) {
	s.removers = append(s.removers, el.AddEventListener(typ, fn))
}

func (s *Strategy) detach() {
	for _, remove := range s.removers {
		remove()
	}
	s.removers = nil
}

func (s *Strategy) inputs() []*dom.Element {
	if s.choiceList == nil {
		return nil
	}
	return s.choiceList.QuerySelectorAll("input." + ClassInput)
}

func (s *Strategy) handleChange(input *dom.Element) {
	if input == nil {
		return
	}
	id := input.Value()
	if s.multi {
		s.selected = slices.DeleteFunc(s.selected, func(v string) bool { return v == id })
		if input.Checked() {
			s.selected = append(s.selected, id)
		}
	} else {
		s.selected = s.selected[:0]
		if input.Checked() {
			s.selected = append(s.selected, id)
		}
	}
	s.clearFeedback()
	s.fireChanged()
}

func (s *Strategy) fireChanged() {
	s.mount.DispatchEvent(dom.NewEvent(EventInteractionChanged, dom.EventInit{
		Bubbles:    true,
		Cancelable: true,
		Detail: ChangeDetail{
			ResponseIdentifier: s.sctx.ResponseIdentifier(),
			Valid:              s.CheckValidity(),
			Value:              s.response(),
		},
	}))
}

func (s *Strategy) updateUI() {
	for _, input := range s.inputs() {
		input.SetChecked(slices.Contains(s.selected, input.Value()))
	}
}

// Response implements strategy.Strategy.
func (s *Strategy) Response() (any, error) {
	return s.response(), nil
}

func (s *Strategy) response() any {
	if s.multi {
		return MultipleResponse{Type: "multiple", Choices: append([]string{}, s.selected...)}
	}
	var choice *string
	if len(s.selected) > 0 {
		id := s.selected[0]
		choice = &id
	}
	return SingleResponse{Type: "single", Choice: choice}
}

// State implements strategy.Strategy.
func (s *Strategy) State() (any, error) {
	return State{SelectedChoices: append([]string{}, s.selected...), IsMultiple: s.multi}, nil
}

// SetState replaces the selection. In single-select mode only the first id is kept.
func (s *Strategy) SetState(state any) error {
	if state == nil {
		return nil
	}
	var decoded State
	if err := interaction.DecodeState(state, &decoded); err != nil {
		return fmt.Errorf("mcq: state: %w", err)
	}
	s.selected = s.selected[:0]
	for _, id := range decoded.SelectedChoices {
		if slices.Contains(s.selected, id) {
			continue
		}
		s.selected = append(s.selected, id)
		if !s.multi {
			break
		}
	}
	s.updateUI()
	return nil
}

// CheckValidity reports whether anything is selected.
func (s *Strategy) CheckValidity() bool {
	return len(s.selected) > 0
}

// CustomValidity returns the learner-facing message for an empty selection.
func (s *Strategy) CustomValidity() string {
	if len(s.selected) == 0 {
		return ValidityMessage
	}
	return ""
}

// CheckAnswer scores by choice id. Single mode needs exactly one selected correct id; multi mode
// needs set equality with props.correct.
func (s *Strategy) CheckAnswer() bool {
	correct := s.props.Correct
	if !s.multi {
		return len(s.selected) == 1 && slices.Contains(correct, s.selected[0])
	}
	if len(s.selected) != len(correct) {
		return false
	}
	for _, id := range s.selected {
		if !slices.Contains(correct, id) {
			return false
		}
	}
	for _, id := range correct {
		if !slices.Contains(s.selected, id) {
			return false
		}
	}
	return true
}

// ShowFeedback renders the result block, highlights choices and returns the check result.
func (s *Strategy) ShowFeedback() bool {
	correct := s.CheckAnswer()
	feedback := s.feedbackElement()
	if feedback == nil {
		return correct
	}
	if correct {
		feedback.SetClassName(ClassFeedback + " qti-feedback-correct")
		_ = feedback.SetInnerHTML(`<div class="feedback-icon">✓</div><div class="feedback-text">Correct! Well done.</div>`)
	} else {
		feedback.SetClassName(ClassFeedback + " qti-feedback-incorrect")
		body := `<div class="feedback-icon">✗</div><div class="feedback-text"></div>`
		_ = feedback.SetInnerHTML(body)
		if text := feedback.QuerySelector(".feedback-text"); text != nil {
			text.SetTextContent(s.incorrectText())
		}
	}
	s.highlight()
	s.notify()
	return correct
}

func (s *Strategy) incorrectText() string {
	msg := "Not quite right. "
	correct := s.props.Correct
	switch {
	case len(s.selected) == 0:
		return msg + "Please select an answer."
	case len(correct) == 0:
		return strings.TrimSpace(msg)
	case !s.multi:
		return msg + "The correct answer is: " + s.choiceText(correct[0]) + "."
	default:
		texts := make([]string, 0, len(correct))
		for _, id := range correct {
			texts = append(texts, s.choiceText(id))
		}
		return msg + "The correct answers are: " + strings.Join(texts, ", ") + "."
	}
}

func (s *Strategy) choiceText(id string) string {
	for _, c := range s.props.Choices {
		if c.ID == id {
			return c.display()
		}
	}
	return id
}

func (s *Strategy) feedbackElement() *dom.Element {
	if el := s.mount.QuerySelector("." + ClassFeedback); el != nil {
		return el
	}
	container := s.mount.QuerySelector("." + ClassInteraction)
	if container == nil {
		return nil
	}
	el := s.mount.Document().CreateElement("div")
	el.SetClassName(ClassFeedback)
	container.AppendChild(el)
	return el
}

func (s *Strategy) clearFeedback() {
	if feedback := s.mount.QuerySelector("." + ClassFeedback); feedback != nil {
		feedback.SetClassName(ClassFeedback)
		feedback.Clear()
		s.notify()
	}
	s.clearHighlight()
}

func (s *Strategy) clearHighlight() {
	for _, choice := range s.mount.QuerySelectorAll("." + ClassChoice) {
		choice.RemoveClass(ClassChoiceCorrect, ClassChoiceIncorrect, ClassChoiceMissed)
	}
}

func (s *Strategy) highlight() {
	s.clearHighlight()
	for _, choice := range s.mount.QuerySelectorAll("." + ClassChoice) {
		input := choice.QuerySelector("input")
		if input == nil {
			continue
		}
		id := input.Value()
		isCorrect := slices.Contains(s.props.Correct, id)
		isSelected := slices.Contains(s.selected, id)
		switch {
		case isCorrect && isSelected:
			choice.AddClass(ClassChoiceCorrect)
		case isCorrect:
			choice.AddClass(ClassChoiceMissed)
		case isSelected:
			choice.AddClass(ClassChoiceIncorrect)
		}
	}
}

func (s *Strategy) notify() {
	visible := false
	if feedback := s.mount.QuerySelector("." + ClassFeedback); feedback != nil {
		visible = len(feedback.Children()) > 0
	}
	s.mount.SetAttribute(AttrFeedbackVisible, strconv.FormatBool(visible))
	s.sctx.NotifyResize()
}

// SetRenderingProperties records presentation hints.
func (s *Strategy) SetRenderingProperties(props map[string]any) {
	s.rendering = props
	s.logger.Debug("mcq rendering properties updated", observability.F("properties", props))
}

// RenderingProperties returns the last hints received.
func (s *Strategy) RenderingProperties() map[string]any {
	return s.rendering
}

// Dispose removes listeners, clears the mount and forgets the selection.
func (s *Strategy) Dispose() error {
	s.detach()
	if s.mount != nil {
		s.mount.Clear()
	}
	s.choiceList = nil
	s.selected = nil
	return nil
}

var (
	_ strategy.Strategy                  = (*Strategy)(nil)
	_ strategy.Renderer                  = (*Strategy)(nil)
	_ strategy.Validator                 = (*Strategy)(nil)
	_ strategy.CustomValidator           = (*Strategy)(nil)
	_ strategy.RenderingPropertiesSetter = (*Strategy)(nil)
	_ strategy.AnswerChecker             = (*Strategy)(nil)
	_ strategy.FeedbackRenderer          = (*Strategy)(nil)
)
