package relaydesk

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	StateWelcome          State = "WELCOME"
	StateMainMenu         State = "MAIN_MENU"
	StateMenu             State = "MENU"
	StateCoursesList      State = "COURSES_LIST"
	StateCourseDetails    State = "COURSE_DETAILS"
	StateAppointmentStart State = "APPOINTMENT_START"
	StateEnrollmentStart  State = "ENROLLMENT_START"
	StateFAQCategories    State = "FAQ_CATEGORIES"
	StateFAQAnswer        State = "FAQ_ANSWER"
	StateHumanTransfer    State = "HUMAN_TRANSFER"
	StateDocuments        State = "DOCUMENTS"
)

// FlowDefinition is the on-disk shape of a dialogue flow.
type FlowDefinition struct {
	Name           string             `yaml:"name,omitempty" json:"name,omitempty"`
	Initial        State              `yaml:"initial" json:"initial"`
	States         []State            `yaml:"states" json:"states"`
	Global         []State            `yaml:"global,omitempty" json:"global,omitempty"`
	Transitions    map[State][]State  `yaml:"transitions,omitempty" json:"transitions,omitempty"`
	Routes         map[State]RouteDef `yaml:"routes,omitempty" json:"routes,omitempty"`
	GlobalCommands map[string]State   `yaml:"globalCommands,omitempty" json:"globalCommands,omitempty"`
}

// RouteDef maps normalized user input to a next state while in one state.
type RouteDef struct {
	Options  map[string]State `yaml:"options,omitempty" json:"options,omitempty"`
	Fallback *State           `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// Flow is a validated, immutable transition table.
type Flow struct {
	def     FlowDefinition
	states  map[State]struct{}
	global  map[State]struct{}
	allowed map[State]map[State]struct{}
}

func DefaultFlowDefinition() FlowDefinition {
	menuOptions := map[string]State{
		"1": StateCoursesList,
		"2": StateAppointmentStart,
		"3": StateEnrollmentStart,
		"4": StateFAQCategories,
		"5": StateHumanTransfer,
		"6": StateDocuments,
	}
	menuTargets := []State{
		StateCoursesList, StateAppointmentStart, StateEnrollmentStart,
		StateFAQCategories, StateHumanTransfer, StateDocuments,
	}
	mainMenu := StateMainMenu
	return FlowDefinition{
		Name:    "default",
		Initial: StateWelcome,
		States: []State{
			StateWelcome, StateMainMenu, StateMenu, StateCoursesList, StateCourseDetails,
			StateAppointmentStart, StateEnrollmentStart, StateFAQCategories, StateFAQAnswer,
			StateHumanTransfer, StateDocuments,
		},
		Global: []State{StateMainMenu, StateHumanTransfer},
		Transitions: map[State][]State{
			StateWelcome:          {StateMainMenu, StateMenu},
			StateMainMenu:         append([]State{StateMenu}, menuTargets...),
			StateMenu:             menuTargets,
			StateCoursesList:      {StateCourseDetails},
			StateCourseDetails:    {StateCoursesList, StateEnrollmentStart, StateAppointmentStart},
			StateFAQCategories:    {StateFAQAnswer},
			StateFAQAnswer:        {StateFAQCategories},
			StateAppointmentStart: {StateHumanTransfer},
			StateEnrollmentStart:  {StateHumanTransfer},
			StateDocuments:        {StateHumanTransfer},
		},
		Routes: map[State]RouteDef{
			StateWelcome:  {Fallback: &mainMenu},
			StateMainMenu: {Options: menuOptions},
			StateMenu:     {Options: menuOptions},
		},
		GlobalCommands: map[string]State{
			"menu": StateMainMenu,
			"0":    StateMainMenu,
		},
	}
}

// DefaultFlow is the built-in flow with the given initial state. An empty
// initial keeps WELCOME.
func DefaultFlow(initial State) (*Flow, error) {
	def := DefaultFlowDefinition()
	if strings.TrimSpace(string(initial)) != "" {
		def.Initial = initial
	}
	return NewFlow(def)
}

func NewFlow(def FlowDefinition) (*Flow, error) {
	f := &Flow{
		def:     def,
		states:  make(map[State]struct{}, len(def.States)),
		global:  make(map[State]struct{}, len(def.Global)),
		allowed: make(map[State]map[State]struct{}, len(def.Transitions)),
	}
	for _, s := range def.States {
		f.states[s] = struct{}{}
	}
	if !f.Has(def.Initial) {
		return nil, fmt.Errorf("%w: initial state %q is not a declared state", ErrInvalidInput, def.Initial)
	}
	for _, s := range def.Global {
		if !f.Has(s) {
			return nil, fmt.Errorf("%w: global state %q is not a declared state", ErrInvalidInput, s)
		}
		f.global[s] = struct{}{}
	}
	for from, targets := range def.Transitions {
		if !f.Has(from) {
			return nil, fmt.Errorf("%w: transition from unknown state %q", ErrInvalidInput, from)
		}
		set := make(map[State]struct{}, len(targets))
		for _, to := range targets {
			if !f.Has(to) {
				return nil, fmt.Errorf("%w: transition %s -> unknown state %q", ErrInvalidInput, from, to)
			}
			set[to] = struct{}{}
		}
		f.allowed[from] = set
	}
	for from, route := range def.Routes {
		if !f.Has(from) {
			return nil, fmt.Errorf("%w: route for unknown state %q", ErrInvalidInput, from)
		}
		for input, to := range route.Options {
			if !f.CanTransition(from, to) {
				return nil, fmt.Errorf("%w: route %s[%q] targets %s which is not reachable", ErrInvalidInput, from, input, to)
			}
		}
		if route.Fallback != nil && !f.CanTransition(from, *route.Fallback) {
			return nil, fmt.Errorf("%w: route %s fallback %s is not reachable", ErrInvalidInput, from, *route.Fallback)
		}
	}
	for input, to := range def.GlobalCommands {
		if _, ok := f.global[to]; !ok && to != def.Initial {
			return nil, fmt.Errorf("%w: global command %q targets non-global state %s", ErrInvalidInput, input, to)
		}
	}
	return f, nil
}

// LoadFlowFile reads a YAML (or JSON) flow and validates it against the
// embedded flow schema before building the transition table.
func LoadFlowFile(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFlow(data)
}

func ParseFlow(data []byte) (*Flow, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse flow: %v", ErrInvalidInput, err)
	}
	schema, err := flowSchema()
	if err != nil {
		return nil, err
	}
	if err := validateValue(schema, stringKeys(raw)); err != nil {
		return nil, fmt.Errorf("%w: flow schema: %v", ErrInvalidInput, err)
	}
	var def FlowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: decode flow: %v", ErrInvalidInput, err)
	}
	return NewFlow(def)
}

// stringKeys rewrites YAML mappings with non-string keys, such as unquoted
// menu digits, into JSON-compatible maps.
func stringKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = stringKeys(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = stringKeys(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = stringKeys(item)
		}
		return out
	default:
		return v
	}
}

func (f *Flow) Name() string   { return f.def.Name }
func (f *Flow) Initial() State { return f.def.Initial }

func (f *Flow) Has(s State) bool {
	_, ok := f.states[s]
	return ok
}

// States returns the declared states in a stable order.
func (f *Flow) States() []State {
	out := make([]State, 0, len(f.states))
	for s := range f.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CanTransition reports whether from -> to is legal. The initial state and
// the global states are reachable from anywhere, and re-entering the
// current state is always allowed.
func (f *Flow) CanTransition(from, to State) bool {
	if !f.Has(from) || !f.Has(to) {
		return false
	}
	if to == from || to == f.def.Initial {
		return true
	}
	if _, ok := f.global[to]; ok {
		return true
	}
	_, ok := f.allowed[from][to]
	return ok
}

// CheckTransition returns a *TransitionError when from -> to is not legal.
func (f *Flow) CheckTransition(from, to State) error {
	if f.CanTransition(from, to) {
		return nil
	}
	return &TransitionError{From: from, To: to}
}

// Route resolves free-text input while in current. Global commands apply
// everywhere except the initial state, where any input moves on through the
// initial state's own route.
func (f *Flow) Route(current State, input string) (State, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if current != f.def.Initial {
		if next, ok := f.def.GlobalCommands[normalized]; ok {
			return next, true
		}
	}
	route, ok := f.def.Routes[current]
	if !ok {
		return current, false
	}
	if next, ok := route.Options[normalized]; ok {
		return next, true
	}
	if route.Fallback != nil {
		return *route.Fallback, true
	}
	return current, false
}
