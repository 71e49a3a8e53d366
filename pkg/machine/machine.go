// Package machine is a small finite state machine.
//
// A transition is triggered by name. It is evaluated in the order:
//
//	conditions -> before actions -> (exit/enter callbacks, state is set) -> after actions
//
// When some condition does not hold, the transition is refused with ErrCondition
// and nothing happens.
package machine

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

type State string

func (s State) String() string {
	return string(s)
}

var (
	// ErrMachine is the base error of this package.
	ErrMachine = errors.New("machine error")

	// ErrCondition is returned when a transition is refused by its conditions.
	ErrCondition = fmt.Errorf("%w: condition does not hold", ErrMachine)

	// ErrNoTransition is returned when a trigger is not possible from the current state.
	ErrNoTransition = fmt.Errorf("%w: no such transition", ErrMachine)

	// ErrUnknownState is returned when a state not added to the machine is used.
	ErrUnknownState = fmt.Errorf("%w: unknown state", ErrMachine)
)

// Callback is called when the machine exits or enters a state.
type Callback func(from, to State) error

// Condition tells whether a transition can happen.
type Condition func() bool

// Action is called before or after a transition.
type Action func() error

type stateDef struct {
	onEnter   []Callback
	onExit    []Callback
	onEntered []Callback
}

type Transition struct {
	Trigger    string
	Source     State
	Dest       State
	conditions []Condition
	before     []Action
	after      []Action
}

type TransitionOption func(*Transition)

// When adds conditions to a transition. All of them should hold.
func When(cond ...Condition) TransitionOption {
	return func(t *Transition) { t.conditions = append(t.conditions, cond...) }
}

// Before adds actions called before the state is changed.
func Before(action ...Action) TransitionOption {
	return func(t *Transition) { t.before = append(t.before, action...) }
}

// After adds actions called after the state is changed.
func After(action ...Action) TransitionOption {
	return func(t *Transition) { t.after = append(t.after, action...) }
}

type Machine struct {
	name        string
	states      map[State]*stateDef
	stateOrder  []State
	initial     State
	transitions []*Transition

	mu      sync.RWMutex
	current State
	firing  string
}

// New creates a machine named `name` which starts from `initial`.
//
// `initial` is added to states automatically.
func New(name string, initial State, states ...State) *Machine {
	m := &Machine{name: name, states: map[State]*stateDef{}}
	m.AddState(initial)
	for _, s := range states {
		m.AddState(s)
	}
	m.initial = initial
	m.current = initial
	return m
}

func (m *Machine) Name() string {
	return m.name
}

// AddState adds a state. Adding a state twice is ignored.
func (m *Machine) AddState(s State) {
	if _, ok := m.states[s]; ok {
		return
	}
	m.states[s] = &stateDef{}
	m.stateOrder = append(m.stateOrder, s)
}

// OnEnter registers callbacks called when the machine enters the state.
func (m *Machine) OnEnter(s State, cb ...Callback) error {
	def, ok := m.states[s]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownState, s)
	}
	def.onEnter = append(def.onEnter, cb...)
	return nil
}

// OnExit registers callbacks called when the machine exits the state.
func (m *Machine) OnExit(s State, cb ...Callback) error {
	def, ok := m.states[s]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownState, s)
	}
	def.onExit = append(def.onExit, cb...)
	return nil
}

// OnEntered registers callbacks called after the machine has entered the state.
//
// Unlike OnEnter, State() already returns s in these callbacks.
func (m *Machine) OnEntered(s State, cb ...Callback) error {
	def, ok := m.states[s]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownState, s)
	}
	def.onEntered = append(def.onEntered, cb...)
	return nil
}

// AddTransition adds a transition `trigger` from source to dest.
//
// A trigger can have several transitions with different sources.
func (m *Machine) AddTransition(trigger string, source, dest State, options ...TransitionOption) error {
	if _, ok := m.states[source]; !ok {
		return fmt.Errorf("%w: %s (source of %s)", ErrUnknownState, source, trigger)
	}
	if _, ok := m.states[dest]; !ok {
		return fmt.Errorf("%w: %s (dest of %s)", ErrUnknownState, dest, trigger)
	}
	t := &Transition{Trigger: trigger, Source: source, Dest: dest}
	for _, opt := range options {
		opt(t)
	}
	m.transitions = append(m.transitions, t)
	return nil
}

// State is the current state. It is safe to call from any goroutine.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Machine) InitialState() State {
	return m.initial
}

// SetInitialState moves the machine to s without calling any callbacks.
func (m *Machine) SetInitialState(s State) error {
	if _, ok := m.states[s]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownState, s)
	}
	m.initial = s
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return nil
}

// SetState moves the machine to s, calling exit callbacks of the current state
// and enter callbacks of s.
//
// If an exit or enter callback returns error, the state is not changed.
func (m *Machine) SetState(s State) error {
	return m.setState("", s)
}

// Firing is the trigger of the transition changing the state now.
//
// It is meaningful in callbacks only, and it is empty when the state is changed by SetState.
func (m *Machine) Firing() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firing
}

func (m *Machine) setState(trigger string, s State) error {
	next, ok := m.states[s]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownState, s)
	}

	m.mu.Lock()
	prior := m.current
	m.firing = trigger
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.firing = ""
		m.mu.Unlock()
	}()

	for _, cb := range m.states[prior].onExit {
		if err := cb(prior, s); err != nil {
			return err
		}
	}
	for _, cb := range next.onEnter {
		if err := cb(prior, s); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	for _, cb := range next.onEntered {
		if err := cb(prior, s); err != nil {
			return err
		}
	}
	return nil
}

// States lists every state in the order of addition.
func (m *Machine) States() []State {
	return slices.Clone(m.stateOrder)
}

// Transitions lists triggers possible from the state, in the order of addition.
func (m *Machine) Transitions(source State) []string {
	ret := []string{}
	for _, t := range m.transitions {
		if t.Source == source && !slices.Contains(ret, t.Trigger) {
			ret = append(ret, t.Trigger)
		}
	}
	return ret
}

func (m *Machine) find(trigger string, source State) *Transition {
	for _, t := range m.transitions {
		if t.Trigger == trigger && t.Source == source {
			return t
		}
	}
	return nil
}

// Can tells whether trigger is possible from the current state.
func (m *Machine) Can(trigger string) bool {
	return m.find(trigger, m.State()) != nil
}

// Trigger runs the transition named trigger from the current state.
//
// # Returns
//
// - ErrNoTransition: the trigger is not possible from the current state.
//
// - ErrCondition: at least one of conditions does not hold. The machine is not changed.
//
// - other error: returned by actions or callbacks.
// If a before action fails, the state is not changed.
func (m *Machine) Trigger(trigger string) error {
	current := m.State()
	t := m.find(trigger, current)
	if t == nil {
		return fmt.Errorf("%w: %s from %s", ErrNoTransition, trigger, current)
	}
	for _, cond := range t.conditions {
		if !cond() {
			return fmt.Errorf("%w: transition '%s' from %s", ErrCondition, trigger, current)
		}
	}
	for _, before := range t.before {
		if err := before(); err != nil {
			return err
		}
	}
	if err := m.setState(trigger, t.Dest); err != nil {
		return err
	}
	for _, after := range t.after {
		if err := after(); err != nil {
			return err
		}
	}
	return nil
}

// Automatic tries every trigger possible from the current state except `fallback`, in the order of addition,
// and takes the first one whose conditions hold.
//
// If no one can be taken, it triggers `fallback`.
// If `fallback` is not possible either, it returns ErrNoTransition.
func (m *Machine) Automatic(fallback string) error {
	current := m.State()
	possible := m.Transitions(current)
	for _, trigger := range possible {
		if trigger == fallback {
			continue
		}
		err := m.Trigger(trigger)
		if errors.Is(err, ErrCondition) {
			continue
		}
		return err
	}
	if slices.Contains(possible, fallback) {
		return m.Trigger(fallback)
	}
	return fmt.Errorf("%w: no automatic transition from %s", ErrNoTransition, current)
}

// Graph writes the machine in DOT language.
func (m *Machine) Graph() string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "digraph %q {\n", m.name)
	for _, s := range m.stateOrder {
		shape := "ellipse"
		if s == m.initial {
			shape = "doublecircle"
		}
		fmt.Fprintf(b, "\t%q [shape=%s];\n", s, shape)
	}
	for _, t := range m.transitions {
		fmt.Fprintf(b, "\t%q -> %q [label=%q];\n", t.Source, t.Dest, t.Trigger)
	}
	b.WriteString("}\n")
	return b.String()
}
