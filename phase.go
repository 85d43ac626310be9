package picopad

import (
	"fmt"
	"time"
)

// Phase is the padder's behavioural mode.
type Phase uint8

const (
	PhaseIdle Phase = iota + 1
	PhaseBurst
	PhaseGap
)

var phaseNames = map[Phase]string{
	PhaseIdle:  "idle",
	PhaseBurst: "burst",
	PhaseGap:   "gap",
}

// Phases lists every defined phase in display order.
var Phases = []Phase{PhaseIdle, PhaseBurst, PhaseGap}

func (p Phase) String() string {
	if n, ok := phaseNames[p]; ok {
		return n
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Valid reports whether p is one of the defined phases.
func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

// MarshalText lets Phase be used as a JSON map key.
func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: unknown phase %d", ErrInvalidTransition, uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for ph, name := range phaseNames {
		if name == string(b) {
			*p = ph
			return nil
		}
	}
	return fmt.Errorf("%w: unknown phase %q", ErrInvalidTransition, string(b))
}

// EventKind identifies what drove a transition.
type EventKind uint8

const (
	EventRealOutbound EventKind = iota + 1
	EventRealInbound
	EventTimerExpired
	EventConfigChanged
	// EventExitPhase is the forced exit taken when a sampler draw lands in
	// the infinity bin.
	EventExitPhase
)

var eventNames = map[EventKind]string{
	EventRealOutbound:  "real_outbound",
	EventRealInbound:   "real_inbound",
	EventTimerExpired:  "timer_expired",
	EventConfigChanged: "config_changed",
	EventExitPhase:     "exit_phase",
}

func (e EventKind) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

func (e EventKind) MarshalText() ([]byte, error) {
	if _, ok := eventNames[e]; !ok {
		return nil, fmt.Errorf("%w: unknown event %d", ErrInvalidTransition, uint8(e))
	}
	return []byte(e.String()), nil
}

func (e *EventKind) UnmarshalText(b []byte) error {
	for ev, name := range eventNames {
		if name == string(b) {
			*e = ev
			return nil
		}
	}
	return fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, string(b))
}

// Action is the timer side effect attached to a transition.
type Action uint8

const (
	// ActionReschedule cancels the pending timer and schedules the new phase's delay.
	ActionReschedule Action = iota + 1
	// ActionKeep leaves the pending timer untouched.
	ActionKeep
	// ActionEmitAndReschedule emits one dummy and schedules the new phase's delay.
	ActionEmitAndReschedule
)

type transitionKey struct {
	from  Phase
	event EventKind
}

type transitionRule struct {
	to     Phase
	action Action
}

// transitionTable holds the real-traffic and timer transitions.
// ConfigChanged and forced exits are handled separately because they apply
// to every phase.
var transitionTable = map[transitionKey]transitionRule{
	{PhaseIdle, EventRealOutbound}: {PhaseBurst, ActionReschedule},
	{PhaseIdle, EventRealInbound}:  {PhaseBurst, ActionReschedule},
	{PhaseIdle, EventTimerExpired}: {PhaseIdle, ActionReschedule},

	{PhaseBurst, EventRealOutbound}: {PhaseBurst, ActionReschedule},
	{PhaseBurst, EventRealInbound}:  {PhaseBurst, ActionKeep},
	{PhaseBurst, EventTimerExpired}: {PhaseGap, ActionEmitAndReschedule},

	{PhaseGap, EventRealOutbound}: {PhaseBurst, ActionReschedule},
	{PhaseGap, EventRealInbound}:  {PhaseBurst, ActionReschedule},
	{PhaseGap, EventTimerExpired}: {PhaseGap, ActionEmitAndReschedule},
}

// lookupTransition returns the rule for (from, event).
func lookupTransition(from Phase, event EventKind) (transitionRule, error) {
	if !from.Valid() {
		return transitionRule{}, fmt.Errorf("%w: unknown phase %d", ErrInvalidTransition, uint8(from))
	}
	rule, ok := transitionTable[transitionKey{from, event}]
	if !ok || !rule.to.Valid() {
		return transitionRule{}, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
	}
	return rule, nil
}

// exitTarget is where a forced exit out of p lands.
func exitTarget(p Phase) (Phase, error) {
	switch p {
	case PhaseBurst:
		return PhaseIdle, nil
	case PhaseGap:
		return PhaseBurst, nil
	}
	return 0, fmt.Errorf("%w: no exit from %s", ErrInvalidTransition, p)
}

// TransitionRecord is one entry of the transition log.
type TransitionRecord struct {
	From  Phase     `json:"from"`
	To    Phase     `json:"to"`
	Event EventKind `json:"event"`
	At    time.Time `json:"at"`
}
