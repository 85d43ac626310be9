package picopad

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestLookupTransition_Rejects(t *testing.T) {
	if _, err := lookupTransition(Phase(9), EventRealOutbound); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("unknown phase: %v", err)
	}
	if _, err := lookupTransition(PhaseBurst, EventConfigChanged); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("config change is not a table event: %v", err)
	}
	if _, err := exitTarget(PhaseIdle); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("idle has no forced exit: %v", err)
	}
}

func TestTransitionRecord_JSON(t *testing.T) {
	rec := TransitionRecord{From: PhaseGap, To: PhaseBurst, Event: EventExitPhase}
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"from":"gap","to":"burst","event":"exit_phase","at":"0001-01-01T00:00:00Z"}`
	if string(b) != want {
		t.Fatalf("got %s", b)
	}

	var m map[Phase]int
	if err := json.Unmarshal([]byte(`{"idle":1,"gap":2}`), &m); err != nil {
		t.Fatal(err)
	}
	if m[PhaseIdle] != 1 || m[PhaseGap] != 2 {
		t.Fatalf("map keys: %v", m)
	}
	if err := json.Unmarshal([]byte(`{"nap":1}`), &m); err == nil {
		t.Fatal("unknown phase name accepted")
	}
}
