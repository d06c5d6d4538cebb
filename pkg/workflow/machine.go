package workflow

import (
	"errors"
	"fmt"
	"sort"

	"github.com/platinummonkey/banquet/pkg/billing"
)

var (
	// ErrTransitionNotAllowed means the (from, to) pair is absent from the table
	// or may not be requested by the caller's trigger.
	ErrTransitionNotAllowed = fmt.Errorf("transition not allowed: %w", billing.ErrValidation)
	// ErrGuardFailed means the pair is in the table but its guard rejected the entity
	ErrGuardFailed = fmt.Errorf("transition guard failed: %w", billing.ErrValidation)
)

// Trigger identifies what initiated a transition
type Trigger int

const (
	// Manual transitions come from an admin, customer or payment action
	Manual Trigger = iota
	// Automatic transitions come from a sweep
	Automatic
)

func (t Trigger) String() string {
	if t == Automatic {
		return "automatic"
	}
	return "manual"
}

// Guard inspects a snapshot of the entity and returns a non-nil reason to refuse
type Guard[S any] func(snap S, trigger Trigger) error

// Rule is one allowed edge of a transition table
type Rule[S any] struct {
	// AutomaticOnly edges can only be taken by sweeps
	AutomaticOnly bool
	Guard         Guard[S]
}

// Table is an explicit transition table over status type St using snapshots of type S
type Table[St ~string, S any] struct {
	entity billing.EntityType
	rules  map[St]map[St]Rule[S]
}

// NewTable creates an empty table for entity
func NewTable[St ~string, S any](entity billing.EntityType) *Table[St, S] {
	return &Table[St, S]{entity: entity, rules: make(map[St]map[St]Rule[S])}
}

// Allow registers rule for every from -> to edge
func (t *Table[St, S]) Allow(to St, rule Rule[S], from ...St) *Table[St, S] {
	for _, f := range from {
		if t.rules[f] == nil {
			t.rules[f] = make(map[St]Rule[S])
		}
		t.rules[f][to] = rule
	}
	return t
}

// Check reports whether from -> to may be taken by trigger for snap
func (t *Table[St, S]) Check(id int64, from, to St, trigger Trigger, snap S) error {
	const op = "check transition"
	rule, ok := t.rules[from][to]
	if !ok {
		return &billing.Error{Kind: ErrTransitionNotAllowed, Op: op, Entity: t.entity, ID: id,
			Msg: fmt.Sprintf("%s -> %s is not a valid transition", from, to)}
	}
	if rule.AutomaticOnly && trigger != Automatic {
		return &billing.Error{Kind: ErrTransitionNotAllowed, Op: op, Entity: t.entity, ID: id,
			Msg: fmt.Sprintf("%s -> %s is only taken automatically", from, to)}
	}
	if rule.Guard != nil {
		if err := rule.Guard(snap, trigger); err != nil {
			return &billing.Error{Kind: ErrGuardFailed, Op: op, Entity: t.entity, ID: id,
				Msg: fmt.Sprintf("%s -> %s", from, to), Err: err}
		}
	}
	return nil
}

// Allowed lists the targets reachable from from, sorted
func (t *Table[St, S]) Allowed(from St) []St {
	out := make([]St, 0, len(t.rules[from]))
	for to := range t.rules[from] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sources lists the states that have an edge to to, sorted.
// Sweeps use it to select candidates so selection never drifts from the table.
func (t *Table[St, S]) Sources(to St) []St {
	var out []St
	for from, targets := range t.rules {
		if _, ok := targets[to]; ok {
			out = append(out, from)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsGuardFailure reports whether err is a guard rejection rather than a missing edge
func IsGuardFailure(err error) bool {
	return errors.Is(err, ErrGuardFailed)
}
