package governance

import (
	"fmt"
	"slices"
)

// ApprovalRule lists the approver levels that must each be represented by a
// distinct approver before an action targeting TargetLevel executes.
// Levels not above the proposer's and target's levels are ignored.
type ApprovalRule struct {
	TargetLevel    Level   `toml:"target_level" json:"target_level"`
	ApproverLevels []Level `toml:"approver_levels" json:"approver_levels"`
}

// RuleTable maps target levels to approval rules.
type RuleTable []ApprovalRule

// DefaultRules: creating or moving a level-1 identity needs both a level-3
// and a level-4 approver; other targets need one approver above the floor.
func DefaultRules() RuleTable {
	return RuleTable{
		{TargetLevel: 1, ApproverLevels: []Level{3, 4}},
		{TargetLevel: 2, ApproverLevels: []Level{3}},
		{TargetLevel: 3, ApproverLevels: []Level{4}},
		{TargetLevel: 4, ApproverLevels: nil},
	}
}

func (t RuleTable) Validate() error {
	seen := make(map[Level]bool, len(t))
	for _, r := range t {
		if !r.TargetLevel.Valid() {
			return fmt.Errorf("rule target level %d: %w", r.TargetLevel, ErrInvalidLevel)
		}
		if seen[r.TargetLevel] {
			return fmt.Errorf("duplicate rule for target level %d", r.TargetLevel)
		}
		seen[r.TargetLevel] = true
		for _, l := range r.ApproverLevels {
			if !l.Valid() {
				return fmt.Errorf("rule for target level %d: approver level %d: %w", r.TargetLevel, l, ErrInvalidLevel)
			}
		}
	}
	return nil
}

func (t RuleTable) lookup(target Level) ApprovalRule {
	for _, r := range t {
		if r.TargetLevel == target {
			return r
		}
	}
	return ApprovalRule{TargetLevel: target}
}

// Slot is one approval that must be supplied by a level in [Min, Max].
type Slot struct {
	Min Level `json:"min"`
	Max Level `json:"max"`
}

func (s Slot) contains(l Level) bool { return l >= s.Min && l <= s.Max }

// Requirement is the threshold computed for one action.
type Requirement struct {
	// Floor is max(proposer level, target level); approvers must exceed it.
	Floor Level  `json:"floor"`
	Slots []Slot `json:"slots"`
}

// Requirement derives the threshold for a proposer and target level. Each
// listed level above the floor is one slot; lower slots take exactly their
// level and the highest takes that level or above. When no listed level
// exceeds the floor a single approver above the floor is required; with a
// floor at MaxLevel only authority holders can approve.
func (t RuleTable) Requirement(proposer, target Level) Requirement {
	floor := max(proposer, target)
	req := Requirement{Floor: floor}
	levels := slices.Clone(t.lookup(target).ApproverLevels)
	slices.Sort(levels)
	for _, l := range slices.Compact(levels) {
		if l > floor {
			req.Slots = append(req.Slots, Slot{Min: l, Max: l})
		}
	}
	if n := len(req.Slots); n > 0 {
		req.Slots[n-1].Max = MaxLevel
	}
	if len(req.Slots) == 0 && floor < MaxLevel {
		req.Slots = []Slot{{Min: floor + 1, Max: MaxLevel}}
	}
	return req
}

// Reachable reports whether level-based approvals can ever satisfy req.
func (r Requirement) Reachable() bool { return len(r.Slots) > 0 }

// fill assigns approver levels to slots in arrival order and returns which
// slots are filled.
func (r Requirement) fill(levels []Level) []bool {
	filled := make([]bool, len(r.Slots))
	for _, l := range levels {
		for i, s := range r.Slots {
			if !filled[i] && s.contains(l) {
				filled[i] = true
				break
			}
		}
	}
	return filled
}

// Accepts checks whether an approver at level adds to the threshold given
// the levels already recorded.
func (r Requirement) Accepts(recorded []Level, level Level) error {
	if level <= r.Floor {
		return fmt.Errorf("%w: level %d does not exceed %d", ErrUnauthorizedApprover, level, r.Floor)
	}
	filled := r.fill(recorded)
	for i, s := range r.Slots {
		if !filled[i] && s.contains(level) {
			return nil
		}
	}
	return fmt.Errorf("%w: no open approval slot for level %d", ErrInsufficientLevel, level)
}

// Satisfied reports whether every slot is filled.
func (r Requirement) Satisfied(levels []Level) bool {
	if !r.Reachable() {
		return false
	}
	return !slices.Contains(r.fill(levels), false)
}
