// Package workflow loads and validates the onboarding workflow definition: a
// graph of named steps, each describing the message to show, the items to
// grant, optional gating checks, and how to continue.
//
// Definitions are compiled from their file form into typed steps once, at
// load time. Every `next` reference is checked then, so the interpreter never
// meets an undefined step at runtime.
package workflow

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"bagbot/internal/types"
)

// ReplacePlaceholder is substituted with the chosen randomReplace text.
const ReplacePlaceholder = "{{replace}}"

// MissingPlaceholder is substituted in resource check failure messages with
// the number of items still missing.
const MissingPlaceholder = "{xmore}"

// Definition is an immutable, validated workflow.
type Definition struct {
	steps    map[string]*Step
	names    []string
	source   string
	loadedAt time.Time
	warnings []string
}

// Step returns the named step.
func (d *Definition) Step(name string) (*Step, bool) {
	s, ok := d.steps[name]
	return s, ok
}

// Introduction returns the entry step. Validation guarantees it exists.
func (d *Definition) Introduction() *Step {
	return d.steps[types.StepIntroduction]
}

// Names returns the step names in sorted order.
func (d *Definition) Names() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Len returns the number of steps.
func (d *Definition) Len() int { return len(d.steps) }

// Source is the file the definition was loaded from, if any.
func (d *Definition) Source() string { return d.source }

// LoadedAt is when the definition was compiled.
func (d *Definition) LoadedAt() time.Time { return d.loadedAt }

// Warnings lists non-fatal problems found while compiling, such as a waitTime
// that fell back to one day.
func (d *Definition) Warnings() []string {
	out := make([]string, len(d.warnings))
	copy(out, d.warnings)
	return out
}

// Step is one compiled workflow step.
type Step struct {
	Name string
	Text string
	Next string

	Give          []types.ItemGrant
	RandomGive    []string
	RandomReplace []Replacement
	Checks        []Check

	Pause bool
	// WaitTime is the delay before a checked re-entry of a paused step. Zero
	// means the step waits for a chat event with no timeout.
	WaitTime time.Duration
}

// Completes reports whether entering this step finishes onboarding.
func (s *Step) Completes() bool {
	return s.Next == types.StepCompleted
}

// Replacement is one randomReplace alternative. Each entry of Text fills the
// next {{replace}} placeholder in order.
type Replacement struct {
	Text []string
	Give []types.ItemGrant
}

// Apply substitutes the alternative's texts into tmpl.
func (r Replacement) Apply(tmpl string) string {
	out := tmpl
	for _, t := range r.Text {
		out = strings.Replace(out, ReplacePlaceholder, t, 1)
	}
	return out
}

// Comparison is the operator of a net-worth check.
type Comparison string

const (
	CompareLess    Comparison = "less"
	CompareGreater Comparison = "greater"
)

// Check is a gating predicate evaluated when a step is re-entered. The
// concrete types are NetWorthCheck and ResourceCheck.
type Check interface {
	// Fallback is the step the check redirects to.
	Fallback() string
	isCheck()
}

// NetWorthCheck compares the user's inventory value against a threshold and
// redirects to Next when the comparison holds.
type NetWorthCheck struct {
	Op        Comparison
	Threshold float64
	Next      string
}

func (c NetWorthCheck) Fallback() string { return c.Next }
func (NetWorthCheck) isCheck() {}

// Matches reports whether netWorth satisfies the comparison.
func (c NetWorthCheck) Matches(netWorth float64) bool {
	switch c.Op {
	case CompareLess:
		return netWorth < c.Threshold
	case CompareGreater:
		return netWorth > c.Threshold
	}
	return false
}

// ResourceCheck requires the user to hold at least Quantity of Item.
type ResourceCheck struct {
	Item        string
	Quantity    int
	Next        string
	FailMessage string
}

func (c ResourceCheck) Fallback() string { return c.Next }
func (ResourceCheck) isCheck() {}

// Missing returns how many more items are needed, or zero when satisfied.
func (c ResourceCheck) Missing(held int) int {
	if held >= c.Quantity {
		return 0
	}
	return c.Quantity - held
}

// Message renders the failure message for the given shortfall.
func (c ResourceCheck) Message(missing int) string {
	return strings.ReplaceAll(c.FailMessage, MissingPlaceholder, strconv.Itoa(missing))
}

func sortedNames(steps map[string]*Step) []string {
	names := make([]string, 0, len(steps))
	for name := range steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
