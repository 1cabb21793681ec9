package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bagbot/internal/types"
)

// Format selects the decoder for a workflow document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the format from the file extension. Anything other than
// .yaml or .yml is treated as JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// StringList accepts either a single string or an array of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or array of strings: %w", err)
	}
	*l = many
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = StringList{value.Value}
		return nil
	}
	var many []string
	if err := value.Decode(&many); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = many
	return nil
}

// File-level shapes. They mirror the document exactly and are compiled into
// Step values by compile.

type rawStep struct {
	Text          string            `json:"text" yaml:"text"`
	Next          string            `json:"next" yaml:"next"`
	Give          []types.ItemGrant `json:"give,omitempty" yaml:"give,omitempty"`
	RandomGive    []string          `json:"randomGive,omitempty" yaml:"randomGive,omitempty"`
	RandomReplace []rawReplacement  `json:"randomReplace,omitempty" yaml:"randomReplace,omitempty"`
	Check         []rawCheck        `json:"check,omitempty" yaml:"check,omitempty"`
	Pause         bool              `json:"pause,omitempty" yaml:"pause,omitempty"`
	WaitTime      *string           `json:"waitTime,omitempty" yaml:"waitTime,omitempty"`
}

type rawReplacement struct {
	Text StringList        `json:"text" yaml:"text"`
	Give []types.ItemGrant `json:"give,omitempty" yaml:"give,omitempty"`
}

// rawCheck is either {"netWorth": "less"|"greater", "threshold": N, "next": S}
// or {"resource": NAME, "quantity": N, "failMessage": S, "next": S}.
type rawCheck struct {
	NetWorth    string   `json:"netWorth,omitempty" yaml:"netWorth,omitempty"`
	Threshold   *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Resource    string   `json:"resource,omitempty" yaml:"resource,omitempty"`
	Quantity    int      `json:"quantity,omitempty" yaml:"quantity,omitempty"`
	Next        string   `json:"next,omitempty" yaml:"next,omitempty"`
	FailMessage string   `json:"failMessage,omitempty" yaml:"failMessage,omitempty"`
}

// LoadFile reads, decodes and validates the workflow at path.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}
	def, err := Parse(data, FormatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	def.source = path
	return def, nil
}

// Parse decodes and validates a workflow document. Unknown fields are
// rejected so that typos in optional sections surface at load time.
func Parse(data []byte, format Format) (*Definition, error) {
	raw := make(map[string]rawStep)

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&raw); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationWorkflow, "failed to decode workflow yaml", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&raw); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationWorkflow, "failed to decode workflow json", err)
		}
	}

	return compile(raw)
}

// ValidationError lists every structural problem found in a workflow.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid workflow: %s", strings.Join(e.Problems, "; "))
}

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// compile validates the raw document and converts it into typed steps. All
// problems are collected before returning.
func compile(raw map[string]rawStep) (*Definition, error) {
	var problems, warnings []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, ok := raw[types.StepIntroduction]; !ok {
		addf("missing required step %q", types.StepIntroduction)
	}

	validTarget := func(name string) bool {
		if name == types.StepCompleted {
			return true
		}
		_, ok := raw[name]
		return ok
	}

	steps := make(map[string]*Step, len(raw))
	for name, rs := range raw {
		if name == "" || name == types.StepCompleted || name == types.StepNone {
			addf("step name %q is reserved", name)
			continue
		}

		step := &Step{
			Name:       name,
			Text:       rs.Text,
			Next:       rs.Next,
			Pause:      rs.Pause,
			RandomGive: rs.RandomGive,
		}

		switch {
		case rs.Next == "":
			addf("step %q: next is required", name)
		case !validTarget(rs.Next):
			addf("step %q: next references undefined step %q", name, rs.Next)
		}

		step.Give = compileGrants(rs.Give, func(format string, args ...any) {
			addf("step %q: give: "+format, append([]any{name}, args...)...)
		})

		for i, rr := range rs.RandomReplace {
			if len(rr.Text) == 0 {
				addf("step %q: randomReplace[%d]: text is required", name, i)
			}
			grants := compileGrants(rr.Give, func(format string, args ...any) {
				addf("step %q: randomReplace[%d].give: "+format, append([]any{name, i}, args...)...)
			})
			step.RandomReplace = append(step.RandomReplace, Replacement{Text: []string(rr.Text), Give: grants})
		}

		for i, item := range rs.RandomGive {
			if strings.TrimSpace(item) == "" {
				addf("step %q: randomGive[%d]: item name is empty", name, i)
			}
		}

		for i, rc := range rs.Check {
			check, problem := compileCheck(rc)
			if problem != "" {
				addf("step %q: check[%d]: %s", name, i, problem)
				continue
			}
			if next := check.Fallback(); next != "" && !validTarget(next) {
				addf("step %q: check[%d]: next references undefined step %q", name, i, next)
			}
			step.Checks = append(step.Checks, check)
		}

		if rs.WaitTime != nil {
			if !rs.Pause {
				warnings = append(warnings, fmt.Sprintf("step %q: waitTime is ignored without pause", name))
			}
			d, ok := ParseWaitTime(*rs.WaitTime)
			if !ok {
				warnings = append(warnings, fmt.Sprintf("step %q: waitTime %q is not a valid duration, using %s", name, *rs.WaitTime, DefaultWaitTime))
			}
			step.WaitTime = d
		}

		steps[name] = step
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationWorkflow,
			"workflow definition is invalid",
			&ValidationError{Problems: problems},
			map[string]any{"problems": problems},
		)
	}

	sort.Strings(warnings)
	return &Definition{
		steps:    steps,
		names:    sortedNames(steps),
		loadedAt: time.Now().UTC(),
		warnings: warnings,
	}, nil
}

func compileGrants(in []types.ItemGrant, addf func(string, ...any)) []types.ItemGrant {
	if len(in) == 0 {
		return nil
	}
	out := make([]types.ItemGrant, 0, len(in))
	for i, g := range in {
		if strings.TrimSpace(g.Name) == "" {
			addf("[%d] item name is empty", i)
			continue
		}
		if g.Quantity <= 0 {
			addf("[%d] quantity for %q must be positive", i, g.Name)
			continue
		}
		out = append(out, g)
	}
	return out
}

func compileCheck(rc rawCheck) (Check, string) {
	switch {
	case rc.NetWorth != "" && rc.Resource != "":
		return nil, "netWorth and resource are mutually exclusive"

	case rc.NetWorth != "":
		op := Comparison(rc.NetWorth)
		if op != CompareLess && op != CompareGreater {
			return nil, fmt.Sprintf("netWorth operator %q must be %q or %q", rc.NetWorth, CompareLess, CompareGreater)
		}
		if rc.Threshold == nil {
			return nil, "netWorth requires threshold"
		}
		if rc.Next == "" {
			return nil, "netWorth requires next"
		}
		return NetWorthCheck{Op: op, Threshold: *rc.Threshold, Next: rc.Next}, ""

	case rc.Resource != "":
		if rc.Quantity <= 0 {
			return nil, fmt.Sprintf("quantity for resource %q must be positive", rc.Resource)
		}
		if rc.FailMessage == "" {
			return nil, fmt.Sprintf("resource %q requires failMessage", rc.Resource)
		}
		return ResourceCheck{
			Item:        rc.Resource,
			Quantity:    rc.Quantity,
			Next:        rc.Next,
			FailMessage: rc.FailMessage,
		}, ""
	}
	return nil, "check must define netWorth or resource"
}
