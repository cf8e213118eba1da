// Package policy maps destination attributes to retry, notification and
// expiration schedules.
package policy

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoMatchingRule is returned when no rule matches and no default exists.
var ErrNoMatchingRule = errors.New("no matching policy rule")

// Schedule is the delivery policy applied to one destination domain.
type Schedule struct {
	Retry      []time.Duration `json:"retry"`
	Notify     []time.Duration `json:"notify"`
	Expire     time.Duration   `json:"expire"`
	RepeatLast bool            `json:"repeat_last,omitempty"`
}

// Validate checks the schedule is usable.
func (s Schedule) Validate() error {
	if len(s.Retry) == 0 {
		return errors.New("retry list is empty")
	}
	for i, d := range s.Retry {
		if d <= 0 {
			return fmt.Errorf("retry[%d] must be positive, got %s", i, d)
		}
	}
	for i, d := range s.Notify {
		if d <= 0 {
			return fmt.Errorf("notify[%d] must be positive, got %s", i, d)
		}
		if i > 0 && d <= s.Notify[i-1] {
			return fmt.Errorf("notify[%d] must be greater than notify[%d]", i, i-1)
		}
	}
	if s.Expire <= 0 {
		return fmt.Errorf("expire must be positive, got %s", s.Expire)
	}
	return nil
}

// Exhausted reports whether a domain that has failed temporarily attempts
// times may not be retried again.
func (s Schedule) Exhausted(attempts int) bool {
	return !s.RepeatLast && attempts > len(s.Retry)
}

// RetryDelay returns the wait before the next attempt after attempts
// temporary failures. The last interval repeats.
func (s Schedule) RetryDelay(attempts int) time.Duration {
	if len(s.Retry) == 0 {
		return 0
	}
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i > len(s.Retry)-1 {
		i = len(s.Retry) - 1
	}
	return s.Retry[i]
}

// Rule pairs a condition with the schedule it selects.
type Rule struct {
	Condition Condition
	Schedule  Schedule
}

// RuleSpec is the textual form of a Rule.
type RuleSpec struct {
	If       string
	Schedule Schedule
}

// RuleSet evaluates rules in order; the first matching rule wins.
type RuleSet struct {
	rules    []Rule
	fallback *Schedule
}

// NewRuleSet validates every schedule and returns the rule set. fallback is
// used when nothing matches and may be nil.
func NewRuleSet(rules []Rule, fallback *Schedule) (*RuleSet, error) {
	for i, r := range rules {
		if r.Condition == nil {
			return nil, fmt.Errorf("rule %d has no condition", i)
		}
		if err := r.Schedule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Condition, err)
		}
	}
	if fallback != nil {
		if err := fallback.Validate(); err != nil {
			return nil, fmt.Errorf("default rule: %w", err)
		}
	}
	return &RuleSet{rules: rules, fallback: fallback}, nil
}

// Compile parses the conditions in specs and builds a RuleSet.
func Compile(specs []RuleSpec, fallback *Schedule) (*RuleSet, error) {
	rules := make([]Rule, 0, len(specs))
	for i, spec := range specs {
		cond, err := ParseCondition(spec.If)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, Rule{Condition: cond, Schedule: spec.Schedule})
	}
	return NewRuleSet(rules, fallback)
}

// Resolve returns the schedule of the first rule matching attrs.
func (rs *RuleSet) Resolve(attrs Attributes) (Schedule, error) {
	for _, r := range rs.rules {
		if r.Condition.Match(attrs) {
			return r.Schedule.clone(), nil
		}
	}
	if rs.fallback != nil {
		return rs.fallback.clone(), nil
	}
	return Schedule{}, fmt.Errorf("%w for domain %q", ErrNoMatchingRule, attrs.RcptDomain)
}

// Len returns the number of conditional rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

func (s Schedule) clone() Schedule {
	c := s
	c.Retry = append([]time.Duration(nil), s.Retry...)
	c.Notify = append([]time.Duration(nil), s.Notify...)
	return c
}
