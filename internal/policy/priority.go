package policy

import (
	"fmt"
	"regexp"
)

// Candidate is what a priority policy sees of a discovered link.
type Candidate struct {
	URL        string // canonical form
	Depth      int
	IsRedirect bool
}

// PriorityPolicy computes the priority of a link. Higher is crawled sooner.
type PriorityPolicy interface {
	Priority(c Candidate) int
}

// PriorityFunc adapts a function to PriorityPolicy.
type PriorityFunc func(c Candidate) int

// Priority implements PriorityPolicy.
func (f PriorityFunc) Priority(c Candidate) int {
	return f(c)
}

// DepthPolicy prefers shallow links: priority is the negated link depth.
type DepthPolicy struct{}

// Priority implements PriorityPolicy.
func (DepthPolicy) Priority(c Candidate) int {
	return -c.Depth
}

// Rule assigns a fixed priority to URLs matching Pattern.
type Rule struct {
	Pattern  *regexp.Regexp
	Priority int
}

// RuleSpec is the configuration form of a Rule.
type RuleSpec struct {
	Pattern  string `mapstructure:"pattern"`
	Priority int    `mapstructure:"priority"`
}

// RulePolicy evaluates rules in order; the first match wins. URLs matching no
// rule get the fallback policy's priority.
type RulePolicy struct {
	rules    []Rule
	fallback PriorityPolicy
}

// NewRulePolicy compiles specs into a RulePolicy. A nil fallback means
// DepthPolicy.
func NewRulePolicy(specs []RuleSpec, fallback PriorityPolicy) (*RulePolicy, error) {
	if fallback == nil {
		fallback = DepthPolicy{}
	}
	rules := make([]Rule, 0, len(specs))
	for i, spec := range specs {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("priority rule %d: compile %q: %w", i, spec.Pattern, err)
		}
		rules = append(rules, Rule{Pattern: re, Priority: spec.Priority})
	}
	return &RulePolicy{rules: rules, fallback: fallback}, nil
}

// Priority implements PriorityPolicy.
func (p *RulePolicy) Priority(c Candidate) int {
	for _, rule := range p.rules {
		if rule.Pattern.MatchString(c.URL) {
			return rule.Priority
		}
	}
	return p.fallback.Priority(c)
}
