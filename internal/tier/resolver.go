package tier

import (
	"fmt"
	"strings"
)

// Outcome classifies a credential
type Outcome int

const (
	// OutcomeMissing - no credential was presented
	OutcomeMissing Outcome = iota

	// OutcomeUnrecognized - a credential was presented but maps to no tier
	OutcomeUnrecognized

	// OutcomeResolved - the credential maps to a tier
	OutcomeResolved
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMissing:
		return "missing"
	case OutcomeUnrecognized:
		return "unrecognized"
	case OutcomeResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Resolution is the result of resolving a credential.
// Tier and Identity are only set when Outcome is OutcomeResolved.
type Resolution struct {
	Outcome Outcome
	Tier    string

	// Identity is the value the quota bucket is keyed on
	Identity string
}

// Resolver maps a credential to a tier. Implementations must be pure and
// total: every input yields exactly one Outcome.
type Resolver interface {
	Resolve(credential string) Resolution

	// Returns the strategy name
	Name() string
}

// Rule maps a credential prefix to a tier name
type Rule struct {
	Prefix string `json:"prefix"`
	Tier   string `json:"tier"`
}

// PrefixResolver resolves credentials by ordered prefix rules.
// The first matching rule wins.
type PrefixResolver struct {
	rules []Rule
}

// NewPrefixResolver validates rules against the tier table. Prefixes must be
// non-empty and unique, and every rule must name a known tier.
func NewPrefixResolver(table *Table, rules []Rule) (*PrefixResolver, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("at least one prefix rule is required")
	}

	seen := make(map[string]struct{}, len(rules))
	copied := make([]Rule, 0, len(rules))

	for i, rule := range rules {
		if rule.Prefix == "" {
			return nil, fmt.Errorf("rule %d: prefix is required", i)
		}
		if _, dup := seen[rule.Prefix]; dup {
			return nil, fmt.Errorf("rule %d: prefix %q is claimed more than once", i, rule.Prefix)
		}
		if _, ok := table.Lookup(rule.Tier); !ok {
			return nil, fmt.Errorf("rule %d: unknown tier %q", i, rule.Tier)
		}
		seen[rule.Prefix] = struct{}{}
		copied = append(copied, rule)
	}

	return &PrefixResolver{rules: copied}, nil
}

func (p *PrefixResolver) Resolve(credential string) Resolution {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Resolution{Outcome: OutcomeMissing}
	}

	for _, rule := range p.rules {
		if strings.HasPrefix(credential, rule.Prefix) {
			return Resolution{
				Outcome:  OutcomeResolved,
				Tier:     rule.Tier,
				Identity: credential,
			}
		}
	}

	return Resolution{Outcome: OutcomeUnrecognized}
}

// Rules returns a copy of the configured rules in match order
func (p *PrefixResolver) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	copy(out, p.rules)
	return out
}

func (p *PrefixResolver) Name() string {
	return "prefix"
}
