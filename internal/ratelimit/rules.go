// Package ratelimit classifies outbound exchange calls by rule and keeps
// per-bucket sliding-window counters.
//
// The exchange publishes per-endpoint-class limits measured in requests per
// window. This package does not throttle: the Governor observes every call,
// counts it against the first matching rule's bucket and reports usage
// (count, reset time, near/exceeded flags). Callers decide whether to back off.
//
// Rules are declarative data (RuleSpec) compiled once at startup into an
// ordered RuleSet. A request matches at most the first rule in order.
package ratelimit

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Basis scopes a bucket to the caller identity or to the origin (IP/host).
type Basis string

const (
	BasisIdentity Basis = "identity"
	BasisOrigin   Basis = "origin"
)

// Scope decides bucket granularity within a rule.
type Scope string

const (
	ScopeRule     Scope = "rule"     // one bucket per basis key
	ScopeEndpoint Scope = "endpoint" // one bucket per basis key + method + path template
)

// Caller identifies who is making a call, for bucket keys.
type Caller struct {
	Identity string // account / user id
	Origin   string // host or egress IP
}

func (c Caller) key(b Basis) string {
	if b == BasisOrigin {
		return c.Origin
	}
	return c.Identity
}

// RuleSpec is the declarative form of a rule, loadable from config.
type RuleSpec struct {
	ID      string
	Methods []string // empty = any method
	Pattern string   // regexp on the path, query stripped
	Limit   int      // <= 0 tracks without ever flagging exceeded
	Window  time.Duration
	Basis   Basis
	Scope   Scope
	Bucket  string // key prefix for ScopeRule; defaults to ID
}

// Rule is a compiled, immutable rate rule.
type Rule struct {
	ID     string
	Limit  int
	Window time.Duration // 0 = lifetime counter, never resets
	Basis  Basis

	methods map[string]bool
	pattern *regexp.Regexp
	scope   Scope
	bucket  string
}

// Matches reports whether the rule applies to a request.
func (r Rule) Matches(method, path string) bool {
	if len(r.methods) > 0 && !r.methods[strings.ToUpper(method)] {
		return false
	}
	return r.pattern.MatchString(stripQuery(path))
}

// BucketKey derives the counter bucket for a matched request.
func (r Rule) BucketKey(method, path string, caller Caller) string {
	who := caller.key(r.Basis)
	if r.scope == ScopeEndpoint {
		return who + ":" + strings.ToUpper(method) + " " + PathTemplate(path)
	}
	return r.bucket + ":" + who
}

// RuleSet is an ordered list of rules; first match wins.
type RuleSet []Rule

// Match returns the first rule matching the request.
func (rs RuleSet) Match(method, path string) (Rule, bool) {
	for _, r := range rs {
		if r.Matches(method, path) {
			return r, true
		}
	}
	return Rule{}, false
}

// Compile validates specs and builds a RuleSet preserving their order.
func Compile(specs []RuleSpec) (RuleSet, error) {
	seen := make(map[string]bool, len(specs))
	rules := make(RuleSet, 0, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("rule without id")
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", s.ID)
		}
		seen[s.ID] = true

		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: compile pattern: %w", s.ID, err)
		}

		basis := s.Basis
		switch basis {
		case "":
			basis = BasisIdentity
		case BasisIdentity, BasisOrigin:
		default:
			return nil, fmt.Errorf("rule %s: unknown basis %q", s.ID, basis)
		}
		scope := s.Scope
		switch scope {
		case "":
			scope = ScopeRule
		case ScopeRule, ScopeEndpoint:
		default:
			return nil, fmt.Errorf("rule %s: unknown scope %q", s.ID, scope)
		}
		if s.Window < 0 {
			return nil, fmt.Errorf("rule %s: negative window", s.ID)
		}

		var methods map[string]bool
		if len(s.Methods) > 0 {
			methods = make(map[string]bool, len(s.Methods))
			for _, m := range s.Methods {
				methods[strings.ToUpper(m)] = true
			}
		}
		bucket := s.Bucket
		if bucket == "" {
			bucket = s.ID
		}

		rules = append(rules, Rule{
			ID:      s.ID,
			Limit:   s.Limit,
			Window:  s.Window,
			Basis:   basis,
			methods: methods,
			pattern: re,
			scope:   scope,
			bucket:  bucket,
		})
	}
	return rules, nil
}

// DefaultSpecs is the built-in futures catalog:
//
//   - place-order:  100 per second per identity
//   - cancel-order: 200 per second per identity
//   - private:      200 per 10s per identity, per endpoint
//   - public:       200 per 10s per origin, per endpoint
func DefaultSpecs() []RuleSpec {
	return []RuleSpec{
		{
			ID:      "place-order",
			Methods: []string{"POST"},
			Pattern: `/futures/[a-z]+/(orders|batch_orders)$`,
			Limit:   100,
			Window:  time.Second,
			Basis:   BasisIdentity,
			Bucket:  "place",
		},
		{
			ID:      "cancel-order",
			Methods: []string{"DELETE"},
			Pattern: `/futures/[a-z]+/orders(/[^/]+)?$`,
			Limit:   200,
			Window:  time.Second,
			Basis:   BasisIdentity,
			Bucket:  "cancel",
		},
		{
			ID:      "private",
			Pattern: `/futures/[a-z]+/(accounts|positions|orders|my_trades|position_close|price_orders|dual_mode|dual_comp)`,
			Limit:   200,
			Window:  10 * time.Second,
			Basis:   BasisIdentity,
			Scope:   ScopeEndpoint,
		},
		{
			ID:      "public",
			Methods: []string{"GET"},
			Pattern: `/futures/[a-z]+/(order_book|contracts|tickers|trades|candlesticks|funding_rate)`,
			Limit:   200,
			Window:  10 * time.Second,
			Basis:   BasisOrigin,
			Scope:   ScopeEndpoint,
		},
	}
}

var (
	contractSegment = regexp.MustCompile(`^[A-Z0-9]+_[A-Z0-9]+$`)
	idSegment       = regexp.MustCompile(`^[0-9]+$`)
)

// PathTemplate strips the query and replaces contract names and numeric ids
// with placeholders so per-endpoint buckets don't explode per symbol.
func PathTemplate(path string) string {
	parts := strings.Split(stripQuery(path), "/")
	for i, p := range parts {
		switch {
		case contractSegment.MatchString(p):
			parts[i] = "{contract}"
		case idSegment.MatchString(p):
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func stripQuery(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		return path[:i]
	}
	return path
}
