package gateway

import (
	"github.com/bmatcuk/doublestar/v4"
)

// Strategy selects how the gateway answers a GET in a route category.
type Strategy string

const (
	// StrategyCacheFirst serves the cache when possible and only goes to
	// the network on a miss. Used for static shell assets.
	StrategyCacheFirst Strategy = "cache-first"

	// StrategySWR serves stale cached bytes immediately and refreshes the
	// entry in the background. Used for API reads.
	StrategySWR Strategy = "stale-while-revalidate"
)

// Rule is one route category: a set of path patterns and the strategy
// applied to requests that match.
type Rule struct {
	Name     string
	Patterns []string
	Strategy Strategy
}

// Router classifies request paths into route categories.
type Router struct {
	rules []Rule
}

// NewRouter builds a router over the configured rules. Rules are checked
// in order; first match wins.
func NewRouter(rules []Rule) *Router {
	return &Router{rules: rules}
}

// Classify returns the matching rule, or ok=false when the path belongs
// to no configured category (treated as a static asset).
func (rt *Router) Classify(path string) (Rule, bool) {
	for _, rule := range rt.rules {
		for _, pattern := range rule.Patterns {
			matched, err := doublestar.Match(pattern, path)
			if err != nil {
				continue
			}
			if matched {
				return rule, true
			}
		}
	}
	return Rule{}, false
}
