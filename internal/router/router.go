// Package router implements the deterministic cluster owner-lookup.
// Every producer consults it to decide whether a business's work belongs to
// this process's cluster.
package router

import (
	"strconv"
)

// Matcher types.
const (
	MatcherTrue      = "true"
	MatcherCondition = "condition"
)

// DefaultCluster receives any key no rule matches.
const DefaultCluster = "default"

// Predicate is one comparison inside a condition matcher.
type Predicate struct {
	Field  string   `json:"field"`
	Method string   `json:"method"` // eq, neq, gt, gte, lt, lte, in, nin
	Values []string `json:"value"`
	// Condition joins this predicate with the previous one: "and" (default)
	// or "or".
	Condition string `json:"condition,omitempty"`
}

// Rule maps matching keys of one target type to a cluster. Rules are
// evaluated in order; first match wins.
type Rule struct {
	ClusterName string      `json:"cluster_name"`
	TargetType  string      `json:"target_type"` // e.g. "biz", "tenant"
	MatcherType string      `json:"matcher_type"`
	Predicates  []Predicate `json:"matcher_config,omitempty"`
}

// Router resolves (target_type, key) to a cluster name. Route is a pure
// function of the rules snapshot it was built with.
type Router struct {
	rules []Rule
}

// New builds a router over an ordered rules snapshot.
func New(rules []Rule) *Router {
	return &Router{rules: rules}
}

// Route returns the owning cluster for the key. A key no rule matches maps
// to the default cluster.
func (r *Router) Route(targetType, key string) string {
	for i := range r.rules {
		rule := &r.rules[i]
		if rule.TargetType != targetType {
			continue
		}
		switch rule.MatcherType {
		case MatcherTrue:
			return rule.ClusterName
		case MatcherCondition:
			if evalPredicates(rule.Predicates, key) {
				return rule.ClusterName
			}
		}
	}
	return DefaultCluster
}

// Match reports whether the key routes to the given cluster.
func (r *Router) Match(targetType, key, cluster string) bool {
	return r.Route(targetType, key) == cluster
}

// evalPredicates folds the predicate list left to right honouring each
// predicate's and/or joiner.
func evalPredicates(preds []Predicate, key string) bool {
	if len(preds) == 0 {
		return false
	}
	result := evalPredicate(&preds[0], key)
	for i := 1; i < len(preds); i++ {
		v := evalPredicate(&preds[i], key)
		if preds[i].Condition == "or" {
			result = result || v
		} else {
			result = result && v
		}
	}
	return result
}

func evalPredicate(p *Predicate, key string) bool {
	switch p.Method {
	case "eq":
		return containsString(p.Values, key)
	case "neq":
		return !containsString(p.Values, key)
	case "in":
		return containsString(p.Values, key)
	case "nin":
		return !containsString(p.Values, key)
	case "gt", "gte", "lt", "lte":
		if len(p.Values) == 0 {
			return false
		}
		kv, err1 := strconv.ParseFloat(key, 64)
		pv, err2 := strconv.ParseFloat(p.Values[0], 64)
		if err1 != nil || err2 != nil {
			return false
		}
		switch p.Method {
		case "gt":
			return kv > pv
		case "gte":
			return kv >= pv
		case "lt":
			return kv < pv
		default:
			return kv <= pv
		}
	default:
		return false
	}
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
