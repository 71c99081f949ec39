package models

import (
	"regexp"
	"strconv"
	"sync"
)

// MatchConditions folds the condition list over a dimension map honouring
// per-condition and/or joiners. An empty list matches everything. The
// method set mirrors the router predicates plus reg (regular expression).
func MatchConditions(conds []Condition, dimensions map[string]string) bool {
	if len(conds) == 0 {
		return true
	}
	result := matchCondition(&conds[0], dimensions)
	for i := 1; i < len(conds); i++ {
		v := matchCondition(&conds[i], dimensions)
		if conds[i].Condition == "or" {
			result = result || v
		} else {
			result = result && v
		}
	}
	return result
}

func matchCondition(c *Condition, dimensions map[string]string) bool {
	actual, exists := dimensions[c.Field]
	switch c.Method {
	case "eq", "in", "":
		return exists && containsValue(c.Values, actual)
	case "neq", "nin":
		return !exists || !containsValue(c.Values, actual)
	case "reg":
		if !exists {
			return false
		}
		for _, v := range c.Values {
			re, err := compiledRegex(v)
			if err != nil {
				// An unparseable pattern matches nothing.
				continue
			}
			if re.MatchString(actual) {
				return true
			}
		}
		return false
	case "gt", "gte", "lt", "lte":
		if !exists || len(c.Values) == 0 {
			return false
		}
		av, err1 := strconv.ParseFloat(actual, 64)
		cv, err2 := strconv.ParseFloat(c.Values[0], 64)
		if err1 != nil || err2 != nil {
			return false
		}
		switch c.Method {
		case "gt":
			return av > cv
		case "gte":
			return av >= cv
		case "lt":
			return av < cv
		default:
			return av <= cv
		}
	default:
		return false
	}
}

// regexCache memoises compiled reg patterns; shield and where conditions
// re-evaluate the same handful of patterns on every point.
var regexCache sync.Map

func compiledRegex(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

func containsValue(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
