// Package condition evaluates ABAC condition trees against an attribute
// context. Evaluation is pure and side-effect-free: a leaf that errors
// (unknown operator, type mismatch, malformed regex) is treated as a
// non-match rather than raised to the caller.
package condition

import (
	"fmt"
	"net"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/agentictrust/tokenauthority/internal/models"
)

// Operator names recognized by Evaluate. Modeled as a closed set of string
// constants rather than a map of closures so dispatch stays in one
// switch-based function, traceable in a single place.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNe          Operator = "ne"
	OpLt          Operator = "lt"
	OpLe          Operator = "le"
	OpGt          Operator = "gt"
	OpGe          Operator = "ge"
	OpIn          Operator = "in"
	OpContains    Operator = "contains"
	OpOneOf       Operator = "one_of"
	OpContainsAny Operator = "contains_any"
	OpContainsAll Operator = "contains_all"
	OpStartsWith  Operator = "startswith"
	OpEndsWith    Operator = "endswith"
	OpRegex       Operator = "regex"
	OpRegexNot    Operator = "regex_not"
	OpILike       Operator = "ilike"
	OpNotILike    Operator = "not_ilike"
	OpWildcard    Operator = "wildcard"
	OpLenEq       Operator = "len_eq"
	OpLenLt       Operator = "len_lt"
	OpLenGt       Operator = "len_gt"
	OpEmpty       Operator = "empty"
	OpNotEmpty    Operator = "not_empty"
	OpBetween     Operator = "between"
	OpNotBetween  Operator = "not_between"
	OpIPInCIDR    Operator = "ip_in_cidr"
	OpIPNotInCIDR Operator = "ip_not_in_cidr"
	OpBefore      Operator = "before"
	OpAfter       Operator = "after"
	OpWithin      Operator = "within"
)

// absent is the sentinel returned by GetAttribute when a dotted path cannot
// be resolved. It is distinct from nil/null: every comparison operator
// treats it as a guaranteed non-match rather than comparing against it.
type absent struct{}

// Absent is the shared sentinel value for an unresolved attribute lookup.
var Absent = absent{}

// GetAttribute resolves a dot-separated path against a nested context map.
// Any missing key, or any non-map intermediate value, yields Absent.
func GetAttribute(context map[string]any, path string) any {
	var cur any = context
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return Absent
		}
		v, ok := m[key]
		if !ok {
			return Absent
		}
		cur = v
	}
	return cur
}

// Evaluate evaluates a condition tree against a context. And is vacuously
// true on an empty list, Or is vacuously false.
func Evaluate(node models.ConditionNode, context map[string]any) bool {
	switch {
	case node.And != nil:
		for _, c := range node.And {
			if !Evaluate(c, context) {
				return false
			}
		}
		return true
	case node.Or != nil:
		for _, c := range node.Or {
			if Evaluate(c, context) {
				return true
			}
		}
		return false
	case node.Not != nil:
		return !Evaluate(*node.Not, context)
	case node.Attribute != "" && node.Operator != "":
		return evaluateLeaf(node, context)
	default:
		return false
	}
}

func evaluateLeaf(node models.ConditionNode, context map[string]any) (result bool) {
	defer func() {
		if recover() != nil {
			result = false
		}
	}()

	var rhs any
	if node.ValueFrom != "" {
		rhs = GetAttribute(context, node.ValueFrom)
	} else {
		rhs = node.Value
	}
	lhs := GetAttribute(context, node.Attribute)
	return applyOperator(Operator(node.Operator), lhs, rhs)
}

// EvaluateConditions is the entry point used by the policy engine: cond may
// carry a top-level "custom" wrapper (as stored by legacy policy documents),
// which is transparently unwrapped before evaluation.
func EvaluateConditions(cond models.ConditionNode, context map[string]any) bool {
	if cond.Custom != nil {
		cond = *cond.Custom
	}
	return Evaluate(cond, context)
}

func applyOperator(op Operator, lhs, rhs any) bool {
	switch op {
	case OpEq:
		return compareEq(lhs, rhs)
	case OpNe:
		return !compareEq(lhs, rhs)
	case OpLt:
		c, ok := compareOrdered(lhs, rhs)
		return ok && c < 0
	case OpLe:
		c, ok := compareOrdered(lhs, rhs)
		return ok && c <= 0
	case OpGt:
		c, ok := compareOrdered(lhs, rhs)
		return ok && c > 0
	case OpGe:
		c, ok := compareOrdered(lhs, rhs)
		return ok && c >= 0
	case OpIn, OpOneOf:
		return memberOf(rhs, lhs)
	case OpContains:
		return memberOf(lhs, rhs)
	case OpContainsAny:
		a, aok := toSet(lhs)
		b, bok := toSet(rhs)
		if !aok || !bok {
			return false
		}
		for k := range b {
			if a[k] {
				return true
			}
		}
		return false
	case OpContainsAll:
		a, aok := toSet(lhs)
		b, bok := toSet(rhs)
		if !aok || !bok {
			return false
		}
		for k := range b {
			if !a[k] {
				return false
			}
		}
		return true
	case OpStartsWith:
		s, sok := lhs.(string)
		p, pok := rhs.(string)
		return sok && pok && strings.HasPrefix(s, p)
	case OpEndsWith:
		s, sok := lhs.(string)
		p, pok := rhs.(string)
		return sok && pok && strings.HasSuffix(s, p)
	case OpRegex, OpRegexNot:
		s, sok := lhs.(string)
		p, pok := rhs.(string)
		if !sok || !pok {
			return false
		}
		// Anchored at the start: the pattern must match from position 0,
		// not anywhere in the string.
		re, err := regexp.Compile("^(?:" + p + ")")
		if err != nil {
			return false
		}
		if op == OpRegex {
			return re.MatchString(s)
		}
		return !re.MatchString(s)
	case OpILike, OpNotILike:
		if lhs == Absent || rhs == Absent {
			return false
		}
		equal := strings.EqualFold(fmt.Sprint(lhs), fmt.Sprint(rhs))
		if op == OpILike {
			return equal
		}
		return !equal
	case OpWildcard:
		pattern, pok := rhs.(string)
		if lhs == Absent || !pok {
			return false
		}
		ok, err := wildcardMatch(pattern, fmt.Sprint(lhs))
		return err == nil && ok
	case OpLenEq, OpLenLt, OpLenGt:
		n, ok := length(lhs)
		if !ok {
			return false
		}
		bound, ok := toInt(rhs)
		if !ok {
			return false
		}
		switch op {
		case OpLenEq:
			return n == bound
		case OpLenLt:
			return n < bound
		default:
			return n > bound
		}
	case OpEmpty:
		n, ok := length(lhs)
		return ok && n == 0
	case OpNotEmpty:
		n, ok := length(lhs)
		return ok && n != 0
	case OpBetween, OpNotBetween:
		inRange, ok := between(lhs, rhs)
		if !ok {
			return false
		}
		if op == OpBetween {
			return inRange
		}
		return !inRange
	case OpIPInCIDR, OpIPNotInCIDR:
		contained, ok := ipInCIDR(lhs, rhs)
		if !ok {
			return false
		}
		if op == OpIPInCIDR {
			return contained
		}
		return !contained
	case OpBefore:
		c, ok := compareTime(lhs, rhs)
		return ok && c < 0
	case OpAfter:
		c, ok := compareTime(lhs, rhs)
		return ok && c > 0
	case OpWithin:
		return within(rhs)
	default:
		return false
	}
}

func compareEq(lhs, rhs any) bool {
	if lhs == Absent || rhs == Absent {
		return false
	}
	return reflect.DeepEqual(lhs, rhs)
}

// compareOrdered compares two numeric or string values; ok is false if
// either side is Absent or the types are not comparable this way.
func compareOrdered(lhs, rhs any) (int, bool) {
	if lhs == Absent || rhs == Absent {
		return 0, false
	}
	if ls, lok := lhs.(string); lok {
		if rs, rok := rhs.(string); rok {
			return strings.Compare(ls, rs), true
		}
		return 0, false
	}
	lf, lok := toFloat(lhs)
	rf, rok := toFloat(rhs)
	if !lok || !rok {
		return 0, false
	}
	switch {
	case lf < rf:
		return -1, true
	case lf > rf:
		return 1, true
	default:
		return 0, true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func length(v any) (int, bool) {
	if v == Absent || v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return rv.Len(), true
	default:
		return 0, false
	}
}

func toSlice(v any) ([]any, bool) {
	if v == Absent || v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toSet(v any) (map[any]bool, bool) {
	s, ok := toSlice(v)
	if !ok {
		return nil, false
	}
	set := make(map[any]bool, len(s))
	for _, e := range s {
		set[e] = true
	}
	return set, true
}

func memberOf(container, needle any) bool {
	s, ok := toSlice(container)
	if !ok {
		return false
	}
	for _, e := range s {
		if reflect.DeepEqual(e, needle) {
			return true
		}
	}
	return false
}

// wildcardMatch implements shell-style glob matching (*, ?) equivalent to
// Python's fnmatch, by translating the pattern to an anchored regex.
func wildcardMatch(pattern, s string) (bool, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

// between reports whether lhs lies inside the inclusive [lo,hi] bounds; ok
// is false when lhs is absent or the bounds are not a comparable pair, so
// both between and not_between treat an unresolvable comparison as a
// non-match.
func between(lhs, bounds any) (inRange, ok bool) {
	b, bok := toSlice(bounds)
	if !bok || len(b) != 2 {
		return false, false
	}
	lo, lok := compareOrdered(lhs, b[0])
	hi, hok := compareOrdered(lhs, b[1])
	if !lok || !hok {
		return false, false
	}
	return lo >= 0 && hi <= 0, true
}

// ipInCIDR reports whether lhs is inside any of the rhs CIDR(s); ok is
// false when lhs is not a parseable address, so ip_not_in_cidr also treats
// a garbage address as a non-match rather than a vacuous truth.
func ipInCIDR(lhs, rhs any) (contained, ok bool) {
	addrStr, sok := lhs.(string)
	if !sok {
		return false, false
	}
	ip := net.ParseIP(addrStr)
	if ip == nil {
		return false, false
	}
	var nets []string
	switch v := rhs.(type) {
	case string:
		nets = []string{v}
	default:
		s, sok := toSlice(rhs)
		if !sok {
			return false, false
		}
		for _, e := range s {
			if cs, ok := e.(string); ok {
				nets = append(nets, cs)
			}
		}
	}
	for _, n := range nets {
		_, network, err := net.ParseCIDR(n)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true, true
		}
	}
	return false, true
}

func parseTimeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

func compareTime(lhs, rhs any) (int, bool) {
	lt, lok := parseTimeValue(lhs)
	rt, rok := parseTimeValue(rhs)
	if !lok || !rok {
		return 0, false
	}
	switch {
	case lt.Before(rt):
		return -1, true
	case lt.After(rt):
		return 1, true
	default:
		return 0, true
	}
}

// within evaluates the "within" operator against the current UTC wall
// clock. rhs is a {start:"HH:MM", end:"HH:MM"} map; if start > end the
// window is treated as wrapping midnight.
func within(rhs any) bool {
	m, ok := rhs.(map[string]any)
	if !ok {
		return false
	}
	startStr, sok := m["start"].(string)
	endStr, eok := m["end"].(string)
	if !sok || !eok {
		return false
	}
	start, err := time.Parse("15:04", startStr)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", endStr)
	if err != nil {
		return false
	}
	now := time.Now().UTC()
	nowClock, _ := time.Parse("15:04", now.Format("15:04"))
	if !start.After(end) {
		return !nowClock.Before(start) && !nowClock.After(end)
	}
	return !nowClock.Before(start) || !nowClock.After(end)
}
