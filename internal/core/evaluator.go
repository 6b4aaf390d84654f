package core

import (
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// EvaluateFlag resolves a flag against a context. A flag with no rules
// targets everyone; otherwise any single matching rule suffices. The value is
// shaped by the flag type: BOOLEAN flags yield their enabled state,
// PERCENTAGE flags bucket the user deterministically, CONFIG flags return
// their config payload. Evaluation is total; no input causes an error.
func EvaluateFlag(flag Flag, ctx EvaluationContext) Result {
	matched := len(flag.Rules) == 0
	if !matched {
		for _, rule := range flag.Rules {
			if ruleMatches(rule, ctx) {
				matched = true
				break
			}
		}
	}

	if !matched {
		switch flag.Type {
		case FlagBoolean, FlagPercentage:
			return Result{Matched: false, Value: false}
		default:
			return Result{Matched: false, Value: nil}
		}
	}

	switch flag.Type {
	case FlagBoolean:
		return Result{Matched: true, Value: flag.Enabled}
	case FlagPercentage:
		// Anonymous users and flags without a configured percentage cannot
		// be bucketed; fail safe to off.
		if ctx.UserID == "" || flag.RolloutPercentage == nil {
			return Result{Matched: true, Value: false}
		}
		return Result{Matched: true, Value: Bucket(ctx.UserID) < *flag.RolloutPercentage}
	case FlagConfig:
		if flag.ConfigJSON == nil {
			return Result{Matched: true, Value: nil}
		}
		return Result{Matched: true, Value: flag.ConfigJSON}
	default:
		return Result{Matched: true, Value: nil}
	}
}

// EvaluateFlags resolves several flags against one context, keyed by flag key.
func EvaluateFlags(flags []Flag, ctx EvaluationContext) map[string]Result {
	results := make(map[string]Result, len(flags))
	for _, flag := range flags {
		results[flag.Key] = EvaluateFlag(flag, ctx)
	}
	return results
}

func ruleMatches(rule Rule, ctx EvaluationContext) bool {
	switch r := rule.(type) {
	case GroupRule:
		return slices.Contains(ctx.Groups, r.GroupID)
	case AttributeRule:
		attrValue, present := ctx.Attributes[r.Attribute]

		switch r.Operator {
		case OperatorEquals:
			return present && valuesEqual(attrValue, r.Value)
		case OperatorIn:
			return present && valueIn(attrValue, r.Value)
		case OperatorNotIn:
			// A missing attribute is trivially not in the list.
			return isSequence(r.Value) && !(present && valueIn(attrValue, r.Value))
		case OperatorGreaterThan, OperatorLessThan, OperatorGreaterOrEqual, OperatorLessOrEqual:
			left := math.NaN()
			if present {
				left = toNumber(attrValue)
			}
			right := toNumber(r.Value)
			switch r.Operator {
			case OperatorGreaterThan:
				return left > right
			case OperatorLessThan:
				return left < right
			case OperatorGreaterOrEqual:
				return left >= right
			default:
				return left <= right
			}
		default:
			return false
		}
	default:
		return false
	}
}

func valueIn(value any, list any) bool {
	candidates := reflect.ValueOf(list)
	if !candidates.IsValid() {
		return false
	}
	if candidates.Kind() != reflect.Slice && candidates.Kind() != reflect.Array {
		return false
	}

	for i := 0; i < candidates.Len(); i++ {
		if valuesEqual(value, candidates.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// valuesEqual implements strict equality over decoded JSON values: numbers of
// any Go numeric type compare by value without precision loss, everything
// else compares structurally. A number never equals a non-number.
func valuesEqual(left, right any) bool {
	leftNum, leftOK := classifyNumber(left)
	rightNum, rightOK := classifyNumber(right)
	if leftOK != rightOK {
		return false
	}
	if leftOK {
		return numbersEqual(leftNum, rightNum)
	}
	return reflect.DeepEqual(left, right)
}

type numClass int

const (
	numSigned numClass = iota
	numUnsigned
	numFloat
)

type number struct {
	class numClass
	i     int64
	u     uint64
	f     float64
}

func classifyNumber(value any) (number, bool) {
	switch n := value.(type) {
	case int:
		return number{class: numSigned, i: int64(n)}, true
	case int8:
		return number{class: numSigned, i: int64(n)}, true
	case int16:
		return number{class: numSigned, i: int64(n)}, true
	case int32:
		return number{class: numSigned, i: int64(n)}, true
	case int64:
		return number{class: numSigned, i: n}, true
	case uint:
		return number{class: numUnsigned, u: uint64(n)}, true
	case uint8:
		return number{class: numUnsigned, u: uint64(n)}, true
	case uint16:
		return number{class: numUnsigned, u: uint64(n)}, true
	case uint32:
		return number{class: numUnsigned, u: uint64(n)}, true
	case uint64:
		return number{class: numUnsigned, u: n}, true
	case float32:
		return number{class: numFloat, f: float64(n)}, true
	case float64:
		return number{class: numFloat, f: n}, true
	default:
		return number{}, false
	}
}

func numbersEqual(left, right number) bool {
	// Order the pair so there are three cross-class cases to handle.
	if left.class > right.class {
		left, right = right, left
	}

	switch {
	case left.class == numSigned && right.class == numSigned:
		return left.i == right.i
	case left.class == numSigned && right.class == numUnsigned:
		return left.i >= 0 && uint64(left.i) == right.u
	case left.class == numSigned && right.class == numFloat:
		return floatEqualsInt64(right.f, left.i)
	case left.class == numUnsigned && right.class == numUnsigned:
		return left.u == right.u
	case left.class == numUnsigned && right.class == numFloat:
		return floatEqualsUint64(right.f, left.u)
	default:
		return left.f == right.f
	}
}

func floatEqualsInt64(f float64, i int64) bool {
	if !isWholeFinite(f) || f < float64(math.MinInt64) || f >= float64(math.MaxInt64) {
		return false
	}
	converted := int64(f)
	return float64(converted) == f && converted == i
}

func floatEqualsUint64(f float64, u uint64) bool {
	if !isWholeFinite(f) || f < 0 || f >= float64(math.MaxUint64) {
		return false
	}
	converted := uint64(f)
	return float64(converted) == f && converted == u
}

func isWholeFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && math.Trunc(f) == f
}

// toNumber coerces a value for the ordering operators. The coercion mirrors
// the loose numeric conversion the wire format has always used: booleans
// become 0/1, nulls become 0, numeric strings parse, and anything else is NaN
// so every comparison against it fails.
func toNumber(value any) float64 {
	switch n := value.(type) {
	case nil:
		return 0
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		trimmed := strings.TrimSpace(n)
		if trimmed == "" {
			return 0
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return math.NaN()
		}
		return parsed
	default:
		if num, ok := classifyNumber(value); ok {
			switch num.class {
			case numSigned:
				return float64(num.i)
			case numUnsigned:
				return float64(num.u)
			default:
				return num.f
			}
		}
		return math.NaN()
	}
}

func isFiniteNumber(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
