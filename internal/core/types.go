package core

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

type FlagType string

const (
	FlagBoolean    FlagType = "BOOLEAN"
	FlagPercentage FlagType = "PERCENTAGE"
	FlagConfig     FlagType = "CONFIG"
)

type TargetingType string

const (
	TargetingGroup     TargetingType = "GROUP"
	TargetingAttribute TargetingType = "ATTRIBUTE"
)

type Operator string

const (
	OperatorEquals         Operator = "EQUALS"
	OperatorIn             Operator = "IN"
	OperatorNotIn          Operator = "NOT_IN"
	OperatorGreaterThan    Operator = "GREATER_THAN"
	OperatorLessThan       Operator = "LESS_THAN"
	OperatorGreaterOrEqual Operator = "GREATER_OR_EQUAL"
	OperatorLessOrEqual    Operator = "LESS_OR_EQUAL"
)

// Rule is a single targeting condition attached to a flag. Exactly two
// implementations exist: [GroupRule] and [AttributeRule]. The interface is
// sealed so invalid field combinations are unrepresentable.
type Rule interface {
	RuleID() string
	RuleFlagID() string
	Targeting() TargetingType

	isRule()
}

// RuleBase carries the fields shared by both rule variants.
type RuleBase struct {
	ID        string    `json:"id"`
	FlagID    string    `json:"flagId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (b RuleBase) RuleID() string     { return b.ID }
func (b RuleBase) RuleFlagID() string { return b.FlagID }

// GroupRule matches when the evaluation context's group set contains GroupID.
type GroupRule struct {
	RuleBase
	GroupID string `json:"groupId"`
}

func (GroupRule) Targeting() TargetingType { return TargetingGroup }
func (GroupRule) isRule()                  {}

func (r GroupRule) MarshalJSON() ([]byte, error) {
	type alias GroupRule
	return json.Marshal(struct {
		TargetingType TargetingType `json:"targetingType"`
		alias
	}{TargetingGroup, alias(r)})
}

// AttributeRule compares a context attribute against Value per Operator.
type AttributeRule struct {
	RuleBase
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
}

func (AttributeRule) Targeting() TargetingType { return TargetingAttribute }
func (AttributeRule) isRule()                  {}

func (r AttributeRule) MarshalJSON() ([]byte, error) {
	type alias AttributeRule
	return json.Marshal(struct {
		TargetingType TargetingType `json:"targetingType"`
		alias
	}{TargetingAttribute, alias(r)})
}

// Rules decodes a heterogeneous rule list by probing each element's
// targetingType tag.
type Rules []Rule

func (rs *Rules) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	decoded := make(Rules, 0, len(raw))
	for idx, element := range raw {
		var head struct {
			TargetingType TargetingType `json:"targetingType"`
		}
		if err := json.Unmarshal(element, &head); err != nil {
			return fmt.Errorf("rule %d: %w", idx, err)
		}

		switch head.TargetingType {
		case TargetingGroup:
			var rule GroupRule
			if err := json.Unmarshal(element, &rule); err != nil {
				return fmt.Errorf("rule %d: %w", idx, err)
			}
			decoded = append(decoded, rule)
		case TargetingAttribute:
			var rule AttributeRule
			if err := json.Unmarshal(element, &rule); err != nil {
				return fmt.Errorf("rule %d: %w", idx, err)
			}
			decoded = append(decoded, rule)
		default:
			return fmt.Errorf("rule %d: unsupported targetingType %q", idx, head.TargetingType)
		}
	}

	*rs = decoded
	return nil
}

// Flag is a named, typed feature-control entity with zero or more rules.
type Flag struct {
	ID                string    `json:"id"`
	Key               string    `json:"key"`
	Name              string    `json:"name,omitempty"`
	Description       string    `json:"description,omitempty"`
	Type              FlagType  `json:"type"`
	Enabled           bool      `json:"enabled"`
	RolloutPercentage *int      `json:"rolloutPercentage,omitempty"`
	ConfigJSON        any       `json:"configJson,omitempty"`
	Rules             Rules     `json:"advancedRules"`
	CreatedAt         time.Time `json:"createdAt,omitzero"`
	UpdatedAt         time.Time `json:"updatedAt,omitzero"`
}

// Group is a user cohort referenced from GROUP rules. The evaluator only
// checks membership in the caller-supplied context; it never dereferences the
// group registry.
type Group struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EvaluationContext holds the caller-supplied facts about the subject being
// evaluated. It is ephemeral and never persisted.
type EvaluationContext struct {
	UserID     string         `json:"userId,omitempty"`
	Groups     []string       `json:"groups,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Result is the outcome of a single evaluation. Value is false for unmatched
// BOOLEAN and PERCENTAGE flags and nil for unmatched CONFIG flags.
type Result struct {
	Matched bool `json:"matched"`
	Value   any  `json:"value"`
}

// ValidateRule enforces the creation-time invariants of a rule: GROUP rules
// need a group id; ATTRIBUTE rules need attribute, operator, and value, with
// IN/NOT_IN requiring a sequence value and ordering operators a numeric one.
func ValidateRule(rule Rule) error {
	switch r := rule.(type) {
	case GroupRule:
		if r.GroupID == "" {
			return fmt.Errorf("groupId is required for GROUP rule")
		}
		return nil
	case AttributeRule:
		if r.Attribute == "" || r.Operator == "" || r.Value == nil {
			return fmt.Errorf("attribute, operator and value are required for ATTRIBUTE rule")
		}
		switch r.Operator {
		case OperatorIn, OperatorNotIn:
			if !isSequence(r.Value) {
				return fmt.Errorf("%s requires value to be an array", r.Operator)
			}
		case OperatorGreaterThan, OperatorLessThan, OperatorGreaterOrEqual, OperatorLessOrEqual:
			if isSequence(r.Value) || !isFiniteNumber(toNumber(r.Value)) {
				return fmt.Errorf("%s requires value to be a number", r.Operator)
			}
		case OperatorEquals:
		default:
			return fmt.Errorf("unsupported operator %q", r.Operator)
		}
		return nil
	default:
		return fmt.Errorf("unsupported targetingType %q", rule.Targeting())
	}
}

func isSequence(value any) bool {
	v := reflect.ValueOf(value)
	return v.IsValid() && (v.Kind() == reflect.Slice || v.Kind() == reflect.Array)
}
