package core

import "testing"

func BenchmarkEvaluateFlagBoolean(b *testing.B) {
	flag := Flag{Type: FlagBoolean, Enabled: true, Rules: Rules{
		GroupRule{GroupID: "beta"},
		AttributeRule{Attribute: "country", Operator: OperatorIn, Value: []any{"PL", "DE", "FR"}},
	}}
	ctx := EvaluationContext{
		Groups:     []string{"alpha"},
		Attributes: map[string]any{"country": "DE"},
	}

	b.ReportAllocs()
	for b.Loop() {
		EvaluateFlag(flag, ctx)
	}
}

func BenchmarkEvaluateFlagPercentage(b *testing.B) {
	rollout := 30
	flag := Flag{Type: FlagPercentage, RolloutPercentage: &rollout}
	ctx := EvaluationContext{UserID: "user_42"}

	b.ReportAllocs()
	for b.Loop() {
		EvaluateFlag(flag, ctx)
	}
}
