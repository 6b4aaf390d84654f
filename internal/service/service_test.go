package service

import (
	"context"
	"errors"
	"testing"

	"github.com/m-rowley/switchboard/internal/core"
	"github.com/m-rowley/switchboard/internal/registry"
	"github.com/m-rowley/switchboard/internal/upstream"
)

type fakeToggler struct {
	result upstream.ToggleResult
	err    error
	calls  int
}

func (f *fakeToggler) Toggle(_ context.Context, _ string) (upstream.ToggleResult, error) {
	f.calls++
	if f.err != nil {
		return upstream.ToggleResult{}, f.err
	}
	return f.result, nil
}

func boolPtr(value bool) *bool {
	return &value
}

func strPtr(value string) *string {
	return &value
}

func intPtr(value int) *int {
	return &value
}

func newTestService(opts ...Option) *Service {
	return New(registry.NewFlagStore(), registry.NewGroupStore(), opts...)
}

func TestCreateFlagDefaults(t *testing.T) {
	svc := newTestService()

	flag, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "new-ui"})
	if err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}
	if flag.ID == "" {
		t.Fatal("ID is empty, want generated uuid")
	}
	if flag.Name != "new-ui" {
		t.Fatalf("Name = %q, want key fallback", flag.Name)
	}
	if flag.Type != core.FlagBoolean {
		t.Fatalf("Type = %q, want default BOOLEAN", flag.Type)
	}
	if !flag.Enabled {
		t.Fatal("Enabled = false, want default true")
	}
	if flag.Rules == nil || len(flag.Rules) != 0 {
		t.Fatalf("Rules = %#v, want empty", flag.Rules)
	}
	if flag.CreatedAt.IsZero() || flag.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}
}

func TestCreateFlagValidation(t *testing.T) {
	svc := newTestService()

	tests := []struct {
		name    string
		input   CreateFlagInput
		wantErr error
	}{
		{"empty key", CreateFlagInput{Key: "  "}, ErrValidation},
		{"unknown type", CreateFlagInput{Key: "k", Type: "GRADUAL"}, ErrValidation},
		{"rollout too high", CreateFlagInput{Key: "k", RolloutPercentage: intPtr(101)}, ErrValidation},
		{"rollout negative", CreateFlagInput{Key: "k", RolloutPercentage: intPtr(-1)}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateFlag(context.Background(), tt.input); !errors.Is(err, tt.wantErr) {
				t.Fatalf("CreateFlag() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateFlagDuplicateKey(t *testing.T) {
	svc := newTestService()

	if _, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "checkout"}); err != nil {
		t.Fatalf("first CreateFlag() error = %v", err)
	}
	if _, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "checkout"}); !errors.Is(err, ErrKeyExists) {
		t.Fatalf("second CreateFlag() error = %v, want ErrKeyExists", err)
	}
}

func TestFlagLifecycle(t *testing.T) {
	svc := newTestService()

	created, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "beta", Enabled: boolPtr(false)})
	if err != nil {
		t.Fatalf("CreateFlag() error = %v", err)
	}

	got, err := svc.GetFlag(context.Background(), created.ID)
	if err != nil || got.Key != "beta" || got.Enabled {
		t.Fatalf("GetFlag() = %#v, %v", got, err)
	}

	flags, err := svc.ListFlags(context.Background())
	if err != nil || len(flags) != 1 {
		t.Fatalf("ListFlags() = %#v, %v", flags, err)
	}

	if err := svc.DeleteFlag(context.Background(), created.ID); err != nil {
		t.Fatalf("DeleteFlag() error = %v", err)
	}
	if _, err := svc.GetFlag(context.Background(), created.ID); !errors.Is(err, ErrFlagNotFound) {
		t.Fatalf("GetFlag() after delete error = %v, want ErrFlagNotFound", err)
	}
	if err := svc.DeleteFlag(context.Background(), created.ID); !errors.Is(err, ErrFlagNotFound) {
		t.Fatalf("second DeleteFlag() error = %v, want ErrFlagNotFound", err)
	}
}

func TestDeleteFlagRemovesRules(t *testing.T) {
	svc := newTestService()

	flag, _ := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "beta"})
	rule, err := svc.AddRule(context.Background(), flag.ID, CreateRuleInput{
		TargetingType: core.TargetingGroup,
		GroupID:       "g1",
	})
	if err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	if err := svc.DeleteFlag(context.Background(), flag.ID); err != nil {
		t.Fatalf("DeleteFlag() error = %v", err)
	}
	if err := svc.DeleteRule(context.Background(), rule.RuleID()); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("DeleteRule() after flag delete error = %v, want ErrRuleNotFound", err)
	}
}

func TestToggleFlagLocal(t *testing.T) {
	svc := newTestService()

	flag, _ := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "beta"})
	toggled, err := svc.ToggleFlag(context.Background(), flag.ID)
	if err != nil {
		t.Fatalf("ToggleFlag() error = %v", err)
	}
	if toggled.Enabled {
		t.Fatal("Enabled = true after toggle, want false")
	}

	toggled, err = svc.ToggleFlag(context.Background(), flag.ID)
	if err != nil || !toggled.Enabled {
		t.Fatalf("second ToggleFlag() = %#v, %v, want enabled again", toggled, err)
	}
}

func TestToggleFlagUpstreamWins(t *testing.T) {
	toggler := &fakeToggler{result: upstream.ToggleResult{Enabled: boolPtr(true)}}
	var outcomes []string
	svc := newTestService(
		WithToggler(toggler),
		WithToggleMetric(func(outcome string) { outcomes = append(outcomes, outcome) }),
	)

	// Locally enabled; a naive flip would disable it, but upstream says true.
	flag, _ := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "beta"})
	toggled, err := svc.ToggleFlag(context.Background(), flag.ID)
	if err != nil {
		t.Fatalf("ToggleFlag() error = %v", err)
	}
	if !toggled.Enabled {
		t.Fatal("Enabled = false, want upstream state to win")
	}
	if toggler.calls != 1 {
		t.Fatalf("toggler calls = %d, want 1", toggler.calls)
	}
	if len(outcomes) != 1 || outcomes[0] != ToggleUpstream {
		t.Fatalf("outcomes = %v, want [%s]", outcomes, ToggleUpstream)
	}
}

func TestToggleFlagFallsBackOnUpstreamError(t *testing.T) {
	toggler := &fakeToggler{err: upstream.ErrUnavailable}
	var outcomes []string
	svc := newTestService(
		WithToggler(toggler),
		WithToggleMetric(func(outcome string) { outcomes = append(outcomes, outcome) }),
	)

	flag, _ := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "beta"})
	toggled, err := svc.ToggleFlag(context.Background(), flag.ID)
	if err != nil {
		t.Fatalf("ToggleFlag() error = %v", err)
	}
	if toggled.Enabled {
		t.Fatal("Enabled = true, want local flip despite upstream failure")
	}
	if len(outcomes) != 1 || outcomes[0] != ToggleLocal {
		t.Fatalf("outcomes = %v, want [%s]", outcomes, ToggleLocal)
	}
}

func TestToggleFlagNotFound(t *testing.T) {
	svc := newTestService()
	if _, err := svc.ToggleFlag(context.Background(), "ghost"); !errors.Is(err, ErrFlagNotFound) {
		t.Fatalf("ToggleFlag() error = %v, want ErrFlagNotFound", err)
	}
}

func TestAddRule(t *testing.T) {
	svc := newTestService()
	flag, _ := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "beta"})

	group, err := svc.AddRule(context.Background(), flag.ID, CreateRuleInput{
		TargetingType: core.TargetingGroup,
		GroupID:       "g1",
	})
	if err != nil {
		t.Fatalf("AddRule(group) error = %v", err)
	}
	if group.RuleID() == "" || group.RuleFlagID() != flag.ID {
		t.Fatalf("group rule = %#v, want generated id and flag binding", group)
	}

	attr, err := svc.AddRule(context.Background(), flag.ID, CreateRuleInput{
		TargetingType: core.TargetingAttribute,
		Attribute:     "plan",
		Operator:      core.OperatorEquals,
		Value:         "pro",
	})
	if err != nil {
		t.Fatalf("AddRule(attribute) error = %v", err)
	}
	if attr.Targeting() != core.TargetingAttribute {
		t.Fatalf("Targeting() = %q", attr.Targeting())
	}

	rules, err := svc.ListRules(context.Background(), flag.ID)
	if err != nil || len(rules) != 2 {
		t.Fatalf("ListRules() = %#v, %v, want 2 rules", rules, err)
	}
}

func TestAddRuleValidation(t *testing.T) {
	svc := newTestService()
	flag, _ := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "beta"})

	tests := []struct {
		name  string
		input CreateRuleInput
	}{
		{"missing targetingType", CreateRuleInput{GroupID: "g1"}},
		{"unknown targetingType", CreateRuleInput{TargetingType: "COHORT"}},
		{"group without groupId", CreateRuleInput{TargetingType: core.TargetingGroup}},
		{"attribute without operator", CreateRuleInput{TargetingType: core.TargetingAttribute, Attribute: "plan", Value: "pro"}},
		{"IN with scalar value", CreateRuleInput{TargetingType: core.TargetingAttribute, Attribute: "plan", Operator: core.OperatorIn, Value: "pro"}},
		{"GREATER_THAN with non-numeric value", CreateRuleInput{TargetingType: core.TargetingAttribute, Attribute: "age", Operator: core.OperatorGreaterThan, Value: "old"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.AddRule(context.Background(), flag.ID, tt.input); !errors.Is(err, ErrValidation) {
				t.Fatalf("AddRule() error = %v, want ErrValidation", err)
			}
		})
	}

	rules, _ := svc.ListRules(context.Background(), flag.ID)
	if len(rules) != 0 {
		t.Fatalf("rules = %#v, want rejected rules never stored", rules)
	}
}

func TestRuleOpsOnUnknownFlag(t *testing.T) {
	svc := newTestService()

	if _, err := svc.AddRule(context.Background(), "ghost", CreateRuleInput{
		TargetingType: core.TargetingGroup,
		GroupID:       "g1",
	}); !errors.Is(err, ErrFlagNotFound) {
		t.Fatalf("AddRule() error = %v, want ErrFlagNotFound", err)
	}
	if _, err := svc.ListRules(context.Background(), "ghost"); !errors.Is(err, ErrFlagNotFound) {
		t.Fatalf("ListRules() error = %v, want ErrFlagNotFound", err)
	}
}

func TestDemoModeCreatesPlaceholder(t *testing.T) {
	svc := newTestService(WithDemoMode(true))

	rule, err := svc.AddRule(context.Background(), "ghost", CreateRuleInput{
		TargetingType: core.TargetingGroup,
		GroupID:       "g1",
	})
	if err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}
	if rule.RuleFlagID() != "ghost" {
		t.Fatalf("RuleFlagID() = %q, want ghost", rule.RuleFlagID())
	}

	flag, err := svc.GetFlag(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetFlag() error = %v, want placeholder created", err)
	}
	if flag.Type != core.FlagBoolean || !flag.Enabled {
		t.Fatalf("placeholder = %#v, want enabled BOOLEAN", flag)
	}
	if len(flag.Rules) != 1 {
		t.Fatalf("placeholder rules = %d, want 1", len(flag.Rules))
	}
}

func TestDeleteRuleScansAllFlags(t *testing.T) {
	svc := newTestService()

	first, _ := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "alpha"})
	second, _ := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "beta"})
	svc.AddRule(context.Background(), first.ID, CreateRuleInput{TargetingType: core.TargetingGroup, GroupID: "g1"})
	rule, _ := svc.AddRule(context.Background(), second.ID, CreateRuleInput{TargetingType: core.TargetingGroup, GroupID: "g2"})

	if err := svc.DeleteRule(context.Background(), rule.RuleID()); err != nil {
		t.Fatalf("DeleteRule() error = %v", err)
	}

	rules, _ := svc.ListRules(context.Background(), second.ID)
	if len(rules) != 0 {
		t.Fatalf("rules = %#v, want deleted", rules)
	}
	rules, _ = svc.ListRules(context.Background(), first.ID)
	if len(rules) != 1 {
		t.Fatalf("sibling flag rules = %d, want untouched", len(rules))
	}

	if err := svc.DeleteRule(context.Background(), rule.RuleID()); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("second DeleteRule() error = %v, want ErrRuleNotFound", err)
	}
}

func TestEvaluate(t *testing.T) {
	var matches []bool
	svc := newTestService(WithEvaluationMetric(func(matched bool) { matches = append(matches, matched) }))

	flag, _ := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "beta"})
	svc.AddRule(context.Background(), flag.ID, CreateRuleInput{TargetingType: core.TargetingGroup, GroupID: "g1"})

	result, err := svc.Evaluate(context.Background(), EvaluateInput{
		Key:     "beta",
		Context: core.EvaluationContext{UserID: "u1", Groups: []string{"g1"}},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Matched || result.Value != true {
		t.Fatalf("Evaluate() = %#v, want matched enabled BOOLEAN", result)
	}

	// Same flag by id, non-member context.
	result, err = svc.Evaluate(context.Background(), EvaluateInput{
		FlagID:  flag.ID,
		Context: core.EvaluationContext{UserID: "u2"},
	})
	if err != nil {
		t.Fatalf("Evaluate() by id error = %v", err)
	}
	if result.Matched || result.Value != false {
		t.Fatalf("Evaluate() = %#v, want unmatched false", result)
	}

	if len(matches) != 2 || !matches[0] || matches[1] {
		t.Fatalf("recorded matches = %v, want [true false]", matches)
	}
}

func TestEvaluateValidation(t *testing.T) {
	svc := newTestService()

	if _, err := svc.Evaluate(context.Background(), EvaluateInput{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("Evaluate() error = %v, want ErrValidation", err)
	}
	if _, err := svc.Evaluate(context.Background(), EvaluateInput{Key: "ghost"}); !errors.Is(err, ErrFlagNotFound) {
		t.Fatalf("Evaluate() error = %v, want ErrFlagNotFound", err)
	}
	if _, err := svc.Evaluate(context.Background(), EvaluateInput{FlagID: "ghost"}); !errors.Is(err, ErrFlagNotFound) {
		t.Fatalf("Evaluate() by id error = %v, want ErrFlagNotFound", err)
	}
}

func TestGroupLifecycle(t *testing.T) {
	svc := newTestService()

	group, err := svc.CreateGroup(context.Background(), CreateGroupInput{Key: "beta-testers", Name: "Beta Testers"})
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if group.ID == "" || !group.IsActive {
		t.Fatalf("group = %#v, want generated id and default active", group)
	}

	if _, err := svc.CreateGroup(context.Background(), CreateGroupInput{Key: "beta-testers", Name: "Dup"}); !errors.Is(err, ErrKeyExists) {
		t.Fatalf("duplicate CreateGroup() error = %v, want ErrKeyExists", err)
	}

	got, err := svc.GetGroup(context.Background(), group.ID)
	if err != nil || got.Name != "Beta Testers" {
		t.Fatalf("GetGroup() = %#v, %v", got, err)
	}

	groups, err := svc.ListGroups(context.Background())
	if err != nil || len(groups) != 1 {
		t.Fatalf("ListGroups() = %#v, %v", groups, err)
	}

	if err := svc.DeleteGroup(context.Background(), group.ID); err != nil {
		t.Fatalf("DeleteGroup() error = %v", err)
	}
	if err := svc.DeleteGroup(context.Background(), group.ID); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("second DeleteGroup() error = %v, want ErrGroupNotFound", err)
	}
}

func TestCreateGroupValidation(t *testing.T) {
	svc := newTestService()

	if _, err := svc.CreateGroup(context.Background(), CreateGroupInput{Name: "No Key"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("CreateGroup() error = %v, want ErrValidation", err)
	}
	if _, err := svc.CreateGroup(context.Background(), CreateGroupInput{Key: "k", Name: "  "}); !errors.Is(err, ErrValidation) {
		t.Fatalf("CreateGroup() error = %v, want ErrValidation", err)
	}
}

func TestUpdateGroupPartial(t *testing.T) {
	svc := newTestService()
	group, _ := svc.CreateGroup(context.Background(), CreateGroupInput{
		Key:         "beta-testers",
		Name:        "Beta Testers",
		Description: "early access",
	})

	updated, err := svc.UpdateGroup(context.Background(), group.ID, UpdateGroupInput{
		Name:     strPtr("  "),
		IsActive: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("UpdateGroup() error = %v", err)
	}
	if updated.Name != "Beta Testers" {
		t.Fatalf("Name = %q, want blank update to keep old name", updated.Name)
	}
	if updated.IsActive {
		t.Fatal("IsActive = true, want false")
	}
	if updated.Description != "early access" {
		t.Fatalf("Description = %q, want untouched", updated.Description)
	}

	updated, err = svc.UpdateGroup(context.Background(), group.ID, UpdateGroupInput{Description: strPtr("")})
	if err != nil {
		t.Fatalf("UpdateGroup() error = %v", err)
	}
	if updated.Description != "" {
		t.Fatalf("Description = %q, want empty update to clear it", updated.Description)
	}

	if _, err := svc.UpdateGroup(context.Background(), "ghost", UpdateGroupInput{}); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("UpdateGroup(ghost) error = %v, want ErrGroupNotFound", err)
	}
}

func TestRegistrySizeMetric(t *testing.T) {
	type sizes struct{ flags, groups int }
	var last sizes
	svc := newTestService(WithRegistrySizeMetric(func(flags, groups int) {
		last = sizes{flags, groups}
	}))

	flag, _ := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "a"})
	svc.CreateGroup(context.Background(), CreateGroupInput{Key: "g", Name: "G"})
	if last != (sizes{1, 1}) {
		t.Fatalf("sizes = %+v, want {1 1}", last)
	}

	svc.DeleteFlag(context.Background(), flag.ID)
	if last != (sizes{0, 1}) {
		t.Fatalf("sizes = %+v, want {0 1}", last)
	}
}

// blockingToggler parks inside Toggle until released, simulating a slow
// upstream reconciliation.
type blockingToggler struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingToggler) Toggle(_ context.Context, _ string) (upstream.ToggleResult, error) {
	close(b.entered)
	<-b.release
	return upstream.ToggleResult{}, upstream.ErrUnavailable
}

func TestToggleFlagKeepsRuleAddedDuringReconciliation(t *testing.T) {
	toggler := &blockingToggler{entered: make(chan struct{}), release: make(chan struct{})}
	svc := newTestService(WithToggler(toggler))
	flag, _ := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "beta"})

	done := make(chan error, 1)
	go func() {
		_, err := svc.ToggleFlag(context.Background(), flag.ID)
		done <- err
	}()

	// Add a rule while the toggle is parked inside the upstream call.
	<-toggler.entered
	if _, err := svc.AddRule(context.Background(), flag.ID, CreateRuleInput{
		TargetingType: core.TargetingGroup,
		GroupID:       "g1",
	}); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}
	close(toggler.release)
	if err := <-done; err != nil {
		t.Fatalf("ToggleFlag() error = %v", err)
	}

	rules, err := svc.ListRules(context.Background(), flag.ID)
	if err != nil {
		t.Fatalf("ListRules() error = %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("rules = %d, want rule added mid-toggle kept", len(rules))
	}

	got, err := svc.GetFlag(context.Background(), flag.ID)
	if err != nil || got.Enabled {
		t.Fatalf("flag after toggle = %#v, %v, want disabled", got, err)
	}
}

func TestToggleFlagDeletedDuringReconciliation(t *testing.T) {
	toggler := &blockingToggler{entered: make(chan struct{}), release: make(chan struct{})}
	svc := newTestService(WithToggler(toggler))
	flag, _ := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "beta"})

	done := make(chan error, 1)
	go func() {
		_, err := svc.ToggleFlag(context.Background(), flag.ID)
		done <- err
	}()

	<-toggler.entered
	if err := svc.DeleteFlag(context.Background(), flag.ID); err != nil {
		t.Fatalf("DeleteFlag() error = %v", err)
	}
	close(toggler.release)

	if err := <-done; !errors.Is(err, ErrFlagNotFound) {
		t.Fatalf("ToggleFlag() error = %v, want ErrFlagNotFound", err)
	}
	if _, err := svc.GetFlag(context.Background(), flag.ID); !errors.Is(err, ErrFlagNotFound) {
		t.Fatal("flag resurrected by concurrent toggle")
	}
}

func TestEvaluateAll(t *testing.T) {
	var matches []bool
	svc := newTestService(WithEvaluationMetric(func(matched bool) { matches = append(matches, matched) }))

	svc.CreateFlag(context.Background(), CreateFlagInput{Key: "open"})
	gated, _ := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "gated"})
	svc.AddRule(context.Background(), gated.ID, CreateRuleInput{
		TargetingType: core.TargetingGroup,
		GroupID:       "insiders",
	})

	results, err := svc.EvaluateAll(context.Background(), core.EvaluationContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("EvaluateAll() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if r := results["open"]; !r.Matched || r.Value != true {
		t.Fatalf("results[open] = %#v", r)
	}
	if r := results["gated"]; r.Matched || r.Value != false {
		t.Fatalf("results[gated] = %#v, want unmatched", r)
	}
	if len(matches) != 2 {
		t.Fatalf("metric hook calls = %d, want one per flag", len(matches))
	}

	results, err = svc.EvaluateAll(context.Background(), core.EvaluationContext{
		UserID: "u1",
		Groups: []string{"insiders"},
	})
	if err != nil || !results["gated"].Matched {
		t.Fatalf("EvaluateAll() with group = %#v, %v, want gated matched", results["gated"], err)
	}
}
