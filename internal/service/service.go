// Package service implements flag, rule, and group administration plus flag
// evaluation on top of the in-memory registries. External failures never fail
// a request: hydration and toggle reconciliation degrade to local-only
// behaviour.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/m-rowley/switchboard/internal/core"
	"github.com/m-rowley/switchboard/internal/registry"
	"github.com/m-rowley/switchboard/internal/upstream"
)

var (
	ErrFlagNotFound  = errors.New("flag not found")
	ErrGroupNotFound = errors.New("group not found")
	ErrRuleNotFound  = errors.New("rule not found")
	ErrKeyExists     = errors.New("key already exists")
	ErrValidation    = errors.New("invalid request")
)

// Toggle reconciliation outcomes reported to the toggle metric hook.
const (
	ToggleUpstream = "upstream"
	ToggleLocal    = "local"
)

// Toggler reconciles flag toggles with the external system of record.
type Toggler interface {
	Toggle(ctx context.Context, flagID string) (upstream.ToggleResult, error)
}

// Service owns the registries and exposes every administration and
// evaluation operation the HTTP surface needs.
type Service struct {
	flags  *registry.FlagStore
	groups *registry.GroupStore

	toggler      Toggler
	logger       *slog.Logger
	tracer       trace.Tracer
	demoMode     bool
	onEvaluation func(matched bool)
	onToggle     func(outcome string)
	onSizes      func(flags, groups int)
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithToggler enables best-effort upstream toggle reconciliation.
func WithToggler(t Toggler) Option {
	return func(s *Service) { s.toggler = t }
}

// WithDemoMode enables placeholder auto-creation: rule operations on an
// unknown flag id create a BOOLEAN flag instead of failing. Off by default.
func WithDemoMode(enabled bool) Option {
	return func(s *Service) { s.demoMode = enabled }
}

// WithEvaluationMetric registers a callback invoked with every evaluation's
// matched outcome.
func WithEvaluationMetric(hook func(matched bool)) Option {
	return func(s *Service) { s.onEvaluation = hook }
}

// WithToggleMetric registers a callback invoked with every toggle's
// reconciliation outcome.
func WithToggleMetric(hook func(outcome string)) Option {
	return func(s *Service) { s.onToggle = hook }
}

// WithRegistrySizeMetric registers a callback invoked with the registry sizes
// after every mutation.
func WithRegistrySizeMetric(hook func(flags, groups int)) Option {
	return func(s *Service) { s.onSizes = hook }
}

// New creates a Service over the given registries.
func New(flags *registry.FlagStore, groups *registry.GroupStore, opts ...Option) *Service {
	s := &Service{
		flags:  flags,
		groups: groups,
		logger: slog.Default(),
		tracer: otel.Tracer("switchboard/service"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -- flags -------------------------------------------------------------------

// CreateFlagInput carries the caller-supplied fields for a new flag.
type CreateFlagInput struct {
	Key               string        `json:"key"`
	Name              string        `json:"name"`
	Description       string        `json:"description"`
	Type              core.FlagType `json:"type"`
	Enabled           *bool         `json:"enabled"`
	RolloutPercentage *int          `json:"rolloutPercentage"`
	ConfigJSON        any           `json:"configJson"`
}

// CreateFlag registers a new flag. The key must be unique across the
// registry; the type defaults to BOOLEAN and enabled defaults to true.
func (s *Service) CreateFlag(ctx context.Context, input CreateFlagInput) (core.Flag, error) {
	key := strings.TrimSpace(input.Key)
	if key == "" {
		return core.Flag{}, fmt.Errorf("%w: key is required", ErrValidation)
	}

	flagType := input.Type
	if flagType == "" {
		flagType = core.FlagBoolean
	}
	switch flagType {
	case core.FlagBoolean, core.FlagPercentage, core.FlagConfig:
	default:
		return core.Flag{}, fmt.Errorf("%w: unsupported flag type %q", ErrValidation, flagType)
	}

	if input.RolloutPercentage != nil {
		if pct := *input.RolloutPercentage; pct < 0 || pct > 100 {
			return core.Flag{}, fmt.Errorf("%w: rolloutPercentage must be between 0 and 100", ErrValidation)
		}
	}

	if _, exists := s.flags.FindByKey(key); exists {
		return core.Flag{}, fmt.Errorf("%w: flag key %q", ErrKeyExists, key)
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = key
	}
	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}

	now := s.now().UTC()
	flag := core.Flag{
		ID:                uuid.NewString(),
		Key:               key,
		Name:              name,
		Description:       strings.TrimSpace(input.Description),
		Type:              flagType,
		Enabled:           enabled,
		RolloutPercentage: input.RolloutPercentage,
		ConfigJSON:        input.ConfigJSON,
		Rules:             core.Rules{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.flags.Set(flag)
	s.updateSizes()

	s.logger.InfoContext(ctx, "flag created", "flag_id", flag.ID, "key", flag.Key, "type", flag.Type)
	return flag, nil
}

// GetFlag returns a flag by id, hydrating it from upstream on a local miss.
func (s *Service) GetFlag(ctx context.Context, flagID string) (core.Flag, error) {
	flag, ok := s.flags.Ensure(ctx, flagID)
	if !ok {
		return core.Flag{}, ErrFlagNotFound
	}
	return flag, nil
}

// ListFlags returns all flags sorted by key.
func (s *Service) ListFlags(_ context.Context) ([]core.Flag, error) {
	return s.flags.Values(), nil
}

// DeleteFlag removes a flag and all its rules. This is a true deletion; the
// rules die with the flag.
func (s *Service) DeleteFlag(ctx context.Context, flagID string) error {
	if !s.flags.Delete(flagID) {
		return ErrFlagNotFound
	}
	s.updateSizes()
	s.logger.InfoContext(ctx, "flag deleted", "flag_id", flagID)
	return nil
}

// ToggleFlag flips a flag's enabled state. When a toggler is configured the
// upstream system of record is asked first and its answer wins; on any
// upstream failure the flag is flipped locally instead. The write itself goes
// through the store's Update so a rule added while the upstream call is in
// flight survives the toggle.
func (s *Service) ToggleFlag(ctx context.Context, flagID string) (core.Flag, error) {
	if _, ok := s.flags.Ensure(ctx, flagID); !ok {
		return core.Flag{}, ErrFlagNotFound
	}

	outcome := ToggleLocal
	var upstreamEnabled *bool
	if s.toggler != nil {
		result, err := s.toggler.Toggle(ctx, flagID)
		if err != nil {
			s.logger.DebugContext(ctx, "upstream toggle failed, flipping locally", "flag_id", flagID, "error", err)
		} else if result.Enabled != nil {
			upstreamEnabled = result.Enabled
			outcome = ToggleUpstream
		}
	}

	flag, ok := s.flags.Update(flagID, func(f *core.Flag) {
		if upstreamEnabled != nil {
			f.Enabled = *upstreamEnabled
		} else {
			f.Enabled = !f.Enabled
		}
		f.UpdatedAt = s.now().UTC()
	})
	if !ok {
		// Deleted while the upstream call was in flight.
		return core.Flag{}, ErrFlagNotFound
	}
	if s.onToggle != nil {
		s.onToggle(outcome)
	}

	s.logger.InfoContext(ctx, "flag toggled", "flag_id", flagID, "enabled", flag.Enabled, "reconciliation", outcome)
	return flag, nil
}

// -- rules -------------------------------------------------------------------

// CreateRuleInput carries the caller-supplied fields for a new rule. GroupID
// applies to GROUP rules; Attribute, Operator, and Value to ATTRIBUTE rules.
type CreateRuleInput struct {
	TargetingType core.TargetingType `json:"targetingType"`
	GroupID       string             `json:"groupId"`
	Attribute     string             `json:"attribute"`
	Operator      core.Operator      `json:"operator"`
	Value         any                `json:"value"`
}

// AddRule validates and appends a targeting rule to a flag.
func (s *Service) AddRule(ctx context.Context, flagID string, input CreateRuleInput) (core.Rule, error) {
	if input.TargetingType == "" {
		return nil, fmt.Errorf("%w: targetingType is required", ErrValidation)
	}

	if _, err := s.flagForRules(ctx, flagID); err != nil {
		return nil, err
	}

	base := core.RuleBase{
		ID:        uuid.NewString(),
		FlagID:    flagID,
		CreatedAt: s.now().UTC(),
	}

	var rule core.Rule
	switch input.TargetingType {
	case core.TargetingGroup:
		rule = core.GroupRule{RuleBase: base, GroupID: input.GroupID}
	case core.TargetingAttribute:
		rule = core.AttributeRule{
			RuleBase:  base,
			Attribute: input.Attribute,
			Operator:  input.Operator,
			Value:     input.Value,
		}
	default:
		return nil, fmt.Errorf("%w: unsupported targetingType %q", ErrValidation, input.TargetingType)
	}

	if err := core.ValidateRule(rule); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Clone before appending so snapshots handed out earlier never share a
	// backing array with the stored rule list.
	if _, ok := s.flags.Update(flagID, func(f *core.Flag) {
		f.Rules = append(slices.Clone(f.Rules), rule)
	}); !ok {
		return nil, ErrFlagNotFound
	}

	s.logger.InfoContext(ctx, "rule added", "flag_id", flagID, "rule_id", rule.RuleID(), "targeting", rule.Targeting())
	return rule, nil
}

// ListRules returns a flag's rules in insertion order.
func (s *Service) ListRules(ctx context.Context, flagID string) (core.Rules, error) {
	flag, err := s.flagForRules(ctx, flagID)
	if err != nil {
		return nil, err
	}
	if flag.Rules == nil {
		return core.Rules{}, nil
	}
	return flag.Rules, nil
}

// DeleteRule removes a rule by id, wherever it lives. The first occurrence
// found is removed; rules are exclusively owned so there is at most one.
func (s *Service) DeleteRule(ctx context.Context, ruleID string) error {
	for _, candidate := range s.flags.Values() {
		removed := false
		s.flags.Update(candidate.ID, func(f *core.Flag) {
			for idx, rule := range f.Rules {
				if rule.RuleID() == ruleID {
					f.Rules = append(slices.Clone(f.Rules[:idx]), f.Rules[idx+1:]...)
					removed = true
					return
				}
			}
		})
		if removed {
			s.logger.InfoContext(ctx, "rule deleted", "flag_id", candidate.ID, "rule_id", ruleID)
			return nil
		}
	}
	return ErrRuleNotFound
}

// flagForRules resolves the flag a rule operation targets. In demo mode an
// unknown id gets a BOOLEAN placeholder so rules can be staged before the
// flag itself arrives from upstream.
func (s *Service) flagForRules(ctx context.Context, flagID string) (core.Flag, error) {
	if flag, ok := s.flags.Ensure(ctx, flagID); ok {
		return flag, nil
	}
	if !s.demoMode {
		return core.Flag{}, ErrFlagNotFound
	}

	now := s.now().UTC()
	placeholder := core.Flag{
		ID:        flagID,
		Key:       flagID,
		Name:      "flag-" + flagID,
		Type:      core.FlagBoolean,
		Enabled:   true,
		Rules:     core.Rules{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.flags.Set(placeholder)
	s.updateSizes()
	s.logger.InfoContext(ctx, "placeholder flag created", "flag_id", flagID)
	return placeholder, nil
}

// -- evaluation --------------------------------------------------------------

// EvaluateInput identifies the flag to evaluate and carries the subject's
// context. Exactly one of FlagID and Key should be set; FlagID wins when both
// are present.
type EvaluateInput struct {
	FlagID  string                 `json:"flagId"`
	Key     string                 `json:"key"`
	Context core.EvaluationContext `json:"context"`
}

// Evaluate resolves a flag against a context. Lookup by id hydrates from
// upstream on a local miss; lookup by key is local only.
func (s *Service) Evaluate(ctx context.Context, input EvaluateInput) (core.Result, error) {
	if input.FlagID == "" && input.Key == "" {
		return core.Result{}, fmt.Errorf("%w: flagId or key is required", ErrValidation)
	}

	var (
		flag core.Flag
		ok   bool
	)
	if input.FlagID != "" {
		flag, ok = s.flags.Ensure(ctx, input.FlagID)
	} else {
		flag, ok = s.flags.FindByKey(input.Key)
	}
	if !ok {
		return core.Result{}, ErrFlagNotFound
	}

	ctx, span := s.tracer.Start(ctx, "EvaluateFlag", trace.WithAttributes(
		attribute.String("flag.key", flag.Key),
		attribute.String("flag.type", string(flag.Type)),
	))
	result := core.EvaluateFlag(flag, input.Context)
	span.SetAttributes(attribute.Bool("flag.matched", result.Matched))
	span.End()

	if s.onEvaluation != nil {
		s.onEvaluation(result.Matched)
	}
	s.logger.DebugContext(ctx, "flag evaluated", "flag_id", flag.ID, "key", flag.Key, "matched", result.Matched)
	return result, nil
}

// EvaluateAll resolves every registered flag against one context. Results are
// keyed by flag key; lookup is local only, nothing is hydrated.
func (s *Service) EvaluateAll(ctx context.Context, evalCtx core.EvaluationContext) (map[string]core.Result, error) {
	flags := s.flags.Values()

	ctx, span := s.tracer.Start(ctx, "EvaluateAllFlags", trace.WithAttributes(
		attribute.Int("flag.count", len(flags)),
	))
	results := core.EvaluateFlags(flags, evalCtx)
	span.End()

	if s.onEvaluation != nil {
		for _, result := range results {
			s.onEvaluation(result.Matched)
		}
	}
	s.logger.DebugContext(ctx, "all flags evaluated", "count", len(results))
	return results, nil
}

// -- groups ------------------------------------------------------------------

// CreateGroupInput carries the caller-supplied fields for a new group.
type CreateGroupInput struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsActive    *bool  `json:"isActive"`
}

// UpdateGroupInput carries a partial group update; nil fields are untouched.
type UpdateGroupInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"isActive"`
}

// CreateGroup registers a new group. The key must be unique.
func (s *Service) CreateGroup(ctx context.Context, input CreateGroupInput) (core.Group, error) {
	key := strings.TrimSpace(input.Key)
	if key == "" {
		return core.Group{}, fmt.Errorf("%w: key is required", ErrValidation)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return core.Group{}, fmt.Errorf("%w: name is required", ErrValidation)
	}

	if _, exists := s.groups.FindByKey(key); exists {
		return core.Group{}, fmt.Errorf("%w: group key %q", ErrKeyExists, key)
	}

	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}

	now := s.now().UTC()
	group := core.Group{
		ID:          uuid.NewString(),
		Key:         key,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		IsActive:    isActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.groups.Set(group)
	s.updateSizes()

	s.logger.InfoContext(ctx, "group created", "group_id", group.ID, "key", group.Key)
	return group, nil
}

// GetGroup returns a group by id.
func (s *Service) GetGroup(_ context.Context, groupID string) (core.Group, error) {
	group, ok := s.groups.Get(groupID)
	if !ok {
		return core.Group{}, ErrGroupNotFound
	}
	return group, nil
}

// ListGroups returns all groups sorted by key.
func (s *Service) ListGroups(_ context.Context) ([]core.Group, error) {
	return s.groups.Values(), nil
}

// UpdateGroup applies a partial update. An empty name keeps the old one; an
// empty description clears it.
func (s *Service) UpdateGroup(ctx context.Context, groupID string, input UpdateGroupInput) (core.Group, error) {
	group, ok := s.groups.Get(groupID)
	if !ok {
		return core.Group{}, ErrGroupNotFound
	}

	if input.Name != nil {
		if name := strings.TrimSpace(*input.Name); name != "" {
			group.Name = name
		}
	}
	if input.Description != nil {
		group.Description = strings.TrimSpace(*input.Description)
	}
	if input.IsActive != nil {
		group.IsActive = *input.IsActive
	}
	group.UpdatedAt = s.now().UTC()
	s.groups.Set(group)

	s.logger.InfoContext(ctx, "group updated", "group_id", groupID)
	return group, nil
}

// DeleteGroup removes a group. Rules referencing it keep their group id and
// simply stop matching contexts that no longer claim membership.
func (s *Service) DeleteGroup(ctx context.Context, groupID string) error {
	if !s.groups.Delete(groupID) {
		return ErrGroupNotFound
	}
	s.updateSizes()
	s.logger.InfoContext(ctx, "group deleted", "group_id", groupID)
	return nil
}

func (s *Service) updateSizes() {
	if s.onSizes != nil {
		s.onSizes(s.flags.Len(), s.groups.Len())
	}
}
