package server

import (
	"context"

	"github.com/m-rowley/switchboard/internal/core"
	"github.com/m-rowley/switchboard/internal/service"
)

// Service is the surface the HTTP handlers need from the service layer.
type Service interface {
	CreateFlag(ctx context.Context, input service.CreateFlagInput) (core.Flag, error)
	GetFlag(ctx context.Context, flagID string) (core.Flag, error)
	ListFlags(ctx context.Context) ([]core.Flag, error)
	DeleteFlag(ctx context.Context, flagID string) error
	ToggleFlag(ctx context.Context, flagID string) (core.Flag, error)
	AddRule(ctx context.Context, flagID string, input service.CreateRuleInput) (core.Rule, error)
	ListRules(ctx context.Context, flagID string) (core.Rules, error)
	DeleteRule(ctx context.Context, ruleID string) error
	Evaluate(ctx context.Context, input service.EvaluateInput) (core.Result, error)
	EvaluateAll(ctx context.Context, evalCtx core.EvaluationContext) (map[string]core.Result, error)
	CreateGroup(ctx context.Context, input service.CreateGroupInput) (core.Group, error)
	GetGroup(ctx context.Context, groupID string) (core.Group, error)
	ListGroups(ctx context.Context) ([]core.Group, error)
	UpdateGroup(ctx context.Context, groupID string, input service.UpdateGroupInput) (core.Group, error)
	DeleteGroup(ctx context.Context, groupID string) error
}

var _ Service = (*service.Service)(nil)
