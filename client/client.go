// Package client provides a Go client for the switchboard HTTP API. It
// defines its own wire types so importers never depend on server internals.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Flag type names accepted by the API.
const (
	FlagBoolean    = "BOOLEAN"
	FlagPercentage = "PERCENTAGE"
	FlagConfig     = "CONFIG"
)

// Rule targeting types.
const (
	TargetingGroup     = "GROUP"
	TargetingAttribute = "ATTRIBUTE"
)

// Attribute rule operators.
const (
	OperatorEquals         = "EQUALS"
	OperatorIn             = "IN"
	OperatorNotIn          = "NOT_IN"
	OperatorGreaterThan    = "GREATER_THAN"
	OperatorLessThan       = "LESS_THAN"
	OperatorGreaterOrEqual = "GREATER_OR_EQUAL"
	OperatorLessOrEqual    = "LESS_OR_EQUAL"
)

// Config holds configuration for the API client.
type Config struct {
	// BaseURL is the base URL of the switchboard server, e.g.
	// "http://localhost:8080".
	BaseURL string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client talks to the switchboard administration and evaluation API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New returns a client for the switchboard service.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("switchboard: server returned %d: %s", e.StatusCode, e.Message)
}

// NotFound reports whether err is an APIError with status 404.
func NotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// -- wire types --------------------------------------------------------------

// Flag is a feature flag as returned by the API.
type Flag struct {
	ID                string    `json:"id"`
	Key               string    `json:"key"`
	Name              string    `json:"name,omitempty"`
	Description       string    `json:"description,omitempty"`
	Type              string    `json:"type"`
	Enabled           bool      `json:"enabled"`
	RolloutPercentage *int      `json:"rolloutPercentage,omitempty"`
	ConfigJSON        any       `json:"configJson,omitempty"`
	Rules             []Rule    `json:"advancedRules"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Rule is a targeting rule. GroupID is set on GROUP rules; Attribute,
// Operator, and Value on ATTRIBUTE rules.
type Rule struct {
	ID            string    `json:"id"`
	FlagID        string    `json:"flagId"`
	TargetingType string    `json:"targetingType"`
	GroupID       string    `json:"groupId,omitempty"`
	Attribute     string    `json:"attribute,omitempty"`
	Operator      string    `json:"operator,omitempty"`
	Value         any       `json:"value,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Group is a user cohort referenced from GROUP rules.
type Group struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EvaluationContext carries the subject's facts for an evaluation.
type EvaluationContext struct {
	UserID     string         `json:"userId,omitempty"`
	Groups     []string       `json:"groups,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Result is the outcome of a single evaluation.
type Result struct {
	Matched bool `json:"matched"`
	Value   any  `json:"value"`
}

// CreateFlagRequest mirrors the POST /v1/flags body.
type CreateFlagRequest struct {
	Key               string `json:"key"`
	Name              string `json:"name,omitempty"`
	Description       string `json:"description,omitempty"`
	Type              string `json:"type,omitempty"`
	Enabled           *bool  `json:"enabled,omitempty"`
	RolloutPercentage *int   `json:"rolloutPercentage,omitempty"`
	ConfigJSON        any    `json:"configJson,omitempty"`
}

// CreateRuleRequest mirrors the POST /v1/flags/{id}/rules body.
type CreateRuleRequest struct {
	TargetingType string `json:"targetingType"`
	GroupID       string `json:"groupId,omitempty"`
	Attribute     string `json:"attribute,omitempty"`
	Operator      string `json:"operator,omitempty"`
	Value         any    `json:"value,omitempty"`
}

// CreateGroupRequest mirrors the POST /v1/groups body.
type CreateGroupRequest struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsActive    *bool  `json:"isActive,omitempty"`
}

// UpdateGroupRequest mirrors the PUT /v1/groups/{id} body.
type UpdateGroupRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"isActive,omitempty"`
}

// ToggleState is the payload returned by a toggle call.
type ToggleState struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

type flagEnvelope struct {
	Flag Flag `json:"flag"`
}

type flagsEnvelope struct {
	Flags []Flag `json:"flags"`
}

type toggleEnvelope struct {
	Data ToggleState `json:"data"`
}

type ruleEnvelope struct {
	Rule Rule `json:"rule"`
}

type rulesEnvelope struct {
	Rules []Rule `json:"rules"`
}

type resultEnvelope struct {
	Result Result `json:"result"`
}

type resultsEnvelope struct {
	Results map[string]Result `json:"results"`
}

type groupEnvelope struct {
	Data Group `json:"data"`
}

type groupsEnvelope struct {
	Data []Group `json:"data"`
}

// -- operations --------------------------------------------------------------

// CreateFlag registers a new flag.
func (c *Client) CreateFlag(ctx context.Context, req CreateFlagRequest) (Flag, error) {
	var envelope flagEnvelope
	if err := c.call(ctx, http.MethodPost, "/v1/flags", req, &envelope); err != nil {
		return Flag{}, err
	}
	return envelope.Flag, nil
}

// GetFlag fetches a flag by id.
func (c *Client) GetFlag(ctx context.Context, flagID string) (Flag, error) {
	var envelope flagEnvelope
	if err := c.call(ctx, http.MethodGet, "/v1/flags/"+flagID, nil, &envelope); err != nil {
		return Flag{}, err
	}
	return envelope.Flag, nil
}

// ListFlags fetches all flags.
func (c *Client) ListFlags(ctx context.Context) ([]Flag, error) {
	var envelope flagsEnvelope
	if err := c.call(ctx, http.MethodGet, "/v1/flags", nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Flags, nil
}

// DeleteFlag removes a flag and all its rules.
func (c *Client) DeleteFlag(ctx context.Context, flagID string) error {
	return c.call(ctx, http.MethodDelete, "/v1/flags/"+flagID, nil, nil)
}

// ToggleFlag flips a flag's enabled state and returns the new state.
func (c *Client) ToggleFlag(ctx context.Context, flagID string) (ToggleState, error) {
	var envelope toggleEnvelope
	if err := c.call(ctx, http.MethodPatch, "/v1/flags/"+flagID+"/toggle", nil, &envelope); err != nil {
		return ToggleState{}, err
	}
	return envelope.Data, nil
}

// AddRule appends a targeting rule to a flag.
func (c *Client) AddRule(ctx context.Context, flagID string, req CreateRuleRequest) (Rule, error) {
	var envelope ruleEnvelope
	if err := c.call(ctx, http.MethodPost, "/v1/flags/"+flagID+"/rules", req, &envelope); err != nil {
		return Rule{}, err
	}
	return envelope.Rule, nil
}

// ListRules fetches a flag's rules.
func (c *Client) ListRules(ctx context.Context, flagID string) ([]Rule, error) {
	var envelope rulesEnvelope
	if err := c.call(ctx, http.MethodGet, "/v1/flags/"+flagID+"/rules", nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Rules, nil
}

// DeleteRule removes a rule by id.
func (c *Client) DeleteRule(ctx context.Context, ruleID string) error {
	return c.call(ctx, http.MethodDelete, "/v1/rules/"+ruleID, nil, nil)
}

// Evaluate resolves a flag against a context. Set flagID or key; flagID wins
// when both are present.
func (c *Client) Evaluate(ctx context.Context, flagID, key string, evalCtx EvaluationContext) (Result, error) {
	body := map[string]any{"context": evalCtx}
	if flagID != "" {
		body["flagId"] = flagID
	}
	if key != "" {
		body["key"] = key
	}

	var envelope resultEnvelope
	if err := c.call(ctx, http.MethodPost, "/v1/evaluate", body, &envelope); err != nil {
		return Result{}, err
	}
	return envelope.Result, nil
}

// EvaluateAll resolves every registered flag against one context, keyed by
// flag key.
func (c *Client) EvaluateAll(ctx context.Context, evalCtx EvaluationContext) (map[string]Result, error) {
	body := map[string]any{"context": evalCtx}

	var envelope resultsEnvelope
	if err := c.call(ctx, http.MethodPost, "/v1/evaluate/batch", body, &envelope); err != nil {
		return nil, err
	}
	return envelope.Results, nil
}

// CreateGroup registers a new group.
func (c *Client) CreateGroup(ctx context.Context, req CreateGroupRequest) (Group, error) {
	var envelope groupEnvelope
	if err := c.call(ctx, http.MethodPost, "/v1/groups", req, &envelope); err != nil {
		return Group{}, err
	}
	return envelope.Data, nil
}

// GetGroup fetches a group by id.
func (c *Client) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var envelope groupEnvelope
	if err := c.call(ctx, http.MethodGet, "/v1/groups/"+groupID, nil, &envelope); err != nil {
		return Group{}, err
	}
	return envelope.Data, nil
}

// ListGroups fetches all groups.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	var envelope groupsEnvelope
	if err := c.call(ctx, http.MethodGet, "/v1/groups", nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Data, nil
}

// UpdateGroup applies a partial group update.
func (c *Client) UpdateGroup(ctx context.Context, groupID string, req UpdateGroupRequest) (Group, error) {
	var envelope groupEnvelope
	if err := c.call(ctx, http.MethodPut, "/v1/groups/"+groupID, req, &envelope); err != nil {
		return Group{}, err
	}
	return envelope.Data, nil
}

// DeleteGroup removes a group.
func (c *Client) DeleteGroup(ctx context.Context, groupID string) error {
	return c.call(ctx, http.MethodDelete, "/v1/groups/"+groupID, nil, nil)
}

// -- transport ---------------------------------------------------------------

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("switchboard: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("switchboard: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("switchboard: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("switchboard: decode response: %w", err)
	}
	return nil
}

func errorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 4096))

	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(string(raw))
}
