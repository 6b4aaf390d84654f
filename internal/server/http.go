// Package server exposes the administration and evaluation API over HTTP.
// Every JSON response carries a success envelope; errors are
// {"success":false,"error":...} with the status telling the class of failure.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/m-rowley/switchboard/internal/core"
	"github.com/m-rowley/switchboard/internal/service"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer routes API requests to the service layer.
type HTTPServer struct {
	service      Service
	maxBodyBytes int64
	metrics      http.Handler
}

// HTTPOption configures the HTTP handler.
type HTTPOption func(*HTTPServer)

// WithMaxBodyBytes caps the accepted JSON request body size.
func WithMaxBodyBytes(limit int64) HTTPOption {
	return func(s *HTTPServer) {
		if limit > 0 {
			s.maxBodyBytes = limit
		}
	}
}

// WithMetricsHandler mounts a metrics exposition handler at GET /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metrics = h }
}

// NewHTTPHandler builds the full API router over svc.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:      svc,
		maxBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/flags", server.handleCreateFlag)
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/{id}", server.handleGetFlag)
	mux.HandleFunc("DELETE /v1/flags/{id}", server.handleDeleteFlag)
	mux.HandleFunc("PATCH /v1/flags/{id}/toggle", server.handleToggleFlag)
	mux.HandleFunc("GET /v1/flags/{id}/rules", server.handleListRules)
	mux.HandleFunc("POST /v1/flags/{id}/rules", server.handleAddRule)
	mux.HandleFunc("DELETE /v1/rules/{ruleId}", server.handleDeleteRule)
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/evaluate/batch", server.handleEvaluateBatch)
	mux.HandleFunc("POST /v1/groups", server.handleCreateGroup)
	mux.HandleFunc("GET /v1/groups", server.handleListGroups)
	mux.HandleFunc("GET /v1/groups/{id}", server.handleGetGroup)
	mux.HandleFunc("PUT /v1/groups/{id}", server.handleUpdateGroup)
	mux.HandleFunc("DELETE /v1/groups/{id}", server.handleDeleteGroup)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics)
	}

	return mux
}

type flagResponse struct {
	Success bool      `json:"success"`
	Flag    core.Flag `json:"flag"`
}

type flagsResponse struct {
	Success bool        `json:"success"`
	Flags   []core.Flag `json:"flags"`
}

type toggleData struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

type toggleResponse struct {
	Success bool       `json:"success"`
	Data    toggleData `json:"data"`
}

type ruleResponse struct {
	Success bool      `json:"success"`
	Rule    core.Rule `json:"rule"`
}

type rulesResponse struct {
	Success bool       `json:"success"`
	Rules   core.Rules `json:"rules"`
}

type resultResponse struct {
	Success bool        `json:"success"`
	Result  core.Result `json:"result"`
}

type resultsResponse struct {
	Success bool                   `json:"success"`
	Results map[string]core.Result `json:"results"`
}

type groupResponse struct {
	Success bool       `json:"success"`
	Data    core.Group `json:"data"`
}

type groupsResponse struct {
	Success bool         `json:"success"`
	Data    []core.Group `json:"data"`
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var input service.CreateFlagInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	flag, err := s.service.CreateFlag(r.Context(), input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, flagResponse{Success: true, Flag: flag})
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.service.ListFlags(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flagsResponse{Success: true, Flags: flags})
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	flagID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	flag, err := s.service.GetFlag(r.Context(), flagID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flagResponse{Success: true, Flag: flag})
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	flagID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := s.service.DeleteFlag(r.Context(), flagID); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleToggleFlag(w http.ResponseWriter, r *http.Request) {
	flagID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	flag, err := s.service.ToggleFlag(r.Context(), flagID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toggleResponse{Success: true, Data: toggleData{
		ID:      flag.ID,
		Key:     flag.Key,
		Name:    flag.Name,
		Enabled: flag.Enabled,
	}})
}

func (s *HTTPServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	flagID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	rules, err := s.service.ListRules(r.Context(), flagID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rulesResponse{Success: true, Rules: rules})
}

func (s *HTTPServer) handleAddRule(w http.ResponseWriter, r *http.Request) {
	flagID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var input service.CreateRuleInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	rule, err := s.service.AddRule(r.Context(), flagID, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ruleResponse{Success: true, Rule: rule})
}

func (s *HTTPServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID, ok := pathID(w, r, "ruleId")
	if !ok {
		return
	}

	if err := s.service.DeleteRule(r.Context(), ruleID); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var input service.EvaluateInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	result, err := s.service.Evaluate(r.Context(), input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resultResponse{Success: true, Result: result})
}

func (s *HTTPServer) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Context core.EvaluationContext `json:"context"`
	}
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	results, err := s.service.EvaluateAll(r.Context(), input.Context)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resultsResponse{Success: true, Results: results})
}

func (s *HTTPServer) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var input service.CreateGroupInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	group, err := s.service.CreateGroup(r.Context(), input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, groupResponse{Success: true, Data: group})
}

func (s *HTTPServer) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.service.ListGroups(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, groupsResponse{Success: true, Data: groups})
}

func (s *HTTPServer) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	group, err := s.service.GetGroup(r.Context(), groupID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, groupResponse{Success: true, Data: group})
}

func (s *HTTPServer) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var input service.UpdateGroupInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	group, err := s.service.UpdateGroup(r.Context(), groupID, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, groupResponse{Success: true, Data: group})
}

func (s *HTTPServer) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := s.service.DeleteGroup(r.Context(), groupID); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	value := strings.TrimSpace(r.PathValue(name))
	if value == "" {
		writeJSONError(w, http.StatusBadRequest, name+" is required")
		return "", false
	}
	return value, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrKeyExists):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrFlagNotFound),
		errors.Is(err, service.ErrGroupNotFound),
		errors.Is(err, service.ErrRuleNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
