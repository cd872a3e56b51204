// File: internal/server/handlers.go
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// submitTaskRequest starts an asynchronous task. SessionID is optional; an
// empty value opens a fresh session.
type submitTaskRequest struct {
	SessionID   string `json:"session_id"`
	Instruction string `json:"instruction"`
}

type submitTaskResponse struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
}

// chatRequest drives the synchronous flow: submit, wait, answer in one
// round trip.
type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID string             `json:"session_id"`
	TaskID    string             `json:"task_id"`
	Status    schemas.TaskStatus `json:"status"`
	Reply     string             `json:"reply"`
}

type historyResponse struct {
	SessionID string            `json:"session_id"`
	Messages  []schemas.Message `json:"messages"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Instruction) == "" {
		s.respondError(w, http.StatusBadRequest, "instruction is required")
		return
	}

	sessionID := s.svc.OpenSession(req.SessionID)
	taskID, err := s.svc.SubmitTask(r.Context(), sessionID, req.Instruction)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, submitTaskResponse{
		TaskID:    taskID,
		SessionID: sessionID,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.TaskResult(chi.URLParam(r, "taskID"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.svc.CancelTask(r.Context(), taskID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	report, err := s.svc.TaskResult(taskID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// handleChat is the conversational entry point: the message becomes a task
// and the handler waits up to ChatWait for its narrative. A task that is
// still running after the wait is reported with its in-flight status so the
// caller can poll or attach to the stream.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	sessionID := s.svc.OpenSession(req.SessionID)
	taskID, err := s.svc.SubmitTask(r.Context(), sessionID, req.Message)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatWait)
	defer cancel()

	report, err := s.svc.WaitForTask(waitCtx, taskID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, chatResponse{
		SessionID: sessionID,
		TaskID:    taskID,
		Status:    report.Status,
		Reply:     report.Narrative,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		s.respondError(w, http.StatusBadRequest, "session_id query parameter is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	messages, err := s.svc.History(sessionID, limit)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, historyResponse{
		SessionID: sessionID,
		Messages:  messages,
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		s.respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if err := s.svc.ClearHistory(req.SessionID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Healthy(r.Context()); err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"reason": err.Error(),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondServiceError maps service-layer sentinels onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schemas.ErrTaskNotFound), errors.Is(err, schemas.ErrSessionNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, schemas.ErrResourceExhausted):
		s.respondError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error("Request failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, errorResponse{Error: message})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
