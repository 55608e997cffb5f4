package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atelier-ai/atelier/internal/db"
	"github.com/atelier-ai/atelier/internal/models"
	"github.com/atelier-ai/atelier/internal/registry"
)

type createTaskRequest struct {
	Title       string `json:"title,omitempty"`
	InputPrompt string `json:"input_prompt"`
}

type updateTaskRequest struct {
	Title string `json:"title"`
}

type startTaskRequest struct {
	TestMode *bool `json:"test_mode,omitempty"`
}

// handleCreateTask creates a PENDING task record. Nothing runs until start
// or a stream connect.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.InputPrompt == "" {
		s.sendError(w, http.StatusBadRequest, "invalid_request", "input_prompt is required")
		return
	}

	task := &db.Task{
		ID:          uuid.New().String(),
		InputPrompt: req.InputPrompt,
	}
	if req.Title != "" {
		task.Title = &req.Title
	}

	if err := s.store.CreateTask(r.Context(), task); err != nil {
		s.logger.Error("Failed to create task", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal", "failed to create task")
		return
	}

	s.logger.Info("Task created", zap.String("task_id", task.ID))
	s.sendJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page := 1
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	pageSize := 20
	if v := q.Get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	if pageSize > 100 {
		pageSize = 100
	}

	filter := db.TaskFilter{Page: page, PageSize: pageSize}
	if v := q.Get("status"); v != "" {
		status := models.TaskStatus(v)
		if !status.Valid() {
			s.sendError(w, http.StatusBadRequest, "invalid_request", "unknown status "+v)
			return
		}
		filter.Status = status
	}

	tasks, total, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to list tasks", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal", "failed to list tasks")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":     tasks,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.FetchTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("Failed to fetch task", zap.String("task_id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal", "failed to fetch task")
		return
	}
	s.sendJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Title == "" {
		s.sendError(w, http.StatusBadRequest, "invalid_request", "title is required")
		return
	}

	task, err := s.store.UpdateTaskTitle(r.Context(), id, req.Title)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("Failed to update task", zap.String("task_id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal", "failed to update task")
		return
	}
	s.sendJSON(w, http.StatusOK, task)
}

// handleDeleteTask removes the task and everything cascaded to it. Running
// tasks must be stopped first.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if s.registry.IsRunning(id) {
		s.sendError(w, http.StatusConflict, "task_running", "stop the task before deleting it")
		return
	}

	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("Failed to delete task", zap.String("task_id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal", "failed to delete task")
		return
	}

	s.registry.DropTail(id)
	if s.mirror != nil {
		s.mirror.CloseStreams(id)
	}

	s.logger.Info("Task deleted", zap.String("task_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// handleStartTask launches the worker. Terminal tasks cannot be re-run; a
// new task must be created instead.
func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	task, err := s.store.FetchTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("Failed to fetch task", zap.String("task_id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal", "failed to fetch task")
		return
	}
	if task.Status.Terminal() {
		s.sendError(w, http.StatusConflict, "task_terminal", "task already finished; create a new task to run again")
		return
	}

	var opts *registry.StartOptions
	var req startTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.TestMode != nil {
		opts = &registry.StartOptions{TestMode: req.TestMode}
	}

	if err := s.registry.Start(task.ID, task.InputPrompt, opts); err != nil {
		if errors.Is(err, registry.ErrAlreadyRunning) {
			s.sendError(w, http.StatusConflict, "already_running", "task already running")
			return
		}
		s.logger.Error("Failed to start task", zap.String("task_id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	s.sendJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID,
		"status":  "started",
	})
}

// handleStopTask requests cancellation. Missing and finished tasks report
// stopped=false rather than an error; stop is idempotent.
func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stopped := s.registry.Stop(id)
	if stopped {
		s.logger.Info("Task stop requested", zap.String("task_id", id))
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleTaskState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.currentState(r, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("Failed to resolve task state", zap.String("task_id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal", "failed to resolve task state")
		return
	}
	s.sendJSON(w, http.StatusOK, state)
}

// handleTaskEvents is the pull path: the in-memory tail when it still holds
// the task's events, the durable log otherwise. Both return gap-free
// ascending sequences.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.store.FetchTask(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("Failed to fetch task", zap.String("task_id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal", "failed to fetch task")
		return
	}

	q := r.URL.Query()
	var since int64
	if v := q.Get("since_event_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			since = n
		}
	}
	limit := 1000
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	var events []models.Event
	if s.registry.HasTail(id) {
		events = s.registry.EventsSince(id, since)
		if len(events) > limit {
			events = events[:limit]
		}
	} else {
		rows, err := s.store.FetchEvents(r.Context(), id, since, limit)
		if err != nil {
			s.logger.Error("Failed to fetch events", zap.String("task_id", id), zap.Error(err))
			s.sendError(w, http.StatusInternalServerError, "internal", "failed to fetch events")
			return
		}
		events = make([]models.Event, 0, len(rows))
		for _, row := range rows {
			events = append(events, row.Event())
		}
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"task_id": id,
		"events":  events,
		"count":   len(events),
	})
}

func (s *Server) handleAgentRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.store.FetchTask(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("Failed to fetch task", zap.String("task_id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal", "failed to fetch task")
		return
	}

	runs, err := s.store.ListAgentRuns(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to list agent runs", zap.String("task_id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal", "failed to list agent runs")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"agent_runs": runs})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.store.FetchTask(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("Failed to fetch task", zap.String("task_id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal", "failed to fetch task")
		return
	}

	artifacts, err := s.store.ListArtifacts(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to list artifacts", zap.String("task_id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal", "failed to list artifacts")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"artifacts": artifacts})
}

// handleArtifactContent returns one stored file; version defaults to latest.
func (s *Server) handleArtifactContent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()

	filePath := q.Get("file_path")
	if filePath == "" {
		s.sendError(w, http.StatusBadRequest, "invalid_request", "file_path is required")
		return
	}
	version := 0
	if v := q.Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "invalid_request", "version must be a positive integer")
			return
		}
		version = n
	}

	artifact, err := s.store.FetchArtifact(r.Context(), id, filePath, version)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "not_found", "artifact not found")
			return
		}
		s.logger.Error("Failed to fetch artifact",
			zap.String("task_id", id), zap.String("file_path", filePath), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal", "failed to fetch artifact")
		return
	}
	s.sendJSON(w, http.StatusOK, artifact)
}
