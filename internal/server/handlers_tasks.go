package server

import (
	"context"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/jonathan/novel-creator/internal/server/middleware"
	"github.com/jonathan/novel-creator/internal/types"
)

// CreateTaskRequest is the body of POST /tasks. UserID is ignored when the
// user header is present.
type CreateTaskRequest struct {
	UserID        *uuid.UUID                `json:"user_id,omitempty"`
	PromptGroupID *int64                    `json:"prompt_group_id,omitempty" validate:"omitempty,gt=0"`
	StagePrompts  map[types.StageType]int64 `json:"stage_prompts,omitempty"`
	TaskConfig    types.TaskConfig          `json:"task_config"`
	AutoExecute   bool                      `json:"auto_execute"`
}

// SelectTitleRequest is the body of POST /tasks/{id}/title
type SelectTitleRequest struct {
	Title  string `json:"title" validate:"required"`
	Custom bool   `json:"custom"`
}

// UpdatePromptsRequest is the body of PUT /tasks/{id}/prompts
type UpdatePromptsRequest struct {
	StagePrompts map[types.StageType]int64 `json:"stage_prompts" validate:"required,min=1"`
}

// handleCreateTask creates a task. With auto_execute the first stage runs
// in the background and 202 is returned; progress arrives over /ws.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decodeJSON(r, &req, false); err != nil {
		errorResponse(w, err)
		return
	}

	userID, ok := middleware.GetUserID(r)
	if !ok {
		if req.UserID == nil {
			errorResponse(w, &ErrValidation{Field: "user_id", Message: "user_id or the " + middleware.UserHeader + " header is required"})
			return
		}
		userID = *req.UserID
	}

	prompts := types.PromptConfig{PromptGroupID: req.PromptGroupID, StagePrompts: req.StagePrompts}
	task, err := s.orch.CreateTask(r.Context(), userID, prompts, req.TaskConfig, false)
	if err != nil {
		errorResponse(w, err)
		return
	}

	if !req.AutoExecute {
		jsonResponse(w, http.StatusCreated, task)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.orch.ExecuteStage(ctx, task.ID, ""); err != nil {
			log.Printf("[http] auto execute of task %s failed: %v", task.ID, err)
		}
	}()
	jsonResponse(w, http.StatusAccepted, task)
}

// handleListTasks lists tasks, newest first
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter types.TaskFilter

	if userID, ok := middleware.GetUserID(r); ok {
		filter.UserID = &userID
	} else if raw := q.Get("user_id"); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			errorResponse(w, &ErrValidation{Field: "user_id", Message: "user_id must be a valid UUID"})
			return
		}
		filter.UserID = &userID
	}
	filter.Status = types.TaskStatus(q.Get("status"))
	filter.Lifecycle = types.Lifecycle(q.Get("lifecycle"))

	number, err := queryInt(r, "page")
	if err != nil {
		errorResponse(w, err)
		return
	}
	size, err := queryInt(r, "page_size")
	if err != nil {
		errorResponse(w, err)
		return
	}

	page, err := s.orch.ListTasks(r.Context(), filter, types.Page{Number: number, Size: size})
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, page)
}

// handleGetTask returns a task; polling it is the source of truth for progress
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	task, err := s.orch.GetTask(r.Context(), id)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, task)
}

// handleListStageRecords returns the stage audit trail of a task
func (s *Server) handleListStageRecords(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	records, err := s.orch.ListStageRecords(r.Context(), id)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"task_id": id, "records": records})
}

type taskCommand func(ctx context.Context, taskID uuid.UUID) (*types.Task, error)

// handleTaskCommand runs a body-less command that returns the task
func (s *Server) handleTaskCommand(w http.ResponseWriter, r *http.Request, cmd taskCommand) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	task, err := cmd(r.Context(), id)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, task)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleTaskCommand(w, r, s.orch.PauseTask)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleTaskCommand(w, r, s.orch.ResumeTask)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleTaskCommand(w, r, s.orch.CancelTask)
}

// handleSelectTitle records the chosen title after stage 2
func (s *Server) handleSelectTitle(w http.ResponseWriter, r *http.Request) {
	var req SelectTitleRequest
	if err := decodeJSON(r, &req, false); err != nil {
		errorResponse(w, err)
		return
	}
	s.handleTaskCommand(w, r, func(ctx context.Context, id uuid.UUID) (*types.Task, error) {
		return s.orch.SelectTitle(ctx, id, req.Title, req.Custom)
	})
}

// handleUpdatePrompts changes per-stage prompts of stages that have not run
func (s *Server) handleUpdatePrompts(w http.ResponseWriter, r *http.Request) {
	var req UpdatePromptsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		errorResponse(w, err)
		return
	}
	s.handleTaskCommand(w, r, func(ctx context.Context, id uuid.UUID) (*types.Task, error) {
		return s.orch.UpdatePromptConfig(ctx, id, req.StagePrompts)
	})
}
