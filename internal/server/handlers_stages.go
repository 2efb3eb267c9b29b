package server

import (
	"context"
	"net/http"

	"github.com/jonathan/novel-creator/internal/llm"
	"github.com/jonathan/novel-creator/internal/pipeline"
	"github.com/jonathan/novel-creator/internal/types"
)

// ExecuteRequest is the optional body of the execute endpoints. A
// non-empty stage must name the stage that will run.
type ExecuteRequest struct {
	Stage types.StageType `json:"stage,omitempty"`
}

// OptimizeRequest is the body of the optimize endpoints
type OptimizeRequest struct {
	Feedback string `json:"feedback" validate:"required"`
}

type stageRunner func(ctx context.Context, onChunk llm.ChunkFunc) (*pipeline.ExecuteResult, error)

// handleExecute runs the current stage, or continues to the next one
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	var req ExecuteRequest
	if err := decodeJSON(r, &req, true); err != nil {
		errorResponse(w, err)
		return
	}

	res, err := s.orch.ExecuteStage(r.Context(), id, req.Stage)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

// handleExecuteStream runs the current stage and streams text over SSE
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	var req ExecuteRequest
	if err := decodeJSON(r, &req, true); err != nil {
		errorResponse(w, err)
		return
	}

	s.stream(w, r, func(ctx context.Context, onChunk llm.ChunkFunc) (*pipeline.ExecuteResult, error) {
		return s.orch.ExecuteStageStream(ctx, id, req.Stage, onChunk)
	})
}

// handleOptimize rewrites a completed stage's output using feedback
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	var req OptimizeRequest
	if err := decodeJSON(r, &req, false); err != nil {
		errorResponse(w, err)
		return
	}

	res, err := s.orch.OptimizeStage(r.Context(), id, types.StageType(r.PathValue("stage")), req.Feedback)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

// handleOptimizeStream is handleOptimize over SSE
func (s *Server) handleOptimizeStream(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	var req OptimizeRequest
	if err := decodeJSON(r, &req, false); err != nil {
		errorResponse(w, err)
		return
	}
	stage := types.StageType(r.PathValue("stage"))

	s.stream(w, r, func(ctx context.Context, onChunk llm.ChunkFunc) (*pipeline.ExecuteResult, error) {
		return s.orch.OptimizeStageStream(ctx, id, stage, req.Feedback, onChunk)
	})
}

// stream runs fn and relays its chunks as SSE. Errors raised before the
// first chunk are answered as plain JSON errors with their status code.
// The final events are metadata (usage) and complete (the result).
// Closing the connection cancels the generation.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, fn stageRunner) {
	var sse *SSEWriter
	open := func() error {
		if sse != nil {
			return nil
		}
		var err error
		sse, err = NewSSEWriter(w)
		return err
	}

	res, err := fn(r.Context(), func(chunk string) error {
		if err := open(); err != nil {
			return err
		}
		return sse.WriteChunk(chunk)
	})
	if err != nil {
		if sse == nil {
			errorResponse(w, err)
			return
		}
		sse.WriteError(err)
		return
	}

	if err := open(); err != nil {
		errorResponse(w, err)
		return
	}
	sse.WriteEvent(sseMetadata, res.Usage) //nolint:errcheck
	sse.WriteEvent(sseComplete, res)       //nolint:errcheck
}
