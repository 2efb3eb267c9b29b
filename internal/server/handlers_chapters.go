package server

import (
	"net/http"

	"github.com/jonathan/novel-creator/internal/pipeline"
	"github.com/jonathan/novel-creator/internal/rendering"
	"github.com/jonathan/novel-creator/internal/types"
)

// NextChapterRequest is the optional body of POST /tasks/{id}/chapters/next.
// Order zero picks the first unwritten chapter.
type NextChapterRequest struct {
	Order int `json:"order" validate:"gte=0"`
}

// OptimizeChapterRequest is the body of the chapter optimize endpoint.
// At least one of feedback and review_report is required.
type OptimizeChapterRequest struct {
	Feedback     string              `json:"feedback"`
	ReviewReport *types.ReviewReport `json:"review_report,omitempty"`
}

// ChapterResponse carries a chapter and, on request, a rendering of it
type ChapterResponse struct {
	Chapter *types.Chapter `json:"chapter"`
	HTML    string         `json:"html,omitempty"`
	Text    string         `json:"text,omitempty"`
}

// handleListChapters lists the chapters of a task
func (s *Server) handleListChapters(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	chapters, err := s.orch.ListChapters(r.Context(), id)
	if err != nil {
		errorResponse(w, err)
		return
	}
	if chapters == nil {
		chapters = []types.Chapter{}
	}
	jsonResponse(w, http.StatusOK, map[string]any{"task_id": id, "chapters": chapters})
}

// handleGetChapter returns a chapter; format=html or format=text adds a
// rendering of its markdown
func (s *Server) handleGetChapter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	chapterID, err := pathID(r, "chapter_id")
	if err != nil {
		errorResponse(w, err)
		return
	}

	chapter, err := s.orch.GetChapter(r.Context(), id, chapterID)
	if err != nil {
		errorResponse(w, err)
		return
	}

	resp := ChapterResponse{Chapter: chapter}
	switch format := r.URL.Query().Get("format"); format {
	case "":
	case "html":
		if resp.HTML, err = rendering.ToHTML(chapter.Content); err != nil {
			errorResponse(w, err)
			return
		}
	case "text":
		if resp.Text, err = rendering.PlainText(chapter.Content); err != nil {
			errorResponse(w, err)
			return
		}
	default:
		errorResponse(w, &ErrValidation{Field: "format", Message: "format must be html or text"})
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}

// handleGenerateChapters runs a concurrent batch over selected chapters
func (s *Server) handleGenerateChapters(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	var sel types.ChapterSelection
	if err := decodeJSON(r, &sel, false); err != nil {
		errorResponse(w, err)
		return
	}

	res, err := s.orch.GenerateChapters(r.Context(), id, sel)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

// handleNextChapter writes and reviews one chapter of the stepwise cycle
func (s *Server) handleNextChapter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	var req NextChapterRequest
	if err := decodeJSON(r, &req, true); err != nil {
		errorResponse(w, err)
		return
	}

	res, err := s.orch.GenerateNextChapter(r.Context(), id, req.Order)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

// handleContinueChapter approves the last stepwise chapter and writes the
// next one, or finishes the content stage
func (s *Server) handleContinueChapter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}

	res, err := s.orch.ContinueNextChapter(r.Context(), id)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

// handleOptimizeChapter rewrites one chapter from feedback or a review
func (s *Server) handleOptimizeChapter(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	chapterID, err := pathID(r, "chapter_id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	var req OptimizeChapterRequest
	if err := decodeJSON(r, &req, false); err != nil {
		errorResponse(w, err)
		return
	}

	chapter, err := s.orch.OptimizeChapter(r.Context(), id, chapterID, req.Feedback, req.ReviewReport)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, ChapterResponse{Chapter: chapter})
}

// handleGetOutline returns the outline tree
func (s *Server) handleGetOutline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	nodes, err := s.orch.GetOutline(r.Context(), id)
	if err != nil {
		errorResponse(w, err)
		return
	}
	if nodes == nil {
		nodes = []types.OutlineNode{}
	}
	jsonResponse(w, http.StatusOK, map[string]any{"task_id": id, "nodes": nodes})
}

// handleUpdateOutlineNode applies a human edit to one node
func (s *Server) handleUpdateOutlineNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	nodeID, err := pathID(r, "node_id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	var upd pipeline.OutlineNodeUpdate
	if err := decodeJSON(r, &upd, false); err != nil {
		errorResponse(w, err)
		return
	}

	node, err := s.orch.UpdateOutlineNode(r.Context(), id, nodeID, upd)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, node)
}

// handleSyncOutline materializes volumes and chapters from the outline
func (s *Server) handleSyncOutline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		errorResponse(w, err)
		return
	}
	res, err := s.orch.SyncOutlineToNovel(r.Context(), id)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, res)
}
