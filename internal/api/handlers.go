package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperstack/kbsync/internal/engine"
	"github.com/hyperstack/kbsync/internal/orchestrator"
	"github.com/hyperstack/kbsync/internal/types"
)

// Handler implements the control surface handlers over the engine.
type Handler struct {
	engine  *engine.Engine
	apiKey  string
	version string
}

// NewHandler creates a Handler bound to the engine.
func NewHandler(e *engine.Engine, apiKey, version string) *Handler {
	return &Handler{engine: e, apiKey: apiKey, version: version}
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status  string          `json:"status"`
	Version string          `json:"version"`
	Sync    types.SyncState `json:"sync"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Sync:    h.engine.SyncState(),
	})
}

// CreateKBRequest is the KB creation payload.
type CreateKBRequest struct {
	Name      string             `json:"name"`
	Selection []types.FileRecord `json:"selection"`
}

// CreateKBResponse carries the real backend id of the created KB.
type CreateKBResponse struct {
	KBID string `json:"kb_id"`
}

// CreateKB handles POST /api/v1/kb.
func (h *Handler) CreateKB(w http.ResponseWriter, r *http.Request) {
	var req CreateKBRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.Name == "" {
		WriteProblem(w, r, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.Selection) == 0 {
		WriteProblem(w, r, http.StatusBadRequest, "selection must not be empty")
		return
	}

	kbID, err := h.engine.CreateKnowledgeBase(r.Context(), req.Name, req.Selection)
	if err != nil {
		if errors.Is(err, orchestrator.ErrCreationInProgress) {
			WriteProblem(w, r, http.StatusConflict, err.Error())
			return
		}
		WriteProblem(w, r, http.StatusBadGateway, fmt.Sprintf("Knowledge base creation failed: %s", err))
		return
	}

	writeJSON(w, http.StatusCreated, CreateKBResponse{KBID: kbID})
}

// DeleteResourceRequest identifies the file being removed.
type DeleteResourceRequest struct {
	FileID       string `json:"file_id"`
	FileName     string `json:"file_name"`
	ResourcePath string `json:"resource_path"`
}

// DeleteResource handles DELETE /api/v1/kb/resources.
func (h *Handler) DeleteResource(w http.ResponseWriter, r *http.Request) {
	var req DeleteResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.FileID == "" || req.ResourcePath == "" {
		WriteProblem(w, r, http.StatusBadRequest, "file_id and resource_path are required")
		return
	}

	if err := h.engine.DeleteResource(r.Context(), req.FileID, req.FileName, req.ResourcePath); err != nil {
		WriteProblem(w, r, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StatusResponse carries a resolved display status.
type StatusResponse struct {
	FileID string              `json:"file_id"`
	Status types.DisplayStatus `json:"status"`
}

// ResolveStatus handles GET /api/v1/kb/{kbID}/files/{fileID}/status.
func (h *Handler) ResolveStatus(w http.ResponseWriter, r *http.Request) {
	kbID := chi.URLParam(r, "kbID")
	fileID := chi.URLParam(r, "fileID")
	folderPath := r.URL.Query().Get("folder_path")

	status := h.engine.ResolveStatus(fileID, kbID, folderPath)
	writeJSON(w, http.StatusOK, StatusResponse{FileID: fileID, Status: status})
}

// ExpandFolderRequest names the folder being expanded.
type ExpandFolderRequest struct {
	FolderName string `json:"folder_name"`
}

// ExpandFolderResponse returns the folder's children.
type ExpandFolderResponse struct {
	Records []types.FileRecord `json:"records"`
}

// ExpandFolder handles POST /api/v1/folders/{folderID}/expand.
func (h *Handler) ExpandFolder(w http.ResponseWriter, r *http.Request) {
	folderID := chi.URLParam(r, "folderID")

	var req ExpandFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	records, err := h.engine.ExpandFolder(r.Context(), folderID, req.FolderName)
	if err != nil {
		WriteProblem(w, r, http.StatusBadGateway, fmt.Sprintf("Folder listing failed: %s", err))
		return
	}
	writeJSON(w, http.StatusOK, ExpandFolderResponse{Records: records})
}

// CollapseFolderRequest names the folder being collapsed.
type CollapseFolderRequest struct {
	FolderPath string `json:"folder_path"`
}

// CollapseFolder handles POST /api/v1/folders/collapse.
func (h *Handler) CollapseFolder(w http.ResponseWriter, r *http.Request) {
	var req CollapseFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	h.engine.CollapseFolder(req.FolderPath)
	w.WriteHeader(http.StatusNoContent)
}

// HoverRequest is a hover-intent hint.
type HoverRequest struct {
	FolderID string `json:"folder_id"`
	Entered  bool   `json:"entered"`
}

// Hover handles POST /api/v1/hints/hover.
func (h *Handler) Hover(w http.ResponseWriter, r *http.Request) {
	var req HoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.Entered {
		h.engine.Hover(req.FolderID)
	} else {
		h.engine.LeaveHover(req.FolderID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ViewportRequest replaces the visible folder set.
type ViewportRequest struct {
	FolderIDs []string `json:"folder_ids"`
}

// Viewport handles PUT /api/v1/hints/viewport.
func (h *Handler) Viewport(w http.ResponseWriter, r *http.Request) {
	var req ViewportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	h.engine.SetViewport(req.FolderIDs)
	w.WriteHeader(http.StatusNoContent)
}

// State handles GET /api/v1/state.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.State())
}

// Reset handles POST /api/v1/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Reset(r.Context()); err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, fmt.Sprintf("Reset failed: %s", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
