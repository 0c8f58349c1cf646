package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"go.docrelay.tech/internal/common/metrics"
	"go.docrelay.tech/internal/task"
)

// ProcessingRequest is the inbound document classification request.
type ProcessingRequest struct {
	Text           string `json:"text"`
	DocumentID     string `json:"document_id,omitempty"`
	PromptTemplate string `json:"prompt_template,omitempty"`
}

// ProcessingResponse is the task view returned by both processing
// endpoints. Result is an empty object until the task completes.
type ProcessingResponse struct {
	RequestID      string      `json:"request_id"`
	BatchID        string      `json:"batch_id,omitempty"`
	Status         string      `json:"status"`
	BatchStatus    string      `json:"batch_status,omitempty"`
	Result         interface{} `json:"result"`
	Error          string      `json:"error,omitempty"`
	InputTokens    int64       `json:"input_tokens"`
	OutputTokens   int64       `json:"output_tokens"`
	ProcessingTime float64     `json:"processing_time"`
}

// HandleProcessText handles POST /api/v1/processing/
// @Summary Submit a document for classification
// @Description Creates a pending task; the dispatcher submits it to the remote batch API asynchronously
// @Tags Processing
// @Accept json
// @Produce json
// @Param request body ProcessingRequest true "Document text and options"
// @Success 202 {object} ProcessingResponse
// @Failure 400 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/processing/ [post]
func (s *Server) HandleProcessText(w http.ResponseWriter, r *http.Request) {
	var req ProcessingRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Text == "" {
		WriteBadRequest(w, "text cannot be empty")
		return
	}

	template, err := s.resolveTemplate(req.PromptTemplate)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	documentID := req.DocumentID
	if documentID == "" {
		documentID = "doc_" + uuid.NewString()
	}

	created, err := s.tasks.Create(r.Context(), task.CreateParams{
		DocumentID:     documentID,
		Prompt:         fmt.Sprintf(template, req.Text),
		CallbackURL:    s.config.CallbackURL,
		CallbackSecret: s.config.CallbackSecret,
	})
	if err != nil {
		s.logger.Error("failed to create task", "documentId", documentID, "error", err)
		WriteInternalError(w, "failed to create task")
		return
	}
	metrics.TasksCreated.WithLabelValues("api").Inc()

	s.logger.Info("task accepted", "taskId", created.ID, "documentId", documentID)

	WriteJSON(w, http.StatusAccepted, ProcessingResponse{
		RequestID: created.ID,
		Status:    string(created.State),
		Result:    map[string]interface{}{},
	})
}

// HandleTaskStatus handles GET /api/v1/processing/{taskID}
// @Summary Get task status
// @Description Returns the task view; batch_status is fetched from the remote API when the task has been submitted
// @Tags Processing
// @Produce json
// @Param taskID path string true "Task ID"
// @Success 200 {object} ProcessingResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/v1/processing/{taskID} [get]
func (s *Server) HandleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	t, err := s.tasks.Get(r.Context(), taskID, false)
	if errors.Is(err, task.ErrNotFound) {
		WriteNotFound(w, fmt.Sprintf("task %s not found", taskID))
		return
	}
	if err != nil {
		s.logger.Error("failed to get task", "taskId", taskID, "error", err)
		WriteInternalError(w, "failed to get task")
		return
	}

	resp := ProcessingResponse{
		RequestID:      t.ID,
		BatchID:        t.BatchID,
		Status:         string(t.State),
		Error:          t.Error,
		Result:         map[string]interface{}{},
		InputTokens:    t.InputTokens,
		OutputTokens:   t.OutputTokens,
		ProcessingTime: t.ProcessingTime,
	}
	if t.Result != "" {
		resp.Result = t.Result
	}

	// The batch state is read from the remote API on demand; a lookup
	// failure degrades to an empty batch_status
	if t.BatchID != "" && s.remote != nil {
		status, err := s.remote.BatchStatus(r.Context(), t.BatchID)
		if err != nil {
			s.logger.Warn("failed to get batch status",
				"taskId", taskID,
				"batchId", t.BatchID,
				"error", err)
		} else {
			resp.BatchStatus = status.Status
		}
	}

	WriteJSON(w, http.StatusOK, resp)
}

// resolveTemplate maps a requested template name to its body. An empty
// name selects the default template.
func (s *Server) resolveTemplate(name string) (string, error) {
	if name == "" {
		name = s.config.DefaultTemplate
	}
	if template, ok := s.config.Templates[name]; ok {
		return template, nil
	}
	return "", fmt.Errorf("unknown prompt template: %s", name)
}
