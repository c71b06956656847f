package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mobtriage/verdict/internal/domain/scanning"
)

type taskRefResponse struct {
	TaskID   string `json:"task_id"`
	FilePath string `json:"file_path"`
}

func (s *Server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FilePaths []string `json:"file_paths"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error(r.Context(), "failed to decode request", "error", err)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if len(req.FilePaths) == 0 {
		http.Error(w, "file_paths is required", http.StatusBadRequest)
		return
	}

	submissionID, refs, err := s.scans.Submit(r.Context(), req.FilePaths)
	if err != nil {
		s.logger.Error(r.Context(), "failed to submit scan", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	taskIDs := make([]string, len(refs))
	tasks := make([]taskRefResponse, len(refs))
	for i, ref := range refs {
		taskIDs[i] = ref.TaskID.String()
		tasks[i] = taskRefResponse{TaskID: ref.TaskID.String(), FilePath: ref.FilePath}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"submission_id": submissionID.String(),
		"task_ids":      taskIDs,
		"tasks":         tasks,
	})
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(chi.URLParam(r, "task_id"))
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}

	task, err := s.results.Get(r.Context(), taskID)
	if err != nil {
		// No stored result means the task has not terminated yet. Tasks are
		// only persisted in a terminal state, so report it as pending.
		if errors.Is(err, scanning.ErrTaskNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"task_id": taskID.String(),
				"status":  scanning.TaskStatusPending.String(),
			})
			return
		}
		s.logger.Error(r.Context(), "failed to get task result", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, taskResultPayload(task))
}

func (s *Server) handleScanSummary(w http.ResponseWriter, r *http.Request) {
	submissionID, err := uuid.Parse(chi.URLParam(r, "submission_id"))
	if err != nil {
		http.Error(w, "invalid submission id", http.StatusBadRequest)
		return
	}

	refs, ok := s.scans.Submission(submissionID)
	if !ok {
		http.Error(w, "submission not found", http.StatusNotFound)
		return
	}

	counts := map[string]int{}
	tasks := make([]map[string]any, 0, len(refs))
	for _, ref := range refs {
		status := scanning.TaskStatusPending
		task, err := s.results.Get(r.Context(), ref.TaskID)
		switch {
		case err == nil:
			status = task.Status()
		case errors.Is(err, scanning.ErrTaskNotFound):
			// Still running.
		default:
			s.logger.Error(r.Context(), "failed to get task result", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		counts[status.String()]++
		tasks = append(tasks, map[string]any{
			"task_id":   ref.TaskID.String(),
			"file_path": ref.FilePath,
			"status":    status.String(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"submission_id": submissionID.String(),
		"counts":        counts,
		"tasks":         tasks,
	})
}

func (s *Server) handleAddCredentials(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keys []string `json:"keys"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Error(r.Context(), "failed to decode request", "error", err)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if len(req.Keys) == 0 {
		http.Error(w, "keys is required", http.StatusBadRequest)
		return
	}

	inserted, skipped, err := s.creds.Add(r.Context(), req.Keys)
	if err != nil {
		s.logger.Error(r.Context(), "failed to add credentials", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if inserted == nil {
		inserted = []string{}
	}
	if skipped == nil {
		skipped = []string{}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"inserted": inserted,
		"skipped":  skipped,
	})
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.creds.List(r.Context())
	if err != nil {
		s.logger.Error(r.Context(), "failed to list credentials", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, len(creds))
	for i, c := range creds {
		entry := map[string]any{
			"key":         c.Key(),
			"status":      c.Status().String(),
			"usage_count": c.UsageCount(),
		}
		if !c.ResetTime().IsZero() {
			entry["reset_time"] = c.ResetTime().Format(time.RFC3339)
		}
		if !c.LastUsed().IsZero() {
			entry["last_used"] = c.LastUsed().Format(time.RFC3339)
		}
		out[i] = entry
	}

	writeJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

// handleUploadFiles receives multipart file uploads from the device and
// writes them into the staging directory, grouped by owning submission.
func (s *Server) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, "invalid multipart request", http.StatusBadRequest)
		return
	}

	owner := r.FormValue("owner")
	if owner == "" {
		owner = "unowned"
	}
	dir := filepath.Join(s.cfg.Staging.Dir, filepath.Base(owner))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error(r.Context(), "failed to create staging directory", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var stored []string
	for _, header := range r.MultipartForm.File["files"] {
		name := filepath.Base(header.Filename)
		if err := storeUpload(header, filepath.Join(dir, name)); err != nil {
			s.logger.Error(r.Context(), "failed to store staged file",
				"file_name", name, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		stored = append(stored, name)
	}

	s.logger.Info(r.Context(), "staged uploaded files",
		"owner", owner, "file_count", len(stored))
	writeJSON(w, http.StatusOK, map[string]any{"stored": stored})
}

func storeUpload(header *multipart.FileHeader, dst string) error {
	src, err := header.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func taskResultPayload(task *scanning.Task) map[string]any {
	payload := map[string]any{
		"task_id":   task.TaskID().String(),
		"file_path": task.FilePath(),
		"status":    task.Status().String(),
	}
	if task.ContentHash() != "" {
		payload["content_hash"] = task.ContentHash()
	}
	if len(task.Result()) > 0 {
		payload["result"] = json.RawMessage(task.Result())
	}
	if !task.CompletedAt().IsZero() {
		payload["completed_at"] = task.CompletedAt().Format(time.RFC3339)
	}
	return payload
}
