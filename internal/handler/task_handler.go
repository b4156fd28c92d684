package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/asinman/internal/model"
)

// TaskFinder はタスクハンドラーが必要とする参照インターフェース。
type TaskFinder interface {
	FindByID(ctx context.Context, id string) (*model.Task, error)
}

// TaskHandler はタスク状態照会のHTTPハンドラー。
type TaskHandler struct {
	tasks TaskFinder
}

// NewTaskHandler はTaskHandlerを生成する。
func NewTaskHandler(tasks TaskFinder) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// GetTask はタスク状態を取得する。
// GET /tasks/{id}
//
// 失敗したタスクもエラー詳細を含む200として返す。終端状態は不変の履歴であり、
// 失敗はAPI境界では構造化された応答であって障害ではない。
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	task, err := h.tasks.FindByID(r.Context(), taskID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if task == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewTaskNotFoundError(taskID))
		return
	}

	writeJSON(w, http.StatusOK, toTaskResponse(task))
}
