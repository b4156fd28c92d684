package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/asinman/internal/model"
	"github.com/hitoshi/asinman/internal/worker/scrape"
)

// SchedulerInterface は商品ハンドラーが必要とするスケジューラー操作。
type SchedulerInterface interface {
	// Submit はスクレイプリクエストを受け付ける。
	Submit(ctx context.Context, id model.Identifier, force bool, requestedBy string) (*scrape.SubmitResult, error)
}

// ProductFinder は商品レコードの参照インターフェース。
type ProductFinder interface {
	FindByIdentifier(ctx context.Context, id model.Identifier) (*model.Product, error)
}

// ProductHandler は商品取得とスクレイプ投入のHTTPハンドラー。
type ProductHandler struct {
	scheduler   SchedulerInterface
	products    ProductFinder
	waitTimeout time.Duration
	logger      *slog.Logger
}

// NewProductHandler はProductHandlerを生成する。
func NewProductHandler(scheduler SchedulerInterface, products ProductFinder, waitTimeout time.Duration, logger *slog.Logger) *ProductHandler {
	return &ProductHandler{
		scheduler:   scheduler,
		products:    products,
		waitTimeout: waitTimeout,
		logger:      logger,
	}
}

// parseIdentifier はパスとクエリからIdentifierを組み立てて検証する。
func parseIdentifier(asin, marketplace string) (model.Identifier, *model.APIError) {
	asin = strings.ToUpper(strings.TrimSpace(asin))
	if !model.ValidASIN(asin) {
		return model.Identifier{}, model.NewInvalidASINError(asin)
	}

	m := model.DefaultMarketplace
	if marketplace != "" {
		m = model.Marketplace(strings.ToLower(strings.TrimSpace(marketplace)))
		if !m.Valid() {
			return model.Identifier{}, model.NewInvalidMarketplaceError(marketplace)
		}
	}

	return model.Identifier{ASIN: asin, Marketplace: m}, nil
}

// GetProduct は商品取得リクエストを処理する。
// GET /asin/{asin}?marketplace=&force=&wait=
//
// 応答:
//   - 200: TTL内のレコード、wait=false時の既存レコード、または同期待ちで完了した最新レコード
//   - 202: タスク投入済みでまだ返せるレコードがない場合。task_id付き
//   - 404: レコードもスクレイプ成果も存在しない
//   - 503: タスクキュー満杯
func (h *ProductHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, apiErr := parseIdentifier(chi.URLParam(r, "asin"), r.URL.Query().Get("marketplace"))
	if apiErr != nil {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	force := r.URL.Query().Get("force") == "true"
	wait := r.URL.Query().Get("wait") == "true"

	result, err := h.scheduler.Submit(r.Context(), id, force, r.RemoteAddr)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if result.CachedProduct != nil {
		writeJSON(w, http.StatusOK, toProductResponse(result.CachedProduct))
		return
	}

	if !wait {
		// 非同期指定時はTTL超過でも既存レコードがあればそれを返す。
		// 202はレコードがまだ一度も保存されていない場合のみ
		stored, findErr := h.products.FindByIdentifier(r.Context(), id)
		if findErr == nil && stored != nil {
			writeJSON(w, http.StatusOK, toProductResponse(stored))
			return
		}
		h.writeInProgress(w, id, result.Handle.TaskID)
		return
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
	defer cancel()

	outcome, err := result.Handle.Wait(waitCtx)
	if err != nil {
		// 同期待ちタイムアウト。タスクはバックグラウンドで継続する
		h.writeInProgress(w, id, result.Handle.TaskID)
		return
	}

	if outcome.Product != nil {
		writeJSON(w, http.StatusOK, toProductResponse(outcome.Product))
		return
	}

	// タスク失敗。過去にコミット済みのレコードがあればそれを返す
	stored, findErr := h.products.FindByIdentifier(r.Context(), id)
	if findErr == nil && stored != nil {
		writeJSON(w, http.StatusOK, toProductResponse(stored))
		return
	}

	writeAPIErrorResponse(w, http.StatusNotFound, model.NewProductNotFoundError(id.ASIN))
}

// writeInProgress は202応答をtask_id付きで書き込む。
func (h *ProductHandler) writeInProgress(w http.ResponseWriter, id model.Identifier, taskID string) {
	apiErr := model.NewScrapeInProgressError(id.ASIN)
	writeJSON(w, http.StatusAccepted, apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
		TaskID:   taskID,
	})
}

// scrapeBatchRequest はバッチスクレイプリクエストのボディ。
type scrapeBatchRequest struct {
	Items []scrapeBatchItem `json:"items"`
	Async *bool             `json:"async,omitempty"`
}

// scrapeBatchItem はバッチ内の1件分の指定。
type scrapeBatchItem struct {
	ASIN        string `json:"asin"`
	Marketplace string `json:"marketplace,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

// scrapeBatchResultItem はバッチ応答内の1件分の結果。
type scrapeBatchResultItem struct {
	ASIN        string            `json:"asin"`
	Marketplace string            `json:"marketplace"`
	TaskID      string            `json:"task_id,omitempty"`
	Status      string            `json:"status"`
	Cached      bool              `json:"cached,omitempty"`
	Coalesced   bool              `json:"coalesced,omitempty"`
	Error       *apiErrorResponse `json:"error,omitempty"`
}

// scrapeBatchResponse はバッチスクレイプの応答。
type scrapeBatchResponse struct {
	Items []scrapeBatchResultItem `json:"items"`
}

// ScrapeBatch はバッチスクレイプ投入を処理する。
// POST /asin/scrape
//
// itemsの各要素ごとに独立してタスクを投入し、結果を同じ順序で返す。
// 1件の失敗（不正なASIN、キュー満杯）は他の要素の投入を妨げない。
// async=false（デフォルトはtrue）の場合は全タスクの終端まで同期待ちする。
func (h *ProductHandler) ScrapeBatch(w http.ResponseWriter, r *http.Request) {
	var req scrapeBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	if len(req.Items) == 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewEmptyBatchError())
		return
	}

	async := true
	if req.Async != nil {
		async = *req.Async
	}

	results := make([]scrapeBatchResultItem, len(req.Items))
	handles := make([]*scrape.TaskHandle, len(req.Items))

	for i, item := range req.Items {
		id, apiErr := parseIdentifier(item.ASIN, item.Marketplace)
		if apiErr != nil {
			results[i] = scrapeBatchResultItem{
				ASIN:        item.ASIN,
				Marketplace: item.Marketplace,
				Status:      "rejected",
				Error:       toAPIErrorBody(apiErr),
			}
			continue
		}

		submit, err := h.scheduler.Submit(r.Context(), id, item.Force, r.RemoteAddr)
		if err != nil {
			results[i] = scrapeBatchResultItem{
				ASIN:        id.ASIN,
				Marketplace: string(id.Marketplace),
				Status:      "rejected",
				Error:       toSubmitErrorBody(err),
			}
			continue
		}

		if submit.CachedProduct != nil {
			results[i] = scrapeBatchResultItem{
				ASIN:        id.ASIN,
				Marketplace: string(id.Marketplace),
				Status:      "fresh",
				Cached:      true,
			}
			continue
		}

		results[i] = scrapeBatchResultItem{
			ASIN:        id.ASIN,
			Marketplace: string(id.Marketplace),
			TaskID:      submit.Handle.TaskID,
			Status:      string(model.TaskStatusQueued),
			Coalesced:   submit.Coalesced,
		}
		handles[i] = submit.Handle
	}

	if !async {
		waitCtx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
		defer cancel()

		for i, handle := range handles {
			if handle == nil {
				continue
			}
			outcome, err := handle.Wait(waitCtx)
			if err != nil {
				results[i].Status = string(model.TaskStatusRunning)
				continue
			}
			if outcome.Err != nil {
				results[i].Status = string(model.TaskStatusFailed)
			} else {
				results[i].Status = string(model.TaskStatusSuccess)
			}
		}
	}

	writeJSON(w, http.StatusAccepted, scrapeBatchResponse{Items: results})
}

// toAPIErrorBody はAPIErrorをレスポンスボディ形式に変換する。
func toAPIErrorBody(apiErr *model.APIError) *apiErrorResponse {
	return &apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}

// toSubmitErrorBody はSubmitのエラーをレスポンスボディ形式に変換する。
func toSubmitErrorBody(err error) *apiErrorResponse {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		apiErr = &model.APIError{
			Code:     "INTERNAL_ERROR",
			Message:  "内部エラーが発生しました。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		}
	}
	return toAPIErrorBody(apiErr)
}
