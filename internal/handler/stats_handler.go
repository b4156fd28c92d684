package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/asinman/internal/model"
	"github.com/hitoshi/asinman/internal/throttle"
)

// ProductCounter は商品のstatus別集計インターフェース。
type ProductCounter interface {
	CountByStatus(ctx context.Context) (map[model.ProductStatus]int, error)
}

// TaskCounter はタスクのstatus別集計インターフェース。
type TaskCounter interface {
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error)
}

// QueueInspector はキュー深さの参照インターフェース。
type QueueInspector interface {
	QueueDepth() int
}

// ThrottleInspector はスロットル状態の参照インターフェース。
type ThrottleInspector interface {
	Snapshot() []throttle.DomainSnapshot
	GlobalInflight() int
}

// StatsHandler は運用状態照会のHTTPハンドラー。
type StatsHandler struct {
	products ProductCounter
	tasks    TaskCounter
	queue    QueueInspector
	throttle ThrottleInspector
}

// NewStatsHandler はStatsHandlerを生成する。
func NewStatsHandler(products ProductCounter, tasks TaskCounter, queue QueueInspector, th ThrottleInspector) *StatsHandler {
	return &StatsHandler{
		products: products,
		tasks:    tasks,
		queue:    queue,
		throttle: th,
	}
}

// throttleDomainResponse は1ドメイン分のスロットル状態。
type throttleDomainResponse struct {
	Domain       string `json:"domain"`
	Inflight     int    `json:"inflight"`
	EffectiveCap int    `json:"effective_cap"`
	Cooling      bool   `json:"cooling"`
}

// statsResponse は/statsのレスポンス。
type statsResponse struct {
	Products       map[string]int           `json:"products"`
	Tasks          map[string]int           `json:"tasks"`
	QueueDepth     int                      `json:"queue_depth"`
	GlobalInflight int                      `json:"global_inflight"`
	Throttle       []throttleDomainResponse `json:"throttle"`
}

// GetStats は運用状態を取得する。
// GET /stats
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	productCounts, err := h.products.CountByStatus(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	taskCounts, err := h.tasks.CountByStatus(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := statsResponse{
		Products:       make(map[string]int, len(productCounts)),
		Tasks:          make(map[string]int, len(taskCounts)),
		QueueDepth:     h.queue.QueueDepth(),
		GlobalInflight: h.throttle.GlobalInflight(),
		Throttle:       []throttleDomainResponse{},
	}
	for status, count := range productCounts {
		resp.Products[string(status)] = count
	}
	for status, count := range taskCounts {
		resp.Tasks[string(status)] = count
	}
	for _, s := range h.throttle.Snapshot() {
		resp.Throttle = append(resp.Throttle, throttleDomainResponse{
			Domain:       s.Domain,
			Inflight:     s.Inflight,
			EffectiveCap: s.EffectiveCap,
			Cooling:      s.Cooling,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
