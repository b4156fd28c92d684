// Package scrape はスクレイプタスクのスケジューリングとワーカープールを提供する。
package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/asinman/internal/fingerprint"
	"github.com/hitoshi/asinman/internal/model"
	"github.com/hitoshi/asinman/internal/repository"
)

// Outcome はタスクの終端結果を表す。
type Outcome struct {
	// Product はタスク成功時の最新の商品レコード。
	Product *model.Product
	// Err はタスク失敗時のエラー。成功時はnil。
	Err error
}

// TaskHandle は進行中タスクへの参照。
// 同一Identifierへの重複Submitは同じTaskHandleに合流する。
type TaskHandle struct {
	TaskID string

	mu      sync.Mutex
	done    chan struct{}
	outcome Outcome
}

func newTaskHandle(taskID string) *TaskHandle {
	return &TaskHandle{
		TaskID: taskID,
		done:   make(chan struct{}),
	}
}

// Done はタスクが終端状態に達したときにcloseされるチャネルを返す。
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Outcome は終端結果を返す。Done()がcloseされる前の呼び出しはゼロ値を返す。
func (h *TaskHandle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Wait は終端結果を待つ。ctxが先にキャンセルされた場合はctxのエラーを返す。
// タスク自体は中断されず、バックグラウンドで継続する。
func (h *TaskHandle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (h *TaskHandle) complete(outcome Outcome) {
	h.mu.Lock()
	h.outcome = outcome
	h.mu.Unlock()
	close(h.done)
}

// SubmitResult はSubmitの結果を表す。
// CachedProductとHandleは排他的にどちらか一方のみ設定される。
type SubmitResult struct {
	// CachedProduct はTTL内の新鮮なレコードが存在した場合の即時応答。
	CachedProduct *model.Product
	// Handle は新規タスクまたは合流先の進行中タスクへの参照。
	Handle *TaskHandle
	// Coalesced は既存の進行中タスクに合流したことを示す。
	Coalesced bool
}

// queueItem はワーカープールへ渡されるキュー要素。
type queueItem struct {
	task   *model.Task
	handle *TaskHandle
}

// Scheduler はスクレイプリクエストの受付を行う。
// TTLキャッシュヒット判定、進行中タスクへの合流、キュー投入を担う。
// 同一Identifierに対してactiveなタスクは常に高々1件という不変条件を維持する。
type Scheduler struct {
	productRepo repository.ProductRepository
	taskRepo    repository.TaskRepository
	logger      *slog.Logger

	ttl   time.Duration
	queue chan *queueItem
	now   func() time.Time

	mu     sync.Mutex
	active map[model.Identifier]*TaskHandle
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(productRepo repository.ProductRepository, taskRepo repository.TaskRepository, logger *slog.Logger, ttl time.Duration, queueCapacity int) *Scheduler {
	return &Scheduler{
		productRepo: productRepo,
		taskRepo:    taskRepo,
		logger:      logger,
		ttl:         ttl,
		queue:       make(chan *queueItem, queueCapacity),
		now:         time.Now,
		active:      make(map[model.Identifier]*TaskHandle),
	}
}

// Submit はスクレイプリクエストを受け付ける。
//
// 判定順序:
//  1. force=falseかつTTL内の新鮮なレコードが存在 → CachedProductで即時応答
//  2. 同一Identifierの進行中タスクが存在 → そのタスクに合流（forceでも合流する）
//  3. 新規タスクを作成してキューに投入
//
// キューが満杯の場合はタスクを作成せずQUEUE_FULLエラーを返す。
func (s *Scheduler) Submit(ctx context.Context, id model.Identifier, force bool, requestedBy string) (*SubmitResult, error) {
	if !force {
		stored, err := s.productRepo.FindByIdentifier(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("商品レコードの検索に失敗: %w", err)
		}
		if fingerprint.IsFresh(stored, s.ttl, s.now()) {
			s.logger.Debug("TTL内のキャッシュヒット",
				slog.String("identifier", id.String()),
			)
			return &SubmitResult{CachedProduct: stored}, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if handle, ok := s.active[id]; ok {
		s.logger.Debug("進行中タスクに合流しました",
			slog.String("identifier", id.String()),
			slog.String("task_id", handle.TaskID),
		)
		return &SubmitResult{Handle: handle, Coalesced: true}, nil
	}

	createdAt := s.now()
	task := &model.Task{
		ID:          uuid.New().String(),
		ASIN:        id.ASIN,
		Marketplace: id.Marketplace,
		Status:      model.TaskStatusQueued,
		RequestedBy: requestedBy,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}

	if err := s.taskRepo.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("タスクの作成に失敗: %w", err)
	}

	handle := newTaskHandle(task.ID)

	select {
	case s.queue <- &queueItem{task: task, handle: handle}:
	default:
		// キュー満杯。作成済みのタスクはfailedに倒して受付を拒否する。
		if err := s.taskRepo.UpdateStatus(ctx, task.ID, model.TaskStatusFailed, "タスクキューが満杯です", 0); err != nil {
			s.logger.Error("キュー満杯タスクの失敗記録に失敗しました",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil, model.NewQueueFullError()
	}

	s.active[id] = handle

	s.logger.Info("スクレイプタスクを登録しました",
		slog.String("identifier", id.String()),
		slog.String("task_id", task.ID),
		slog.Bool("force", force),
		slog.Int("queue_depth", len(s.queue)),
	)

	return &SubmitResult{Handle: handle}, nil
}

// ActiveTask は指定Identifierの進行中タスクのハンドルを返す。存在しない場合はnil。
func (s *Scheduler) ActiveTask(id model.Identifier) *TaskHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

// QueueDepth は未着手のキュー要素数を返す。
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

// finish はタスクの終端を記録する。ワーカープールからのみ呼ばれる。
// 合流マップからの削除とTaskHandleのクローズを同時に行うため、
// これ以降のSubmitは新しいタスクを作成する。
func (s *Scheduler) finish(id model.Identifier, handle *TaskHandle, outcome Outcome) {
	s.mu.Lock()
	if s.active[id] == handle {
		delete(s.active, id)
	}
	s.mu.Unlock()
	handle.complete(outcome)
}
