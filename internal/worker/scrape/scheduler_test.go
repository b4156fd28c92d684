package scrape

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/asinman/internal/model"
)

// mockTaskRepo はTaskRepositoryのインメモリ実装。
type mockTaskRepo struct {
	mu          sync.Mutex
	tasks       map[string]*model.Task
	createCalls int
}

func newMockTaskRepo() *mockTaskRepo {
	return &mockTaskRepo{tasks: make(map[string]*model.Task)}
}

func (m *mockTaskRepo) Create(ctx context.Context, task *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	clone := *task
	m.tasks[task.ID] = &clone
	return nil
}

func (m *mockTaskRepo) FindByID(ctx context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	clone := *task
	return &clone, nil
}

func (m *mockTaskRepo) UpdateStatus(ctx context.Context, taskID string, status model.TaskStatus, errMessage string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[taskID]; ok {
		task.Status = status
		task.Error = errMessage
		task.Attempts = attempts
	}
	return nil
}

func (m *mockTaskRepo) ResetStaleActive(ctx context.Context) (int64, error) { return 0, nil }

func (m *mockTaskRepo) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[model.TaskStatus]int)
	for _, task := range m.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

func (m *mockTaskRepo) taskByID(id string) *model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

// mockProductRepo はProductRepositoryのインメモリ実装。
type mockProductRepo struct {
	mu         sync.Mutex
	products   map[model.Identifier]*model.Product
	markFailed int
}

func newMockProductRepo() *mockProductRepo {
	return &mockProductRepo{products: make(map[model.Identifier]*model.Product)}
}

func (m *mockProductRepo) FindByIdentifier(ctx context.Context, id model.Identifier) (*model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id], nil
}

func (m *mockProductRepo) UpsertBundle(ctx context.Context, bundle *model.ProductBundle, fp string, scrapedAt time.Time) (*model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	product := &model.Product{
		ID:            "product-" + bundle.ASIN,
		ASIN:          bundle.ASIN,
		Marketplace:   bundle.Marketplace,
		Title:         bundle.Title,
		Status:        model.ProductStatusFresh,
		Fingerprint:   fp,
		LastScrapedAt: &scrapedAt,
	}
	m.products[bundle.Identifier()] = product
	return product, nil
}

func (m *mockProductRepo) TouchFreshness(ctx context.Context, id model.Identifier, scrapedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.products[id]; ok {
		p.LastScrapedAt = &scrapedAt
		p.Status = model.ProductStatusFresh
	}
	return nil
}

func (m *mockProductRepo) MarkFailed(ctx context.Context, id model.Identifier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markFailed++
	if p, ok := m.products[id]; ok {
		p.Status = model.ProductStatusFailed
	}
	return nil
}

func (m *mockProductRepo) UpdateImagePath(ctx context.Context, imageID, storagePath string) error {
	return nil
}

func (m *mockProductRepo) CountByStatus(ctx context.Context) (map[model.ProductStatus]int, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testID() model.Identifier {
	return model.Identifier{ASIN: "B08N5WRWNW", Marketplace: model.MarketplaceUS}
}

func freshProduct(id model.Identifier, scrapedAt time.Time) *model.Product {
	return &model.Product{
		ID:            "product-1",
		ASIN:          id.ASIN,
		Marketplace:   id.Marketplace,
		Title:         "Echo Dot",
		Status:        model.ProductStatusFresh,
		Fingerprint:   "abc123",
		LastScrapedAt: &scrapedAt,
	}
}

func TestScheduler_CacheHit(t *testing.T) {
	productRepo := newMockProductRepo()
	taskRepo := newMockTaskRepo()
	id := testID()
	productRepo.products[id] = freshProduct(id, time.Now().Add(-1*time.Hour))

	s := NewScheduler(productRepo, taskRepo, testLogger(), 24*time.Hour, 16)

	result, err := s.Submit(context.Background(), id, false, "test")
	if err != nil {
		t.Fatalf("Submitが失敗しました: %v", err)
	}
	if result.CachedProduct == nil {
		t.Fatal("TTL内のレコードはキャッシュヒットになるべきです")
	}
	if result.Handle != nil {
		t.Error("キャッシュヒット時にタスクは作成されないべきです")
	}
	if taskRepo.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0", taskRepo.createCalls)
	}
}

func TestScheduler_StaleCreatesTask(t *testing.T) {
	productRepo := newMockProductRepo()
	taskRepo := newMockTaskRepo()
	id := testID()
	productRepo.products[id] = freshProduct(id, time.Now().Add(-48*time.Hour))

	s := NewScheduler(productRepo, taskRepo, testLogger(), 24*time.Hour, 16)

	result, err := s.Submit(context.Background(), id, false, "test")
	if err != nil {
		t.Fatalf("Submitが失敗しました: %v", err)
	}
	if result.CachedProduct != nil {
		t.Error("TTL超過のレコードはキャッシュヒットにならないべきです")
	}
	if result.Handle == nil {
		t.Fatal("タスクハンドルが返されるべきです")
	}
	if taskRepo.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", taskRepo.createCalls)
	}
}

// TestScheduler_SetsTaskTimestamps は作成されるタスクにcreated_at/updated_atが
// 設定されることを検証する。
func TestScheduler_SetsTaskTimestamps(t *testing.T) {
	productRepo := newMockProductRepo()
	taskRepo := newMockTaskRepo()

	s := NewScheduler(productRepo, taskRepo, testLogger(), 24*time.Hour, 16)
	fixed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	result, err := s.Submit(context.Background(), testID(), false, "test")
	if err != nil {
		t.Fatalf("Submitが失敗しました: %v", err)
	}

	task := taskRepo.taskByID(result.Handle.TaskID)
	if task == nil {
		t.Fatal("タスクが保存されているべきです")
	}
	if !task.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", task.CreatedAt, fixed)
	}
	if !task.UpdatedAt.Equal(fixed) {
		t.Errorf("UpdatedAt = %v, want %v", task.UpdatedAt, fixed)
	}
}

func TestScheduler_ForceBypassesCache(t *testing.T) {
	productRepo := newMockProductRepo()
	taskRepo := newMockTaskRepo()
	id := testID()
	productRepo.products[id] = freshProduct(id, time.Now().Add(-1*time.Minute))

	s := NewScheduler(productRepo, taskRepo, testLogger(), 24*time.Hour, 16)

	result, err := s.Submit(context.Background(), id, true, "test")
	if err != nil {
		t.Fatalf("Submitが失敗しました: %v", err)
	}
	if result.CachedProduct != nil {
		t.Error("force=trueはTTL判定を迂回するべきです")
	}
	if result.Handle == nil {
		t.Fatal("タスクハンドルが返されるべきです")
	}
}

func TestScheduler_CoalescesDuplicateSubmits(t *testing.T) {
	productRepo := newMockProductRepo()
	taskRepo := newMockTaskRepo()
	id := testID()

	s := NewScheduler(productRepo, taskRepo, testLogger(), 24*time.Hour, 16)

	first, err := s.Submit(context.Background(), id, false, "first")
	if err != nil {
		t.Fatalf("初回Submitが失敗しました: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	handles := make([]*TaskHandle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := s.Submit(context.Background(), id, false, "dup")
			if err != nil {
				t.Errorf("Submitが失敗しました: %v", err)
				return
			}
			handles[i] = result.Handle
		}(i)
	}
	wg.Wait()

	for i, h := range handles {
		if h != first.Handle {
			t.Errorf("handles[%d]が初回のハンドルと異なります", i)
		}
	}
	if taskRepo.createCalls != 1 {
		t.Errorf("createCalls = %d, want 1", taskRepo.createCalls)
	}
}

func TestScheduler_ForceCoalescesIntoActiveTask(t *testing.T) {
	productRepo := newMockProductRepo()
	taskRepo := newMockTaskRepo()
	id := testID()

	s := NewScheduler(productRepo, taskRepo, testLogger(), 24*time.Hour, 16)

	first, err := s.Submit(context.Background(), id, false, "first")
	if err != nil {
		t.Fatalf("初回Submitが失敗しました: %v", err)
	}

	second, err := s.Submit(context.Background(), id, true, "force")
	if err != nil {
		t.Fatalf("2回目のSubmitが失敗しました: %v", err)
	}
	if !second.Coalesced {
		t.Error("force=trueでも進行中タスクには合流するべきです")
	}
	if second.Handle != first.Handle {
		t.Error("合流先のハンドルが初回と異なります")
	}
}

func TestScheduler_QueueFull(t *testing.T) {
	productRepo := newMockProductRepo()
	taskRepo := newMockTaskRepo()

	s := NewScheduler(productRepo, taskRepo, testLogger(), 24*time.Hour, 1)

	first := model.Identifier{ASIN: "B000000001", Marketplace: model.MarketplaceUS}
	second := model.Identifier{ASIN: "B000000002", Marketplace: model.MarketplaceUS}

	if _, err := s.Submit(context.Background(), first, false, "test"); err != nil {
		t.Fatalf("初回Submitが失敗しました: %v", err)
	}

	_, err := s.Submit(context.Background(), second, false, "test")
	if err == nil {
		t.Fatal("キュー満杯でエラーが返されるべきです")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("APIErrorではありません: %v", err)
	}
	if apiErr.Code != model.ErrCodeQueueFull {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeQueueFull)
	}

	// 拒否されたIdentifierは合流マップに残らない
	if s.ActiveTask(second) != nil {
		t.Error("拒否されたIdentifierのハンドルが残っています")
	}
}

func TestTaskHandle_WaitCancellation(t *testing.T) {
	h := newTaskHandle("task-1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}

	// タスク自体は継続しており、後からの完了は観測できる
	h.complete(Outcome{Err: errors.New("done")})
	outcome, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Waitが失敗しました: %v", err)
	}
	if outcome.Err == nil {
		t.Error("完了後のOutcomeが取得できません")
	}
}
