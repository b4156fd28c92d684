package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/asinman/internal/model"
	"github.com/hitoshi/asinman/internal/throttle"
)

type mockProductCounter struct {
	counts map[model.ProductStatus]int
}

func (m *mockProductCounter) CountByStatus(ctx context.Context) (map[model.ProductStatus]int, error) {
	return m.counts, nil
}

type mockTaskCounter struct {
	counts map[model.TaskStatus]int
}

func (m *mockTaskCounter) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	return m.counts, nil
}

type mockQueueInspector struct {
	depth int
}

func (m *mockQueueInspector) QueueDepth() int { return m.depth }

type mockThrottleInspector struct {
	snapshot []throttle.DomainSnapshot
	inflight int
}

func (m *mockThrottleInspector) Snapshot() []throttle.DomainSnapshot { return m.snapshot }
func (m *mockThrottleInspector) GlobalInflight() int                 { return m.inflight }

func TestGetStats(t *testing.T) {
	h := NewStatsHandler(
		&mockProductCounter{counts: map[model.ProductStatus]int{
			model.ProductStatusFresh: 10,
			model.ProductStatusStale: 3,
		}},
		&mockTaskCounter{counts: map[model.TaskStatus]int{
			model.TaskStatusQueued:  2,
			model.TaskStatusRunning: 1,
			model.TaskStatusSuccess: 40,
		}},
		&mockQueueInspector{depth: 2},
		&mockThrottleInspector{
			snapshot: []throttle.DomainSnapshot{
				{Domain: "amazon.com", Inflight: 1, EffectiveCap: 3},
				{Domain: "amazon.co.jp", Inflight: 0, EffectiveCap: 1, Cooling: true},
			},
			inflight: 1,
		},
	)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	h.GetStats(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp statsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if resp.Products["fresh"] != 10 || resp.Products["stale"] != 3 {
		t.Errorf("Products = %v", resp.Products)
	}
	if resp.Tasks["queued"] != 2 || resp.Tasks["success"] != 40 {
		t.Errorf("Tasks = %v", resp.Tasks)
	}
	if resp.QueueDepth != 2 {
		t.Errorf("QueueDepth = %d", resp.QueueDepth)
	}
	if resp.GlobalInflight != 1 {
		t.Errorf("GlobalInflight = %d", resp.GlobalInflight)
	}
	if len(resp.Throttle) != 2 {
		t.Fatalf("Throttle数 = %d, want 2", len(resp.Throttle))
	}
	if resp.Throttle[1].Domain != "amazon.co.jp" || !resp.Throttle[1].Cooling {
		t.Errorf("Throttle[1] = %+v", resp.Throttle[1])
	}
}

func TestGetStats_EmptyState(t *testing.T) {
	h := NewStatsHandler(
		&mockProductCounter{counts: map[model.ProductStatus]int{}},
		&mockTaskCounter{counts: map[model.TaskStatus]int{}},
		&mockQueueInspector{},
		&mockThrottleInspector{},
	)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	h.GetStats(w, req)

	var raw map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	// 空でもthrottleはnullではなく[]
	if th, ok := raw["throttle"].([]any); !ok || len(th) != 0 {
		t.Errorf("throttle = %v, want []", raw["throttle"])
	}
}
