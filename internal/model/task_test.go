package model

import "testing"

func TestTaskStatus_Terminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskStatusQueued, false},
		{TaskStatusRunning, false},
		{TaskStatusSuccess, true},
		{TaskStatusFailed, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
		if got := tt.status.Active(); got == tt.want {
			t.Errorf("%s.Active() = %v: TerminalとActiveは排他です", tt.status, got)
		}
	}
}

func TestTaskStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusQueued, TaskStatusRunning, true},
		{TaskStatusQueued, TaskStatusFailed, true}, // キュー満杯での即時却下
		{TaskStatusQueued, TaskStatusSuccess, false},
		{TaskStatusRunning, TaskStatusSuccess, true},
		{TaskStatusRunning, TaskStatusFailed, true},
		{TaskStatusRunning, TaskStatusQueued, false},
		// 終端状態からの遷移は一切許可されない
		{TaskStatusSuccess, TaskStatusRunning, false},
		{TaskStatusSuccess, TaskStatusFailed, false},
		{TaskStatusFailed, TaskStatusQueued, false},
		{TaskStatusFailed, TaskStatusRunning, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s→%s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTask_Identifier(t *testing.T) {
	task := &Task{ASIN: "B08N5WRWNW", Marketplace: MarketplaceJP}
	id := task.Identifier()
	if id.ASIN != "B08N5WRWNW" || id.Marketplace != MarketplaceJP {
		t.Errorf("Identifier() = %+v", id)
	}
}
