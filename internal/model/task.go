package model

import "time"

// TaskStatus はスクレイプタスクのライフサイクル状態を表す。
// 遷移は queued → running → success | failed の単調な一方向のみ。
type TaskStatus string

const (
	// TaskStatusQueued はキュー投入済みで未着手の状態。
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusRunning はワーカーが処理中の状態。
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSuccess は正常終了した終端状態。
	TaskStatusSuccess TaskStatus = "success"
	// TaskStatusFailed は失敗した終端状態。エラー詳細が記録される。
	TaskStatusFailed TaskStatus = "failed"
)

// Terminal は終端状態（success/failed）かどうかを返す。
// 終端状態のタスクは不変の履歴として扱われる。
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}

// Active は進行中状態（queued/running）かどうかを返す。
// 同一Identifierに対してactiveなタスクは常に高々1件（Schedulerの不変条件）。
func (s TaskStatus) Active() bool {
	return s == TaskStatusQueued || s == TaskStatusRunning
}

// CanTransitionTo は状態遷移が許可されているかを返す。
// queued→running、running→success/failed に加え、queued→failed を許可する
// （キュー満杯での即時却下と起動時の取り残しタスクのリセットが使う）。
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusQueued:
		return next == TaskStatusRunning || next == TaskStatusFailed
	case TaskStatusRunning:
		return next == TaskStatusSuccess || next == TaskStatusFailed
	default:
		return false
	}
}

// Task は1回のスクレイプ試行のライフサイクルを表す。
type Task struct {
	ID          string
	ASIN        string
	Marketplace Marketplace
	Status      TaskStatus
	Error       string // failedの場合のみ設定される
	Attempts    int
	RequestedBy string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Identifier はタスクの対象となる自然キーを返す。
func (t *Task) Identifier() Identifier {
	return Identifier{ASIN: t.ASIN, Marketplace: t.Marketplace}
}
