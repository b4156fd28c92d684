package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/asinman/internal/model"
)

// PostgresTaskRepo はPostgreSQLを使用したスクレイプタスクリポジトリ。
type PostgresTaskRepo struct {
	db *sql.DB
}

// NewPostgresTaskRepo はPostgresTaskRepoを生成する。
func NewPostgresTaskRepo(db *sql.DB) *PostgresTaskRepo {
	return &PostgresTaskRepo{db: db}
}

// Create はタスクを作成する。
// activeなタスクの重複は部分ユニークインデックスにより拒否される。
func (r *PostgresTaskRepo) Create(ctx context.Context, task *model.Task) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scrape_tasks (id, asin, marketplace, status, error, attempts,
		                           requested_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		task.ID, task.ASIN, string(task.Marketplace), string(task.Status),
		nullString(task.Error), task.Attempts, nullString(task.RequestedBy),
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("タスクの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
func (r *PostgresTaskRepo) FindByID(ctx context.Context, id string) (*model.Task, error) {
	return r.findOne(ctx,
		`SELECT id, asin, marketplace, status, error, attempts,
		        requested_by, created_at, updated_at
		 FROM scrape_tasks WHERE id = $1`,
		id,
	)
}

func (r *PostgresTaskRepo) findOne(ctx context.Context, query string, args ...any) (*model.Task, error) {
	task := &model.Task{}
	var errMessage, requestedBy sql.NullString

	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&task.ID, &task.ASIN, &task.Marketplace, &task.Status,
		&errMessage, &task.Attempts, &requestedBy,
		&task.CreatedAt, &task.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("タスクの取得に失敗しました: %w", err)
	}

	task.Error = nullStringValue(errMessage)
	task.RequestedBy = nullStringValue(requestedBy)

	return task, nil
}

// UpdateStatus はタスクの状態遷移を記録する。
func (r *PostgresTaskRepo) UpdateStatus(ctx context.Context, taskID string, status model.TaskStatus, errMessage string, attempts int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scrape_tasks SET status = $2, error = $3, attempts = $4, updated_at = now()
		 WHERE id = $1`,
		taskID, string(status), nullString(errMessage), attempts,
	)
	if err != nil {
		return fmt.Errorf("タスク状態の更新に失敗しました: %w", err)
	}
	return nil
}

// ResetStaleActive は前回プロセスの残骸となったactiveタスクをfailedに倒す。
// 起動時に一度だけ呼ばれる。
func (r *PostgresTaskRepo) ResetStaleActive(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE scrape_tasks
		 SET status = 'failed', error = 'プロセス再起動により中断されました', updated_at = now()
		 WHERE status IN ('queued', 'running')`,
	)
	if err != nil {
		return 0, fmt.Errorf("残骸タスクのリセットに失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("リセット件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// CountByStatus はタスク数をstatusごとに集計して返す。
func (r *PostgresTaskRepo) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, count(*) FROM scrape_tasks GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("タスク数の集計に失敗しました: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("集計結果の読み取りに失敗しました: %w", err)
		}
		counts[model.TaskStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("集計結果の走査に失敗しました: %w", err)
	}

	return counts, nil
}

// compile-time interface check
var _ TaskRepository = (*PostgresTaskRepo)(nil)
