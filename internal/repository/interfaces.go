// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/asinman/internal/model"
)

// ProductRepository は商品データの永続化インターフェース。
type ProductRepository interface {
	// FindByIdentifier は (ASIN, marketplace) で商品を取得する。
	// 子データ（bullets, images, attributes）も含めて返す。
	// 見つからない場合はnilを返す。
	FindByIdentifier(ctx context.Context, id model.Identifier) (*model.Product, error)

	// UpsertBundle はパース結果を指定のフィンガープリントとともに永続化する。
	// 商品本体はUPSERT、子データは同一トランザクション内で
	// 全削除してから挿入し直すセット置換を行う。
	// 部分的に更新された状態が観測されることはない。
	UpsertBundle(ctx context.Context, bundle *model.ProductBundle, fingerprint string, scrapedAt time.Time) (*model.Product, error)

	// TouchFreshness はコンテンツ変更なしの再スクレイプ時に
	// last_scraped_atとstatusのみを更新する。本体・子データには触れない。
	TouchFreshness(ctx context.Context, id model.Identifier, scrapedAt time.Time) error

	// MarkFailed は未更新のままスクレイプに失敗した商品のstatusをfailedにする。
	// 商品レコードが存在しない場合は何もしない。
	MarkFailed(ctx context.Context, id model.Identifier) error

	// UpdateImagePath はダウンロード済み画像のstorage_pathを記録する。
	UpdateImagePath(ctx context.Context, imageID, storagePath string) error

	// CountByStatus は商品数をstatusごとに集計して返す。
	CountByStatus(ctx context.Context) (map[model.ProductStatus]int, error)
}

// TaskRepository はスクレイプタスクの永続化インターフェース。
// 終端状態（success/failed）のタスクは不変の履歴として保持される。
type TaskRepository interface {
	// Create はタスクを作成する。
	// 同一Identifierにactiveなタスクが既に存在する場合はエラーを返す。
	Create(ctx context.Context, task *model.Task) error

	// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Task, error)

	// UpdateStatus はタスクの状態遷移を記録する。
	// errMessageはfailedへの遷移時のみ設定される。
	UpdateStatus(ctx context.Context, taskID string, status model.TaskStatus, errMessage string, attempts int) error

	// ResetStaleActive は起動時に前回プロセスの残骸となったactiveなタスクを
	// failedに倒す。インメモリキューはプロセス再起動で消えるため、
	// DB上のactiveタスクは再開不能な孤児となる。
	ResetStaleActive(ctx context.Context) (int64, error)

	// CountByStatus はタスク数をstatusごとに集計して返す。
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error)
}
