package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, product, task, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidASIN          = "INVALID_ASIN"
	ErrCodeInvalidMarketplace   = "INVALID_MARKETPLACE"
	ErrCodeProductNotFound      = "PRODUCT_NOT_FOUND"
	ErrCodeScrapeInProgress     = "SCRAPE_IN_PROGRESS"
	ErrCodeTaskNotFound         = "TASK_NOT_FOUND"
	ErrCodeEmptyBatch           = "EMPTY_BATCH"
	ErrCodeQueueFull            = "QUEUE_FULL"
)

// NewInvalidASINError は無効なASINエラーを生成する。
func NewInvalidASINError(asin string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidASIN,
		Message:  fmt.Sprintf("無効なASINです: %s", asin),
		Category: "validation",
		Action:   "ASINは10文字の英数字で指定してください。",
	}
}

// NewInvalidMarketplaceError は未サポートのマーケットプレイスエラーを生成する。
func NewInvalidMarketplaceError(marketplace string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMarketplace,
		Message:  fmt.Sprintf("サポートされていないマーケットプレイスです: %s", marketplace),
		Category: "validation",
		Action:   "amazon.com、amazon.co.jp、amazon.de、amazon.co.uk、amazon.fr のいずれかを指定してください。",
	}
}

// NewProductNotFoundError は商品未検出エラーを生成する。
func NewProductNotFoundError(asin string) *APIError {
	return &APIError{
		Code:     ErrCodeProductNotFound,
		Message:  fmt.Sprintf("指定された商品が見つかりません: %s", asin),
		Category: "product",
		Action:   "ASINとマーケットプレイスを確認してください。",
	}
}

// NewScrapeInProgressError はスクレイプ進行中を示すエラーを生成する。
// 202応答のボディとして使用される。
func NewScrapeInProgressError(asin string) *APIError {
	return &APIError{
		Code:     ErrCodeScrapeInProgress,
		Message:  fmt.Sprintf("スクレイプを実行中です: %s", asin),
		Category: "product",
		Action:   "しばらく待ってから再取得するか、wait=trueを指定してください。",
	}
}

// NewTaskNotFoundError はタスク未検出エラーを生成する。
func NewTaskNotFoundError(taskID string) *APIError {
	return &APIError{
		Code:     ErrCodeTaskNotFound,
		Message:  fmt.Sprintf("指定されたタスクが見つかりません: %s", taskID),
		Category: "task",
		Action:   "タスクIDを確認してください。",
	}
}

// NewEmptyBatchError は空のバッチリクエストエラーを生成する。
func NewEmptyBatchError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyBatch,
		Message:  "itemsが空です。",
		Category: "validation",
		Action:   "1件以上のitemを指定してください。",
	}
}

// NewQueueFullError はキュー満杯エラーを生成する。
func NewQueueFullError() *APIError {
	return &APIError{
		Code:     ErrCodeQueueFull,
		Message:  "タスクキューが満杯です。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
