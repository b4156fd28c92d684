package model

import (
	"errors"
	"fmt"
)

// ErrorKind はスクレイプ処理で発生するエラーの分類を表す。
// リトライ可否の判定とスロットルへのペナルティ通知に使用される。
type ErrorKind string

const (
	// ErrKindNotFound はレコードも進行中タスクも存在しない状態。
	ErrKindNotFound ErrorKind = "not_found"
	// ErrKindRateLimited はHTTP 429/503相当のレート制限応答。リトライ可能。
	ErrKindRateLimited ErrorKind = "rate_limited"
	// ErrKindCaptchaDetected はCAPTCHAページの検出。この試行では終端。
	ErrKindCaptchaDetected ErrorKind = "captcha_detected"
	// ErrKindFetchTimeout はフェッチのタイムアウト。リトライ可能。
	ErrKindFetchTimeout ErrorKind = "fetch_timeout"
	// ErrKindNetwork は一時的なネットワーク障害。リトライ可能。
	ErrKindNetwork ErrorKind = "network_error"
	// ErrKindUnsupportedMarketplace は未登録のマーケットプレイス。終端。
	ErrKindUnsupportedMarketplace ErrorKind = "unsupported_marketplace"
	// ErrKindParseFailure は最低限のフィールド（タイトル）すら抽出できない状態。終端。
	ErrKindParseFailure ErrorKind = "parse_failure"
	// ErrKindStorage は永続化層の失敗。タスクレベルでリトライ可能。
	ErrKindStorage ErrorKind = "storage_failure"
)

// ScrapeError は分類付きのスクレイプエラー。
// errors.Is/Asで分類を判定できる。
type ScrapeError struct {
	Kind ErrorKind
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *ScrapeError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap は内包するエラーを返す。
func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// Retryable は同一タスク内での自動リトライが許可される分類かを返す。
// rate_limited、fetch_timeout、network_error、storage_failureのみリトライ可能。
// captcha_detectedはペナルティを伴う終端、parse_failureと
// unsupported_marketplaceは構造的な失敗のため終端。
func (e *ScrapeError) Retryable() bool {
	switch e.Kind {
	case ErrKindRateLimited, ErrKindFetchTimeout, ErrKindNetwork, ErrKindStorage:
		return true
	default:
		return false
	}
}

// NewScrapeError は分類付きエラーを生成する。
func NewScrapeError(kind ErrorKind, err error) *ScrapeError {
	return &ScrapeError{Kind: kind, Err: err}
}

// ScrapeErrorKind はエラーチェーンからErrorKindを取り出す。
// ScrapeErrorが含まれない場合は空文字列とfalseを返す。
func ScrapeErrorKind(err error) (ErrorKind, bool) {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// IsRetryable はエラーチェーンにリトライ可能なScrapeErrorが含まれるかを返す。
// 分類不能なエラーはリトライ不可として扱う。
func IsRetryable(err error) bool {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}
