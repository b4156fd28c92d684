package scrape

import (
	"math/rand"
	"time"
)

const (
	// retryBaseDelay はリトライ間隔の基準値。
	retryBaseDelay = 2 * time.Second
	// retryMaxDelay はリトライ間隔の上限。
	retryMaxDelay = 60 * time.Second
	// retryJitterRatio は間隔に加えるジッタの割合。
	retryJitterRatio = 0.2
)

// retryDelay はattempt回目（0始まり）のリトライまでの待機時間を返す。
// 指数バックオフに±20%のジッタを加える。同時に失敗した複数タスクの
// リトライが同一瞬間に集中するのを避けるため。
func retryDelay(attempt int) time.Duration {
	delay := retryBaseDelay
	for i := 0; i < attempt && delay < retryMaxDelay; i++ {
		delay *= 2
	}
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}

	jitter := time.Duration((rand.Float64()*2 - 1) * retryJitterRatio * float64(delay))
	return delay + jitter
}
