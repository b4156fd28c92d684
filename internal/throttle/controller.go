// Package throttle はドメインごとの同時実行制御とペナルティ制御を提供する。
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// baseCooldown は初回ペナルティ時のクールダウン時間。
	baseCooldown = 30 * time.Second
	// maxCooldown はクールダウン時間の上限。
	maxCooldown = 15 * time.Minute
	// penaltyWindow はペナルティ回数をカウントするローリングウィンドウ。
	// この時間内の再検出でクールダウンが倍化する。
	penaltyWindow = 30 * time.Minute
	// successesPerRestore は実効キャップを1回復させるのに必要な連続成功数。
	successesPerRestore = 5
)

// domainState は1ドメイン分のスロットル状態。Controllerのロック下でのみ触る。
type domainState struct {
	inflight      int
	effectiveCap  int
	cooldownUntil time.Time
	penaltyCount  int
	lastPenaltyAt time.Time
	successStreak int
	limiter       *rate.Limiter

	// wakeTimer はクールダウン明けの再評価用タイマー。ドメインごとに1本だけ持つ。
	wakeTimer *time.Timer
	wakeAt    time.Time
}

// Controller はドメイン単位の同時実行数・ペナルティ・リクエスト間隔を管理する。
//
// Acquireは以下の3条件がすべて満たされるまでブロックする:
//   - 対象ドメインのin-flight数が実効キャップ未満
//   - 全ドメイン合計のin-flight数がグローバルキャップ未満
//   - 対象ドメインがクールダウン中でない
//
// CAPTCHAやレート制限の検出はReportCaptcha/ReportRateLimitedで通知され、
// 実効キャップの半減（最小1）と指数的なクールダウンを引き起こす。
// 連続成功が積み重なると実効キャップは設定値まで徐々に回復する。
type Controller struct {
	mu   sync.Mutex
	cond *sync.Cond

	perDomainCap   int
	globalCap      int
	globalInflight int
	domainRPS      float64

	domains map[string]*domainState

	// now はテストから差し替えるための時刻関数。
	now func() time.Time
}

// NewController はControllerを生成する。
// domainRPSはドメインごとのリクエスト間隔制御（0で無効）。
func NewController(perDomainCap, globalCap int, domainRPS float64) *Controller {
	c := &Controller{
		perDomainCap: perDomainCap,
		globalCap:    globalCap,
		domainRPS:    domainRPS,
		domains:      make(map[string]*domainState),
		now:          time.Now,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// state は指定ドメインの状態を返す。未登録なら初期化する。呼び出し側がロックを持つこと。
func (c *Controller) state(domain string) *domainState {
	s, ok := c.domains[domain]
	if !ok {
		s = &domainState{effectiveCap: c.perDomainCap}
		if c.domainRPS > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(c.domainRPS), 1)
		}
		c.domains[domain] = s
	}
	return s
}

// Acquire は指定ドメインのスロットルパーミットを取得する。
// パーミットが取得できるまでブロックし、ctxのキャンセルで中断する。
// 取得に成功した場合、呼び出し側はすべての終了経路でReleaseを呼ぶこと。
func (c *Controller) Acquire(ctx context.Context, domain string) error {
	// ctxキャンセルで待機中のゴルーチンを起こす
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cond.Broadcast()
	})
	defer stop()

	c.mu.Lock()
	for {
		if err := ctx.Err(); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("スロットル取得が中断されました: %w", err)
		}

		s := c.state(domain)
		now := c.now()

		if now.Before(s.cooldownUntil) {
			// クールダウン明けに再評価できるようタイマーで起こす
			c.scheduleWake(s, now)
			c.cond.Wait()
			continue
		}

		if s.inflight < s.effectiveCap && c.globalInflight < c.globalCap {
			s.inflight++
			c.globalInflight++
			limiter := s.limiter
			c.mu.Unlock()

			// リクエスト間隔制御はスロット確保後に行う。
			// 失敗した場合はスロットを返してから抜ける
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					c.Release(domain)
					return fmt.Errorf("リクエスト間隔の待機が中断されました: %w", err)
				}
			}
			return nil
		}

		c.cond.Wait()
	}
}

// scheduleWake はクールダウン明けのBroadcastを予約する。
// 既に同じ時刻以降のタイマーが予約済みなら何もしない。呼び出し側がロックを持つこと。
func (c *Controller) scheduleWake(s *domainState, now time.Time) {
	wakeAt := s.cooldownUntil
	if s.wakeTimer != nil {
		if !wakeAt.After(s.wakeAt) {
			return
		}
		s.wakeTimer.Stop()
	}
	s.wakeAt = wakeAt
	s.wakeTimer = time.AfterFunc(wakeAt.Sub(now), func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// 置き換え済みの古いタイマーが新しい予約を消さないようにする
		if s.wakeAt.Equal(wakeAt) {
			s.wakeTimer = nil
		}
		c.cond.Broadcast()
	})
}

// Release は取得済みのパーミットを返却し、待機中の取得要求を起こす。
func (c *Controller) Release(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state(domain)
	if s.inflight > 0 {
		s.inflight--
	}
	if c.globalInflight > 0 {
		c.globalInflight--
	}
	c.cond.Broadcast()
}

// ReportRateLimited はレート制限応答の検出を通知する。
// 実効キャップを半減（最小1）し、クールダウンを設定する。
func (c *Controller) ReportRateLimited(domain string) {
	c.penalize(domain)
}

// ReportCaptcha はCAPTCHAページの検出を通知する。
// レート制限と同じペナルティ経路をたどる。
func (c *Controller) ReportCaptcha(domain string) {
	c.penalize(domain)
}

func (c *Controller) penalize(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state(domain)
	now := c.now()

	// ローリングウィンドウ外の古いペナルティ履歴はリセットする
	if !s.lastPenaltyAt.IsZero() && now.Sub(s.lastPenaltyAt) > penaltyWindow {
		s.penaltyCount = 0
	}

	s.effectiveCap = s.effectiveCap / 2
	if s.effectiveCap < 1 {
		s.effectiveCap = 1
	}

	// クールダウンはウィンドウ内の再検出で倍化する: 30s, 1m, 2m, ... 上限15m
	cooldown := maxCooldown
	if s.penaltyCount < 6 {
		cooldown = baseCooldown << s.penaltyCount
	}
	if cooldown > maxCooldown {
		cooldown = maxCooldown
	}
	s.cooldownUntil = now.Add(cooldown)
	s.penaltyCount++
	s.lastPenaltyAt = now
	s.successStreak = 0
}

// ReportSuccess はクリーンな成功を通知する。
// 連続成功がsuccessesPerRestore回積み重なるごとに実効キャップが1回復する。
func (c *Controller) ReportSuccess(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state(domain)
	if s.effectiveCap >= c.perDomainCap {
		return
	}

	s.successStreak++
	if s.successStreak >= successesPerRestore {
		s.effectiveCap++
		s.successStreak = 0
		c.cond.Broadcast()
	}
}

// DomainSnapshot は監視用に公開されるドメイン状態のスナップショット。
type DomainSnapshot struct {
	Domain       string
	Inflight     int
	EffectiveCap int
	Cooling      bool
}

// Snapshot は全ドメインの現在状態を返す。メトリクスと/statsで使用される。
func (c *Controller) Snapshot() []DomainSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	snapshots := make([]DomainSnapshot, 0, len(c.domains))
	for domain, s := range c.domains {
		snapshots = append(snapshots, DomainSnapshot{
			Domain:       domain,
			Inflight:     s.inflight,
			EffectiveCap: s.effectiveCap,
			Cooling:      now.Before(s.cooldownUntil),
		})
	}
	return snapshots
}

// GlobalInflight は全ドメイン合計のin-flight数を返す。
func (c *Controller) GlobalInflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalInflight
}
